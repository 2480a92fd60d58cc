package wire

import (
	"bytes"
	"encoding/json"
	"reflect"

	"github.com/fxamacker/cbor/v2"

	"github.com/machinefabric/gisgate-go/fault"
)

// Codec serializes message payloads carried inside frames.
type Codec interface {
	Name() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

type cborCodec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

// CBOR returns the default codec. Maps decode with string keys so decoded
// payloads can be handed to the schema validator unchanged.
func CBOR() Codec {
	enc, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	dec, err := cbor.DecOptions{
		DefaultMapType:   reflect.TypeOf(map[string]any(nil)),
		MaxNestedLevels:  32,
		MaxArrayElements: 1 << 20,
		MaxMapPairs:      1 << 20,
	}.DecMode()
	if err != nil {
		panic(err)
	}
	return &cborCodec{enc: enc, dec: dec}
}

func (c *cborCodec) Name() string                       { return "cbor" }
func (c *cborCodec) Marshal(v any) ([]byte, error)      { return c.enc.Marshal(v) }
func (c *cborCodec) Unmarshal(data []byte, v any) error { return c.dec.Unmarshal(data, v) }

type jsonCodec struct{}

// JSON returns a JSON codec. Numbers decode as json.Number.
func JSON() Codec {
	return jsonCodec{}
}

func (jsonCodec) Name() string                  { return "json" }
func (jsonCodec) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

func (jsonCodec) Unmarshal(data []byte, v any) error {
	d := json.NewDecoder(bytes.NewReader(data))
	d.UseNumber()
	return d.Decode(v)
}

// DecodeEnvelope decodes a frame payload into a generic map. Payloads that do
// not decode, or decode to something other than a map, are schema violations.
func DecodeEnvelope(c Codec, payload []byte) (map[string]any, error) {
	var m map[string]any
	if err := c.Unmarshal(payload, &m); err != nil {
		return nil, fault.Wrap(fault.KindSchemaViolation, err, "payload is not a valid "+c.Name()+" document")
	}
	if m == nil {
		return nil, fault.SchemaViolation("", "message must be a map")
	}
	return m, nil
}
