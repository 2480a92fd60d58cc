// Package schema checks the shape of decoded messages before any field is
// interpreted. Validation is pure: no I/O and no side effects.
package schema

import (
	"fmt"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"

	"github.com/machinefabric/gisgate-go/fault"
	"github.com/machinefabric/gisgate-go/wire"
)

// Envelope is the JSON schema every request must satisfy. Unknown fields are
// allowed so newer clients can add fields without breaking older servers.
var Envelope = map[string]any{
	"type":     "object",
	"required": []any{"version", "id", "method"},
	"properties": map[string]any{
		"version": map[string]any{
			"type":    "integer",
			"minimum": wire.ProtocolVersion,
			"maximum": wire.ProtocolVersion,
		},
		"id": map[string]any{
			"type":      []any{"string", "integer"},
			"minLength": 1,
			"maxLength": 100,
			"minimum":   0,
		},
		"method": map[string]any{
			"type":      "string",
			"minLength": 1,
			"maxLength": 64,
			"pattern":   "^[a-z][a-z0-9_]*$",
		},
		"params": map[string]any{
			"type": "object",
		},
		"auth_token": map[string]any{
			"type":      "string",
			"maxLength": 256,
		},
	},
}

// Validator validates request envelopes and per-method params.
type Validator struct {
	envelope *gojsonschema.Schema

	mu     sync.RWMutex
	params map[string]*gojsonschema.Schema
}

// NewValidator compiles the envelope schema.
func NewValidator() (*Validator, error) {
	envelope, err := compile(Envelope)
	if err != nil {
		return nil, fmt.Errorf("compile envelope schema: %w", err)
	}
	return &Validator{
		envelope: envelope,
		params:   make(map[string]*gojsonschema.Schema),
	}, nil
}

// RegisterParams compiles and registers the params schema for a method.
// Methods without a registered schema accept any params object.
func (v *Validator) RegisterParams(method string, schema map[string]any) error {
	compiled, err := compile(schema)
	if err != nil {
		return fmt.Errorf("compile params schema for %s: %w", method, err)
	}
	v.mu.Lock()
	v.params[method] = compiled
	v.mu.Unlock()
	return nil
}

// Validate checks the envelope and, when the method has a registered schema,
// its params. The first violation is returned as a SchemaViolation whose
// Field is the dotted path of the offending field.
func (v *Validator) Validate(doc map[string]any) error {
	if err := check(v.envelope, doc, ""); err != nil {
		return err
	}

	method, _ := doc["method"].(string)
	v.mu.RLock()
	paramsSchema := v.params[method]
	v.mu.RUnlock()
	if paramsSchema == nil {
		return nil
	}

	params, ok := doc["params"]
	if !ok || params == nil {
		params = map[string]any{}
	}
	return check(paramsSchema, params, "params")
}

// Message validates doc and converts it into a wire.Message.
func (v *Validator) Message(doc map[string]any) (wire.Message, error) {
	if err := v.Validate(doc); err != nil {
		return wire.Message{}, err
	}
	return ToMessage(doc), nil
}

// ToMessage converts an already validated document.
func ToMessage(doc map[string]any) wire.Message {
	params, _ := doc["params"].(map[string]any)
	if params == nil {
		params = map[string]any{}
	}
	token, _ := doc["auth_token"].(string)
	method, _ := doc["method"].(string)
	version, _ := wire.Params(doc).Int("version")
	return wire.Message{
		Version:   int(version),
		ID:        doc["id"],
		Method:    method,
		Params:    params,
		AuthToken: token,
	}
}

func compile(schema map[string]any) (*gojsonschema.Schema, error) {
	return gojsonschema.NewSchema(gojsonschema.NewGoLoader(schema))
}

func check(schema *gojsonschema.Schema, doc any, prefix string) error {
	result, err := schema.Validate(gojsonschema.NewGoLoader(doc))
	if err != nil {
		return fault.Wrap(fault.KindSchemaViolation, err, "document could not be validated")
	}
	if result.Valid() {
		return nil
	}

	first := result.Errors()[0]
	return fault.SchemaViolation(fieldPath(prefix, first), first.Description())
}

// fieldPath joins the gojsonschema context with the missing property name for
// "required" errors, which gojsonschema reports against the parent object.
func fieldPath(prefix string, re gojsonschema.ResultError) string {
	field := re.Field()
	if field == "(root)" {
		field = ""
	}
	if re.Type() == "required" {
		if prop, ok := re.Details()["property"].(string); ok {
			field = join(field, prop)
		}
	}
	return join(prefix, field)
}

func join(parts ...string) string {
	var out []string
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, ".")
}
