package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/machinefabric/gisgate-go/fault"
)

func TestFrameRoundtrip(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	sizes := []int{1, 2, 3, 4, 5, 255, 4096, 65537, 1 << 20}

	var stream bytes.Buffer
	writer := NewFrameWriter(&stream)
	var sent [][]byte
	for _, size := range sizes {
		payload := make([]byte, size)
		rng.Read(payload)
		sent = append(sent, payload)
		require.NoError(t, writer.WriteFrame(payload))
	}

	reader := NewFrameReader(&stream)
	for i := range sent {
		got, err := reader.ReadFrame()
		require.NoError(t, err)
		assert.Equal(t, sent[i], got, "frame %d", i)
	}
	_, err := reader.ReadFrame()
	assert.ErrorIs(t, err, io.EOF)
}

func TestTruncatedFrames(t *testing.T) {
	full := AppendFrame(nil, []byte("hello, frame"))

	// Every cut strictly inside the frame must fail with TruncatedFrame.
	for cut := 1; cut < len(full); cut++ {
		reader := NewFrameReader(bytes.NewReader(full[:cut]))
		payload, err := reader.ReadFrame()
		assert.Nil(t, payload, "cut %d", cut)
		assert.True(t, fault.IsKind(err, fault.KindTruncatedFrame), "cut %d: %v", cut, err)
	}
}

func TestCleanEOFAtBoundary(t *testing.T) {
	stream := AppendFrame(nil, []byte("a"))
	stream = AppendFrame(stream, []byte("b"))

	reader := NewFrameReader(bytes.NewReader(stream))
	var got []string
	for payload, err := range reader.Frames() {
		require.NoError(t, err)
		got = append(got, string(payload))
	}
	assert.Equal(t, []string{"a", "b"}, got)
}

// headerOnlyReader serves a header and errors on any attempt to read a
// payload after it.
type headerOnlyReader struct {
	header []byte
	reads  int
}

func (r *headerOnlyReader) Read(p []byte) (int, error) {
	r.reads++
	if len(r.header) == 0 {
		return 0, errors.New("payload must not be read")
	}
	n := copy(p, r.header)
	r.header = r.header[n:]
	return n, nil
}

func TestFrameTooLargeRejectedBeforeRead(t *testing.T) {
	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, MaxFrameSize+1)
	src := &headerOnlyReader{header: header}

	_, err := NewFrameReader(src).ReadFrame()
	require.Error(t, err)
	assert.True(t, fault.IsKind(err, fault.KindFrameTooLarge))

	binary.BigEndian.PutUint32(header, 0xFFFFFFFF)
	_, err = NewFrameReader(&headerOnlyReader{header: header}).ReadFrame()
	assert.True(t, fault.IsKind(err, fault.KindFrameTooLarge))
}

func TestLoweredFrameCeiling(t *testing.T) {
	reader := NewFrameReader(bytes.NewReader(AppendFrame(nil, make([]byte, 64))))
	reader.SetMaxFrame(32)
	_, err := reader.ReadFrame()
	assert.True(t, fault.IsKind(err, fault.KindFrameTooLarge))
}

func TestEmptyFrameRejected(t *testing.T) {
	_, err := NewFrameReader(bytes.NewReader([]byte{0, 0, 0, 0})).ReadFrame()
	assert.True(t, fault.IsKind(err, fault.KindSchemaViolation))
}

func TestWriterRefusesOversizedPayload(t *testing.T) {
	var sink bytes.Buffer
	err := NewFrameWriter(&sink).WriteFrame(make([]byte, MaxFrameSize+1))
	assert.True(t, fault.IsKind(err, fault.KindFrameTooLarge))
	assert.Zero(t, sink.Len())
}

func TestFramesResumesAfterBreak(t *testing.T) {
	var stream []byte
	for _, s := range []string{"one", "two", "three"} {
		stream = AppendFrame(stream, []byte(s))
	}
	reader := NewFrameReader(bytes.NewReader(stream))

	for payload, err := range reader.Frames() {
		require.NoError(t, err)
		assert.Equal(t, "one", string(payload))
		break
	}

	var rest []string
	for payload, err := range reader.Frames() {
		require.NoError(t, err)
		rest = append(rest, string(payload))
	}
	assert.Equal(t, []string{"two", "three"}, rest)
}

func TestFramesYieldsTruncation(t *testing.T) {
	stream := AppendFrame(nil, []byte("ok"))
	stream = append(stream, 0, 0, 0, 9, 'x')

	var errs []error
	var payloads int
	for _, err := range NewFrameReader(bytes.NewReader(stream)).Frames() {
		if err != nil {
			errs = append(errs, err)
			continue
		}
		payloads++
	}
	assert.Equal(t, 1, payloads)
	require.Len(t, errs, 1)
	assert.True(t, fault.IsKind(errs[0], fault.KindTruncatedFrame))
}
