package wire

import (
	"encoding/binary"
	"errors"
	"io"
	"iter"
	"sync"

	"github.com/machinefabric/gisgate-go/fault"
)

// MaxFrameSize is the hard ceiling on a single frame payload (10 MiB).
const MaxFrameSize = 10 * 1024 * 1024

const headerSize = 4

// FrameReader reads length-prefixed frames from a stream
type FrameReader struct {
	reader   io.Reader
	maxFrame uint32
}

// NewFrameReader creates a new FrameReader
func NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{
		reader:   r,
		maxFrame: MaxFrameSize,
	}
}

// SetMaxFrame lowers the frame ceiling. Values above MaxFrameSize are clamped.
func (fr *FrameReader) SetMaxFrame(n int) {
	if n <= 0 || n > MaxFrameSize {
		n = MaxFrameSize
	}
	fr.maxFrame = uint32(n)
}

// ReadFrame reads a single frame payload from the stream.
//
// A clean EOF before the first header byte returns io.EOF. EOF anywhere else
// returns a TruncatedFrame error; a partial payload is never returned.
func (fr *FrameReader) ReadFrame() ([]byte, error) {
	// Read 4-byte length prefix (big-endian)
	var lengthBuf [headerSize]byte
	n, err := io.ReadFull(fr.reader, lengthBuf[:])
	if err != nil {
		if errors.Is(err, io.EOF) && n == 0 {
			return nil, io.EOF
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fault.TruncatedFrame(n, headerSize)
		}
		return nil, err
	}

	length := binary.BigEndian.Uint32(lengthBuf[:])

	// Checked before allocating anything for the payload
	if length > fr.maxFrame {
		return nil, fault.FrameTooLarge(uint64(length), uint64(fr.maxFrame))
	}
	if length == 0 {
		return nil, fault.SchemaViolation("", "empty frame")
	}

	payload := make([]byte, length)
	n, err = io.ReadFull(fr.reader, payload)
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fault.TruncatedFrame(n, int(length))
		}
		return nil, err
	}
	return payload, nil
}

// Frames returns a lazy sequence of frame payloads. The sequence ends on a
// clean EOF; any other error is yielded once and ends the sequence. Breaking
// out of a range loop leaves the reader positioned at the next frame, so
// calling Frames again resumes where the previous iteration stopped.
func (fr *FrameReader) Frames() iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		for {
			payload, err := fr.ReadFrame()
			if err != nil {
				if !errors.Is(err, io.EOF) {
					yield(nil, err)
				}
				return
			}
			if !yield(payload, nil) {
				return
			}
		}
	}
}

// FrameWriter writes length-prefixed frames to a stream. It is safe for
// concurrent use; each frame is written with a single Write call.
type FrameWriter struct {
	mu       sync.Mutex
	writer   io.Writer
	maxFrame int
}

// NewFrameWriter creates a new FrameWriter
func NewFrameWriter(w io.Writer) *FrameWriter {
	return &FrameWriter{
		writer:   w,
		maxFrame: MaxFrameSize,
	}
}

// WriteFrame writes a single frame to the stream
func (fw *FrameWriter) WriteFrame(payload []byte) error {
	if len(payload) > fw.maxFrame {
		return fault.FrameTooLarge(uint64(len(payload)), uint64(fw.maxFrame))
	}
	buf := AppendFrame(make([]byte, 0, headerSize+len(payload)), payload)

	fw.mu.Lock()
	defer fw.mu.Unlock()
	_, err := fw.writer.Write(buf)
	return err
}

// AppendFrame appends the framed form of payload to dst.
func AppendFrame(dst, payload []byte) []byte {
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(payload)))
	return append(dst, payload...)
}
