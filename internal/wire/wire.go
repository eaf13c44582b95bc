// Package wire implements the length-framed msgpack encoding used to move
// a single generator-emitted tuple from the master to a worker over a
// freshly-accepted Unix-domain connection.
//
// Frame layout: a 4-byte big-endian length prefix followed by that many
// bytes of msgpack-encoded payload. The payload is always a msgpack array
// (the tuple), whose elements may themselves be any of the supported
// primitives: bool, int64/uint64, float64, []byte, string, []any and
// map[string]any.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"
)

// MaxFrameSize bounds the length prefix to guard against a corrupt or
// malicious peer claiming an enormous frame. Tuples are expected to be
// small; 64 MiB is generously above anything a sane task would emit.
const MaxFrameSize = 64 << 20

// Tuple is the argument list a generator emits and a processor consumes.
type Tuple []any

// Encode serializes a tuple into a length-prefixed msgpack frame.
func Encode(t Tuple) ([]byte, error) {
	payload, err := msgpack.Marshal([]any(t))
	if err != nil {
		return nil, fmt.Errorf("wire: cannot marshal tuple: %w", err)
	}
	if len(payload) > MaxFrameSize {
		return nil, fmt.Errorf("wire: tuple of %d bytes exceeds max frame size %d", len(payload), MaxFrameSize)
	}
	frame := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(frame[:4], uint32(len(payload)))
	copy(frame[4:], payload)
	return frame, nil
}

// WriteTuple encodes and writes a single frame to w.
func WriteTuple(w io.Writer, t Tuple) error {
	frame, err := Encode(t)
	if err != nil {
		return err
	}
	_, err = w.Write(frame)
	return err
}

// ReadTuple reads and decodes a single frame from r.
func ReadTuple(r io.Reader) (Tuple, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(lenBuf[:])
	if size > MaxFrameSize {
		return nil, fmt.Errorf("wire: frame of %d bytes exceeds max frame size %d", size, MaxFrameSize)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("wire: short read of frame payload: %w", err)
	}
	var out []any
	if err := msgpack.Unmarshal(payload, &out); err != nil {
		return nil, fmt.Errorf("wire: cannot unmarshal tuple: %w", err)
	}
	return Tuple(out), nil
}
