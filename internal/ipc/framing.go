package ipc

import (
	"encoding/binary"
	"fmt"
)

// MaxFrameBytes is the hard cap on a single frame's declared payload length.
// A frame announcing more than this is a protocol violation, not a large
// message: the connection cannot be trusted past it.
const MaxFrameBytes = 256 << 20

const lengthPrefixBytes = 4

// ErrFrameTooLarge is returned by the decoder when an inbound frame declares
// a length beyond MaxFrameBytes. It is fatal to the connection.
type ErrFrameTooLarge struct {
	Declared uint32
}

func (e *ErrFrameTooLarge) Error() string {
	return fmt.Sprintf("frame declares %d bytes, cap is %d", e.Declared, MaxFrameBytes)
}

// EncodeFrame prefixes the payload with its 4-byte little-endian length.
func EncodeFrame(payload []byte) []byte {
	out := make([]byte, lengthPrefixBytes+len(payload))
	binary.LittleEndian.PutUint32(out[:lengthPrefixBytes], uint32(len(payload)))
	copy(out[lengthPrefixBytes:], payload)
	return out
}

// frameDecoder accumulates inbound bytes and yields complete frame payloads.
// Partial frames stay buffered until the remaining bytes arrive.
type frameDecoder struct {
	buf []byte
}

func (d *frameDecoder) Append(data []byte) {
	d.buf = append(d.buf, data...)
}

// Next returns the next complete payload, or nil when more bytes are needed.
func (d *frameDecoder) Next() ([]byte, error) {
	if len(d.buf) < lengthPrefixBytes {
		return nil, nil
	}
	declared := binary.LittleEndian.Uint32(d.buf[:lengthPrefixBytes])
	if declared > MaxFrameBytes {
		return nil, &ErrFrameTooLarge{Declared: declared}
	}
	total := lengthPrefixBytes + int(declared)
	if len(d.buf) < total {
		return nil, nil
	}
	payload := make([]byte, declared)
	copy(payload, d.buf[lengthPrefixBytes:total])
	d.buf = d.buf[total:]
	return payload, nil
}
