package ipc

import (
	"encoding/binary"
	"errors"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	payload := []byte(`{"type":"broadcast","method":"x"}`)
	encoded := EncodeFrame(payload)

	if got := binary.LittleEndian.Uint32(encoded[:4]); got != uint32(len(payload)) {
		t.Fatalf("length prefix mismatch: %d", got)
	}

	decoder := &frameDecoder{}
	decoder.Append(encoded)
	out, err := decoder.Next()
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if string(out) != string(payload) {
		t.Fatalf("payload mismatch: %s", out)
	}
	if extra, err := decoder.Next(); err != nil || extra != nil {
		t.Fatalf("expected empty decoder, got %s err=%v", extra, err)
	}
}

func TestTruncatedStreamYieldsNothingUntilComplete(t *testing.T) {
	payload := []byte(`{"type":"response","requestId":"r","resultType":"success"}`)
	encoded := EncodeFrame(payload)

	decoder := &frameDecoder{}
	for i := 0; i < len(encoded)-1; i++ {
		decoder.Append(encoded[i : i+1])
		out, err := decoder.Next()
		if err != nil {
			t.Fatalf("byte %d: unexpected error %v", i, err)
		}
		if out != nil {
			t.Fatalf("byte %d: frame yielded before stream complete", i)
		}
	}
	decoder.Append(encoded[len(encoded)-1:])
	out, err := decoder.Next()
	if err != nil {
		t.Fatalf("final byte: %v", err)
	}
	if string(out) != string(payload) {
		t.Fatalf("payload mismatch after staged delivery: %s", out)
	}
}

func TestMultipleFramesInOneChunk(t *testing.T) {
	first := EncodeFrame([]byte(`{"a":1}`))
	second := EncodeFrame([]byte(`{"b":2}`))

	decoder := &frameDecoder{}
	decoder.Append(append(first, second...))

	out, err := decoder.Next()
	if err != nil || string(out) != `{"a":1}` {
		t.Fatalf("first frame: %s err=%v", out, err)
	}
	out, err = decoder.Next()
	if err != nil || string(out) != `{"b":2}` {
		t.Fatalf("second frame: %s err=%v", out, err)
	}
}

func TestOversizedFrameIsFatal(t *testing.T) {
	header := make([]byte, 4)
	binary.LittleEndian.PutUint32(header, MaxFrameBytes+1)

	decoder := &frameDecoder{}
	decoder.Append(header)
	_, err := decoder.Next()
	var tooLarge *ErrFrameTooLarge
	if !errors.As(err, &tooLarge) {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
	if tooLarge.Declared != MaxFrameBytes+1 {
		t.Fatalf("unexpected declared size %d", tooLarge.Declared)
	}
}
