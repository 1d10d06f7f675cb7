package wire

import (
	"bytes"
	"errors"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	f := Frame{Type: FrameBlock, Payload: []byte("hello block")}
	data, err := Encode(f)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	c := NewCodec()
	frames, err := c.Feed(data)
	if err != nil {
		t.Fatalf("Feed: %v", err)
	}
	if len(frames) != 1 {
		t.Fatalf("expected 1 frame, got %d", len(frames))
	}
	if frames[0].Type != FrameBlock || !bytes.Equal(frames[0].Payload, f.Payload) {
		t.Fatalf("round trip mismatch: %+v", frames[0])
	}
}

func TestFeedAcrossPartialReads(t *testing.T) {
	f := Frame{Type: FrameTransaction, Payload: []byte("partial payload data")}
	data, err := Encode(f)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	c := NewCodec()
	var got []Frame
	for i := 0; i < len(data); i++ {
		frames, err := c.Feed(data[i : i+1])
		if err != nil {
			t.Fatalf("Feed byte %d: %v", i, err)
		}
		got = append(got, frames...)
	}
	if len(got) != 1 || !bytes.Equal(got[0].Payload, f.Payload) {
		t.Fatalf("byte-at-a-time feed failed: %+v", got)
	}
}

func TestFeedMultipleFramesInOneChunk(t *testing.T) {
	a, _ := Encode(Frame{Type: FramePing, Payload: []byte("1")})
	b, _ := Encode(Frame{Type: FramePong, Payload: []byte("2")})
	c := NewCodec()
	frames, err := c.Feed(append(a, b...))
	if err != nil {
		t.Fatalf("Feed: %v", err)
	}
	if len(frames) != 2 || frames[0].Type != FramePing || frames[1].Type != FramePong {
		t.Fatalf("expected [Ping, Pong], got %+v", frames)
	}
}

func TestFeedRejectsZeroLengthFrame(t *testing.T) {
	c := NewCodec()
	_, err := c.Feed([]byte{0, 0, 0, 0})
	if !errors.Is(err, ErrInvalidFrame) {
		t.Fatalf("expected ErrInvalidFrame, got %v", err)
	}
}

func TestFeedRejectsOversizeFrame(t *testing.T) {
	c := NewCodec()
	buf := make([]byte, 4)
	buf[0] = 0xFF // length field far exceeding MaxFrameLength
	buf[1] = 0xFF
	buf[2] = 0xFF
	buf[3] = 0xFF
	_, err := c.Feed(buf)
	if !errors.Is(err, ErrInvalidFrame) {
		t.Fatalf("expected ErrInvalidFrame, got %v", err)
	}
}

func TestEncodeRejectsOversizePayload(t *testing.T) {
	_, err := Encode(Frame{Type: FrameBlock, Payload: make([]byte, MaxFrameLength+1)})
	if err == nil {
		t.Fatal("expected error for oversize payload")
	}
}
