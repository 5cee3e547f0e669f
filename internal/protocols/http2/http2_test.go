package http2

import (
	"bytes"
	"encoding/binary"
	"testing"

	nethttp2 "golang.org/x/net/http2"

	"SockTracer/internal/protocols"
)

// buildFrame assembles one wire-format frame.
func buildFrame(frameType nethttp2.FrameType, flags nethttp2.Flags, streamID uint32, payload []byte) []byte {
	buf := make([]byte, frameHeaderLen+len(payload))
	buf[0] = byte(len(payload) >> 16)
	buf[1] = byte(len(payload) >> 8)
	buf[2] = byte(len(payload))
	buf[3] = byte(frameType)
	buf[4] = byte(flags)
	binary.BigEndian.PutUint32(buf[5:9], streamID)
	copy(buf[frameHeaderLen:], payload)
	return buf
}

func TestParseFrames(t *testing.T) {
	headers := buildFrame(nethttp2.FrameHeaders, nethttp2.FlagHeadersEndHeaders, 1, []byte{0x82, 0x86})
	data := buildFrame(nethttp2.FrameData, nethttp2.FlagDataEndStream, 1, []byte("hello"))

	p := NewParser()
	p.Append(append(headers, data...), 100)
	msgs, res := p.ParseMessages(protocols.MessageTypeResponse)

	if len(msgs) != 2 {
		t.Fatalf("Expected 2 frames, got %d", len(msgs))
	}
	first := msgs[0].(*Frame)
	if first.Type != nethttp2.FrameHeaders || first.StreamID != 1 {
		t.Errorf("First frame = %v stream %d, want HEADERS stream 1", first.Type, first.StreamID)
	}
	second := msgs[1].(*Frame)
	if second.Type != nethttp2.FrameData {
		t.Errorf("Second frame type = %v, want DATA", second.Type)
	}
	if !bytes.Equal(second.Payload, []byte("hello")) {
		t.Errorf("Payload = %q, want hello", second.Payload)
	}
	if second.Flags&nethttp2.FlagDataEndStream == 0 {
		t.Errorf("Expected END_STREAM flag on data frame")
	}
	if res.End.SeqNum != 1 || res.End.Offset != 0 {
		t.Errorf("End position = %+v, want {1 0}", res.End)
	}
}

func TestPartialFrameResumption(t *testing.T) {
	frame := buildFrame(nethttp2.FrameData, 0, 3, []byte("payload"))
	split := frameHeaderLen + 2

	p := NewParser()
	p.Append(frame[:split], 100)
	msgs, res := p.ParseMessages(protocols.MessageTypeResponse)
	if len(msgs) != 0 {
		t.Fatalf("Expected no frames from a partial frame, got %d", len(msgs))
	}
	if res.End.SeqNum != 0 || res.End.Offset != 0 {
		t.Errorf("End position = %+v, want {0 0}", res.End)
	}

	p = NewParser()
	p.Append(frame[:split], 100)
	p.Append(frame[split:], 200)
	msgs, res = p.ParseMessages(protocols.MessageTypeResponse)
	if len(msgs) != 1 {
		t.Fatalf("Expected 1 frame once completed, got %d", len(msgs))
	}
	if ts := msgs[0].TimestampNS(); ts != 100 {
		t.Errorf("TimestampNS = %d, want 100 (first fragment)", ts)
	}
	if res.End.SeqNum != 2 || res.End.Offset != 0 {
		t.Errorf("End position = %+v, want {2 0}", res.End)
	}
}

func TestClientPrefaceConsumed(t *testing.T) {
	frame := buildFrame(nethttp2.FrameSettings, 0, 0, nil)
	stream := append([]byte(nethttp2.ClientPreface), frame...)

	p := NewParser()
	p.Append(stream, 100)
	msgs, res := p.ParseMessages(protocols.MessageTypeRequest)
	if len(msgs) != 1 {
		t.Fatalf("Expected 1 frame after the preface, got %d", len(msgs))
	}
	if f := msgs[0].(*Frame); f.Type != nethttp2.FrameSettings {
		t.Errorf("Frame type = %v, want SETTINGS", f.Type)
	}
	if res.End.SeqNum != 1 || res.End.Offset != 0 {
		t.Errorf("End position = %+v, want {1 0}", res.End)
	}
}

func TestPayloadIsOwnedCopy(t *testing.T) {
	payload := []byte("mutable")
	frame := buildFrame(nethttp2.FrameData, 0, 1, payload)

	p := NewParser()
	p.Append(frame, 100)
	msgs, _ := p.ParseMessages(protocols.MessageTypeResponse)
	if len(msgs) != 1 {
		t.Fatalf("Expected 1 frame, got %d", len(msgs))
	}

	frame[frameHeaderLen] = 'X'
	if got := string(msgs[0].(*Frame).Payload); got != "mutable" {
		t.Errorf("Payload changed with input buffer: %q", got)
	}
}
