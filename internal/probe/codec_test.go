package probe

import (
	"testing"

	"SockTracer/internal/model"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	env := &EventEnvelope{
		Kind: KindData,
		Data: &model.SocketDataEvent{
			Attr: model.SocketDataAttr{
				ConnID:       model.ConnID{PID: 42, FD: 7, Generation: 2},
				TrafficClass: model.TrafficClass{Protocol: model.ProtocolHTTP1, Role: model.RoleRequestor},
				EventType:    model.EventTypeRecv,
				TimestampNS:  12345,
				SeqNum:       3,
				MsgSize:      5,
			},
			Msg: []byte("hello"),
		},
	}

	data, err := EncodeEnvelope(env)
	if err != nil {
		t.Fatalf("EncodeEnvelope failed: %v", err)
	}

	got, err := DecodeEnvelope(data)
	if err != nil {
		t.Fatalf("DecodeEnvelope failed: %v", err)
	}
	if got.Kind != KindData || got.Data == nil {
		t.Fatalf("Decoded envelope = %+v", got)
	}
	if got.Data.Attr.ConnID != env.Data.Attr.ConnID {
		t.Errorf("ConnID = %+v, want %+v", got.Data.Attr.ConnID, env.Data.Attr.ConnID)
	}
	if string(got.Data.Msg) != "hello" {
		t.Errorf("Msg = %q, want hello", got.Data.Msg)
	}
}

func TestDecodeEnvelopeGarbage(t *testing.T) {
	if _, err := DecodeEnvelope([]byte("not gob")); err == nil {
		t.Fatal("Expected an error decoding garbage")
	}
}
