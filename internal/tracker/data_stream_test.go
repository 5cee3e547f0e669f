package tracker

import (
	"testing"

	"SockTracer/internal/model"
	"SockTracer/internal/protocols"
	"SockTracer/internal/protocols/http1"
)

const resp0 = "HTTP/1.1 200 OK\r\n" +
	"Content-Type: json\r\n" +
	"Content-Length: 3\r\n" +
	"\r\n" +
	"foo"

const resp1 = "HTTP/1.1 200 OK\r\n" +
	"Content-Type: json\r\n" +
	"Content-Length: 3\r\n" +
	"\r\n" +
	"bar"

const resp2 = "HTTP/1.1 200 OK\r\n" +
	"Content-Type: json\r\n" +
	"Content-Length: 3\r\n" +
	"\r\n" +
	"doe"

func dataEvent(seq uint64, msg string) *model.SocketDataEvent {
	return &model.SocketDataEvent{
		Attr: model.SocketDataAttr{
			EventType:   model.EventTypeRecv,
			TimestampNS: 100 * (seq + 1),
			SeqNum:      seq,
			MsgSize:     uint32(len(msg)),
		},
		Msg: []byte(msg),
	}
}

func extract(t *testing.T, ds *DataStream) []protocols.Message {
	t.Helper()
	msgs, err := ds.ExtractMessages(model.ProtocolHTTP1, protocols.MessageTypeResponse)
	if err != nil {
		t.Fatalf("ExtractMessages failed: %v", err)
	}
	return msgs
}

func TestAddEventRejectsDuplicates(t *testing.T) {
	ds := NewDataStream()
	if !ds.AddEvent(0, dataEvent(0, resp0)) {
		t.Fatal("First AddEvent rejected")
	}
	if ds.AddEvent(0, dataEvent(0, resp1)) {
		t.Fatal("Duplicate seq_num accepted")
	}
	if ds.BufferedFragments() != 1 {
		t.Errorf("BufferedFragments = %d, want 1", ds.BufferedFragments())
	}
}

func TestExtractStopsAtGap(t *testing.T) {
	ds := NewDataStream()
	ds.AddEvent(0, dataEvent(0, resp0))
	ds.AddEvent(2, dataEvent(2, resp2))

	msgs := extract(t, ds)
	if len(msgs) != 1 {
		t.Fatalf("Expected 1 message before the gap, got %d", len(msgs))
	}
	if body := msgs[0].(*http1.Message).Body; body != "foo" {
		t.Errorf("Body = %q, want foo", body)
	}
	// The fragment past the gap stays buffered.
	if ds.BufferedFragments() != 1 {
		t.Errorf("BufferedFragments = %d, want 1", ds.BufferedFragments())
	}
}

func TestGapBlocksLaterFragments(t *testing.T) {
	ds := NewDataStream()
	ds.AddEvent(0, dataEvent(0, resp0))
	ds.AddEvent(2, dataEvent(2, resp2))

	if msgs := extract(t, ds); len(msgs) != 1 {
		t.Fatalf("Expected 1 message, got %d", len(msgs))
	}

	// A second extraction must not re-anchor past the missing fragment;
	// the buffered fragment stays blocked until the gap fills or the
	// stream is reset.
	if msgs := extract(t, ds); len(msgs) != 1 {
		t.Fatalf("Expected the blocked fragment to stay unparsed, got %d messages", len(msgs))
	}
	if ds.BufferedFragments() != 1 {
		t.Errorf("BufferedFragments = %d, want 1", ds.BufferedFragments())
	}
}

func TestLateEventBelowConsumedPositionRejected(t *testing.T) {
	ds := NewDataStream()
	ds.AddEvent(0, dataEvent(0, resp0))
	extract(t, ds)

	// Fragment 0 was consumed; a retransmitted copy must not be re-counted.
	if ds.AddEvent(0, dataEvent(0, resp0)) {
		t.Fatal("Event below the consumed position was accepted")
	}
}

func TestGapFillResumesWithOffset(t *testing.T) {
	half := len(resp1) / 2
	ds := NewDataStream()
	ds.AddEvent(0, dataEvent(0, resp0+resp1[:half]))
	ds.AddEvent(2, dataEvent(2, resp2))

	msgs := extract(t, ds)
	if len(msgs) != 1 {
		t.Fatalf("Expected 1 message, got %d", len(msgs))
	}

	// The missing fragment arrives; extraction resumes past the consumed
	// prefix of fragment 0 and drains everything.
	ds.AddEvent(1, dataEvent(1, resp1[half:]))
	msgs = extract(t, ds)
	if len(msgs) != 3 {
		t.Fatalf("Expected 3 messages after gap fill, got %d", len(msgs))
	}
	bodies := []string{"foo", "bar", "doe"}
	for i, want := range bodies {
		if got := msgs[i].(*http1.Message).Body; got != want {
			t.Errorf("Body[%d] = %q, want %q", i, got, want)
		}
	}
	if ds.BufferedFragments() != 0 {
		t.Errorf("BufferedFragments = %d, want 0", ds.BufferedFragments())
	}
}

func TestExtractAccumulatesAcrossCalls(t *testing.T) {
	ds := NewDataStream()
	ds.AddEvent(0, dataEvent(0, resp0))
	if msgs := extract(t, ds); len(msgs) != 1 {
		t.Fatalf("Expected 1 message, got %d", len(msgs))
	}

	ds.AddEvent(1, dataEvent(1, resp1))
	msgs := extract(t, ds)
	if len(msgs) != 2 {
		t.Fatalf("Expected 2 accumulated messages, got %d", len(msgs))
	}
}

func TestPopFrontMessages(t *testing.T) {
	ds := NewDataStream()
	ds.AddEvent(0, dataEvent(0, resp0+resp1))
	msgs := extract(t, ds)
	if len(msgs) != 2 {
		t.Fatalf("Expected 2 messages, got %d", len(msgs))
	}

	ds.PopFrontMessages(1)
	if left := ds.Messages(); len(left) != 1 || left[0].(*http1.Message).Body != "bar" {
		t.Errorf("Expected only the second message to remain")
	}
	ds.PopFrontMessages(5)
	if len(ds.Messages()) != 0 {
		t.Errorf("Expected no messages after over-pop")
	}
}

func TestTypeIsPinnedOnFirstExtract(t *testing.T) {
	ds := NewDataStream()
	ds.AddEvent(0, dataEvent(0, resp0))
	extract(t, ds)

	if _, err := ds.ExtractMessages(model.ProtocolHTTP2, protocols.MessageTypeResponse); err == nil {
		t.Fatal("Expected an error when extracting a different protocol")
	}
}

func TestResetLeavesStreamFresh(t *testing.T) {
	half := len(resp1) / 2
	ds := NewDataStream()
	ds.AddEvent(0, dataEvent(0, resp0+resp1[:half]))
	extract(t, ds)

	ds.Reset()
	if !ds.Empty() {
		t.Fatal("Stream not empty after Reset")
	}

	// A reset stream accepts a different protocol: the pin is gone.
	if _, err := ds.ExtractMessages(model.ProtocolHTTP2, protocols.MessageTypeResponse); err != nil {
		t.Fatalf("Extraction after Reset failed: %v", err)
	}
}

func TestEmpty(t *testing.T) {
	ds := NewDataStream()
	if !ds.Empty() {
		t.Fatal("New stream should be empty")
	}
	ds.AddEvent(0, dataEvent(0, resp0))
	if ds.Empty() {
		t.Fatal("Stream with a buffered fragment should not be empty")
	}
	extract(t, ds)
	if ds.Empty() {
		t.Fatal("Stream with accumulated messages should not be empty")
	}
	ds.PopFrontMessages(1)
	if !ds.Empty() {
		t.Fatal("Stream should be empty after consuming everything")
	}
}
