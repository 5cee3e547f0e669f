package tracker

import (
	"fmt"
	"log"

	"github.com/google/btree"

	"SockTracer/internal/model"
	"SockTracer/internal/protocols"
	"SockTracer/internal/protocols/http1"
	"SockTracer/internal/protocols/http2"
)

// fragment is one buffered data event keyed by its per-direction sequence
// number.
type fragment struct {
	seq uint64
	ev  *model.SocketDataEvent
}

func fragmentLess(a, b fragment) bool {
	return a.seq < b.seq
}

// DataStream reassembles one direction of a connection from
// sequence-numbered fragments and feeds the contiguous prefix through a
// protocol parser. Parsed messages accumulate in a holder whose protocol
// is committed on the first extraction and never changes afterwards.
type DataStream struct {
	events *btree.BTreeG[fragment]

	// Bytes already consumed from the fragment at nextSeq, left by a parse
	// that ended inside it.
	offset int

	// nextSeq is the sequence number extraction resumes from. It anchors
	// at the lowest fragment seen on the first extraction; afterwards a
	// missing fragment blocks everything behind it until the stream is
	// reset or the connection dies.
	nextSeq  uint64
	anchored bool

	msgProto model.Protocol
	messages []protocols.Message
}

// NewDataStream returns an empty stream.
func NewDataStream() *DataStream {
	return &DataStream{
		events: btree.NewG(2, fragmentLess),
	}
}

// AddEvent buffers a fragment. A fragment with an already-present sequence
// number is rejected, and the rejection reported via the return value so
// the tracker's per-direction counters do not count duplicates.
func (ds *DataStream) AddEvent(seqNum uint64, ev *model.SocketDataEvent) bool {
	if ds.anchored && seqNum < ds.nextSeq {
		log.Printf("Late data event seq_num=%d below consumed position %d [%s], discarding",
			seqNum, ds.nextSeq, ev.Attr.ConnID)
		return false
	}
	if _, ok := ds.events.Get(fragment{seq: seqNum}); ok {
		log.Printf("Duplicate data event seq_num=%d [%s], discarding", seqNum, ev.Attr.ConnID)
		return false
	}
	ds.events.ReplaceOrInsert(fragment{seq: seqNum, ev: ev})
	return true
}

// ExtractMessages walks the contiguous run of fragments at the head of the
// stream, parses it as the given protocol and direction, erases what was
// consumed, and returns the full accumulator. The accumulator's protocol
// is pinned on first use; asking for a different protocol later is a
// programmer error.
func (ds *DataStream) ExtractMessages(proto model.Protocol, t protocols.MessageType) ([]protocols.Message, error) {
	if ds.msgProto != model.ProtocolUnknown && ds.msgProto != proto {
		return nil, fmt.Errorf("data stream holds %s messages, cannot extract %s", ds.msgProto, proto)
	}

	parser, err := newParser(proto)
	if err != nil {
		return nil, err
	}

	// The stream anchors at the lowest fragment present on its first
	// extraction; streams do not always start at sequence zero when the
	// tracer attaches mid-connection.
	if !ds.anchored {
		if f, ok := ds.events.Min(); ok {
			ds.nextSeq = f.seq
			ds.anchored = true
		}
	}

	origOffset := ds.offset

	// Submit the contiguous run starting at nextSeq, stopping at the first
	// gap. The first fragment may have been partially consumed by a
	// previous call.
	next := ds.nextSeq
	count := 0
	ds.events.Ascend(func(f fragment) bool {
		if f.seq != next {
			return false
		}
		msg := f.ev.Msg
		if count == 0 && ds.offset != 0 {
			msg = msg[ds.offset:]
		}
		parser.Append(msg, f.ev.Attr.TimestampNS)
		count++
		next++
		return true
	})

	msgs, res := parser.ParseMessages(t)

	ds.msgProto = proto
	ds.messages = append(ds.messages, msgs...)

	for i := 0; i < res.End.SeqNum; i++ {
		ds.events.Delete(fragment{seq: ds.nextSeq + uint64(i)})
	}
	ds.nextSeq += uint64(res.End.SeqNum)
	if res.End.SeqNum == 0 {
		// Still inside the first fragment; positions are relative to the
		// sliced view.
		ds.offset = origOffset + res.End.Offset
	} else {
		ds.offset = res.End.Offset
	}

	return ds.messages, nil
}

// Messages returns the accumulated parsed messages.
func (ds *DataStream) Messages() []protocols.Message {
	return ds.messages
}

// PopFrontMessages drops the n oldest accumulated messages, after the
// dispatcher has paired and emitted them.
func (ds *DataStream) PopFrontMessages(n int) {
	if n <= 0 {
		return
	}
	if n >= len(ds.messages) {
		ds.messages = ds.messages[:0]
		return
	}
	ds.messages = append(ds.messages[:0], ds.messages[n:]...)
}

// Reset drops all buffered fragments and accumulated messages, leaving the
// stream indistinguishable from a fresh one. Used when the stream is
// believed to be desynchronized.
func (ds *DataStream) Reset() {
	ds.events.Clear(false)
	ds.offset = 0
	ds.nextSeq = 0
	ds.anchored = false
	ds.msgProto = model.ProtocolUnknown
	ds.messages = nil
}

// Empty reports whether the stream holds neither buffered fragments nor
// accumulated messages.
func (ds *DataStream) Empty() bool {
	return ds.events.Len() == 0 && len(ds.messages) == 0
}

// BufferedFragments returns the number of fragments awaiting parsing.
func (ds *DataStream) BufferedFragments() int {
	return ds.events.Len()
}

// newParser maps a committed protocol to a fresh single-use parser.
func newParser(proto model.Protocol) (protocols.EventParser, error) {
	switch proto {
	case model.ProtocolHTTP1:
		return http1.NewParser(), nil
	case model.ProtocolHTTP2:
		return http2.NewParser(), nil
	default:
		return nil, fmt.Errorf("no parser for protocol %s", proto)
	}
}
