package http2

import (
	"bytes"
	"encoding/binary"

	"golang.org/x/net/http2"

	"SockTracer/internal/protocols"
)

const frameHeaderLen = 9

// maxFrameLen caps the declared payload length we are willing to buffer
// for. SETTINGS_MAX_FRAME_SIZE tops out at 2^24-1, but anything past 1 MiB
// on a traced connection is far more likely to be a desynchronized stream.
const maxFrameLen = 1 << 20

// Frame is a single HTTP/2 frame: the 9-byte header fields plus an owned
// copy of the payload. Stream assembly (HEADERS+CONTINUATION, DATA
// grouping) is the dispatcher's concern, not the parser's.
type Frame struct {
	Type     http2.FrameType
	Flags    http2.Flags
	StreamID uint32
	Length   uint32
	Payload  []byte
	TimeNS   uint64
}

// TimestampNS implements protocols.Message.
func (f *Frame) TimestampNS() uint64 {
	return f.TimeNS
}

// Parser splits a reassembled byte stream into HTTP/2 frames.
type Parser struct {
	buf protocols.FragmentBuffer
}

// NewParser returns a fresh single-use parser.
func NewParser() *Parser {
	return &Parser{}
}

// Append implements protocols.EventParser.
func (p *Parser) Append(msg []byte, timestampNS uint64) {
	p.buf.Append(msg, timestampNS)
}

// ParseMessages frames as many whole frames as the buffered bytes allow.
// The client connection preface, when present at the head of the stream,
// is consumed without producing a frame. A declared payload length above
// maxFrameLen halts parsing; the stream is assumed desynchronized and will
// be flushed by the inactivity policy.
func (p *Parser) ParseMessages(t protocols.MessageType) ([]protocols.Message, protocols.ParseResult) {
	data := p.buf.Bytes()
	consumed := 0
	var out []protocols.Message

	// Requests open with the connection preface before the first frame.
	if t == protocols.MessageTypeRequest && bytes.HasPrefix(data, []byte(http2.ClientPreface)) {
		consumed += len(http2.ClientPreface)
	}

	for len(data)-consumed >= frameHeaderLen {
		rem := data[consumed:]
		length := uint32(rem[0])<<16 | uint32(rem[1])<<8 | uint32(rem[2])
		if length > maxFrameLen {
			break
		}
		if len(rem) < frameHeaderLen+int(length) {
			break
		}
		out = append(out, &Frame{
			Type:     http2.FrameType(rem[3]),
			Flags:    http2.Flags(rem[4]),
			StreamID: binary.BigEndian.Uint32(rem[5:9]) &^ (1 << 31),
			Length:   length,
			Payload:  append([]byte(nil), rem[frameHeaderLen:frameHeaderLen+length]...),
			TimeNS:   p.buf.TimestampAt(consumed),
		})
		consumed += frameHeaderLen + int(length)
	}

	return out, protocols.ParseResult{End: p.buf.Position(consumed)}
}
