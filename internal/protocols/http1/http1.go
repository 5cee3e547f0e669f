package http1

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"net/http"
	"strings"

	"SockTracer/internal/protocols"
)

// Message is a single parsed HTTP/1.x request or response.
type Message struct {
	Type          protocols.MessageType
	Minor         int
	Method        string
	Path          string
	Status        int
	StatusMessage string
	Headers       map[string]string
	Body          string
	TimeNS        uint64
}

// TimestampNS implements protocols.Message.
func (m *Message) TimestampNS() uint64 {
	return m.TimeNS
}

// HeaderContains reports whether the named header exists and contains the
// given substring. Used by the response-header filter.
func (m *Message) HeaderContains(name, substr string) bool {
	v, ok := m.Headers[name]
	return ok && strings.Contains(v, substr)
}

// Parser frames HTTP/1.x messages out of a reassembled byte stream.
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

// ParseMessages parses as many whole messages as the buffered bytes allow.
// An incomplete trailing message leaves the position at its first byte so
// the caller can resume once more fragments arrive. Malformed bytes halt
// parsing at the last whole message.
func (p *Parser) ParseMessages(t protocols.MessageType) ([]protocols.Message, protocols.ParseResult) {
	data := p.buf.Bytes()
	consumed := 0
	var out []protocols.Message

	for consumed < len(data) {
		msg, n, err := parseOne(t, data[consumed:])
		if err != nil || n == 0 {
			break
		}
		msg.TimeNS = p.buf.TimestampAt(consumed)
		out = append(out, msg)
		consumed += n
	}

	return out, protocols.ParseResult{End: p.buf.Position(consumed)}
}

// parseOne frames a single message off the head of data. It returns the
// parsed message and the number of bytes it occupies. A (nil, 0, nil)
// return means the head holds an incomplete message; a non-nil error means
// the head is not parseable at all.
func parseOne(t protocols.MessageType, data []byte) (*Message, int, error) {
	r := bytes.NewReader(data)
	br := bufio.NewReader(r)

	// Bytes logically consumed from the stream so far: everything handed to
	// the bufio reader minus what it still buffers.
	pos := func() int {
		return len(data) - r.Len() - br.Buffered()
	}

	switch t {
	case protocols.MessageTypeRequest:
		req, err := http.ReadRequest(br)
		if err != nil {
			return nil, 0, classify(err)
		}
		body, err := readBody(req.Body, req.ContentLength, req.TransferEncoding)
		if err != nil {
			return nil, 0, classify(err)
		}
		return &Message{
			Type:    protocols.MessageTypeRequest,
			Minor:   req.ProtoMinor,
			Method:  req.Method,
			Path:    req.URL.RequestURI(),
			Headers: flattenHeader(req.Header),
			Body:    body,
		}, pos(), nil

	case protocols.MessageTypeResponse:
		resp, err := http.ReadResponse(br, nil)
		if err != nil {
			return nil, 0, classify(err)
		}
		body, err := readBody(resp.Body, resp.ContentLength, resp.TransferEncoding)
		if err != nil {
			return nil, 0, classify(err)
		}
		return &Message{
			Type:          protocols.MessageTypeResponse,
			Minor:         resp.ProtoMinor,
			Status:        resp.StatusCode,
			StatusMessage: statusMessage(resp.Status),
			Headers:       flattenHeader(resp.Header),
			Body:          body,
		}, pos(), nil
	}

	return nil, 0, errors.New("unknown message type")
}

// readBody drains the framed body. A message without Content-Length or
// chunked encoding is treated as header-only: a read-until-close body can
// never be completed from a live capture, and consuming the remainder would
// swallow the next pipelined message.
func readBody(rc io.ReadCloser, contentLength int64, transferEncoding []string) (string, error) {
	chunked := len(transferEncoding) > 0 && transferEncoding[0] == "chunked"
	if contentLength < 0 && !chunked {
		rc.Close()
		return "", nil
	}
	b, err := io.ReadAll(rc)
	if err != nil {
		return "", err
	}
	rc.Close()
	return string(b), nil
}

// classify maps truncated-input errors to nil so the caller retries once
// more bytes arrive; anything else is genuinely malformed.
func classify(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return nil
	}
	return err
}

func flattenHeader(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, vs := range h {
		out[k] = strings.Join(vs, ", ")
	}
	return out
}

// statusMessage strips the numeric code prefix from "200 OK"-style status
// lines.
func statusMessage(status string) string {
	s := strings.TrimSpace(status)
	if i := strings.IndexByte(s, ' '); i >= 0 {
		return s[i+1:]
	}
	return s
}
