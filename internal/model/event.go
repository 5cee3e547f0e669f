package model

import "fmt"

// Protocol identifies the application protocol detected on a connection.
type Protocol int

const (
	ProtocolUnknown Protocol = iota
	ProtocolHTTP1
	ProtocolHTTP2
)

// String returns a human-readable protocol name.
func (p Protocol) String() string {
	switch p {
	case ProtocolHTTP1:
		return "http1"
	case ProtocolHTTP2:
		return "http2"
	default:
		return "unknown"
	}
}

// Role is the role of the traced endpoint on a connection.
type Role int

const (
	RoleUnknown Role = iota
	RoleRequestor
	RoleResponder
)

// String returns a human-readable role name.
func (r Role) String() string {
	switch r {
	case RoleRequestor:
		return "requestor"
	case RoleResponder:
		return "responder"
	default:
		return "unknown"
	}
}

// TrafficClass combines the detected protocol and the endpoint role.
// Once either field is set to a non-Unknown value it never changes for
// the lifetime of a connection.
type TrafficClass struct {
	Protocol Protocol
	Role     Role
}

// EventType distinguishes the syscall that produced a data event.
type EventType int

const (
	EventTypeWrite EventType = iota
	EventTypeSend
	EventTypeRead
	EventTypeRecv
)

// IsSend reports whether the event carries bytes written by the traced
// process (write/send side of the socket).
func (t EventType) IsSend() bool {
	return t == EventTypeWrite || t == EventTypeSend
}

// ConnID uniquely identifies a traced connection. Generation is bumped by
// the probe every time a new socket reuses the same (pid, fd) pair, and
// PIDStartTimeNS guards against pid reuse across process restarts.
type ConnID struct {
	PID            uint32
	PIDStartTimeNS uint64
	FD             int32
	Generation     uint32
}

// String formats the connection id for log messages.
func (id ConnID) String() string {
	return fmt.Sprintf("pid=%d fd=%d gen=%d", id.PID, id.FD, id.Generation)
}

// SocketDataAttr is the metadata attached to a captured payload chunk.
// SeqNum is per-direction: write/send events share one counter, read/recv
// events share another.
type SocketDataAttr struct {
	ConnID       ConnID
	TrafficClass TrafficClass
	EventType    EventType
	TimestampNS  uint64
	SeqNum       uint64
	MsgSize      uint32
}

// SocketDataEvent is one captured chunk of a socket read or write. Msg is
// an owned copy; the probe's ring buffer memory is overwritten after the
// event is consumed.
type SocketDataEvent struct {
	Attr SocketDataAttr
	Msg  []byte
}

// ConnInfo describes a connection open or close event. For close events,
// WrSeqNum and RdSeqNum carry the total number of write/read events the
// probe emitted for each direction, and serve as completion witnesses.
type ConnInfo struct {
	ConnID       ConnID
	TimestampNS  uint64
	TrafficClass TrafficClass
	RawSockAddr  []byte
	WrSeqNum     uint64
	RdSeqNum     uint64
}

// Selection flags for which (protocol, direction) combinations the tracer
// captures. The probe applies the same mask kernel-side; the connector
// re-applies it to tolerate stale probe configuration.
const (
	SelectSendRequest uint64 = 1 << iota
	SelectRecvResponse
	SelectSendResponse
	SelectRecvRequest
)
