package model

import "github.com/google/uuid"

// TraceRecord is one matched request/response pair, ready for a sink.
// TimeNS is the BPF timestamp of the first response byte plus the one-time
// wall-clock offset. LatencyNS is zero when no request was matched.
type TraceRecord struct {
	TimeNS      uint64
	TraceID     uuid.UUID
	PID         uint32
	FD          int32
	RemoteAddr  string
	RemotePort  int
	ReqMethod   string
	ReqPath     string
	ReqHeaders  map[string]string
	RespStatus  int
	RespMessage string
	RespHeaders map[string]string
	RespBody    string
	LatencyNS   uint64
}

// RecordSink receives finished trace records. Implementations are the
// in-memory record batch used by tests, the ClickHouse writer, and the
// gob file writer.
type RecordSink interface {
	Append(rec TraceRecord)
}
