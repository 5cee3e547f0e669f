package sink

import "SockTracer/internal/model"

// RecordBatch is an in-memory columnar accumulator of trace records. It is
// the sink used by tests and by the stats endpoint's recent-records view.
type RecordBatch struct {
	Times        []uint64
	TraceIDs     []string
	PIDs         []uint32
	FDs          []int32
	RemoteAddrs  []string
	RemotePorts  []int
	ReqMethods   []string
	ReqPaths     []string
	ReqHeaders   []map[string]string
	RespStatuses []int
	RespMessages []string
	RespHeaders  []map[string]string
	RespBodies   []string
	Latencies    []uint64
}

// NewRecordBatch returns an empty batch.
func NewRecordBatch() *RecordBatch {
	return &RecordBatch{}
}

// Append implements model.RecordSink.
func (b *RecordBatch) Append(rec model.TraceRecord) {
	b.Times = append(b.Times, rec.TimeNS)
	b.TraceIDs = append(b.TraceIDs, rec.TraceID.String())
	b.PIDs = append(b.PIDs, rec.PID)
	b.FDs = append(b.FDs, rec.FD)
	b.RemoteAddrs = append(b.RemoteAddrs, rec.RemoteAddr)
	b.RemotePorts = append(b.RemotePorts, rec.RemotePort)
	b.ReqMethods = append(b.ReqMethods, rec.ReqMethod)
	b.ReqPaths = append(b.ReqPaths, rec.ReqPath)
	b.ReqHeaders = append(b.ReqHeaders, rec.ReqHeaders)
	b.RespStatuses = append(b.RespStatuses, rec.RespStatus)
	b.RespMessages = append(b.RespMessages, rec.RespMessage)
	b.RespHeaders = append(b.RespHeaders, rec.RespHeaders)
	b.RespBodies = append(b.RespBodies, rec.RespBody)
	b.Latencies = append(b.Latencies, rec.LatencyNS)
}

// Size returns the number of rows in the batch.
func (b *RecordBatch) Size() int {
	return len(b.Times)
}
