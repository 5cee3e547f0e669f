package tracer

import (
	"log"
	"sort"
	"time"

	"golang.org/x/sys/unix"

	"SockTracer/internal/model"
	"SockTracer/internal/protocols"
	"SockTracer/internal/protocols/http1"
	"SockTracer/internal/tracker"
)

// Config carries the dispatcher's capture policy and the lifecycle knobs
// handed to each tracker. It is explicit construction-time state, not
// process-wide globals; tests build a connector with shortened durations.
type Config struct {
	// Protocol is the application protocol being captured.
	Protocol model.Protocol
	// Selection masks which (direction, message kind) combinations are
	// accepted, e.g. SelectSendRequest|SelectRecvResponse for a client.
	Selection uint64
	// Filter is applied to response headers before emission.
	Filter HeaderFilter

	Tracker tracker.Config
}

// DefaultConfig captures client-side HTTP/1 with the default filter.
func DefaultConfig() Config {
	return Config{
		Protocol:  model.ProtocolHTTP1,
		Selection: model.SelectSendRequest | model.SelectRecvResponse,
		Filter:    DefaultHeaderFilter(),
		Tracker:   tracker.DefaultConfig(),
	}
}

// EventAcceptor is the connector's ingest surface, implemented by
// SocketTraceConnector and consumed by event sources.
type EventAcceptor interface {
	AcceptOpenConnEvent(info model.ConnInfo)
	AcceptCloseConnEvent(info model.ConnInfo)
	AcceptDataEvent(ev *model.SocketDataEvent)
}

// EventSource is anything that can be drained into the connector at the
// top of a TransferData iteration: the BPF perf buffer, the NATS
// subscriber's channel, or a pcap replay.
type EventSource interface {
	Poll(sink EventAcceptor)
}

// SocketTraceConnector demultiplexes probe events into per-connection
// trackers, drives reassembly and parsing each iteration, pairs requests
// with responses, and appends matched records to a sink. All tracker
// mutation happens on the caller's goroutine; the connector is the single
// writer.
type SocketTraceConnector struct {
	cfg Config

	trackers map[model.ConnID]*tracker.ConnectionTracker
	source   EventSource

	// One-time offset between the probe's monotonic clock and wall clock,
	// added to every event timestamp at accept.
	clockRealTimeOffset uint64

	recordsEmitted uint64
}

// New creates a connector with the given capture policy.
func New(cfg Config) *SocketTraceConnector {
	if cfg.Tracker.DeathCountdownIters <= 0 {
		cfg.Tracker.DeathCountdownIters = tracker.DefaultDeathCountdownIters
	}
	if cfg.Tracker.InactivityDuration <= 0 {
		cfg.Tracker.InactivityDuration = tracker.DefaultInactivityDuration
	}
	return &SocketTraceConnector{
		cfg:      cfg,
		trackers: make(map[model.ConnID]*tracker.ConnectionTracker),
	}
}

// SetEventSource attaches the source polled by TransferData.
func (c *SocketTraceConnector) SetEventSource(s EventSource) {
	c.source = s
}

// SetResponseHeaderFilter replaces the response filter. Exposed so the
// filter can be reconfigured at runtime (and varied by tests).
func (c *SocketTraceConnector) SetResponseHeaderFilter(f HeaderFilter) {
	c.cfg.Filter = f
}

// InitClockRealTimeOffset computes the wall-minus-monotonic offset once at
// startup. Probe timestamps are monotonic; records carry wall-clock time.
func (c *SocketTraceConnector) InitClockRealTimeOffset() {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		log.Printf("Could not read monotonic clock, record times will be uncorrected: %v", err)
		return
	}
	c.clockRealTimeOffset = uint64(time.Now().UnixNano() - ts.Nano())
}

// ClockRealTimeOffset returns the one-time clock correction.
func (c *SocketTraceConnector) ClockRealTimeOffset() uint64 {
	return c.clockRealTimeOffset
}

// AcceptOpenConnEvent indexes a connection open event into its tracker.
func (c *SocketTraceConnector) AcceptOpenConnEvent(info model.ConnInfo) {
	info.TimestampNS += c.clockRealTimeOffset
	c.getOrCreateTracker(info.ConnID).AddConnOpenEvent(info)
}

// AcceptCloseConnEvent indexes a connection close event into its tracker.
func (c *SocketTraceConnector) AcceptCloseConnEvent(info model.ConnInfo) {
	info.TimestampNS += c.clockRealTimeOffset
	c.getOrCreateTracker(info.ConnID).AddConnCloseEvent(info)
}

// AcceptDataEvent indexes a payload chunk into its tracker. Events whose
// traffic class is known but outside the capture policy are dropped.
func (c *SocketTraceConnector) AcceptDataEvent(ev *model.SocketDataEvent) {
	if !c.selected(ev.Attr.TrafficClass, ev.Attr.EventType) {
		return
	}
	ev.Attr.TimestampNS += c.clockRealTimeOffset
	c.getOrCreateTracker(ev.Attr.ConnID).AddDataEvent(ev)
}

// GetConnectionTracker looks up the tracker for a connection id, or nil.
func (c *SocketTraceConnector) GetConnectionTracker(id model.ConnID) *tracker.ConnectionTracker {
	return c.trackers[id]
}

// NumActiveConnections returns the number of live trackers.
func (c *SocketTraceConnector) NumActiveConnections() int {
	return len(c.trackers)
}

// RecordsEmitted returns the total rows appended to sinks so far.
func (c *SocketTraceConnector) RecordsEmitted() uint64 {
	return c.recordsEmitted
}

// HTTPTableID identifies the HTTP record table. It is the only table the
// connector fills today.
const HTTPTableID = 0

// TransferData is the per-iteration driver: drain the event source, mark
// stale generations, extract and emit per tracker, tick lifecycles, and
// reap trackers whose countdown ran out.
func (c *SocketTraceConnector) TransferData(tableID int, sink model.RecordSink) {
	if tableID != HTTPTableID {
		log.Printf("Unknown table id %d, skipping transfer", tableID)
		return
	}
	if c.source != nil {
		c.source.Poll(c)
	}

	c.markStaleGenerations()

	for _, id := range c.sortedConnIDs() {
		ct := c.trackers[id]
		if ct.TrafficClass().Role != model.RoleUnknown {
			c.transferStreams(ct, sink)
		}
		ct.IterationTick()
	}

	for id, ct := range c.trackers {
		if ct.ReadyForDestruction() {
			delete(c.trackers, id)
		}
	}
}

// markStaleGenerations marks every tracker for death that is not the
// newest generation observed on its (pid, fd) pair. This bounds storage
// even when kernel-side close notifications are lost.
func (c *SocketTraceConnector) markStaleGenerations() {
	type pidFD struct {
		pid            uint32
		pidStartTimeNS uint64
		fd             int32
	}

	newest := make(map[pidFD]uint32)
	for id := range c.trackers {
		key := pidFD{id.PID, id.PIDStartTimeNS, id.FD}
		if gen, ok := newest[key]; !ok || id.Generation > gen {
			newest[key] = id.Generation
		}
	}

	for id, ct := range c.trackers {
		key := pidFD{id.PID, id.PIDStartTimeNS, id.FD}
		if id.Generation < newest[key] {
			ct.MarkForDeath(c.cfg.Tracker.DeathCountdownIters)
		}
	}
}

// transferStreams extracts messages from both directions and, for HTTP/1,
// pairs them FIFO and emits the surviving rows. HTTP/2 frames are
// extracted (pinning the accumulator type) but stream assembly into
// request/response records is not performed at this layer.
func (c *SocketTraceConnector) transferStreams(ct *tracker.ConnectionTracker, sink model.RecordSink) {
	reqData := ct.ReqData()
	respData := ct.RespData()
	if reqData == nil || respData == nil {
		return
	}

	proto := ct.TrafficClass().Protocol
	reqs, err := reqData.ExtractMessages(proto, protocols.MessageTypeRequest)
	if err != nil {
		log.Printf("Request stream extraction failed [%s]: %v", ct.ConnID(), err)
		return
	}
	resps, err := respData.ExtractMessages(proto, protocols.MessageTypeResponse)
	if err != nil {
		log.Printf("Response stream extraction failed [%s]: %v", ct.ConnID(), err)
		return
	}

	if proto != model.ProtocolHTTP1 {
		return
	}

	// Responses drive emission; the i-th request is attached to the i-th
	// response when available. Unmatched requests are retained for the
	// next iteration.
	for i, m := range resps {
		resp := m.(*http1.Message)
		var req *http1.Message
		if i < len(reqs) {
			req = reqs[i].(*http1.Message)
		}
		if !c.cfg.Filter.Matches(resp) {
			continue
		}
		sink.Append(buildRecord(ct, req, resp))
		c.recordsEmitted++
	}

	respData.PopFrontMessages(len(resps))
	reqData.PopFrontMessages(min(len(reqs), len(resps)))
}

// buildRecord assembles one output row from a matched pair.
func buildRecord(ct *tracker.ConnectionTracker, req, resp *http1.Message) model.TraceRecord {
	rec := model.TraceRecord{
		TimeNS:      resp.TimeNS,
		TraceID:     ct.TraceID(),
		PID:         ct.ConnID().PID,
		FD:          ct.ConnID().FD,
		RemoteAddr:  ct.Open().Remote.String(),
		RemotePort:  ct.Open().Remote.Port,
		RespStatus:  resp.Status,
		RespMessage: resp.StatusMessage,
		RespHeaders: resp.Headers,
		RespBody:    resp.Body,
	}
	if req != nil {
		rec.ReqMethod = req.Method
		rec.ReqPath = req.Path
		rec.ReqHeaders = req.Headers
		if resp.TimeNS > req.TimeNS {
			rec.LatencyNS = resp.TimeNS - req.TimeNS
		}
	}
	return rec
}

// selected applies the capture policy to a data event's traffic class. An
// event whose class is still unknown is always kept; classification can
// arrive with a later event.
func (c *SocketTraceConnector) selected(tc model.TrafficClass, t model.EventType) bool {
	if tc.Protocol == model.ProtocolUnknown {
		return true
	}
	if tc.Protocol != c.cfg.Protocol {
		return false
	}

	var want uint64
	switch {
	case tc.Role == model.RoleRequestor && t.IsSend():
		want = model.SelectSendRequest
	case tc.Role == model.RoleRequestor && !t.IsSend():
		want = model.SelectRecvResponse
	case tc.Role == model.RoleResponder && t.IsSend():
		want = model.SelectSendResponse
	case tc.Role == model.RoleResponder && !t.IsSend():
		want = model.SelectRecvRequest
	default:
		return true
	}
	return c.cfg.Selection&want != 0
}

func (c *SocketTraceConnector) getOrCreateTracker(id model.ConnID) *tracker.ConnectionTracker {
	ct, ok := c.trackers[id]
	if !ok {
		ct = tracker.New(c.cfg.Tracker)
		c.trackers[id] = ct
	}
	return ct
}

// sortedConnIDs returns tracker keys in a deterministic order so row
// emission across connections is stable between runs.
func (c *SocketTraceConnector) sortedConnIDs() []model.ConnID {
	ids := make([]model.ConnID, 0, len(c.trackers))
	for id := range c.trackers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, b := ids[i], ids[j]
		if a.PID != b.PID {
			return a.PID < b.PID
		}
		if a.FD != b.FD {
			return a.FD < b.FD
		}
		if a.Generation != b.Generation {
			return a.Generation < b.Generation
		}
		return a.PIDStartTimeNS < b.PIDStartTimeNS
	})
	return ids
}
