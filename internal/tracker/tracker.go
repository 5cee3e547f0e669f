package tracker

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"

	"SockTracer/internal/model"
)

// DefaultDeathCountdownIters is the number of iteration ticks a tracker
// survives after being marked for death, so that late-arriving data events
// can still be folded in.
const DefaultDeathCountdownIters = 3

// DefaultInactivityDuration is how long a connection may stay silent
// before its liveness is probed via /proc.
const DefaultInactivityDuration = 30 * time.Second

// Config carries the lifecycle knobs for a single tracker. The dispatcher
// owns the values; tests construct dispatchers with shortened durations.
type Config struct {
	InactivityDuration  time.Duration
	DeathCountdownIters int
}

// DefaultConfig returns the production lifecycle settings.
func DefaultConfig() Config {
	return Config{
		InactivityDuration:  DefaultInactivityDuration,
		DeathCountdownIters: DefaultDeathCountdownIters,
	}
}

// OpenInfo records the connection open event.
type OpenInfo struct {
	TimestampNS uint64
	Remote      model.IPEndpoint
}

// CloseInfo records the connection close event. SendSeqNum and RecvSeqNum
// are the probe's totals for each direction, used as completion witnesses.
type CloseInfo struct {
	TimestampNS uint64
	SendSeqNum  uint64
	RecvSeqNum  uint64
}

// ConnectionTracker holds all state for one traced connection: the two
// per-direction reassembly streams, open/close metadata, and the death
// countdown that drives reclamation. It is mutated only by the dispatcher.
type ConnectionTracker struct {
	cfg Config

	connID       model.ConnID
	trafficClass model.TrafficClass
	traceID      uuid.UUID

	openInfo  OpenInfo
	closeInfo CloseInfo

	sendData *DataStream
	recvData *DataStream

	numSendEvents uint64
	numRecvEvents uint64

	lastBPFTimestampNS uint64
	lastUpdate         time.Time

	// <0 means alive; >=0 means marked for death, reaped at 0.
	deathCountdown int
}

// New creates a tracker with the given lifecycle settings.
func New(cfg Config) *ConnectionTracker {
	return &ConnectionTracker{
		cfg:            cfg,
		traceID:        uuid.New(),
		sendData:       NewDataStream(),
		recvData:       NewDataStream(),
		lastUpdate:     time.Now(),
		deathCountdown: -1,
	}
}

// AddConnOpenEvent records the connection open metadata: timestamp, remote
// endpoint, traffic class. A second open event warns and overwrites.
func (ct *ConnectionTracker) AddConnOpenEvent(info model.ConnInfo) {
	if ct.openInfo.TimestampNS != 0 {
		log.Printf("Clobbering existing conn open event [%s]", info.ConnID)
	}
	if ct.IsZombie() {
		log.Printf("Did not expect open event after close [%s]", info.ConnID)
	}

	ct.updateTimestamps(info.TimestampNS)
	ct.setTrafficClass(info.TrafficClass)
	ct.setConnID(info.ConnID)

	ct.openInfo.TimestampNS = info.TimestampNS
	if len(info.RawSockAddr) > 0 {
		ep, err := model.ParseSockAddr(info.RawSockAddr)
		if err != nil {
			log.Printf("Could not parse remote sockaddr [%s]: %v", info.ConnID, err)
		} else {
			ct.openInfo.Remote = ep
		}
	}
}

// AddConnCloseEvent records the close timestamp and the per-direction
// completion witnesses, then starts the death countdown.
func (ct *ConnectionTracker) AddConnCloseEvent(info model.ConnInfo) {
	if ct.closeInfo.TimestampNS != 0 {
		log.Printf("Clobbering existing conn close event [%s]", info.ConnID)
	}

	ct.updateTimestamps(info.TimestampNS)
	ct.setConnID(info.ConnID)

	ct.closeInfo.TimestampNS = info.TimestampNS
	ct.closeInfo.SendSeqNum = info.WrSeqNum
	ct.closeInfo.RecvSeqNum = info.RdSeqNum

	ct.MarkForDeath(ct.cfg.DeathCountdownIters)
}

// AddDataEvent buffers a payload chunk into the stream for its direction.
// Duplicate sequence numbers are rejected by the stream and do not count
// toward the per-direction event counters.
func (ct *ConnectionTracker) AddDataEvent(ev *model.SocketDataEvent) {
	if ct.IsZombie() {
		log.Printf("Did not expect data event after close [%s]", ev.Attr.ConnID)
	}

	ct.updateTimestamps(ev.Attr.TimestampNS)
	ct.setConnID(ev.Attr.ConnID)
	ct.setTrafficClass(ev.Attr.TrafficClass)

	if ev.Attr.EventType.IsSend() {
		if ct.sendData.AddEvent(ev.Attr.SeqNum, ev) {
			ct.numSendEvents++
		}
	} else {
		if ct.recvData.AddEvent(ev.Attr.SeqNum, ev) {
			ct.numRecvEvents++
		}
	}
}

// AllEventsReceived is the clean-completion predicate: the close event has
// arrived and both directions saw exactly as many data events as the probe
// emitted.
func (ct *ConnectionTracker) AllEventsReceived() bool {
	return ct.closeInfo.TimestampNS != 0 &&
		ct.numSendEvents == ct.closeInfo.SendSeqNum &&
		ct.numRecvEvents == ct.closeInfo.RecvSeqNum
}

// ReqData resolves the request-side stream from the endpoint role, or nil
// when the role is still unknown.
func (ct *ConnectionTracker) ReqData() *DataStream {
	switch ct.trafficClass.Role {
	case model.RoleRequestor:
		return ct.sendData
	case model.RoleResponder:
		return ct.recvData
	default:
		return nil
	}
}

// RespData resolves the response-side stream from the endpoint role, or
// nil when the role is still unknown.
func (ct *ConnectionTracker) RespData() *DataStream {
	switch ct.trafficClass.Role {
	case model.RoleRequestor:
		return ct.recvData
	case model.RoleResponder:
		return ct.sendData
	default:
		return nil
	}
}

// MarkForDeath starts (or shortens) the death countdown. An existing
// countdown is never lengthened.
func (ct *ConnectionTracker) MarkForDeath(countdown int) {
	if ct.deathCountdown >= 0 {
		ct.deathCountdown = min(ct.deathCountdown, countdown)
	} else {
		ct.deathCountdown = countdown
	}
}

// IsZombie reports whether the tracker has been marked for death.
func (ct *ConnectionTracker) IsZombie() bool {
	return ct.deathCountdown >= 0
}

// ReadyForDestruction reports whether the countdown has run out and the
// dispatcher may reclaim the tracker.
func (ct *ConnectionTracker) ReadyForDestruction() bool {
	return ct.deathCountdown == 0
}

// IterationTick advances the death countdown and runs the inactivity check.
// It is called once per TransferData iteration; it is the sole driver of
// time-based reclamation.
func (ct *ConnectionTracker) IterationTick() {
	if ct.deathCountdown > 0 {
		ct.deathCountdown--
	}

	if time.Now().After(ct.lastUpdate.Add(ct.cfg.InactivityDuration)) {
		ct.HandleInactivity()
	}
}

// HandleInactivity probes /proc to decide whether a silent connection is
// dead (fd gone: mark for immediate death) or merely idle (fd present:
// flush both streams, since stale unparseable fragments must not be joined
// to future traffic).
func (ct *ConnectionTracker) HandleInactivity() {
	fdPath := fmt.Sprintf("/proc/%d/fd/%d", ct.connID.PID, ct.connID.FD)
	if _, err := os.Lstat(fdPath); err != nil {
		ct.MarkForDeath(0)
		return
	}
	ct.sendData.Reset()
	ct.recvData.Reset()
}

// ConnID returns the connection identity committed so far.
func (ct *ConnectionTracker) ConnID() model.ConnID {
	return ct.connID
}

// TrafficClass returns the committed traffic class.
func (ct *ConnectionTracker) TrafficClass() model.TrafficClass {
	return ct.trafficClass
}

// TraceID is the stable identifier stamped on every record emitted for
// this connection.
func (ct *ConnectionTracker) TraceID() uuid.UUID {
	return ct.traceID
}

// Open returns the open metadata recorded so far.
func (ct *ConnectionTracker) Open() OpenInfo {
	return ct.openInfo
}

// Close returns the close metadata recorded so far.
func (ct *ConnectionTracker) Close() CloseInfo {
	return ct.closeInfo
}

// SendData exposes the send-direction stream.
func (ct *ConnectionTracker) SendData() *DataStream {
	return ct.sendData
}

// RecvData exposes the recv-direction stream.
func (ct *ConnectionTracker) RecvData() *DataStream {
	return ct.recvData
}

// NumSendEvents returns the count of distinct send-direction data events.
func (ct *ConnectionTracker) NumSendEvents() uint64 {
	return ct.numSendEvents
}

// NumRecvEvents returns the count of distinct recv-direction data events.
func (ct *ConnectionTracker) NumRecvEvents() uint64 {
	return ct.numRecvEvents
}

// setConnID commits the connection identity; a conflicting identity on a
// later event is reported and ignored.
func (ct *ConnectionTracker) setConnID(id model.ConnID) {
	zero := model.ConnID{}
	if ct.connID == zero {
		ct.connID = id
		return
	}
	if ct.connID != id {
		log.Printf("Event conn id [%s] does not match tracker [%s], keeping tracker identity", id, ct.connID)
	}
}

// setTrafficClass commits the traffic class the first time a non-Unknown
// class is seen; later attempts to change it are rejected.
func (ct *ConnectionTracker) setTrafficClass(tc model.TrafficClass) {
	if ct.trafficClass.Protocol == model.ProtocolUnknown {
		ct.trafficClass = tc
		return
	}
	if tc.Protocol != model.ProtocolUnknown && tc != ct.trafficClass {
		log.Printf("Not allowed to change traffic class of an active tracker [%s]: have %s/%s, got %s/%s",
			ct.connID, ct.trafficClass.Protocol, ct.trafficClass.Role, tc.Protocol, tc.Role)
	}
}

// updateTimestamps advances the BPF high-water mark and the wall-clock
// activity stamp used by the inactivity policy.
func (ct *ConnectionTracker) updateTimestamps(bpfTimestampNS uint64) {
	ct.lastBPFTimestampNS = max(ct.lastBPFTimestampNS, bpfTimestampNS)
	ct.lastUpdate = time.Now()
}
