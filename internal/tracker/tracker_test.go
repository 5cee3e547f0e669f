package tracker

import (
	"encoding/binary"
	"os"
	"testing"
	"time"

	"SockTracer/internal/model"
)

func testConfig() Config {
	return Config{
		InactivityDuration:  DefaultInactivityDuration,
		DeathCountdownIters: DefaultDeathCountdownIters,
	}
}

func testConnID() model.ConnID {
	return model.ConnID{PID: 12345, FD: 3, Generation: 1}
}

func sockAddrV4(ip [4]byte, port uint16) []byte {
	raw := make([]byte, 8)
	binary.NativeEndian.PutUint16(raw[0:2], 2) // AF_INET
	binary.BigEndian.PutUint16(raw[2:4], port)
	copy(raw[4:8], ip[:])
	return raw
}

func openEvent(ts uint64) model.ConnInfo {
	return model.ConnInfo{
		ConnID:      testConnID(),
		TimestampNS: ts,
		TrafficClass: model.TrafficClass{
			Protocol: model.ProtocolHTTP1,
			Role:     model.RoleRequestor,
		},
		RawSockAddr: sockAddrV4([4]byte{1, 2, 3, 4}, 80),
	}
}

func closeEvent(ts, wr, rd uint64) model.ConnInfo {
	return model.ConnInfo{
		ConnID:      testConnID(),
		TimestampNS: ts,
		WrSeqNum:    wr,
		RdSeqNum:    rd,
	}
}

func sendEvent(seq uint64, msg string) *model.SocketDataEvent {
	ev := dataEvent(seq, msg)
	ev.Attr.ConnID = testConnID()
	ev.Attr.EventType = model.EventTypeSend
	ev.Attr.TrafficClass = model.TrafficClass{Protocol: model.ProtocolHTTP1, Role: model.RoleRequestor}
	return ev
}

func recvEvent(seq uint64, msg string) *model.SocketDataEvent {
	ev := sendEvent(seq, msg)
	ev.Attr.EventType = model.EventTypeRecv
	return ev
}

func TestOpenEventRecordsMetadata(t *testing.T) {
	ct := New(testConfig())
	ct.AddConnOpenEvent(openEvent(50))

	if ct.Open().TimestampNS != 50 {
		t.Errorf("Open timestamp = %d, want 50", ct.Open().TimestampNS)
	}
	if got := ct.Open().Remote.String(); got != "1.2.3.4:80" {
		t.Errorf("Remote = %q, want 1.2.3.4:80", got)
	}
	if ct.TrafficClass().Role != model.RoleRequestor {
		t.Errorf("Role not committed from open event")
	}
	if ct.IsZombie() {
		t.Error("Fresh tracker should not be a zombie")
	}
}

func TestCloseEventStartsCountdown(t *testing.T) {
	ct := New(testConfig())
	ct.AddConnCloseEvent(closeEvent(1, 0, 0))

	if !ct.IsZombie() {
		t.Fatal("Tracker should be a zombie after close")
	}
	if ct.ReadyForDestruction() {
		t.Fatal("Tracker should not be reapable before the countdown runs out")
	}

	for i := 0; i < DefaultDeathCountdownIters; i++ {
		ct.IterationTick()
	}
	if !ct.ReadyForDestruction() {
		t.Fatal("Tracker should be reapable after the countdown")
	}
}

func TestDataEventAccounting(t *testing.T) {
	ct := New(testConfig())
	ct.AddDataEvent(sendEvent(0, "GET / HTTP/1.1\r\n\r\n"))
	ct.AddDataEvent(recvEvent(0, resp0))
	ct.AddDataEvent(recvEvent(1, resp1))

	if ct.NumSendEvents() != 1 || ct.NumRecvEvents() != 2 {
		t.Errorf("Event counts = %d/%d, want 1/2", ct.NumSendEvents(), ct.NumRecvEvents())
	}
	if ct.TrafficClass().Protocol != model.ProtocolHTTP1 {
		t.Error("Traffic class not committed from data event")
	}
}

func TestDuplicateDataEventsNotCounted(t *testing.T) {
	ct := New(testConfig())
	ct.AddDataEvent(recvEvent(0, resp0))
	ct.AddDataEvent(recvEvent(0, resp0))

	if ct.NumRecvEvents() != 1 {
		t.Errorf("NumRecvEvents = %d, want 1 (duplicate not counted)", ct.NumRecvEvents())
	}

	// With deduped counting, the completion witness still matches.
	ct.AddConnCloseEvent(closeEvent(1, 0, 1))
	if !ct.AllEventsReceived() {
		t.Error("AllEventsReceived should hold after dedup")
	}
}

func TestAllEventsReceived(t *testing.T) {
	ct := New(testConfig())
	ct.AddDataEvent(recvEvent(0, resp0))
	if ct.AllEventsReceived() {
		t.Fatal("AllEventsReceived without a close event")
	}

	ct.AddConnCloseEvent(closeEvent(1, 0, 2))
	if ct.AllEventsReceived() {
		t.Fatal("AllEventsReceived with a missing data event")
	}

	ct.AddDataEvent(recvEvent(1, resp1))
	if !ct.AllEventsReceived() {
		t.Fatal("AllEventsReceived should hold once counts match the witnesses")
	}
}

func TestDirectionResolution(t *testing.T) {
	ct := New(testConfig())
	if ct.ReqData() != nil || ct.RespData() != nil {
		t.Fatal("Streams should be unresolvable while the role is unknown")
	}

	ct.AddConnOpenEvent(openEvent(50))
	if ct.ReqData() != ct.SendData() {
		t.Error("Requestor requests should map to the send stream")
	}
	if ct.RespData() != ct.RecvData() {
		t.Error("Requestor responses should map to the recv stream")
	}
}

func TestResponderDirectionResolution(t *testing.T) {
	ct := New(testConfig())
	info := openEvent(50)
	info.TrafficClass.Role = model.RoleResponder
	ct.AddConnOpenEvent(info)

	if ct.ReqData() != ct.RecvData() {
		t.Error("Responder requests should map to the recv stream")
	}
	if ct.RespData() != ct.SendData() {
		t.Error("Responder responses should map to the send stream")
	}
}

func TestMarkForDeathNeverLengthens(t *testing.T) {
	ct := New(testConfig())
	ct.MarkForDeath(1)
	ct.MarkForDeath(5)
	ct.IterationTick()
	if !ct.ReadyForDestruction() {
		t.Error("A later, longer countdown must not extend an earlier one")
	}

	ct = New(testConfig())
	ct.MarkForDeath(5)
	ct.MarkForDeath(0)
	if !ct.ReadyForDestruction() {
		t.Error("MarkForDeath(0) should make the tracker immediately reapable")
	}
}

func TestTrafficClassIsMonotonic(t *testing.T) {
	ct := New(testConfig())
	ct.AddConnOpenEvent(openEvent(50))

	ev := recvEvent(0, resp0)
	ev.Attr.TrafficClass = model.TrafficClass{Protocol: model.ProtocolHTTP2, Role: model.RoleResponder}
	ct.AddDataEvent(ev)

	if ct.TrafficClass().Protocol != model.ProtocolHTTP1 || ct.TrafficClass().Role != model.RoleRequestor {
		t.Error("Traffic class changed after being committed")
	}
}

func TestInactivityDeadConnection(t *testing.T) {
	cfg := testConfig()
	cfg.InactivityDuration = time.Millisecond
	ct := New(cfg)

	// Max pid bits on Linux is 22, so this pid cannot exist.
	info := openEvent(50)
	info.ConnID.PID = 1 << 23
	ct.AddConnOpenEvent(info)

	time.Sleep(5 * time.Millisecond)
	ct.IterationTick()
	if !ct.ReadyForDestruction() {
		t.Fatal("Tracker for a dead pid should be immediately reapable after inactivity")
	}
}

func TestInactivityAliveConnectionFlushesStreams(t *testing.T) {
	cfg := testConfig()
	cfg.InactivityDuration = time.Millisecond
	ct := New(cfg)

	// The test process itself with fd 1 (stdout) is alive by definition.
	info := openEvent(50)
	info.ConnID.PID = uint32(os.Getpid())
	info.ConnID.FD = 1

	ct.AddConnOpenEvent(info)
	ev := sendEvent(0, "GET /index.html HTTP/1.1\r\n")
	ev.Attr.ConnID = info.ConnID
	ct.AddDataEvent(ev)

	time.Sleep(5 * time.Millisecond)
	ct.IterationTick()

	if ct.IsZombie() {
		t.Fatal("Live connection must not be marked for death by inactivity")
	}
	if !ct.SendData().Empty() || !ct.RecvData().Empty() {
		t.Fatal("Inactivity on a live connection should flush both streams")
	}
}
