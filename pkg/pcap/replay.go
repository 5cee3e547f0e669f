package pcap

import (
	"encoding/binary"
	"log"
	"os"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"
	"github.com/google/gopacket/tcpassembly"

	"SockTracer/internal/model"
	"SockTracer/internal/tracer"
)

// Replay turns the TCP conversations in a pcap file into synthetic socket
// events and feeds them to a connector, so the full tracing pipeline can
// be exercised offline against captures. The first direction seen on a
// connection is treated as the client (requestor) side.
type Replay struct {
	path     string
	protocol model.Protocol
}

// NewReplay creates a replay source for the given capture file.
func NewReplay(path string, protocol model.Protocol) *Replay {
	return &Replay{path: path, protocol: protocol}
}

// Run reads the entire capture, emitting open, data, and close events
// into the sink in capture order. It returns once the file is exhausted
// and every connection has been flushed.
func (r *Replay) Run(sink tracer.EventAcceptor) error {
	handle, err := pcap.OpenOffline(r.path)
	if err != nil {
		return err
	}
	defer handle.Close()

	factory := &streamFactory{
		sink:     sink,
		protocol: r.protocol,
		conns:    make(map[connKey]*replayConn),
		pid:      uint32(os.Getpid()),
	}
	pool := tcpassembly.NewStreamPool(factory)
	assembler := tcpassembly.NewAssembler(pool)

	source := gopacket.NewPacketSource(handle, handle.LinkType())
	for packet := range source.Packets() {
		tcpLayer := packet.Layer(layers.LayerTypeTCP)
		if tcpLayer == nil || packet.NetworkLayer() == nil {
			continue
		}
		tcp := tcpLayer.(*layers.TCP)
		assembler.AssembleWithTimestamp(packet.NetworkLayer().NetworkFlow(), tcp, packet.Metadata().Timestamp)
	}
	assembler.FlushAll()
	factory.emitCloses()
	return nil
}

// connKey normalizes the two directions of a connection onto one key.
type connKey struct {
	a, b gopacket.Flow
}

func newConnKey(net, transport gopacket.Flow) connKey {
	if net.Src().LessThan(net.Dst()) || (net.Src() == net.Dst() && transport.Src().LessThan(transport.Dst())) {
		return connKey{a: net, b: transport}
	}
	return connKey{a: net.Reverse(), b: transport.Reverse()}
}

// replayConn is the per-connection state shared by both direction streams.
type replayConn struct {
	id      model.ConnID
	sendSeq uint64
	recvSeq uint64
	lastTS  uint64
	closed  bool
}

type streamFactory struct {
	sink     tracer.EventAcceptor
	protocol model.Protocol
	conns    map[connKey]*replayConn
	pid      uint32
	nextFD   int32
}

// New implements tcpassembly.StreamFactory. Each direction of a TCP
// conversation gets its own stream; the connection record is shared.
func (f *streamFactory) New(net, transport gopacket.Flow) tcpassembly.Stream {
	key := newConnKey(net, transport)
	conn, ok := f.conns[key]
	isClient := !ok
	if !ok {
		f.nextFD++
		conn = &replayConn{
			id: model.ConnID{PID: f.pid, FD: f.nextFD, Generation: 1},
		}
		f.conns[key] = conn

		f.sink.AcceptOpenConnEvent(model.ConnInfo{
			ConnID: conn.id,
			TrafficClass: model.TrafficClass{
				Protocol: f.protocol,
				Role:     model.RoleRequestor,
			},
			RawSockAddr: synthSockAddr(net.Dst().Raw(), transport.Dst().Raw()),
		})
	}
	return &replayStream{
		factory: f,
		conn:    conn,
		send:    isClient,
	}
}

// emitCloses publishes a close event per connection with the final
// per-direction sequence counts as completion witnesses.
func (f *streamFactory) emitCloses() {
	for _, conn := range f.conns {
		if conn.closed {
			continue
		}
		conn.closed = true
		f.sink.AcceptCloseConnEvent(model.ConnInfo{
			ConnID:      conn.id,
			TimestampNS: conn.lastTS + 1,
			WrSeqNum:    conn.sendSeq,
			RdSeqNum:    conn.recvSeq,
		})
	}
}

// replayStream receives reassembled chunks for one direction.
type replayStream struct {
	factory *streamFactory
	conn    *replayConn
	send    bool
}

// Reassembled implements tcpassembly.Stream.
func (s *replayStream) Reassembled(chunks []tcpassembly.Reassembly) {
	for _, chunk := range chunks {
		if len(chunk.Bytes) == 0 {
			continue
		}

		ts := uint64(chunk.Seen.UnixNano())
		if ts > s.conn.lastTS {
			s.conn.lastTS = ts
		}

		eventType := model.EventTypeRecv
		seq := s.conn.recvSeq
		if s.send {
			eventType = model.EventTypeSend
			seq = s.conn.sendSeq
			s.conn.sendSeq++
		} else {
			s.conn.recvSeq++
		}

		s.factory.sink.AcceptDataEvent(&model.SocketDataEvent{
			Attr: model.SocketDataAttr{
				ConnID: s.conn.id,
				TrafficClass: model.TrafficClass{
					Protocol: s.factory.protocol,
					Role:     model.RoleRequestor,
				},
				EventType:   eventType,
				TimestampNS: ts,
				SeqNum:      seq,
				MsgSize:     uint32(len(chunk.Bytes)),
			},
			Msg: append([]byte(nil), chunk.Bytes...),
		})
	}
}

// ReassemblyComplete implements tcpassembly.Stream.
func (s *replayStream) ReassemblyComplete() {}

// synthSockAddr builds a struct sockaddr image for the server endpoint so
// the tracker's normal sockaddr parsing path applies to replayed traffic.
func synthSockAddr(ip, port []byte) []byte {
	var portNum uint16
	if len(port) == 2 {
		portNum = binary.BigEndian.Uint16(port)
	}

	switch len(ip) {
	case 4:
		raw := make([]byte, 8)
		binary.NativeEndian.PutUint16(raw[0:2], 2) // AF_INET
		binary.BigEndian.PutUint16(raw[2:4], portNum)
		copy(raw[4:8], ip)
		return raw
	case 16:
		raw := make([]byte, 24)
		binary.NativeEndian.PutUint16(raw[0:2], 10) // AF_INET6
		binary.BigEndian.PutUint16(raw[2:4], portNum)
		copy(raw[8:24], ip)
		return raw
	default:
		log.Printf("Unexpected network endpoint length %d, omitting sockaddr", len(ip))
		return nil
	}
}
