package bpf

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"unsafe"

	"SockTracer/internal/model"
)

const sockAddrStorageLen = 128 // sizeof(struct sockaddr_storage)

// rawConnID mirrors struct conn_id_t in the BPF C. The layout must match
// exactly, padding included.
type rawConnID struct {
	PID            uint32
	FD             int32
	Generation     uint32
	Pad            uint32
	PIDStartTimeNS uint64
}

// rawConnInfo mirrors struct conn_info_t in the BPF C.
type rawConnInfo struct {
	TimestampNS uint64
	ConnID      rawConnID
	Protocol    int32
	Role        int32
	WrSeqNum    uint64
	RdSeqNum    uint64
	Addr        [sockAddrStorageLen]byte
}

// rawDataAttr mirrors the attributes block of struct socket_data_event_t
// in the BPF C. The payload bytes follow the attributes in the record.
type rawDataAttr struct {
	TimestampNS uint64
	ConnID      rawConnID
	Protocol    int32
	Role        int32
	EventType   int32
	Pad         uint32
	SeqNum      uint64
	MsgSize     uint32
	Pad2        uint32
}

// deserialiser converts raw perf-buffer records into model events.
type deserialiser struct {
	endianess binary.ByteOrder
}

func newDeserialiser() *deserialiser {
	return &deserialiser{endianess: systemEndianess()}
}

// toConnInfo decodes a conn open/close record.
func (d *deserialiser) toConnInfo(data []byte) (*model.ConnInfo, error) {
	raw := new(rawConnInfo)
	if err := binary.Read(bytes.NewBuffer(data), d.endianess, raw); err != nil {
		return nil, fmt.Errorf("decoding conn info: %w", err)
	}

	return &model.ConnInfo{
		ConnID:      raw.ConnID.toModel(),
		TimestampNS: raw.TimestampNS,
		TrafficClass: model.TrafficClass{
			Protocol: model.Protocol(raw.Protocol),
			Role:     model.Role(raw.Role),
		},
		RawSockAddr: append([]byte(nil), raw.Addr[:]...),
		WrSeqNum:    raw.WrSeqNum,
		RdSeqNum:    raw.RdSeqNum,
	}, nil
}

// toDataEvent decodes a socket data record: fixed attributes followed by
// MsgSize payload bytes. The payload is copied out of the perf-buffer
// memory, which is reused after the callback returns.
func (d *deserialiser) toDataEvent(data []byte) (*model.SocketDataEvent, error) {
	attrSize := int(unsafe.Sizeof(rawDataAttr{}))
	if len(data) < attrSize {
		return nil, fmt.Errorf("data event record too short: %d bytes", len(data))
	}

	raw := new(rawDataAttr)
	if err := binary.Read(bytes.NewBuffer(data[:attrSize]), d.endianess, raw); err != nil {
		return nil, fmt.Errorf("decoding data event attributes: %w", err)
	}

	payload := data[attrSize:]
	if int(raw.MsgSize) < len(payload) {
		payload = payload[:raw.MsgSize]
	}

	return &model.SocketDataEvent{
		Attr: model.SocketDataAttr{
			ConnID: raw.ConnID.toModel(),
			TrafficClass: model.TrafficClass{
				Protocol: model.Protocol(raw.Protocol),
				Role:     model.Role(raw.Role),
			},
			EventType:   model.EventType(raw.EventType),
			TimestampNS: raw.TimestampNS,
			SeqNum:      raw.SeqNum,
			MsgSize:     raw.MsgSize,
		},
		Msg: append([]byte(nil), payload...),
	}, nil
}

func (id rawConnID) toModel() model.ConnID {
	return model.ConnID{
		PID:            id.PID,
		PIDStartTimeNS: id.PIDStartTimeNS,
		FD:             id.FD,
		Generation:     id.Generation,
	}
}

func systemEndianess() binary.ByteOrder {
	test := uint16(0xF00D)
	testByte := *((*byte)(unsafe.Pointer(&test)))

	if testByte == 0xF0 {
		return binary.BigEndian
	}

	return binary.LittleEndian
}
