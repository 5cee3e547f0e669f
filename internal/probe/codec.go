package probe

import (
	"bytes"
	"encoding/gob"
	"fmt"

	"SockTracer/internal/model"
)

// EventKind tags the payload of an EventEnvelope.
type EventKind int

const (
	KindOpen EventKind = iota
	KindClose
	KindData
)

// EventEnvelope is the wire form of one probe event. Exactly one payload
// field is set, per Kind.
type EventEnvelope struct {
	Kind EventKind
	Conn *model.ConnInfo
	Data *model.SocketDataEvent
}

// EncodeEnvelope serializes an envelope with gob for transport.
func EncodeEnvelope(env *EventEnvelope) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(env); err != nil {
		return nil, fmt.Errorf("failed to encode event envelope: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeEnvelope deserializes an envelope received from transport.
func DecodeEnvelope(data []byte) (*EventEnvelope, error) {
	var env EventEnvelope
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&env); err != nil {
		return nil, fmt.Errorf("failed to decode event envelope: %w", err)
	}
	return &env, nil
}
