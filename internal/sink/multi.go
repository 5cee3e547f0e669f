package sink

import "SockTracer/internal/model"

// Multi fans records out to several sinks.
type Multi []model.RecordSink

// Append implements model.RecordSink.
func (m Multi) Append(rec model.TraceRecord) {
	for _, s := range m {
		s.Append(rec)
	}
}
