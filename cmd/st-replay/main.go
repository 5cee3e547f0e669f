package main

import (
	"encoding/json"
	"flag"
	"log"
	"os"

	"SockTracer/internal/model"
	"SockTracer/internal/tracer"
	"SockTracer/pkg/pcap"
)

// maxDrainIterations bounds the TransferData loop after the capture has
// been fed in; closed connections need DeathCountdownIters ticks to drain.
const maxDrainIterations = 64

func main() {
	pcapPath := flag.String("pcap", "", "Path to the pcap file to replay (required).")
	flag.Parse()

	if *pcapPath == "" {
		flag.Usage()
		os.Exit(1)
	}

	// Replayed traffic gets an accept-everything filter; the default
	// filter's JSON inclusion would hide most captured responses.
	cfg := tracer.DefaultConfig()
	cfg.Filter = tracer.HeaderFilter{}

	connector := tracer.New(cfg)
	connector.InitClockRealTimeOffset()

	replay := pcap.NewReplay(*pcapPath, model.ProtocolHTTP1)
	if err := replay.Run(connector); err != nil {
		log.Fatalf("Failed to replay %s: %v", *pcapPath, err)
	}

	out := &jsonSink{enc: json.NewEncoder(os.Stdout)}
	for i := 0; i < maxDrainIterations && connector.NumActiveConnections() > 0; i++ {
		connector.TransferData(tracer.HTTPTableID, out)
	}

	log.Printf("Replay finished: %d records emitted.", connector.RecordsEmitted())
}

// jsonSink prints each record as one JSON line on stdout.
type jsonSink struct {
	enc *json.Encoder
}

func (s *jsonSink) Append(rec model.TraceRecord) {
	if err := s.enc.Encode(rec); err != nil {
		log.Printf("Failed to encode record: %v", err)
	}
}
