package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"SockTracer/internal/config"
	"SockTracer/internal/model"
	"SockTracer/internal/probe"
	"SockTracer/internal/query"
	"SockTracer/internal/sink"
	"SockTracer/internal/stats"
	"SockTracer/internal/tracer"
	"SockTracer/internal/tracker"
)

const defaultTransferInterval = 500 * time.Millisecond

func main() {
	configPath := flag.String("config", "configs/config.yaml", "Path to the configuration file.")
	flag.Parse()

	log.Println("Starting st-agent...")

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	log.Println("Configuration loaded successfully.")

	tracerCfg, err := buildTracerConfig(cfg.Tracer)
	if err != nil {
		log.Fatalf("Invalid tracer config: %v", err)
	}

	connector := tracer.New(tracerCfg)
	connector.InitClockRealTimeOffset()

	// Event transport from the probe binary.
	subscriber, err := probe.NewSubscriber(cfg.NATS, cfg.Probe.EventChannelSize)
	if err != nil {
		log.Fatalf("Failed to create NATS subscriber: %v", err)
	}
	if err := subscriber.Start(); err != nil {
		log.Fatalf("Failed to subscribe: %v", err)
	}
	defer subscriber.Close()
	connector.SetEventSource(subscriber)

	// Record sinks.
	var sinks sink.Multi
	var chWriter *sink.ClickHouseWriter
	if cfg.ClickHouse.Enabled {
		chWriter, err = sink.NewClickHouseWriter(cfg.ClickHouse)
		if err != nil {
			log.Fatalf("Failed to create ClickHouse writer: %v", err)
		}
		defer chWriter.Close()
		sinks = append(sinks, chWriter)
	}
	if cfg.Gob.Enabled {
		gobWriter, err := sink.NewGobWriter(cfg.Gob.RootPath)
		if err != nil {
			log.Fatalf("Failed to create gob writer: %v", err)
		}
		defer gobWriter.Close()
		sinks = append(sinks, gobWriter)
	}
	if len(sinks) == 0 {
		log.Println("No sinks enabled; records will be discarded.")
	}

	// Stats endpoint reads dispatcher-published snapshots only; record
	// queries go to the columnar store when one is configured.
	var querier query.Querier
	if cfg.ClickHouse.Enabled {
		querier, err = query.NewClickHouseQuerier(cfg.ClickHouse)
		if err != nil {
			log.Printf("Record querier unavailable: %v", err)
		}
	}
	var snapshot atomic.Value
	snapshot.Store(stats.Snapshot{})
	if cfg.Stats.ListenAddr != "" {
		server := stats.NewServer(cfg.Stats.ListenAddr, func() stats.Snapshot {
			return snapshot.Load().(stats.Snapshot)
		}, querier)
		server.Start()
		defer server.Stop(context.Background())
	}

	transferInterval := defaultTransferInterval
	if cfg.Tracer.TransferInterval != "" {
		transferInterval, err = time.ParseDuration(cfg.Tracer.TransferInterval)
		if err != nil {
			log.Fatalf("Invalid transfer_interval: %v", err)
		}
	}

	if chWriter != nil {
		go runFlusher(chWriter)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	ticker := time.NewTicker(transferInterval)
	defer ticker.Stop()

	log.Printf("Agent running, transfer interval %s.", transferInterval)
	for {
		select {
		case <-ticker.C:
			connector.TransferData(tracer.HTTPTableID, sinks)
			snapshot.Store(stats.Snapshot{
				ActiveConnections: connector.NumActiveConnections(),
				RecordsEmitted:    connector.RecordsEmitted(),
				EventsDropped:     subscriber.Dropped(),
			})
		case <-sigChan:
			log.Println("Shutdown signal received, stopping agent...")
			connector.TransferData(tracer.HTTPTableID, sinks)
			log.Println("Shutdown complete.")
			return
		}
	}
}

// runFlusher periodically pushes buffered records to ClickHouse.
func runFlusher(w *sink.ClickHouseWriter) {
	ticker := time.NewTicker(w.GetInterval())
	defer ticker.Stop()
	for range ticker.C {
		if err := w.Flush(context.Background()); err != nil {
			log.Printf("ClickHouse flush failed: %v", err)
		}
	}
}

// buildTracerConfig translates the yaml config into the connector's
// runtime configuration.
func buildTracerConfig(tc config.TracerConfig) (tracer.Config, error) {
	cfg := tracer.DefaultConfig()

	switch tc.Protocol {
	case "", "http1":
		cfg.Protocol = model.ProtocolHTTP1
	case "http2":
		cfg.Protocol = model.ProtocolHTTP2
	default:
		return cfg, fmt.Errorf("unknown protocol %q", tc.Protocol)
	}

	if len(tc.Selection) > 0 {
		var mask uint64
		for _, s := range tc.Selection {
			switch s {
			case "send_request":
				mask |= model.SelectSendRequest
			case "recv_response":
				mask |= model.SelectRecvResponse
			case "send_response":
				mask |= model.SelectSendResponse
			case "recv_request":
				mask |= model.SelectRecvRequest
			default:
				return cfg, fmt.Errorf("unknown selection %q", s)
			}
		}
		cfg.Selection = mask
	}

	if tc.InactivityDuration != "" {
		d, err := time.ParseDuration(tc.InactivityDuration)
		if err != nil {
			return cfg, fmt.Errorf("invalid inactivity_duration: %w", err)
		}
		cfg.Tracker.InactivityDuration = d
	}
	if tc.DeathCountdownIters > 0 {
		cfg.Tracker.DeathCountdownIters = tc.DeathCountdownIters
	} else {
		cfg.Tracker.DeathCountdownIters = tracker.DefaultDeathCountdownIters
	}

	if len(tc.ResponseHeaderFilter.Inclusions) > 0 || len(tc.ResponseHeaderFilter.Exclusions) > 0 {
		var filter tracer.HeaderFilter
		for _, m := range tc.ResponseHeaderFilter.Inclusions {
			filter.Inclusions = append(filter.Inclusions, tracer.HeaderMatch{Header: m.Header, Substr: m.Substr})
		}
		for _, m := range tc.ResponseHeaderFilter.Exclusions {
			filter.Exclusions = append(filter.Exclusions, tracer.HeaderMatch{Header: m.Header, Substr: m.Substr})
		}
		cfg.Filter = filter
	}

	return cfg, nil
}
