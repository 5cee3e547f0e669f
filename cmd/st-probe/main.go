package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"SockTracer/internal/config"
	"SockTracer/internal/model"
	"SockTracer/internal/probe"
	"SockTracer/internal/probe/bpf"
)

const pollInterval = 100 * time.Millisecond

func main() {
	configPath := flag.String("config", "configs/config.yaml", "Path to the configuration file.")
	flag.Parse()

	log.Println("Starting st-probe...")

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	publisher, err := probe.NewPublisher(cfg.NATS)
	if err != nil {
		log.Fatalf("Failed to create NATS publisher: %v", err)
	}
	defer publisher.Close()

	runner := bpf.NewRunner(cfg.Probe)
	if err := runner.Run(); err != nil {
		log.Fatalf("Failed to start BPF probes: %v", err)
	}
	defer runner.Close()
	log.Println("BPF probes attached.")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	forwarder := &natsForwarder{pub: publisher}
	for {
		select {
		case <-ticker.C:
			runner.Poll(forwarder)
		case <-sigChan:
			log.Println("Shutdown signal received, stopping probe...")
			runner.Poll(forwarder)
			return
		}
	}
}

// natsForwarder publishes every polled event to NATS.
type natsForwarder struct {
	pub *probe.Publisher
}

func (f *natsForwarder) AcceptOpenConnEvent(info model.ConnInfo) {
	if err := f.pub.PublishOpen(info); err != nil {
		log.Printf("Failed to publish open event: %v", err)
	}
}

func (f *natsForwarder) AcceptCloseConnEvent(info model.ConnInfo) {
	if err := f.pub.PublishClose(info); err != nil {
		log.Printf("Failed to publish close event: %v", err)
	}
}

func (f *natsForwarder) AcceptDataEvent(ev *model.SocketDataEvent) {
	if err := f.pub.PublishData(ev); err != nil {
		log.Printf("Failed to publish data event: %v", err)
	}
}
