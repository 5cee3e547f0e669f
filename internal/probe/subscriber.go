package probe

import (
	"log"
	"sync/atomic"

	"github.com/nats-io/nats.go"

	"SockTracer/internal/config"
	"SockTracer/internal/tracer"
)

const defaultEventChannelSize = 8192

// Subscriber receives socket events from a NATS subject and buffers them
// on a bounded channel. The connector drains the channel at the top of
// each TransferData iteration, which keeps all tracker mutation on the
// dispatcher goroutine.
type Subscriber struct {
	nc      *nats.Conn
	sub     *nats.Subscription
	subject string
	events  chan *EventEnvelope
	dropped atomic.Uint64
}

// NewSubscriber creates a new NATS subscriber with the given channel size.
func NewSubscriber(cfg config.NATSConfig, channelSize int) (*Subscriber, error) {
	if channelSize <= 0 {
		channelSize = defaultEventChannelSize
	}
	nc, err := nats.Connect(cfg.URL)
	if err != nil {
		return nil, err
	}
	log.Printf("Connected to NATS server at %s", cfg.URL)
	return &Subscriber{
		nc:      nc,
		subject: cfg.Subject,
		events:  make(chan *EventEnvelope, channelSize),
	}, nil
}

// Start subscribes to the configured subject and begins buffering events.
func (s *Subscriber) Start() error {
	sub, err := s.nc.Subscribe(s.subject, func(msg *nats.Msg) {
		env, err := DecodeEnvelope(msg.Data)
		if err != nil {
			log.Printf("Error decoding event envelope: %v", err)
			return
		}
		select {
		case s.events <- env:
		default:
			// Channel full; the kernel probe already tolerates loss, and
			// the tracker's gap handling absorbs it downstream.
			s.dropped.Add(1)
		}
	})
	if err != nil {
		return err
	}
	s.sub = sub
	log.Printf("Subscribed to subject '%s'", s.subject)
	return nil
}

// Poll implements tracer.EventSource: it drains all currently buffered
// events into the connector without blocking.
func (s *Subscriber) Poll(sink tracer.EventAcceptor) {
	for {
		select {
		case env := <-s.events:
			switch env.Kind {
			case KindOpen:
				sink.AcceptOpenConnEvent(*env.Conn)
			case KindClose:
				sink.AcceptCloseConnEvent(*env.Conn)
			case KindData:
				sink.AcceptDataEvent(env.Data)
			default:
				log.Printf("Unknown event kind %d, skipping", env.Kind)
			}
		default:
			return
		}
	}
}

// Dropped returns the number of events discarded because the channel was
// full.
func (s *Subscriber) Dropped() uint64 {
	return s.dropped.Load()
}

// Close unsubscribes and closes the NATS connection.
func (s *Subscriber) Close() {
	if s.sub != nil {
		s.sub.Unsubscribe()
	}
	if s.nc != nil {
		s.nc.Drain()
		log.Println("NATS connection drained and closed.")
	}
}
