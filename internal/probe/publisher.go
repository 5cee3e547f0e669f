package probe

import (
	"log"

	"github.com/nats-io/nats.go"

	"SockTracer/internal/config"
	"SockTracer/internal/model"
)

// Publisher is responsible for publishing socket events to a NATS subject.
type Publisher struct {
	nc      *nats.Conn
	subject string
}

// NewPublisher creates a new NATS publisher.
func NewPublisher(cfg config.NATSConfig) (*Publisher, error) {
	nc, err := nats.Connect(cfg.URL)
	if err != nil {
		return nil, err
	}
	log.Printf("Connected to NATS server at %s", cfg.URL)
	return &Publisher{nc: nc, subject: cfg.Subject}, nil
}

// PublishOpen publishes a connection open event.
func (p *Publisher) PublishOpen(info model.ConnInfo) error {
	return p.publish(&EventEnvelope{Kind: KindOpen, Conn: &info})
}

// PublishClose publishes a connection close event.
func (p *Publisher) PublishClose(info model.ConnInfo) error {
	return p.publish(&EventEnvelope{Kind: KindClose, Conn: &info})
}

// PublishData publishes a payload chunk event.
func (p *Publisher) PublishData(ev *model.SocketDataEvent) error {
	return p.publish(&EventEnvelope{Kind: KindData, Data: ev})
}

func (p *Publisher) publish(env *EventEnvelope) error {
	data, err := EncodeEnvelope(env)
	if err != nil {
		return err
	}
	return p.nc.Publish(p.subject, data)
}

// Close drains and closes the NATS connection.
func (p *Publisher) Close() {
	if p.nc != nil {
		p.nc.Drain()
		log.Println("NATS connection drained and closed.")
	}
}
