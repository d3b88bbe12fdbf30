// Package natsbus publishes notifications to NATS so other services can
// subscribe to them.
package natsbus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/panelsync/panelsync/internal/logging"
	"github.com/panelsync/panelsync/internal/notify"
)

// Conn is the part of *nats.Conn the publisher needs.
type Conn interface {
	Publish(subject string, data []byte) error
	Close()
}

// Publisher sends each notification to "<subject>.<kind>".
type Publisher struct {
	conn    Conn
	subject string
	logger  *zerolog.Logger
}

func Connect(url, subject string, maxReconnect int, reconnectWait time.Duration, logger *zerolog.Logger) (*Publisher, error) {
	log := logging.Component(logger, "natsbus")

	opts := []nats.Option{
		nats.Name("panelsync"),
		nats.MaxReconnects(maxReconnect),
		nats.ReconnectWait(reconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			log.Warn().Msg("NATS connection closed")
		}),
	}

	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	log.Info().Str("url", url).Str("subject", subject).Msg("Connected to NATS")
	return &Publisher{conn: conn, subject: subject, logger: log}, nil
}

// NewPublisher wraps an existing connection.
func NewPublisher(conn Conn, subject string, logger *zerolog.Logger) *Publisher {
	return &Publisher{conn: conn, subject: subject, logger: logging.Component(logger, "natsbus")}
}

// Deliver implements notify.Sink.
func (p *Publisher) Deliver(_ context.Context, n notify.Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	subject := p.Subject(n.Kind)
	if err := p.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("failed to publish to NATS: %w", err)
	}

	p.logger.Debug().Str("subject", subject).Str("id", n.ID).Msg("Published notification")
	return nil
}

func (p *Publisher) Subject(kind notify.Kind) string {
	return p.subject + "." + string(kind)
}

func (p *Publisher) Close() {
	if p.conn != nil {
		p.conn.Close()
	}
}
