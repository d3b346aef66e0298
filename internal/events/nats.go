package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// NATSSink publishes every event on a subject named after its type.
type NATSSink struct {
	nc *nats.Conn
}

func NewNATSSink(ctx context.Context, url string) (*NATSSink, error) {
	var lastErr error

	for i := 0; i < 3; i++ {
		nc, err := nats.Connect(url,
			nats.Name("grocery-service"),
			nats.MaxReconnects(5),
			nats.ReconnectWait(2*time.Second),
			nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
				log.Warn().Err(err).Msg("NATS disconnected")
			}),
			nats.ReconnectHandler(func(nc *nats.Conn) {
				log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
			}),
		)
		if err == nil {
			log.Info().Str("url", url).Msg("Connected to NATS")
			return &NATSSink{nc: nc}, nil
		}

		lastErr = err
		log.Warn().Err(err).Int("attempt", i+1).Msg("Failed to connect to NATS")

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("failed to connect to NATS: %w", ctx.Err())
		case <-time.After(2 * time.Second):
		}
	}

	return nil, fmt.Errorf("failed to connect to NATS after retries: %w", lastErr)
}

func (s *NATSSink) Send(ctx context.Context, e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if err := s.nc.Publish(string(e.Type), data); err != nil {
		return fmt.Errorf("failed to publish %s: %w", e.Type, err)
	}

	timeout := 2 * time.Second
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	if err := s.nc.FlushTimeout(timeout); err != nil {
		return fmt.Errorf("failed to flush NATS connection: %w", err)
	}
	return nil
}

func (s *NATSSink) Close() error {
	if s.nc != nil && !s.nc.IsClosed() {
		if err := s.nc.Drain(); err != nil {
			return fmt.Errorf("failed to drain NATS connection: %w", err)
		}
		log.Info().Msg("NATS connection closed")
	}
	return nil
}
