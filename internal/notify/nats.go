package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/dj-oyu/esp32-object-sentry/internal/logger"
	"github.com/dj-oyu/esp32-object-sentry/pkg/types"
)

// NATSSink publishes alert events as JSON on a subject.
type NATSSink struct {
	conn    *nats.Conn
	subject string
}

// NewNATSSink connects to url. The connection retries in the background, so
// an unreachable server at startup is not an error.
func NewNATSSink(url, subject string) (*NATSSink, error) {
	if url == "" {
		return nil, errors.New("nats url is empty")
	}

	conn, err := nats.Connect(url,
		nats.Name("esp32-object-sentry"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(10),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	logger.Info("Notify", "NATS sink on %s subject %s", logger.Redact(url), subject)

	return &NATSSink{conn: conn, subject: subject}, nil
}

func (s *NATSSink) Name() string { return "nats:" + s.subject }

// Deliver implements Sink.
func (s *NATSSink) Deliver(_ context.Context, ev types.AlertEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := s.conn.Publish(s.subject, data); err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	return nil
}

// IsConnected reports the connection state.
func (s *NATSSink) IsConnected() bool {
	return s.conn != nil && s.conn.IsConnected()
}

// Close drains the connection.
func (s *NATSSink) Close() error {
	if s.conn == nil {
		return nil
	}
	err := s.conn.Drain()
	if errors.Is(err, nats.ErrConnectionClosed) {
		return nil
	}
	return err
}
