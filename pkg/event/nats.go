package event

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSConfig configures the NATS connection used for lifecycle events.
type NATSConfig struct {
	URL           string
	Username      string
	Password      string
	Token         string
	SubjectPrefix string
	MaxReconnect  int
	ReconnectWait time.Duration
	Timeout       time.Duration
}

type natsConn interface {
	Publish(subject string, data []byte) error
}

// NATSPublisher publishes events as JSON on
// <prefix>.<domain>.user.<type>.
type NATSPublisher struct {
	conn   natsConn
	prefix string
}

// NewNATSPublisher wraps an open connection.
func NewNATSPublisher(conn *nats.Conn, prefix string) *NATSPublisher {
	return &NATSPublisher{conn: conn, prefix: prefix}
}

// ConnectNATS opens a connection with reconnect handling.
func ConnectNATS(cfg NATSConfig) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.Name("simple-idm-workflow"),
		nats.MaxReconnects(cfg.MaxReconnect),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				slog.Warn("NATS disconnected", "err", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("NATS reconnected", "url", nc.ConnectedUrl())
		}),
	}
	if cfg.Timeout > 0 {
		opts = append(opts, nats.Timeout(cfg.Timeout))
	}
	if cfg.Username != "" && cfg.Password != "" {
		opts = append(opts, nats.UserInfo(cfg.Username, cfg.Password))
	}
	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}
	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	slog.Info("NATS connection established", "url", conn.ConnectedUrl())
	return conn, nil
}

// Subject is the subject an event is published on.
func (p *NATSPublisher) Subject(ev LifecycleEvent) string {
	parts := []string{}
	if p.prefix != "" {
		parts = append(parts, p.prefix)
	}
	domain := ev.Domain
	if domain == "" {
		domain = "default"
	}
	parts = append(parts, domain, "user", strings.ToLower(string(ev.Type)))
	return strings.Join(parts, ".")
}

func (p *NATSPublisher) Publish(ctx context.Context, ev LifecycleEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal lifecycle event: %w", err)
	}
	if err := p.conn.Publish(p.Subject(ev), data); err != nil {
		return fmt.Errorf("failed to publish lifecycle event: %w", err)
	}
	return nil
}
