package broker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// reconnectInterval is how long the base waits between connection
// attempts (spec.md §4.5 "Reconnection"): "retry every 5 s indefinitely".
const reconnectInterval = 5 * time.Second

// Config describes the broker endpoint and namespace for every
// gateway role (spec.md §6 "Configuration": broker host/port/login/
// password/virtualhost/timeout_sec).
type Config struct {
	Host             string
	Port             int
	Login            string
	Password         string
	VirtualHost      string
	Namespace        string
	ResponseTimeout  time.Duration
}

func (c Config) url() string {
	return fmt.Sprintf("amqp://%s:%s@%s:%d/%s", c.Login, c.Password, c.Host, c.Port, c.VirtualHost)
}

// base holds the connection and declared exchanges shared by every
// gateway role. Reconnection is automatic: Connect retries every 5s
// indefinitely, logging each attempt, until ctx is cancelled.
type base struct {
	cfg    Config
	logger *slog.Logger

	conn        *amqp.Connection
	inExchange  string
	outExchange string
}

func newBase(cfg Config, logger *slog.Logger) *base {
	if logger == nil {
		logger = slog.Default()
	}
	return &base{cfg: cfg, logger: logger}
}

// connect dials the broker, retrying every 5s until it succeeds or ctx
// is cancelled, then declares the namespace's two topic exchanges.
func (b *base) connect(ctx context.Context) (*amqp.Channel, error) {
	for {
		conn, err := amqp.Dial(b.cfg.url())
		if err == nil {
			b.conn = conn
			break
		}
		b.logger.Warn("broker: connect failed, retrying", "error", err, "retry_in", reconnectInterval)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(reconnectInterval):
		}
	}

	ch, err := b.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("broker: open channel: %w", err)
	}

	b.inExchange = inExchange(b.cfg.Namespace)
	b.outExchange = outExchange(b.cfg.Namespace)
	for _, name := range []string{b.inExchange, b.outExchange} {
		if err := ch.ExchangeDeclare(name, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
			return nil, fmt.Errorf("broker: declare exchange %s: %w", name, err)
		}
	}
	return ch, nil
}

// close tears down the connection. Safe to call on a base that never
// connected.
func (b *base) close() error {
	if b.conn == nil {
		return nil
	}
	return b.conn.Close()
}

// expirationMillis renders ResponseTimeout as the AMQP expiration
// string (milliseconds) every published message carries, so the broker
// drops stale messages on its own (spec.md §4.5: "all messages are
// persistent and carry an expiration equal to the configured response
// timeout").
func (b *base) expirationMillis() string {
	if b.cfg.ResponseTimeout <= 0 {
		return ""
	}
	return fmt.Sprintf("%d", b.cfg.ResponseTimeout.Milliseconds())
}
