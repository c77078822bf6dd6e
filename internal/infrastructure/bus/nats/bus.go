// Package nats is the Bus adapter (spec §4.6) binding the relay to a
// NATS JetStream broker. Every address the relay resolves is a JetStream
// subject; Send only returns once the broker has acknowledged durable
// receipt, wrapped in a circuit breaker so a broker outage fails fast
// instead of stalling every worker goroutine on its own timeout.
package nats

import (
	"context"
	"fmt"
	"time"

	natsgo "github.com/nats-io/nats.go"
	gobreaker "github.com/sony/gobreaker/v2"

	"outboxd/internal/core/apperror"
	core "outboxd/internal/core/outbox"
)

// Config configures the NATS bus adapter.
type Config struct {
	URL             string
	MaxReconnects   int
	ReconnectWait   time.Duration
	ReconnectBuffer int

	// CircuitBreaker tunes the breaker guarding Send.
	CircuitBreaker CircuitBreakerConfig
}

// CircuitBreakerConfig mirrors the reference project's breaker knobs.
type CircuitBreakerConfig struct {
	Name             string
	MaxRequests      uint32
	Interval         time.Duration
	Timeout          time.Duration
	FailureThreshold uint32
}

// DefaultConfig returns conservative production defaults.
func DefaultConfig(url string) Config {
	return Config{
		URL:             url,
		MaxReconnects:   -1,
		ReconnectWait:   2 * time.Second,
		ReconnectBuffer: 8 * 1024 * 1024,
		CircuitBreaker: CircuitBreakerConfig{
			Name:             "outbox-bus-send",
			MaxRequests:      1,
			Interval:         30 * time.Second,
			Timeout:          15 * time.Second,
			FailureThreshold: 5,
		},
	}
}

// Bus is the JetStream-backed core.Bus binding.
type Bus struct {
	conn *natsgo.Conn
	js   natsgo.JetStreamContext
	cb   *gobreaker.CircuitBreaker[*natsgo.PubAck]
}

// Connect dials NATS and opens a JetStream context.
func Connect(cfg Config) (*Bus, error) {
	conn, err := natsgo.Connect(cfg.URL,
		natsgo.RetryOnFailedConnect(true),
		natsgo.MaxReconnects(cfg.MaxReconnects),
		natsgo.ReconnectWait(cfg.ReconnectWait),
		natsgo.ReconnectBufSize(cfg.ReconnectBuffer),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open jetstream context: %w", err)
	}

	settings := gobreaker.Settings{
		Name:        cfg.CircuitBreaker.Name,
		MaxRequests: cfg.CircuitBreaker.MaxRequests,
		Interval:    cfg.CircuitBreaker.Interval,
		Timeout:     cfg.CircuitBreaker.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.CircuitBreaker.FailureThreshold
		},
	}

	return &Bus{
		conn: conn,
		js:   js,
		cb:   gobreaker.NewCircuitBreaker[*natsgo.PubAck](settings),
	}, nil
}

var _ core.Bus = (*Bus)(nil)

// Close drains and closes the underlying connection.
func (b *Bus) Close() {
	_ = b.conn.Drain()
}

// WaitForHealthStatus polls the connection state until it matches status
// or ctx ends.
func (b *Bus) WaitForHealthStatus(ctx context.Context, status core.HealthStatus) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		if b.currentHealth() == status {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (b *Bus) currentHealth() core.HealthStatus {
	switch b.conn.Status() {
	case natsgo.CONNECTED:
		return core.HealthHealthy
	case natsgo.CLOSED:
		return core.HealthUnhealthy
	default:
		return core.HealthUnknown
	}
}

// natsEndpoint is the SendEndpoint concrete type: a resolved subject.
type natsEndpoint string

// GetSendEndpoint resolves a destination address to a JetStream subject.
// NATS subjects need no further resolution, so this rejects an empty
// address and passes any other address through unchanged.
func (b *Bus) GetSendEndpoint(_ context.Context, address string) (core.SendEndpoint, error) {
	if address == "" {
		return nil, apperror.NewMalformedMessage("empty destination address", nil)
	}
	return natsEndpoint(address), nil
}

// Send publishes envelope to endpoint's subject and waits for the
// broker's durable-receipt acknowledgement, through the circuit breaker.
func (b *Bus) Send(ctx context.Context, endpoint core.SendEndpoint, envelope core.Envelope) error {
	subject, ok := endpoint.(natsEndpoint)
	if !ok {
		return apperror.NewInternal(fmt.Errorf("unexpected send endpoint type %T", endpoint))
	}

	msg := natsgo.NewMsg(string(subject))
	msg.Data = envelope.Body
	msg.Header.Set("Nats-Msg-Id", envelope.MessageID.String())
	if envelope.Headers != nil {
		msg.Header.Set("X-Outbox-Headers", string(envelope.Headers))
	}

	_, err := b.cb.Execute(func() (*natsgo.PubAck, error) {
		return b.js.PublishMsg(msg, natsgo.Context(ctx))
	})
	if err != nil {
		return apperror.NewTransientBus(err)
	}
	return nil
}
