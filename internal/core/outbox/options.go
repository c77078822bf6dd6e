package outbox

import (
	"fmt"
	"time"
)

// Options is OutboxDeliveryServiceOptions from the spec: the knobs that
// govern polling cadence, per-attempt deadlines, and per-pass batch sizes.
type Options struct {
	// QueryDelay is the sleep between dispatcher poll ticks.
	QueryDelay time.Duration

	// QueryTimeout bounds one store transaction (one attempt).
	QueryTimeout time.Duration

	// QueryMessageLimit caps the number of pending-message rows scanned
	// per dispatcher pass when discovering distinct OutboxIds.
	QueryMessageLimit int

	// MessageDeliveryLimit caps messages sent per attempt per outbox.
	MessageDeliveryLimit int

	// MessageDeliveryTimeout bounds one bus send.
	MessageDeliveryTimeout time.Duration

	// IsolationLevel is the transaction isolation for the row-lock
	// strategy. Ignored by the lock-token strategy.
	IsolationLevel IsolationLevel
}

// DefaultOptions returns conservative production defaults.
func DefaultOptions() Options {
	return Options{
		QueryDelay:             1 * time.Second,
		QueryTimeout:           10 * time.Second,
		QueryMessageLimit:      200,
		MessageDeliveryLimit:   20,
		MessageDeliveryTimeout: 5 * time.Second,
		IsolationLevel:         IsolationReadCommitted,
	}
}

// Validate rejects configurations the delivery loop cannot honor.
func (o Options) Validate() error {
	if o.QueryMessageLimit <= 0 {
		return fmt.Errorf("QueryMessageLimit must be > 0, got %d", o.QueryMessageLimit)
	}
	if o.MessageDeliveryLimit <= 0 {
		return fmt.Errorf("MessageDeliveryLimit must be > 0, got %d", o.MessageDeliveryLimit)
	}
	if o.QueryDelay <= 0 {
		return fmt.Errorf("QueryDelay must be > 0, got %s", o.QueryDelay)
	}
	if o.QueryTimeout <= 0 {
		return fmt.Errorf("QueryTimeout must be > 0, got %s", o.QueryTimeout)
	}
	if o.MessageDeliveryTimeout <= 0 {
		return fmt.Errorf("MessageDeliveryTimeout must be > 0, got %s", o.MessageDeliveryTimeout)
	}
	return nil
}
