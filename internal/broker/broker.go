// Package broker owns the transport connection to the message broker. It
// carries no domain data, only envelopes.
package broker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"agentnet/internal/protocol"
)

// Disposition tells the broker what to do with a delivery after its handler
// returns.
type Disposition int

const (
	// Ack removes the message from the queue.
	Ack Disposition = iota
	// Requeue returns the message to the queue head for redelivery.
	Requeue
	// Drop discards the message without processing.
	Drop
)

// Handler is invoked once per received envelope, in FIFO order per queue.
// The handler runs to completion before the next message for that queue is
// delivered.
type Handler func(ctx context.Context, env protocol.Envelope) Disposition

// QueueInfo reports operational counters for one queue.
type QueueInfo struct {
	Queue         string `json:"queue"`
	MessageCount  int    `json:"message_count"`
	ConsumerCount int    `json:"consumer_count"`
}

// Broker is the transport surface consumed by the dispatcher and consumer.
// Connection implements it over AMQP; Memory implements it in-process.
type Broker interface {
	Publish(ctx context.Context, queue string, env protocol.Envelope) error
	Consume(queue string, handler Handler) error
	QueueInfo(ctx context.Context, queue string) (QueueInfo, error)
	IsConnected() bool
	Close() error
}

// ErrNotConnected is returned while the transport is down; the reconnect loop
// keeps running in the background.
var ErrNotConnected = errors.New("broker not connected")

// ConnectError reports exhaustion of the connect retry budget. The broker
// must be treated as unavailable; there is no silent degraded mode.
type ConnectError struct {
	Host     string
	Port     int
	Attempts int
	Err      error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("broker unreachable at %s:%d after %d attempts: %v", e.Host, e.Port, e.Attempts, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// PublishError marks a transient publish failure. The caller must retry with
// the same envelope; completion processing is idempotent, so redelivery is
// safe.
type PublishError struct {
	Queue string
	Err   error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish to %s: %v", e.Queue, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }

// Backoff returns an exponential delay with jitter for the given attempt,
// capped at max.
func Backoff(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	wait := max
	if exp := float64(base) * math.Pow(2, float64(attempt-1)); exp < float64(max) {
		wait = time.Duration(exp)
	}
	half := wait / 2
	if half <= 0 {
		return wait
	}
	return half + time.Duration(rand.Int63n(int64(half)))
}
