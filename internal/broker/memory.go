package broker

import (
	"context"
	"fmt"
	"sync"

	"agentnet/internal/protocol"
)

// Memory is an in-process Broker used by tests and dry runs. It mirrors the
// queue contract: FIFO per queue, one delivery in flight per queue, and
// requeue returns the message to the queue head. Messages published with no
// consumer registered wait in the queue.
type Memory struct {
	mu       sync.Mutex
	cond     *sync.Cond
	queues   map[string][]protocol.Envelope
	handlers map[string]Handler
	closed   bool

	ctx    context.Context
	cancel context.CancelFunc
}

// NewMemory creates an empty in-process broker.
func NewMemory() *Memory {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Memory{
		queues:   make(map[string][]protocol.Envelope),
		handlers: make(map[string]Handler),
		ctx:      ctx,
		cancel:   cancel,
	}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// DeclareQueue creates the named queue if it does not exist.
func (m *Memory) DeclareQueue(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrNotConnected
	}
	if _, ok := m.queues[name]; !ok {
		m.queues[name] = nil
	}
	return nil
}

// Publish validates the envelope and appends it to the queue.
func (m *Memory) Publish(_ context.Context, queue string, env protocol.Envelope) error {
	if err := env.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return &PublishError{Queue: queue, Err: ErrNotConnected}
	}
	m.queues[queue] = append(m.queues[queue], env)
	m.cond.Broadcast()
	return nil
}

// Consume registers a handler and starts the queue's dispatch loop.
func (m *Memory) Consume(queue string, handler Handler) error {
	if handler == nil {
		return fmt.Errorf("consume %s: nil handler", queue)
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrNotConnected
	}
	if _, dup := m.handlers[queue]; dup {
		m.mu.Unlock()
		return fmt.Errorf("consume %s: handler already registered", queue)
	}
	m.handlers[queue] = handler
	m.mu.Unlock()

	go m.dispatch(queue, handler)
	return nil
}

// dispatch delivers queued envelopes to the handler one at a time. Requeued
// messages go back to the head, as a broker-side nack would place them for a
// single-consumer queue.
func (m *Memory) dispatch(queue string, handler Handler) {
	for {
		m.mu.Lock()
		for !m.closed && len(m.queues[queue]) == 0 {
			m.cond.Wait()
		}
		if m.closed {
			m.mu.Unlock()
			return
		}
		env := m.queues[queue][0]
		m.queues[queue] = m.queues[queue][1:]
		m.mu.Unlock()

		switch handler(m.ctx, env) {
		case Requeue:
			m.mu.Lock()
			m.queues[queue] = append([]protocol.Envelope{env}, m.queues[queue]...)
			m.cond.Broadcast()
			m.mu.Unlock()
		case Ack, Drop:
		}
	}
}

// QueueInfo reports queue depth and whether a consumer is registered.
func (m *Memory) QueueInfo(_ context.Context, queue string) (QueueInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return QueueInfo{}, ErrNotConnected
	}
	consumers := 0
	if _, ok := m.handlers[queue]; ok {
		consumers = 1
	}
	return QueueInfo{Queue: queue, MessageCount: len(m.queues[queue]), ConsumerCount: consumers}, nil
}

// IsConnected reports whether the broker accepts traffic.
func (m *Memory) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.closed
}

// Close stops all dispatch loops. Queued messages are discarded.
func (m *Memory) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.cond.Broadcast()
	m.mu.Unlock()
	m.cancel()
	return nil
}
