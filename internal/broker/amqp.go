package broker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"agentnet/internal/config"
	"agentnet/internal/protocol"
	"agentnet/internal/telemetry"
)

// Connection manages the single logical AMQP connection for one role. It
// declares the durable topology on connect, publishes persistent messages
// under confirm mode, and autonomously reconnects when the link drops,
// re-declaring queues and re-registering consumers.
type Connection struct {
	cfg    config.Broker
	logger *log.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	conn      *amqp.Connection
	ch        *amqp.Channel
	closeCh   chan *amqp.Error
	consumers map[string]Handler
	connected bool
	closed    bool
}

// Connect dials the broker with a bounded retry budget. On exhaustion it
// returns a *ConnectError carrying host, port and attempt count.
func Connect(ctx context.Context, cfg config.Broker, logger *log.Logger) (*Connection, error) {
	if logger == nil {
		logger = log.Default()
	}
	runCtx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		cfg:       cfg,
		logger:    logger,
		ctx:       runCtx,
		cancel:    cancel,
		consumers: make(map[string]Handler),
	}

	var lastErr error
	for attempt := 1; attempt <= cfg.ConnectAttempts; attempt++ {
		if err := c.dial(); err != nil {
			lastErr = err
			c.logger.Printf("broker connect attempt %d/%d failed: %v", attempt, cfg.ConnectAttempts, err)
			if attempt == cfg.ConnectAttempts {
				break
			}
			wait := Backoff(cfg.RetryBase, cfg.RetryMax, attempt)
			select {
			case <-ctx.Done():
				cancel()
				return nil, fmt.Errorf("connect broker: %w", ctx.Err())
			case <-time.After(wait):
			}
			continue
		}
		go c.watch()
		return c, nil
	}
	cancel()
	return nil, &ConnectError{Host: cfg.Host, Port: cfg.Port, Attempts: cfg.ConnectAttempts, Err: lastErr}
}

func (c *Connection) uri() string {
	u := amqp.URI{
		Scheme:   "amqp",
		Host:     c.cfg.Host,
		Port:     c.cfg.Port,
		Username: c.cfg.Username,
		Password: c.cfg.Password,
		Vhost:    c.cfg.VHost,
	}
	return u.String()
}

// dial opens a connection and channel and installs the topology. It holds no
// lock while dialing; state swaps under the lock once setup succeeds.
func (c *Connection) dial() error {
	conn, err := amqp.DialConfig(c.uri(), amqp.Config{
		Heartbeat:  c.cfg.Heartbeat,
		Dial:       amqp.DefaultDial(c.cfg.DialTimeout),
		Properties: amqp.Table{"connection_name": "agentnet"},
	})
	if err != nil {
		return fmt.Errorf("dial %s:%d: %w", c.cfg.Host, c.cfg.Port, err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("open channel: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		_ = conn.Close()
		return fmt.Errorf("enable confirms: %w", err)
	}
	// Prefetch 1 keeps one delivery in flight per consumer, preserving
	// per-queue handling order.
	if err := ch.Qos(1, 0, false); err != nil {
		_ = conn.Close()
		return fmt.Errorf("set qos: %w", err)
	}

	if c.cfg.Exchange != "" {
		if err := ch.ExchangeDeclare(c.cfg.Exchange, "direct", true, false, false, false, nil); err != nil {
			_ = conn.Close()
			return fmt.Errorf("declare exchange %s: %w", c.cfg.Exchange, err)
		}
	}
	for _, queue := range []string{c.cfg.ManagerQueue, c.cfg.DeveloperQueue} {
		if err := declareQueue(ch, c.cfg.Exchange, queue); err != nil {
			_ = conn.Close()
			return err
		}
	}

	c.mu.Lock()
	c.conn = conn
	c.ch = ch
	c.closeCh = conn.NotifyClose(make(chan *amqp.Error, 1))
	c.connected = true
	consumers := make(map[string]Handler, len(c.consumers))
	for queue, handler := range c.consumers {
		consumers[queue] = handler
	}
	c.mu.Unlock()

	for queue, handler := range consumers {
		if err := c.startConsumer(ch, queue, handler); err != nil {
			return err
		}
	}
	return nil
}

func declareQueue(ch *amqp.Channel, exchange, queue string) error {
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %s: %w", queue, err)
	}
	if exchange != "" {
		if err := ch.QueueBind(queue, queue, exchange, false, nil); err != nil {
			return fmt.Errorf("bind queue %s: %w", queue, err)
		}
	}
	return nil
}

// DeclareQueue declares an additional durable queue and binds it to the
// exchange. The two role queues are declared automatically on connect.
func (c *Connection) DeclareQueue(name string) error {
	c.mu.Lock()
	ch := c.ch
	connected := c.connected
	c.mu.Unlock()
	if !connected || ch == nil {
		return ErrNotConnected
	}
	return declareQueue(ch, c.cfg.Exchange, name)
}

// watch redials whenever the broker closes the connection, with unbounded
// backoff. Deliveries missed during the outage are deferred on the durable
// queues, not lost.
func (c *Connection) watch() {
	for {
		c.mu.Lock()
		closeCh := c.closeCh
		c.mu.Unlock()
		if closeCh == nil {
			return
		}

		select {
		case <-c.ctx.Done():
			return
		case amqpErr := <-closeCh:
			c.mu.Lock()
			closed := c.closed
			c.connected = false
			c.mu.Unlock()
			if closed {
				return
			}
			c.logger.Printf("broker connection lost: %v; reconnecting", amqpErr)
			if !c.reconnect() {
				return
			}
		}
	}
}

func (c *Connection) reconnect() bool {
	for attempt := 1; ; attempt++ {
		select {
		case <-c.ctx.Done():
			return false
		default:
		}
		err := c.dial()
		if err == nil {
			telemetry.Reconnects.Inc()
			c.logger.Printf("broker reconnected to %s:%d after %d attempts", c.cfg.Host, c.cfg.Port, attempt)
			return true
		}
		wait := Backoff(c.cfg.RetryBase, c.cfg.RetryMax, attempt)
		c.logger.Printf("broker reconnect attempt %d failed: %v (retry in %s)", attempt, err, wait)
		select {
		case <-c.ctx.Done():
			return false
		case <-time.After(wait):
		}
	}
}

// Publish validates, encodes and publishes the envelope with the persistent
// delivery flag, waiting for the broker confirm. A detected disconnection or
// an unconfirmed publish returns a *PublishError.
func (c *Connection) Publish(ctx context.Context, queue string, env protocol.Envelope) error {
	body, err := protocol.Encode(env)
	if err != nil {
		return err
	}

	c.mu.Lock()
	ch := c.ch
	connected := c.connected
	c.mu.Unlock()
	if !connected || ch == nil {
		telemetry.PublishFailures.Inc()
		return &PublishError{Queue: queue, Err: ErrNotConnected}
	}

	conf, err := ch.PublishWithDeferredConfirmWithContext(ctx, c.cfg.Exchange, queue, false, false, amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		MessageId:     env.MessageID,
		CorrelationId: env.CorrelationID,
		Timestamp:     env.Timestamp,
		Body:          body,
	})
	if err != nil {
		telemetry.PublishFailures.Inc()
		return &PublishError{Queue: queue, Err: err}
	}
	acked, err := conf.WaitContext(ctx)
	if err != nil {
		telemetry.PublishFailures.Inc()
		return &PublishError{Queue: queue, Err: err}
	}
	if !acked {
		telemetry.PublishFailures.Inc()
		return &PublishError{Queue: queue, Err: errors.New("broker refused the message")}
	}
	return nil
}

// Consume registers a handler for one queue. Registration survives
// reconnects. A handler is invoked with one delivery at a time; the ack is
// sent only after it returns.
func (c *Connection) Consume(queue string, handler Handler) error {
	if handler == nil {
		return fmt.Errorf("consume %s: nil handler", queue)
	}
	c.mu.Lock()
	if _, dup := c.consumers[queue]; dup {
		c.mu.Unlock()
		return fmt.Errorf("consume %s: handler already registered", queue)
	}
	c.consumers[queue] = handler
	ch := c.ch
	connected := c.connected
	c.mu.Unlock()

	if !connected || ch == nil {
		return ErrNotConnected
	}
	return c.startConsumer(ch, queue, handler)
}

func (c *Connection) startConsumer(ch *amqp.Channel, queue string, handler Handler) error {
	deliveries, err := ch.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", queue, err)
	}
	go c.deliverLoop(queue, handler, deliveries)
	return nil
}

// deliverLoop drains one consumer's deliveries until the channel closes.
// Messages that fail schema validation are dropped without redelivery.
func (c *Connection) deliverLoop(queue string, handler Handler, deliveries <-chan amqp.Delivery) {
	for d := range deliveries {
		env, err := protocol.Decode(d.Body)
		if err != nil {
			telemetry.SchemaErrors.Inc()
			c.logger.Printf("drop malformed message on %s: %v", queue, err)
			_ = d.Nack(false, false)
			continue
		}
		switch handler(c.ctx, env) {
		case Requeue:
			_ = d.Nack(false, true)
		case Drop:
			_ = d.Nack(false, false)
		default:
			_ = d.Ack(false)
		}
	}
}

// QueueInfo inspects a queue via passive declare on a throwaway channel, so
// a missing queue does not poison the main channel.
func (c *Connection) QueueInfo(ctx context.Context, queue string) (QueueInfo, error) {
	c.mu.Lock()
	conn := c.conn
	connected := c.connected
	c.mu.Unlock()
	if !connected || conn == nil {
		return QueueInfo{}, ErrNotConnected
	}
	if err := ctx.Err(); err != nil {
		return QueueInfo{}, err
	}

	ch, err := conn.Channel()
	if err != nil {
		return QueueInfo{}, fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()

	q, err := ch.QueueDeclarePassive(queue, true, false, false, false, nil)
	if err != nil {
		return QueueInfo{}, fmt.Errorf("inspect queue %s: %w", queue, err)
	}
	return QueueInfo{Queue: q.Name, MessageCount: q.Messages, ConsumerCount: q.Consumers}, nil
}

// IsConnected reports the current link state.
func (c *Connection) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Close shuts the connection down for good; the reconnect loop stops.
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.connected = false
	conn := c.conn
	c.mu.Unlock()

	c.cancel()
	if conn != nil {
		return conn.Close()
	}
	return nil
}
