// Package broker wraps github.com/rabbitmq/amqp091-go into the topology
// declaration, publish-with-confirm, and auto-reconnecting consumer shape
// that C1, C2, and C3 all need against tracking_data_exchange /
// alarm_exchange (spec.md §4.1, §4.6).
package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/r3e-network/fleet-telemetry/infrastructure/logging"
)

var (
	// ErrClientClosed indicates the connection wrapper was closed by the caller.
	ErrClientClosed = errors.New("broker: client closed")
	// ErrConnectionClosed indicates the underlying AMQP connection is down.
	ErrConnectionClosed = errors.New("broker: connection closed")
	// ErrPublishConfirmTimeout indicates the broker did not ack the publish
	// within the 5s publish-confirm timeout (spec.md §5).
	ErrPublishConfirmTimeout = errors.New("broker: publish confirm timeout")
	// ErrPublishNacked indicates the broker explicitly rejected the publish.
	ErrPublishNacked = errors.New("broker: publish nacked")
)

const publishConfirmTimeout = 5 * time.Second

// QueueArgs captures the queue-declare arguments spec.md §4.1 requires:
// durable, lazy (disk-first) storage, a message TTL, a max length, and a
// dead-letter exchange/routing-key pair.
type QueueArgs struct {
	Name         string
	Durable      bool
	Lazy         bool
	MessageTTLMs int64
	MaxLength    int64
	DeadLetterExchange   string
	DeadLetterRoutingKey string
	MaxPriority  uint8 // 0 disables priority (alarms_queue uses 0-10)
}

func (q QueueArgs) table() amqp.Table {
	args := amqp.Table{}
	if q.Lazy {
		args["x-queue-mode"] = "lazy"
	}
	if q.MessageTTLMs > 0 {
		args["x-message-ttl"] = q.MessageTTLMs
	}
	if q.MaxLength > 0 {
		args["x-max-length"] = q.MaxLength
	}
	if q.DeadLetterExchange != "" {
		args["x-dead-letter-exchange"] = q.DeadLetterExchange
	}
	if q.DeadLetterRoutingKey != "" {
		args["x-dead-letter-routing-key"] = q.DeadLetterRoutingKey
	}
	if q.MaxPriority > 0 {
		args["x-max-priority"] = q.MaxPriority
	}
	return args
}

// Binding is one exchange->queue routing-key binding.
type Binding struct {
	Queue      string
	Exchange   string
	RoutingKey string
}

// Topology describes the exchanges, queues, and bindings a component
// declares on (re)connect, matching spec.md §4.1/§4.6.
type Topology struct {
	Exchanges []ExchangeArgs
	Queues    []QueueArgs
	Bindings  []Binding
}

// ExchangeArgs describes one topic exchange declaration.
type ExchangeArgs struct {
	Name    string
	Durable bool
}

// Client is an auto-reconnecting AMQP connection + channel wrapper. A
// single Client is shared by all workers bound to the same queue within a
// process (spec.md §5).
type Client struct {
	url      string
	log      *logging.Logger
	topology Topology

	mu     sync.Mutex
	conn   *amqp.Connection
	ch     *amqp.Channel
	closed bool
}

// Dial connects to url and declares topology. On reconnect, EnsureChannel
// redeclares the channel (and the topology) against the still-open
// connection, falling back to a full reconnect only when the connection
// itself has gone away (spec.md §9 open question #3).
func Dial(ctx context.Context, url string, topology Topology, log *logging.Logger) (*Client, error) {
	c := &Client{url: url, log: log, topology: topology}
	if err := c.connect(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Client) connect(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	conn, err := amqp.DialConfig(c.url, amqp.Config{})
	_ = dialCtx // amqp091-go's Dial has no ctx param; timeout enforced by caller-side select where needed
	if err != nil {
		return fmt.Errorf("broker: dial: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("broker: open channel: %w", err)
	}

	if err := declareTopology(ch, c.topology); err != nil {
		ch.Close()
		conn.Close()
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.ch = ch
	c.mu.Unlock()
	return nil
}

func declareTopology(ch *amqp.Channel, topology Topology) error {
	for _, ex := range topology.Exchanges {
		if err := ch.ExchangeDeclare(ex.Name, "topic", ex.Durable, false, false, false, nil); err != nil {
			return fmt.Errorf("broker: declare exchange %s: %w", ex.Name, err)
		}
	}
	for _, q := range topology.Queues {
		if _, err := ch.QueueDeclare(q.Name, q.Durable, false, false, false, q.table()); err != nil {
			return fmt.Errorf("broker: declare queue %s: %w", q.Name, err)
		}
	}
	for _, b := range topology.Bindings {
		if err := ch.QueueBind(b.Queue, b.RoutingKey, b.Exchange, false, nil); err != nil {
			return fmt.Errorf("broker: bind %s -> %s (%s): %w", b.Queue, b.Exchange, b.RoutingKey, err)
		}
	}
	if err := ch.Confirm(false); err != nil {
		return fmt.Errorf("broker: enable confirms: %w", err)
	}
	return nil
}

// EnsureChannel redeclares just the channel (and topology) if the cached
// channel has reported closed, reusing the existing connection when it is
// still open; it only tears down and redials the full connection when the
// connection itself is gone.
func (c *Client) EnsureChannel(ctx context.Context) error {
	c.mu.Lock()
	closed := c.closed
	connOK := c.conn != nil && !c.conn.IsClosed()
	chOK := c.ch != nil && !c.ch.IsClosed()
	c.mu.Unlock()

	if closed {
		return ErrClientClosed
	}
	if chOK {
		return nil
	}
	if connOK {
		c.mu.Lock()
		ch, err := c.conn.Channel()
		c.mu.Unlock()
		if err != nil {
			return fmt.Errorf("broker: reopen channel: %w", err)
		}
		if err := declareTopology(ch, c.topology); err != nil {
			ch.Close()
			return err
		}
		c.mu.Lock()
		c.ch = ch
		c.mu.Unlock()
		return nil
	}
	return c.connect(ctx)
}

// Publish publishes body to exchange with routingKey, waiting up to the
// 5-second publish-confirm timeout for the broker's ack (spec.md §5).
// Priority is clamped to [0,10] by the caller (telemetry.ClampPriority).
func (c *Client) Publish(ctx context.Context, exchange, routingKey string, body []byte, messageID string, priority uint8, persistent bool) error {
	if err := c.EnsureChannel(ctx); err != nil {
		return err
	}

	c.mu.Lock()
	ch := c.ch
	c.mu.Unlock()

	deliveryMode := amqp.Transient
	if persistent {
		deliveryMode = amqp.Persistent
	}

	confirmCtx, cancel := context.WithTimeout(ctx, publishConfirmTimeout)
	defer cancel()

	confirmation, err := ch.PublishWithDeferredConfirmWithContext(confirmCtx, exchange, routingKey, false, false, amqp.Publishing{
		MessageId:    messageID,
		Priority:     priority,
		DeliveryMode: deliveryMode,
		ContentType:  "application/json",
		Body:         body,
		Timestamp:    time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("broker: publish %s/%s: %w", exchange, routingKey, err)
	}
	if confirmation == nil {
		return nil // confirms not negotiated; fire-and-forget
	}

	ok, err := confirmation.WaitContext(confirmCtx)
	if err != nil {
		return ErrPublishConfirmTimeout
	}
	if !ok {
		return ErrPublishNacked
	}
	return nil
}

// Consume starts consuming queue with consumerTag, returning the delivery
// channel. Callers are responsible for redelivering via Consume again after
// EnsureChannel recovers a dropped connection.
func (c *Client) Consume(ctx context.Context, queue, consumerTag string) (<-chan amqp.Delivery, error) {
	if err := c.EnsureChannel(ctx); err != nil {
		return nil, err
	}
	c.mu.Lock()
	ch := c.ch
	c.mu.Unlock()

	// A non-zero prefetch bounds in-flight unacked deliveries per worker.
	if err := ch.Qos(50, 0, false); err != nil {
		return nil, fmt.Errorf("broker: qos: %w", err)
	}

	deliveries, err := ch.Consume(queue, consumerTag, false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("broker: consume %s: %w", queue, err)
	}
	return deliveries, nil
}

// Close shuts down the channel and connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	var err error
	if c.ch != nil {
		if cerr := c.ch.Close(); cerr != nil {
			err = cerr
		}
	}
	if c.conn != nil {
		if cerr := c.conn.Close(); cerr != nil {
			err = cerr
		}
	}
	return err
}
