package engine

import (
	"context"
	"encoding/json"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/r3e-network/fleet-telemetry/infrastructure/broker"
	"github.com/r3e-network/fleet-telemetry/infrastructure/logging"
	"github.com/r3e-network/fleet-telemetry/infrastructure/metrics"
	"github.com/r3e-network/fleet-telemetry/infrastructure/resilience"
	"github.com/r3e-network/fleet-telemetry/internal/ingestion"
)

// EngineQueue is the queue C2 drains off tracking_data_exchange. Unlike
// C1's per-kind queues, the engine needs every record kind in
// gps_time order per device, so it binds a single queue to all three
// routing-key patterns (spec.md §4.2 step 1/2).
const EngineQueue = "metric_engine_queue"

// Topology returns C2's exchange/queue/binding declaration. It shares
// tracking_data_exchange with C1 and reuses its dead-letter exchange
// (spec.md §4.2, §4.6).
func Topology() broker.Topology {
	return broker.Topology{
		Exchanges: []broker.ExchangeArgs{{Name: ingestion.TrackingExchange, Durable: true}},
		Queues: []broker.QueueArgs{
			{
				Name: EngineQueue, Durable: true, Lazy: true,
				MessageTTLMs: int64((24 * time.Hour) / time.Millisecond), MaxLength: 1_000_000,
				DeadLetterExchange: ingestion.DeadLetterExchange, DeadLetterRoutingKey: "dlq_metric_engine",
			},
		},
		Bindings: []broker.Binding{
			{Queue: EngineQueue, Exchange: ingestion.TrackingExchange, RoutingKey: "tracking.*.trackdata"},
			{Queue: EngineQueue, Exchange: ingestion.TrackingExchange, RoutingKey: "tracking.*.alarm"},
			{Queue: EngineQueue, Exchange: ingestion.TrackingExchange, RoutingKey: "tracking.*.event"},
		},
	}
}

// Consumer drains EngineQueue and runs each decoded TrackPoint through the
// Pipeline, reusing C1's dedup/retry/decode primitives (spec.md §4.2
// "Message retry / idempotency": the same signature-based scheme as C1).
type Consumer struct {
	client     *broker.Client
	pipeline   *Pipeline
	dedup      *ingestion.Deduplicator
	retries    *ingestion.RetryTracker
	maxRetries int
	log        *logging.Logger
	met        *metrics.Metrics
}

// NewConsumer builds a Consumer bound to EngineQueue.
func NewConsumer(client *broker.Client, pipeline *Pipeline, dedup *ingestion.Deduplicator, retries *ingestion.RetryTracker, log *logging.Logger, met *metrics.Metrics) *Consumer {
	return &Consumer{
		client:     client,
		pipeline:   pipeline,
		dedup:      dedup,
		retries:    retries,
		maxRetries: ingestion.DefaultMaxRetries,
		log:        log,
		met:        met,
	}
}

// Run drains deliveries until ctx is cancelled, mirroring
// internal/ingestion.Consumer.Run's reconnect loop.
func (c *Consumer) Run(ctx context.Context, consumerTag string) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		deliveries, err := c.client.Consume(ctx, EngineQueue, consumerTag)
		if err != nil {
			if c.log != nil {
				c.log.Warn(ctx, "engine: consume setup failed, retrying", map[string]interface{}{"error": err.Error()})
			}
			if !sleepInterruptible(ctx, 2*time.Second) {
				return ctx.Err()
			}
			continue
		}

		c.drain(ctx, deliveries)

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !sleepInterruptible(ctx, time.Second) {
			return ctx.Err()
		}
	}
}

func (c *Consumer) drain(ctx context.Context, deliveries <-chan amqp.Delivery) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-deliveries:
			if !ok {
				return
			}
			c.handle(ctx, msg)
		}
	}
}

func (c *Consumer) handle(ctx context.Context, msg amqp.Delivery) {
	var payload map[string]interface{}
	if err := json.Unmarshal(msg.Body, &payload); err != nil {
		ingestion.PublishInvalid(ctx, c.client, string(msg.Body), ingestion.ReasonMissingIMEI, c.log, c.met)
		_ = msg.Ack(false)
		return
	}

	messageID := ingestion.DeriveMessageID(msg.MessageId, payload, msg.Body)

	duplicate, err := c.dedup.IsDuplicate(ctx, messageID)
	if err != nil {
		c.nackForRetry(ctx, msg, messageID, err)
		return
	}
	if duplicate {
		if c.met != nil {
			c.met.RecordDedupHit()
		}
		_ = msg.Ack(false)
		return
	}

	imei, err := ingestion.CoerceIMEI(payload["imei"])
	if err != nil {
		ingestion.PublishInvalid(ctx, c.client, payload, ingestion.ReasonMissingIMEI, c.log, c.met)
		_ = msg.Ack(false)
		return
	}

	point, err := decodeTrackPoint(imei, payload)
	if err != nil {
		ingestion.PublishInvalid(ctx, c.client, payload, ingestion.ReasonMissingIMEI, c.log, c.met)
		_ = msg.Ack(false)
		return
	}

	if _, err := c.pipeline.Process(ctx, imei, *point, false, nil); err != nil && err != ErrStale {
		c.nackForRetry(ctx, msg, messageID, err)
		return
	}

	if err := c.dedup.MarkProcessed(ctx, messageID); err != nil && c.log != nil {
		c.log.Warn(ctx, "engine: mark processed failed", map[string]interface{}{"error": err.Error()})
	}
	_ = msg.Ack(false)
}

func (c *Consumer) nackForRetry(ctx context.Context, msg amqp.Delivery, messageID string, cause error) {
	if !resilience.IsRetryable(cause) {
		_ = msg.Nack(false, false)
		return
	}

	count, err := c.retries.Increment(ctx, messageID, cause)
	if err != nil && c.log != nil {
		c.log.Warn(ctx, "engine: retry counter increment failed", map[string]interface{}{"error": err.Error()})
	}

	if count >= c.maxRetries {
		_ = msg.Nack(false, false)
		return
	}
	_ = msg.Nack(false, true)
}

func sleepInterruptible(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
