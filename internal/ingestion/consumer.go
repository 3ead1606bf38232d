package ingestion

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/r3e-network/fleet-telemetry/domain/telemetry"
	"github.com/r3e-network/fleet-telemetry/infrastructure/broker"
	"github.com/r3e-network/fleet-telemetry/infrastructure/logging"
	"github.com/r3e-network/fleet-telemetry/infrastructure/metrics"
	"github.com/r3e-network/fleet-telemetry/infrastructure/resilience"
)

// TrackingExchange is the topic exchange device records and camera-poller
// output arrive on (spec.md §4.1, §4.6).
const TrackingExchange = "tracking_data_exchange"

// Queue names and their dead-letter routing keys (spec.md §4.1).
const (
	TrackdataQueue = "trackdata_queue"
	AlarmsQueue    = "alarms_queue"
	EventsQueue    = "events_queue"

	DeadLetterExchange = "dlx_tracking_data"

	DLQTrackdataRoutingKey = "dlq_tracking_data"
	DLQAlarmsRoutingKey    = "dlq_alarms"
	DLQEventsRoutingKey    = "dlq_events"
)

// Topology returns the exchange/queue/binding declaration C1 issues on
// (re)connect (spec.md §4.1).
func Topology() broker.Topology {
	return broker.Topology{
		Exchanges: []broker.ExchangeArgs{{Name: TrackingExchange, Durable: true}},
		Queues: []broker.QueueArgs{
			{
				Name: TrackdataQueue, Durable: true, Lazy: true,
				MessageTTLMs: int64((24 * time.Hour) / time.Millisecond), MaxLength: 1_000_000,
				DeadLetterExchange: DeadLetterExchange, DeadLetterRoutingKey: DLQTrackdataRoutingKey,
			},
			{
				Name: AlarmsQueue, Durable: true, Lazy: true,
				MessageTTLMs: int64((24 * time.Hour) / time.Millisecond), MaxLength: 1_000_000,
				DeadLetterExchange: DeadLetterExchange, DeadLetterRoutingKey: DLQAlarmsRoutingKey,
				MaxPriority: 10,
			},
			{
				Name: EventsQueue, Durable: true, Lazy: true,
				MessageTTLMs: int64((24 * time.Hour) / time.Millisecond), MaxLength: 1_000_000,
				DeadLetterExchange: DeadLetterExchange, DeadLetterRoutingKey: DLQEventsRoutingKey,
			},
		},
		Bindings: []broker.Binding{
			{Queue: TrackdataQueue, Exchange: TrackingExchange, RoutingKey: "tracking.*.trackdata"},
			{Queue: AlarmsQueue, Exchange: TrackingExchange, RoutingKey: "tracking.*.alarm"},
			{Queue: EventsQueue, Exchange: TrackingExchange, RoutingKey: "tracking.*.event"},
		},
	}
}

// Consumer drains one logical queue and durably persists each message,
// implementing spec.md §4.1's per-message algorithm.
type Consumer struct {
	queue       string
	client      *broker.Client
	db          *sql.DB
	dedup       *Deduplicator
	retries     *RetryTracker
	accumulator *Accumulator
	maxRetries  int
	log         *logging.Logger
	met         *metrics.Metrics
}

// NewConsumer builds a Consumer bound to one queue.
func NewConsumer(queue string, client *broker.Client, db *sql.DB, dedup *Deduplicator, retries *RetryTracker, accumulator *Accumulator, log *logging.Logger, met *metrics.Metrics) *Consumer {
	return &Consumer{
		queue:       queue,
		client:      client,
		db:          db,
		dedup:       dedup,
		retries:     retries,
		accumulator: accumulator,
		maxRetries:  DefaultMaxRetries,
		log:         log,
		met:         met,
	}
}

// Run drains deliveries until ctx is cancelled. Multiple Run calls (one per
// worker goroutine) may share the same Consumer/Accumulator, per spec.md §5.
func (c *Consumer) Run(ctx context.Context, consumerTag string) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		deliveries, err := c.client.Consume(ctx, c.queue, consumerTag)
		if err != nil {
			if c.log != nil {
				c.log.WithError(err).Warn("ingestion: consume setup failed, retrying")
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
		// deliveries channel closed: connection/channel dropped; loop to reconnect.
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
		// Unparseable JSON is itself a validation failure.
		PublishInvalid(ctx, c.client, string(msg.Body), ReasonMissingIMEI, c.log, c.met)
		_ = msg.Ack(false)
		return
	}

	messageID := DeriveMessageID(msg.MessageId, payload, msg.Body)

	duplicate, err := c.dedup.IsDuplicate(ctx, messageID)
	if err != nil {
		c.nackForRetry(ctx, msg, messageID, err)
		return
	}
	if duplicate {
		if c.met != nil {
			c.met.DedupHitsTotal.Inc()
		}
		_ = msg.Ack(false)
		return
	}

	imei, err := CoerceIMEI(payload["imei"])
	if err != nil {
		c.rejectInvalid(ctx, msg, payload, err)
		return
	}

	point, alarm, event, err := decodeRecord(imei, payload, msg.RoutingKey)
	if err != nil {
		c.rejectInvalid(ctx, msg, payload, err)
		return
	}

	rec := Record{MessageID: messageID}
	if point != nil {
		rec.Point = *point
	}
	rec.Alarm = alarm
	rec.Event = event

	c.accumulator.Add(ctx, rec)

	if err := c.dedup.MarkProcessed(ctx, messageID); err != nil {
		if c.log != nil {
			c.log.WithError(err).Warn("ingestion: mark processed failed")
		}
	}
	_ = msg.Ack(false)
}

func (c *Consumer) rejectInvalid(ctx context.Context, msg amqp.Delivery, payload map[string]interface{}, err error) {
	reason := InvalidReason("invalid_record")
	if ve, ok := err.(*ValidationError); ok {
		reason = ve.Reason
	}
	PublishInvalid(ctx, c.client, payload, reason, c.log, c.met)
	_ = msg.Ack(false) // ack to unblock the queue, per spec.md §7
}

// nackForRetry implements spec.md §4.1 steps 5-6: on transient failure,
// reject with requeue and bump the persistent retry counter; once the
// counter reaches maxRetries, reject without requeue (dead-letter).
func (c *Consumer) nackForRetry(ctx context.Context, msg amqp.Delivery, messageID string, cause error) {
	if !resilience.IsRetryable(cause) {
		_ = msg.Nack(false, false)
		return
	}

	count, err := c.retries.Increment(ctx, messageID, cause)
	if err != nil && c.log != nil {
		c.log.WithError(err).Warn("ingestion: retry counter increment failed")
	}

	if count >= c.maxRetries {
		_ = msg.Nack(false, false) // dead-letter
		return
	}
	_ = msg.Nack(false, true) // requeue
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

// decodeRecord builds the appropriate domain value(s) from a coerced
// payload based on routing key suffix (trackdata / alarm / event). A
// message arrives pre-classified to one queue by its routing key; an alarm
// or event message produces no trackdata row of its own (a source that
// wants one publishes the record under the trackdata key as well).
func decodeRecord(imei int64, payload map[string]interface{}, routingKey string) (*telemetry.TrackPoint, *telemetry.Alarm, *telemetry.Event, error) {
	lat, _ := CoerceNumeric(payload["latitude"])
	lon, _ := CoerceNumeric(payload["longitude"])
	speed, _ := CoerceNumeric(payload["speed"])

	latV, lonV, speedV := derefOr(lat, 0), derefOr(lon, 0), derefOr(speed, 0)
	if err := Validate(latV, lonV, speedV); err != nil {
		return nil, nil, nil, err
	}

	gpsTime, _ := payload["gps_time"].(string)
	ts, err := time.Parse(time.RFC3339, gpsTime)
	if err != nil {
		ts = time.Now().UTC()
	}

	point := telemetry.TrackPoint{
		IMEI: imei, GPSTime: ts.UTC(), Latitude: latV, Longitude: lonV, Speed: speedV,
		Valid: true,
	}
	if v, ok := payload["vendor"].(string); ok {
		point.Vendor = v
	}
	if v, ok := payload["status"].(string); ok {
		point.Status = v
	}

	switch classifyRoutingKey(routingKey) {
	case "alarm":
		alarm := &telemetry.Alarm{TrackPoint: point}
		if v, ok := payload["priority"]; ok {
			if f, err := CoerceNumeric(v); err == nil && f != nil {
				alarm.Priority = int(*f)
			}
		}
		alarm.Channels.SMS, _ = boolField(payload, "is_sms")
		alarm.Channels.Email, _ = boolField(payload, "is_email")
		alarm.Channels.Call, _ = boolField(payload, "is_call")
		if v, ok := payload["category"].(string); ok {
			alarm.Category = v
		}
		return &point, alarm, nil, nil
	case "event":
		event := &telemetry.Event{IMEI: imei, GPSTime: ts.UTC()}
		if v, ok := payload["event_type"].(string); ok {
			event.EventType = v
		}
		return &point, nil, event, nil
	default:
		return &point, nil, nil, nil
	}
}

func classifyRoutingKey(routingKey string) string {
	switch {
	case len(routingKey) == 0:
		return "trackdata"
	case stringsHasSuffix(routingKey, ".alarm"):
		return "alarm"
	case stringsHasSuffix(routingKey, ".event"):
		return "event"
	default:
		return "trackdata"
	}
}

func stringsHasSuffix(s, suffix string) bool {
	return len(s) >= len(suffix) && s[len(s)-len(suffix):] == suffix
}

func boolField(payload map[string]interface{}, key string) (bool, error) {
	b, err := CoerceBool(payload[key])
	if err != nil || b == nil {
		return false, err
	}
	return *b, nil
}

func derefOr(v *float64, def float64) float64 {
	if v == nil {
		return def
	}
	return *v
}
