package camera

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/r3e-network/fleet-telemetry/domain/camera"
	"github.com/r3e-network/fleet-telemetry/infrastructure/broker"
	"github.com/r3e-network/fleet-telemetry/infrastructure/logging"
	"github.com/r3e-network/fleet-telemetry/infrastructure/metrics"
	"github.com/r3e-network/fleet-telemetry/internal/ingestion"
)

// Sink is the outbound destination a polled camera.Record is written to:
// the broker in normal operation, or a CSV sink in standalone mode
// (spec.md §2/§4.3: "CMS vendor HTTP -> C3 camera poller -> [broker] (or
// CSV in standalone mode)").
type Sink interface {
	Publish(ctx context.Context, record camera.Record) error
}

// BrokerSink republishes a record onto tracking_data_exchange, firing one
// independent publish per routing the record matches — trackdata always,
// plus event and/or alarm (spec.md §4.3's fan-out requirement).
type BrokerSink struct {
	broker *broker.Client
	log    *logging.Logger
	met    *metrics.Metrics
}

// NewBrokerSink builds the default, broker-backed Sink.
func NewBrokerSink(brk *broker.Client, log *logging.Logger, met *metrics.Metrics) *BrokerSink {
	return &BrokerSink{broker: brk, log: log, met: met}
}

// Publish marshals record and publishes it once per matching routing key.
// It keeps going after a per-key failure (so one bad routing key doesn't
// suppress the others) and returns the first error encountered, if any.
func (s *BrokerSink) Publish(ctx context.Context, record camera.Record) error {
	body, err := json.Marshal(recordPayload(record))
	if err != nil {
		return fmt.Errorf("camera: marshal record: %w", err)
	}
	messageID := fmt.Sprintf("camera-%s-%d-%d", record.Vendor, record.IMEI, record.GPSTime.UnixNano())

	routingKeys := []string{fmt.Sprintf("tracking.%s.trackdata", record.Vendor)}
	if record.RecordType == camera.RecordEvent || (record.EventType != "" && record.EventType != "Normal") {
		routingKeys = append(routingKeys, fmt.Sprintf("tracking.%s.event", record.Vendor))
	}
	if record.RecordType == camera.RecordAlarm && record.IsAlarm {
		routingKeys = append(routingKeys, fmt.Sprintf("tracking.%s.alarm", record.Vendor))
	}

	priority := uint8(record.Priority)
	var firstErr error
	for _, routingKey := range routingKeys {
		if err := s.broker.Publish(ctx, ingestion.TrackingExchange, routingKey, body, messageID, priority, true); err != nil {
			if s.met != nil {
				s.met.RecordDLQPublish(routingKey)
			}
			if s.log != nil {
				s.log.WithError(err).WithFields(map[string]interface{}{"routing_key": routingKey}).Warn("camera: publish failed")
			}
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func recordPayload(record camera.Record) map[string]interface{} {
	payload := map[string]interface{}{
		"vendor": record.Vendor, "imei": record.IMEI,
		"gps_time": record.GPSTime.UTC().Format(time.RFC3339),
		"event_type": record.EventType, "is_alarm": record.IsAlarm,
		"is_sms": record.IsSMS, "is_email": record.IsEmail, "is_call": record.IsCall,
		"priority": record.Priority,
	}
	for k, v := range record.Data {
		payload[k] = v
	}
	return payload
}
