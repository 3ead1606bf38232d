package ingestion

import (
	"context"
	"encoding/json"

	"github.com/r3e-network/fleet-telemetry/infrastructure/broker"
	"github.com/r3e-network/fleet-telemetry/infrastructure/logging"
	"github.com/r3e-network/fleet-telemetry/infrastructure/metrics"
)

// InvalidDataQueue is the direct (non-exchange) queue name validation
// failures are routed to (spec.md §4.6).
const InvalidDataQueue = "invalid_data_queue"

// invalidDataEnvelope is the {record, reason} body shape spec.md §4.6
// mandates for invalid_data_queue.
type invalidDataEnvelope struct {
	Record interface{}    `json:"record"`
	Reason InvalidReason  `json:"reason"`
}

// PublishInvalid routes a record that failed validation to
// invalid_data_queue with its rejection reason. Publishing is
// best-effort: a failure is logged and counted, never propagated as a
// processing error (it must not block the consumer loop).
func PublishInvalid(ctx context.Context, client *broker.Client, record interface{}, reason InvalidReason, log *logging.Logger, met *metrics.Metrics) {
	body, err := json.Marshal(invalidDataEnvelope{Record: record, Reason: reason})
	if err != nil {
		if log != nil {
			log.WithError(err).Warn("ingestion: marshal invalid-data envelope failed")
		}
		return
	}
	if err := client.Publish(ctx, "", InvalidDataQueue, body, "", 0, true); err != nil {
		if log != nil {
			log.WithError(err).Warn("ingestion: publish to invalid_data_queue failed")
		}
		if met != nil {
			met.DLQPublishedTotal.WithLabelValues("invalid_data_queue_failed").Inc()
		}
		return
	}
	if met != nil {
		met.DLQPublishedTotal.WithLabelValues("invalid_data_queue").Inc()
	}
}
