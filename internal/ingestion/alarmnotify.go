package ingestion

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/r3e-network/fleet-telemetry/domain/telemetry"
	"github.com/r3e-network/fleet-telemetry/infrastructure/broker"
	"github.com/r3e-network/fleet-telemetry/infrastructure/logging"
)

// AlarmExchange and its routing key, shared by C1, C2, and C3 egress
// (spec.md §4.6).
const (
	AlarmExchange       = "alarm_exchange"
	AlarmRoutingKey     = "alarm.notification"
)

type alarmNotification struct {
	ID        int64                  `json:"id"`
	IMEI      int64                  `json:"imei"`
	GPSTime   string                 `json:"gps_time"`
	Category  string                 `json:"category"`
	Priority  int                    `json:"priority"`
	Channels  telemetry.Channels     `json:"channels"`
	State     map[string]interface{} `json:"state,omitempty"`
}

// PublishAlarmNotification implements spec.md §4.1 step 7: after an
// alarm's id is known (from RETURNING id), fire-and-forget publish a
// notification to alarm_exchange. Failure is logged, never propagated —
// the notification service may re-scan the alarms table on its own
// startup (spec.md §5 ordering guarantee on async notification).
func PublishAlarmNotification(ctx context.Context, client *broker.Client, alarm telemetry.Alarm, log *logging.Logger) {
	if alarm.ID == 0 {
		return // "only fire when an id is available"
	}

	body, err := json.Marshal(alarmNotification{
		ID:       alarm.ID,
		IMEI:     alarm.IMEI,
		GPSTime:  alarm.GPSTime.UTC().Format("2006-01-02T15:04:05Z"),
		Category: alarm.Category,
		Priority: telemetry.ClampPriority(alarm.Priority),
		Channels: alarm.Channels,
		State:    alarm.State,
	})
	if err != nil {
		if log != nil {
			log.WithError(err).Warn("ingestion: marshal alarm notification failed")
		}
		return
	}

	messageID := fmt.Sprintf("alarm-%d", alarm.ID)
	priority := uint8(telemetry.ClampPriority(alarm.Priority))

	if err := client.Publish(ctx, AlarmExchange, AlarmRoutingKey, body, messageID, priority, true); err != nil {
		if log != nil {
			log.WithError(err).Warn("ingestion: alarm notification publish failed")
		}
	}
}
