package ingestion

import (
	"context"
	"testing"

	"github.com/r3e-network/fleet-telemetry/domain/telemetry"
)

func TestPublishAlarmNotification_SkipsWithoutAnID(t *testing.T) {
	// A nil *broker.Client would panic if PublishAlarmNotification reached
	// client.Publish; alarm.ID == 0 must short-circuit before that happens.
	PublishAlarmNotification(context.Background(), nil, telemetry.Alarm{}, nil)
}
