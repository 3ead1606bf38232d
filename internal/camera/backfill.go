package camera

import (
	"context"
	"time"

	"github.com/r3e-network/fleet-telemetry/domain/camera"
)

// BackfillWindow is the default startup replay window (spec.md §4.3
// "configurable window default 7 days").
const BackfillWindow = 7 * 24 * time.Hour

// BackfillChunkSize and BackfillPause bound the startup alarm backfill so a
// large device fleet doesn't saturate the vendor API or the shared HTTP
// semaphore on process start (spec.md §4.3 "chunked by device default 5 at
// a time with pauses").
const (
	BackfillChunkSize = 5
	BackfillPause     = 2 * time.Second
)

// Backfill replays each server's safety-alarm history over BackfillWindow
// once at startup, chunking devices to respect the shared HTTP budget.
// GPS track history is not replayed.
func (p *Poller) Backfill(ctx context.Context, servers []camera.Server, allowedAlarmTypes []string, window time.Duration) {
	if window <= 0 {
		window = BackfillWindow
	}
	now := time.Now().UTC()
	since := now.Add(-window)

	for _, server := range servers {
		var devices []camera.Device
		if err := p.withSession(ctx, server, func(s camera.Session) error {
			var err error
			devices, err = p.client.ListDevices(ctx, server, s)
			return err
		}); err != nil {
			if p.log != nil {
				p.log.WithError(err).WithFields(map[string]interface{}{"server": server.Name}).Warn("camera: backfill device list failed")
			}
			continue
		}

		for i := 0; i < len(devices); i += BackfillChunkSize {
			end := i + BackfillChunkSize
			if end > len(devices) {
				end = len(devices)
			}
			p.backfillChunk(ctx, server, devices[i:end], since, now, allowedAlarmTypes)

			select {
			case <-ctx.Done():
				return
			case <-time.After(BackfillPause):
			}
		}
	}
}

func (p *Poller) backfillChunk(ctx context.Context, server camera.Server, devices []camera.Device, since, until time.Time, allowedAlarmTypes []string) {
	for _, device := range devices {
		if err := p.configs.EnsureProvisioned(ctx, device.IMEI); err != nil && p.log != nil {
			p.log.WithError(err).Warn("camera: backfill provisioning failed")
		}

		var alarms []camera.SafetyAlarm
		err := p.withSession(ctx, server, func(s camera.Session) error {
			var err error
			alarms, err = p.client.SafetyAlarms(ctx, server, s, since, until, allowedAlarmTypes)
			return err
		})
		if err != nil {
			if p.log != nil {
				p.log.WithError(err).WithFields(map[string]interface{}{"device": device.ID}).Warn("camera: backfill alarm fetch failed")
			}
			continue
		}
		p.processAlarms(ctx, server, alarms)
	}
}
