package camera

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/r3e-network/fleet-telemetry/domain/camera"
	"github.com/r3e-network/fleet-telemetry/infrastructure/cache"
	"github.com/r3e-network/fleet-telemetry/infrastructure/logging"
	"github.com/r3e-network/fleet-telemetry/infrastructure/metrics"
	"github.com/r3e-network/fleet-telemetry/infrastructure/resilience"
	"github.com/r3e-network/fleet-telemetry/infrastructure/secrets"
)

// Poll intervals per loop (spec.md §4.3): device status ~30s, safety
// alarms ~60s (120min lookback), real-time alarms ~10s, cleanup ~300s.
const (
	StatusPollInterval    = 30 * time.Second
	SafetyPollInterval    = 60 * time.Second
	SafetyLookback        = 120 * time.Minute
	RealtimePollInterval  = 10 * time.Second
	CleanupInterval       = 5 * time.Minute
	maxConcurrentHTTPCall = 16
)

// Poller drives every configured Server's four independent polling loops,
// sharing one alarm/trackdata dedup set, one alarm-config store, and a
// bounded semaphore across all servers so a slow vendor cannot starve the
// others (spec.md §4.3).
type Poller struct {
	client  CMSClient
	sink    Sink
	db      *sql.DB
	secrets *secrets.Manager
	configs *AlarmConfigStore
	log     *logging.Logger
	met     *metrics.Metrics

	alarmDedup     *AlarmDedup
	trackdataDedup *TrackdataDedup
	httpSem        chan struct{}

	sessions *cache.TokenCache
	mu       sync.Mutex
	breakers map[string]*resilience.CircuitBreaker
}

// NewPoller builds a Poller with an empty dedup/session/breaker state.
// sink is the outbound destination for polled records — a BrokerSink in
// normal operation, a CSVSink in standalone mode (spec.md §4.3).
func NewPoller(client CMSClient, sink Sink, db *sql.DB, secretsMgr *secrets.Manager, log *logging.Logger, met *metrics.Metrics) *Poller {
	return &Poller{
		client: client, sink: sink, db: db, secrets: secretsMgr,
		configs:        NewAlarmConfigStore(db, log),
		log:            log,
		met:            met,
		alarmDedup:     NewAlarmDedup(),
		trackdataDedup: NewTrackdataDedup(),
		httpSem:        make(chan struct{}, maxConcurrentHTTPCall),
		sessions:       cache.NewTokenCache(cache.CacheConfig{DefaultTTL: time.Hour}),
		breakers:       make(map[string]*resilience.CircuitBreaker),
	}
}

// Run starts every loop (3 pollers + cleanup) for every server and blocks
// until ctx is cancelled.
func (p *Poller) Run(ctx context.Context, servers []camera.Server, allowedAlarmTypes []string) {
	var wg sync.WaitGroup
	for _, server := range servers {
		server := server
		breaker := p.breakerFor(server.ID)
		wg.Add(4)
		go func() { defer wg.Done(); p.loop(ctx, server, StatusPollInterval, func(c context.Context) error { return p.pollStatus(c, server, breaker) }) }()
		go func() {
			defer wg.Done()
			p.loop(ctx, server, SafetyPollInterval, func(c context.Context) error { return p.pollSafetyAlarms(c, server, breaker, allowedAlarmTypes) })
		}()
		go func() {
			defer wg.Done()
			p.loop(ctx, server, RealtimePollInterval, func(c context.Context) error { return p.pollRealtimeAlarms(c, server, breaker, allowedAlarmTypes) })
		}()
		go func() { defer wg.Done(); p.loop(ctx, server, CleanupInterval, func(c context.Context) error { return p.cleanup(c) }) }()
	}
	wg.Wait()
}

// loop ticks fn every interval until ctx is cancelled, recording each
// cycle's duration/status to metrics/logs regardless of outcome.
func (p *Poller) loop(ctx context.Context, server camera.Server, interval time.Duration, fn func(context.Context) error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			start := time.Now()
			err := fn(ctx)
			status := "success"
			if err != nil {
				status = "error"
				if p.log != nil {
					p.log.WithError(err).WithFields(map[string]interface{}{"server": server.Name}).Warn("camera: poll cycle failed")
				}
			}
			if p.met != nil {
				p.met.RecordPollCycle(server.Name, status, time.Since(start))
			}
			if p.log != nil {
				p.log.LogPollCycle(ctx, server.Name, 0, time.Since(start), err)
			}
		}
	}
}

func (p *Poller) breakerFor(serverID string) *resilience.CircuitBreaker {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cb, ok := p.breakers[serverID]; ok {
		return cb
	}
	serverName := serverID
	cb := resilience.New(resilience.Config{
		MaxFailures: 5, Timeout: 60 * time.Second, HalfOpenMax: 1,
		OnStateChange: func(from, to resilience.State) {
			if p.met != nil {
				p.met.SetCircuitBreakerOpen(serverName, to == resilience.StateOpen)
			}
		},
	})
	p.breakers[serverID] = cb
	return cb
}

// authedSession returns a valid cached session for server, authenticating
// (and caching) a fresh one if absent or expired.
func (p *Poller) authedSession(ctx context.Context, server camera.Server) (camera.Session, error) {
	if v, ok := p.sessions.GetToken(server.ID); ok {
		if session, ok := v.(camera.Session); ok && session.Valid() {
			return session, nil
		}
	}
	return p.reauthenticate(ctx, server)
}

func (p *Poller) reauthenticate(ctx context.Context, server camera.Server) (camera.Session, error) {
	password, err := p.secrets.Decrypt(server.EncryptedPassword)
	if err != nil {
		return camera.Session{}, fmt.Errorf("camera: decrypt password for %s: %w", server.Name, err)
	}
	session, err := p.client.Authenticate(ctx, server, password)
	if err != nil {
		return camera.Session{}, err
	}
	ttl := time.Until(session.ExpiresAt)
	if ttl <= 0 {
		ttl = time.Minute
	}
	p.sessions.SetToken(server.ID, session, ttl)
	return session, nil
}

// withSession runs call with server's cached session, re-authenticating
// and retrying exactly once if the call reports ErrUnauthorized (spec.md
// §4.3 "retry-once-on-401").
func (p *Poller) withSession(ctx context.Context, server camera.Server, call func(camera.Session) error) error {
	session, err := p.authedSession(ctx, server)
	if err != nil {
		return err
	}
	p.httpSem <- struct{}{}
	err = call(session)
	<-p.httpSem
	if err == ErrUnauthorized {
		p.sessions.InvalidateToken(server.ID)
		session, err = p.reauthenticate(ctx, server)
		if err != nil {
			return err
		}
		p.httpSem <- struct{}{}
		err = call(session)
		<-p.httpSem
	}
	return err
}

// pollStatus implements polling loop 1: device list -> per-device status
// -> trackdata dedup -> publish trackdata + (if status looks abnormal)
// event.
func (p *Poller) pollStatus(ctx context.Context, server camera.Server, breaker *resilience.CircuitBreaker) error {
	return breaker.Execute(ctx, func() error {
		var devices []camera.Device
		if err := p.withSession(ctx, server, func(s camera.Session) error {
			var err error
			devices, err = p.client.ListDevices(ctx, server, s)
			return err
		}); err != nil {
			return err
		}

		for _, device := range devices {
			if !device.Online {
				continue
			}
			if err := p.configs.EnsureProvisioned(ctx, device.IMEI); err != nil && p.log != nil {
				p.log.WithError(err).Warn("camera: provisioning failed")
			}

			var status camera.DeviceStatus
			err := p.withSession(ctx, server, func(s camera.Session) error {
				var err error
				status, err = p.client.DeviceStatus(ctx, server, s, device.ID)
				return err
			})
			if err != nil {
				if p.log != nil {
					p.log.WithError(err).WithFields(map[string]interface{}{"device": device.ID}).Warn("camera: device status fetch failed")
				}
				continue
			}
			if !p.trackdataDedup.Admit(status.IMEI, status.ObservedAt) {
				continue
			}
			record := statusToRecord(server, status)
			p.publish(ctx, record)
		}
		return nil
	})
}

// pollSafetyAlarms implements polling loop 2: fetch [now-lookback, now],
// dedup by GUID with the photo/video merge rule, gate by alarm-config, and
// publish.
func (p *Poller) pollSafetyAlarms(ctx context.Context, server camera.Server, breaker *resilience.CircuitBreaker, allowedTypes []string) error {
	return breaker.Execute(ctx, func() error {
		now := time.Now().UTC()
		var alarms []camera.SafetyAlarm
		if err := p.withSession(ctx, server, func(s camera.Session) error {
			var err error
			alarms, err = p.client.SafetyAlarms(ctx, server, s, now.Add(-SafetyLookback), now, allowedTypes)
			return err
		}); err != nil {
			return err
		}
		p.processAlarms(ctx, server, alarms)
		return nil
	})
}

// pollRealtimeAlarms implements polling loop 3: the vendor's
// currently-active endpoint, same dedup/gating/publish path as loop 2.
func (p *Poller) pollRealtimeAlarms(ctx context.Context, server camera.Server, breaker *resilience.CircuitBreaker, allowedTypes []string) error {
	return breaker.Execute(ctx, func() error {
		var alarms []camera.SafetyAlarm
		if err := p.withSession(ctx, server, func(s camera.Session) error {
			var err error
			alarms, err = p.client.RealtimeAlarms(ctx, server, s, allowedTypes)
			return err
		}); err != nil {
			return err
		}
		p.processAlarms(ctx, server, alarms)
		return nil
	})
}

func (p *Poller) processAlarms(ctx context.Context, server camera.Server, alarms []camera.SafetyAlarm) {
	for _, alarm := range alarms {
		if !p.alarmDedup.Admit(alarm) {
			continue
		}
		if err := p.configs.EnsureProvisioned(ctx, alarm.IMEI); err != nil && p.log != nil {
			p.log.WithError(err).Warn("camera: provisioning failed")
		}
		record := alarmToRecord(server, alarm)
		cfg, err := p.configs.Lookup(ctx, alarm.IMEI, alarm.AlarmType)
		if err != nil {
			if p.log != nil {
				p.log.WithError(err).Warn("camera: alarm_config lookup failed")
			}
			continue
		}
		Stamp(&record, cfg)
		p.publish(ctx, record)
	}
}

// cleanup sweeps the dedup maps, bounding memory for long-running servers
// (spec.md §4.3 "TTL (alarms 4h, trackdata 8h, both size-capped)").
func (p *Poller) cleanup(ctx context.Context) error {
	removedAlarms := p.alarmDedup.Sweep()
	removedTrack := p.trackdataDedup.Sweep()
	if p.log != nil && (removedAlarms > 0 || removedTrack > 0) {
		p.log.WithFields(map[string]interface{}{
			"removed_alarms": removedAlarms, "removed_trackdata": removedTrack,
		}).Info("camera: dedup sweep")
	}
	return nil
}

// publish emits record to the configured Sink — trackdata, event, and/or
// alarm routings can all fire from a single polled record when the sink
// is broker-backed (spec.md §4.3 "independent publishing of
// trackdata/event/alarm routings for a single outbound message").
func (p *Poller) publish(ctx context.Context, record camera.Record) {
	if err := p.sink.Publish(ctx, record); err != nil {
		if p.log != nil {
			p.log.WithError(err).WithFields(map[string]interface{}{"imei": record.IMEI}).Warn("camera: publish failed")
		}
	}
}

func statusToRecord(server camera.Server, status camera.DeviceStatus) camera.Record {
	return camera.Record{
		Vendor: server.Name, IMEI: status.IMEI, GPSTime: status.ObservedAt,
		RecordType: camera.RecordTrackData, EventType: status.StatusText,
		Data: map[string]interface{}{
			"latitude": status.Latitude, "longitude": status.Longitude,
			"speed": status.Speed, "heading": status.Heading, "status": status.StatusText,
		},
	}
}

func alarmToRecord(server camera.Server, alarm camera.SafetyAlarm) camera.Record {
	return camera.Record{
		Vendor: server.Name, IMEI: alarm.IMEI, GPSTime: alarm.FileTime,
		RecordType: camera.RecordAlarm, EventType: alarm.AlarmType,
		PhotoURL: alarm.PhotoURL, VideoURL: alarm.VideoURL,
		Data: map[string]interface{}{
			"guid": string(alarm.GUID), "channel": alarm.Channel,
			"photo_url": alarm.PhotoURL, "video_url": alarm.VideoURL,
		},
	}
}
