package camera

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/r3e-network/fleet-telemetry/domain/camera"
	"github.com/r3e-network/fleet-telemetry/infrastructure/logging"
)

// AlarmConfigStore resolves (imei, event_type) alarm-config rows, lazily
// auto-provisioning a device's row set from the TemplateIMEI on first
// sighting (spec.md §4.3 "alarm-config auto-provisioning from template
// imei=0").
type AlarmConfigStore struct {
	db  *sql.DB
	log *logging.Logger

	mu          sync.RWMutex
	provisioned map[int64]bool
}

// NewAlarmConfigStore builds an AlarmConfigStore.
func NewAlarmConfigStore(db *sql.DB, log *logging.Logger) *AlarmConfigStore {
	return &AlarmConfigStore{db: db, log: log, provisioned: make(map[int64]bool)}
}

// EnsureProvisioned copies the TemplateIMEI row set onto imei the first
// time it is seen, so a newly discovered device inherits the fleet's
// default alarm routing without manual setup.
func (s *AlarmConfigStore) EnsureProvisioned(ctx context.Context, imei int64) error {
	s.mu.RLock()
	done := s.provisioned[imei]
	s.mu.RUnlock()
	if done || imei == camera.TemplateIMEI {
		return nil
	}

	var existing int
	if err := s.db.QueryRowContext(ctx,
		`SELECT count(*) FROM alarm_config WHERE imei = $1`, imei).Scan(&existing); err != nil {
		return fmt.Errorf("camera: check alarm_config rows for %d: %w", imei, err)
	}
	if existing == 0 {
		if _, err := s.db.ExecContext(ctx, `
			INSERT INTO alarm_config (imei, event_type, enabled, is_alarm, is_sms, is_email, is_call, priority, window_start, window_end)
			SELECT $1, event_type, enabled, is_alarm, is_sms, is_email, is_call, priority, window_start, window_end
			FROM alarm_config WHERE imei = $2`, imei, camera.TemplateIMEI); err != nil {
			return fmt.Errorf("camera: provision alarm_config for %d from template: %w", imei, err)
		}
		if s.log != nil {
			s.log.WithFields(map[string]interface{}{"imei": imei}).Info("camera: provisioned alarm_config from template")
		}
	}

	s.mu.Lock()
	s.provisioned[imei] = true
	s.mu.Unlock()
	return nil
}

// Lookup resolves the alarm-config row for (imei, eventType), falling back
// to a disabled zero-value config (no alarm, no notification) when absent.
func (s *AlarmConfigStore) Lookup(ctx context.Context, imei int64, eventType string) (camera.AlarmConfig, error) {
	var cfg camera.AlarmConfig
	var startSeconds, endSeconds int64
	err := s.db.QueryRowContext(ctx, `
		SELECT imei, event_type, enabled, is_alarm, is_sms, is_email, is_call, priority,
			extract(epoch FROM window_start)::bigint, extract(epoch FROM window_end)::bigint
		FROM alarm_config WHERE imei = $1 AND event_type = $2`, imei, eventType).Scan(
		&cfg.IMEI, &cfg.EventType, &cfg.Enabled, &cfg.IsAlarm, &cfg.IsSMS, &cfg.IsEmail, &cfg.IsCall,
		&cfg.Priority, &startSeconds, &endSeconds)
	if err == sql.ErrNoRows {
		return camera.AlarmConfig{IMEI: imei, EventType: eventType}, nil
	}
	if err != nil {
		return camera.AlarmConfig{}, fmt.Errorf("camera: lookup alarm_config %d/%s: %w", imei, eventType, err)
	}
	cfg.Window = camera.TimeWindow{Start: time.Duration(startSeconds) * time.Second, End: time.Duration(endSeconds) * time.Second}
	return cfg, nil
}

// Stamp applies cfg to record's routing flags, gating is_alarm/is_sms/
// is_email/is_call on the config's time-of-day window — a config that is
// enabled but whose window excludes the record's gps_time delivers nothing
// (spec.md §4.3 "time-of-day window gating").
func Stamp(record *camera.Record, cfg camera.AlarmConfig) {
	if !cfg.Enabled || !cfg.Window.Contains(record.GPSTime) {
		record.IsAlarm, record.IsSMS, record.IsEmail, record.IsCall = false, false, false, false
		return
	}
	record.IsAlarm = cfg.IsAlarm
	record.IsSMS = cfg.IsSMS
	record.IsEmail = cfg.IsEmail
	record.IsCall = cfg.IsCall
	record.Priority = cfg.Priority
}
