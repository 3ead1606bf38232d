package smsgateway

import (
	"context"
	"database/sql"
	"fmt"
	"sort"

	"github.com/r3e-network/fleet-telemetry/domain/sms"
	"github.com/r3e-network/fleet-telemetry/infrastructure/config"
)

// Selector picks a modem for an outbox command, preferring the unit's
// pinned modem, then falling back to a service-filtered, health/quota/
// priority-ordered pool, then to any eligible modem (spec.md §4.4 "three-
// tier modem selector").
type Selector struct {
	db *sql.DB
}

// NewSelector builds a Selector.
func NewSelector(db *sql.DB) *Selector {
	return &Selector{db: db}
}

// ErrNoModemAvailable is returned when no modem in any tier can take the
// command.
var ErrNoModemAvailable = fmt.Errorf("smsgateway: no modem available")

// Select resolves a modem for imei sending to service (e.g. "commands").
func (s *Selector) Select(ctx context.Context, imei int64, service string) (sms.ModemConfig, error) {
	if pinned, ok, err := s.pinnedModem(ctx, imei); err != nil {
		return sms.ModemConfig{}, err
	} else if ok && eligible(pinned, service) {
		return pinned, nil
	}

	pool, err := s.servicePool(ctx, service)
	if err != nil {
		return sms.ModemConfig{}, err
	}
	if len(pool) > 0 {
		return pool[0], nil
	}

	any, err := s.anyEligible(ctx)
	if err != nil {
		return sms.ModemConfig{}, err
	}
	if len(any) > 0 {
		return any[0], nil
	}
	return sms.ModemConfig{}, ErrNoModemAvailable
}

func (s *Selector) pinnedModem(ctx context.Context, imei int64) (sms.ModemConfig, bool, error) {
	var modemID sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT modem_id FROM unit WHERE imei = $1`, imei).Scan(&modemID)
	if err == sql.ErrNoRows || !modemID.Valid {
		return sms.ModemConfig{}, false, nil
	}
	if err != nil {
		return sms.ModemConfig{}, false, fmt.Errorf("smsgateway: lookup pinned modem: %w", err)
	}
	modem, err := s.modemByID(ctx, modemID.Int64)
	if err != nil {
		return sms.ModemConfig{}, false, err
	}
	return modem, true, nil
}

func (s *Selector) modemByID(ctx context.Context, id int64) (sms.ModemConfig, error) {
	modems, err := s.queryModems(ctx, `WHERE id = $1`, id)
	if err != nil {
		return sms.ModemConfig{}, err
	}
	if len(modems) == 0 {
		return sms.ModemConfig{}, sql.ErrNoRows
	}
	return modems[0], nil
}

// servicePool returns every enabled, quota-available modem allowing
// service, ordered by health then remaining quota then priority.
func (s *Selector) servicePool(ctx context.Context, service string) ([]sms.ModemConfig, error) {
	modems, err := s.queryModems(ctx, `WHERE enabled = true`)
	if err != nil {
		return nil, err
	}
	filtered := make([]sms.ModemConfig, 0, len(modems))
	for _, m := range modems {
		if eligible(m, service) {
			filtered = append(filtered, m)
		}
	}
	sortByHealthQuotaPriority(filtered)
	return filtered, nil
}

// anyEligible drops the service filter as the last-resort tier.
func (s *Selector) anyEligible(ctx context.Context) ([]sms.ModemConfig, error) {
	modems, err := s.queryModems(ctx, `WHERE enabled = true`)
	if err != nil {
		return nil, err
	}
	filtered := make([]sms.ModemConfig, 0, len(modems))
	for _, m := range modems {
		if m.HasQuota() && m.HealthStatus != sms.HealthUnhealthy {
			filtered = append(filtered, m)
		}
	}
	sortByHealthQuotaPriority(filtered)
	return filtered, nil
}

func eligible(m sms.ModemConfig, service string) bool {
	return m.Enabled && m.HasQuota() && m.HealthStatus != sms.HealthUnhealthy && m.Allows(service)
}

var healthRank = map[sms.HealthStatus]int{
	sms.HealthHealthy:   0,
	sms.HealthUnknown:   1,
	sms.HealthDegraded:  2,
	sms.HealthUnhealthy: 3,
}

func sortByHealthQuotaPriority(modems []sms.ModemConfig) {
	sort.SliceStable(modems, func(i, j int) bool {
		a, b := modems[i], modems[j]
		if healthRank[a.HealthStatus] != healthRank[b.HealthStatus] {
			return healthRank[a.HealthStatus] < healthRank[b.HealthStatus]
		}
		remainA, remainB := a.DailyLimit-a.SMSSentToday, b.DailyLimit-b.SMSSentToday
		if a.DailyLimit <= 0 {
			remainA = 1 << 30
		}
		if b.DailyLimit <= 0 {
			remainB = 1 << 30
		}
		if remainA != remainB {
			return remainA > remainB
		}
		return a.Priority < b.Priority
	})
}

func (s *Selector) queryModems(ctx context.Context, whereClause string, args ...interface{}) ([]sms.ModemConfig, error) {
	query := `
		SELECT id, name, host, sim_slot_id, encrypted_password, enabled, health_status,
			sms_sent_today, daily_limit, priority, allowed_services
		FROM modem_config ` + whereClause
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("smsgateway: query modems: %w", err)
	}
	defer rows.Close()

	var modems []sms.ModemConfig
	for rows.Next() {
		var m sms.ModemConfig
		var allowedServices []byte
		if err := rows.Scan(&m.ID, &m.Name, &m.Host, &m.SimSlotID, &m.EncryptedPassword,
			&m.Enabled, &m.HealthStatus, &m.SMSSentToday, &m.DailyLimit, &m.Priority, &allowedServices); err != nil {
			return nil, fmt.Errorf("smsgateway: scan modem: %w", err)
		}
		m.AllowedServices = config.SplitAndTrimCSV(string(allowedServices))
		modems = append(modems, m)
	}
	return modems, rows.Err()
}
