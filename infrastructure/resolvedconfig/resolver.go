// Package resolvedconfig implements the three-tier configuration resolver
// (tracker -> client -> system -> EMERGENCY_DEFAULTS) described in
// spec.md §4.7/§4.5, layered on infrastructure/cache.Cache the same way
// infrastructure/secrets.Manager layers decryption over a repository
// interface.
package resolvedconfig

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/r3e-network/fleet-telemetry/infrastructure/cache"
	"github.com/r3e-network/fleet-telemetry/infrastructure/logging"
)

// ttl is the 5-minute cache TTL spec.md §4.5 specifies for resolved config
// values.
const ttl = 5 * time.Minute

// EmergencyDefaults is the compile-time constant map used when a key is
// absent at all three tiers. Values are strings; calculators parse them
// with strconv the same way they would parse a row value.
var EmergencyDefaults = map[string]string{
	"NR_THRESHOLD":                 "600",
	"IDLE_THRESHOLD":               "120",
	"MAX_SPEED_FILTER":             "200",
	"SPEED_LIMIT_CITY":             "60",
	"SPEED_LIMIT_HIGHWAY":          "100",
	"SPEED_LIMIT_MOTORWAY":         "120",
	"MIN_DURATION_SPEED":           "30",
	"IDLE_MAX":                     "900",
	"SEATBELT_SPEED_THRESHOLD":     "20",
	"MAX_DRIVING_HOURS":            "4",
	"MAX_DRIVING_DISTANCE":         "400",
	"MIN_REST_DURATION":            "1800",
	"NIGHT_START":                  "22:00",
	"NIGHT_END":                    "06:00",
	"TEMP_MIN":                     "2",
	"TEMP_MAX":                     "8",
	"SENSOR_DURATION_THRESHOLD":    "300",
	"FILL_THRESHOLD":               "5",
	"THEFT_THRESHOLD":              "5",
	"STOP_THRESHOLD":               "300",
	"DEVIATION_THRESHOLD":          "100",
	"TIME_COMPLIANCE_THRESHOLD":    "1800",
	"FENCE_BUFFER_DISTANCE":        "50",
}

// Resolver resolves a config key for a given imei through tracker_config,
// client_config, system_config, then EmergencyDefaults.
type Resolver struct {
	db    *sql.DB
	cache *cache.Cache
	log   *logging.Logger

	mu        sync.RWMutex
	knownKeys map[string]bool
}

// New builds a Resolver and loads the known-key set from system_config
// (DISTINCT config_key), falling back to EmergencyDefaults's key set.
func New(ctx context.Context, db *sql.DB, log *logging.Logger) *Resolver {
	r := &Resolver{
		db:    db,
		cache: cache.NewCache(cache.CacheConfig{DefaultTTL: ttl}),
		log:   log,
	}
	r.loadKnownKeys(ctx)
	return r
}

func (r *Resolver) loadKnownKeys(ctx context.Context) {
	known := make(map[string]bool, len(EmergencyDefaults))
	for k := range EmergencyDefaults {
		known[k] = true
	}

	if r.db != nil {
		rows, err := r.db.QueryContext(ctx, "SELECT DISTINCT config_key FROM system_config")
		if err == nil {
			defer rows.Close()
			for rows.Next() {
				var key string
				if scanErr := rows.Scan(&key); scanErr == nil {
					known[key] = true
				}
			}
		} else if r.log != nil {
			r.log.WithError(err).Warn("resolvedconfig: failed to load known keys, using compile-time fallback")
		}
	}

	r.mu.Lock()
	r.knownKeys = known
	r.mu.Unlock()
}

// KnownKeys returns the set of config keys the resolver is aware of.
func (r *Resolver) KnownKeys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.knownKeys))
	for k := range r.knownKeys {
		keys = append(keys, k)
	}
	return keys
}

// Resolve returns the value for key scoped to imei, walking
// tracker_config -> client_config -> system_config -> EmergencyDefaults.
func (r *Resolver) Resolve(ctx context.Context, imei int64, key string) (string, error) {
	cacheKey := fmt.Sprintf("%d:%s", imei, key)
	if v, ok := r.cache.Get(cacheKey); ok {
		return v.(string), nil
	}

	if r.db == nil {
		return r.fallback(key), nil
	}

	var value string
	err := r.db.QueryRowContext(ctx,
		"SELECT value FROM tracker_config WHERE imei = $1 AND config_key = $2", imei, key,
	).Scan(&value)
	if err == nil {
		r.cache.Set(cacheKey, value, ttl)
		return value, nil
	}
	if err != sql.ErrNoRows {
		return "", fmt.Errorf("resolvedconfig: tracker_config lookup: %w", err)
	}

	clientID, err := r.clientIDFor(ctx, imei)
	if err == nil {
		err = r.db.QueryRowContext(ctx,
			"SELECT value FROM client_config WHERE client_id = $1 AND config_key = $2", clientID, key,
		).Scan(&value)
		if err == nil {
			r.cache.Set(cacheKey, value, ttl)
			return value, nil
		}
		if err != sql.ErrNoRows {
			return "", fmt.Errorf("resolvedconfig: client_config lookup: %w", err)
		}
	}

	err = r.db.QueryRowContext(ctx,
		"SELECT value FROM system_config WHERE config_key = $1", key,
	).Scan(&value)
	if err == nil {
		r.cache.Set(cacheKey, value, ttl)
		return value, nil
	}
	if err != sql.ErrNoRows {
		return "", fmt.Errorf("resolvedconfig: system_config lookup: %w", err)
	}

	value = r.fallback(key)
	r.cache.Set(cacheKey, value, ttl)
	if r.log != nil {
		r.log.WithFields(map[string]interface{}{"imei": imei, "key": key}).
			Warn("resolvedconfig: falling back to EMERGENCY_DEFAULTS")
	}
	return value, nil
}

func (r *Resolver) fallback(key string) string {
	return EmergencyDefaults[key]
}

func (r *Resolver) clientIDFor(ctx context.Context, imei int64) (int64, error) {
	var clientID int64
	err := r.db.QueryRowContext(ctx, `
		SELECT v.client_id FROM unit u
		JOIN vehicle v ON v.id = u.vehicle_id
		WHERE u.imei = $1`, imei).Scan(&clientID)
	return clientID, err
}

// BulkResolve fetches every key in keys for one imei in at most four
// queries total (one for client_id, one per tier), per spec.md §4.5.
func (r *Resolver) BulkResolve(ctx context.Context, imei int64, keys []string) (map[string]string, error) {
	result := make(map[string]string, len(keys))
	remaining := make(map[string]bool, len(keys))
	for _, k := range keys {
		if v, ok := r.cache.Get(fmt.Sprintf("%d:%s", imei, k)); ok {
			result[k] = v.(string)
			continue
		}
		remaining[k] = true
	}
	if len(remaining) == 0 {
		return result, nil
	}

	if r.db == nil {
		for k := range remaining {
			result[k] = r.fallback(k)
		}
		return result, nil
	}

	if err := r.queryTier(ctx, result, remaining, "tracker_config", "imei = $1", imei); err != nil {
		return nil, err
	}
	if len(remaining) > 0 {
		clientID, err := r.clientIDFor(ctx, imei)
		if err == nil {
			if err := r.queryTier(ctx, result, remaining, "client_config", "client_id = $1", clientID); err != nil {
				return nil, err
			}
		}
	}
	if len(remaining) > 0 {
		if err := r.queryTierUnscoped(ctx, result, remaining, "system_config"); err != nil {
			return nil, err
		}
	}
	for k := range remaining {
		result[k] = r.fallback(k)
	}

	for k, v := range result {
		r.cache.Set(fmt.Sprintf("%d:%s", imei, k), v, ttl)
	}
	return result, nil
}

func (r *Resolver) queryTier(ctx context.Context, result map[string]string, remaining map[string]bool, table, scopeClause string, scopeArg interface{}) error {
	query := fmt.Sprintf("SELECT config_key, value FROM %s WHERE %s", table, scopeClause)
	rows, err := r.db.QueryContext(ctx, query, scopeArg)
	if err != nil {
		return fmt.Errorf("resolvedconfig: bulk %s: %w", table, err)
	}
	defer rows.Close()
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return err
		}
		if remaining[key] {
			result[key] = value
			delete(remaining, key)
		}
	}
	return rows.Err()
}

func (r *Resolver) queryTierUnscoped(ctx context.Context, result map[string]string, remaining map[string]bool, table string) error {
	query := fmt.Sprintf("SELECT config_key, value FROM %s", table)
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return fmt.Errorf("resolvedconfig: bulk %s: %w", table, err)
	}
	defer rows.Close()
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return err
		}
		if remaining[key] {
			result[key] = value
			delete(remaining, key)
		}
	}
	return rows.Err()
}
