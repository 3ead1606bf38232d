package ingestion

import (
	"context"
	"database/sql"

	"github.com/r3e-network/fleet-telemetry/domain/telemetry"
)

// consumerLastStatusUpsertSpec touches only the consumer-owned column
// group; the engine-owned columns are never included here or in their
// conflicting update, upholding the disjoint-writer invariant
// (spec.md §3 invariant 3, §5 shared-resource policy).
var consumerLastStatusUpsertSpec = struct {
	columns      []string
	conflictCols []string
}{
	columns:      []string{"imei", "vendor", "last_gps_time", "latitude", "longitude", "speed", "status", "sensor_mirror", "updated_at"},
	conflictCols: []string{"imei"},
}

// UpsertLastStatusConsumer upserts the consumer-owned columns of LastStatus
// for one TrackPoint, creating the row on first observation of an imei
// (spec.md §3 lifecycle, §4.1 step 3).
func UpsertLastStatusConsumer(ctx context.Context, db *sql.DB, p telemetry.TrackPoint) error {
	sensorMirror := map[string]interface{}{
		"ignition": p.Ignition,
		"fuel":     p.Fuel,
	}

	_, err := db.ExecContext(ctx, `
		INSERT INTO laststatus (imei, vendor, last_gps_time, latitude, longitude, speed, status, sensor_mirror, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now())
		ON CONFLICT (imei) DO UPDATE SET
			vendor = EXCLUDED.vendor,
			last_gps_time = EXCLUDED.last_gps_time,
			latitude = EXCLUDED.latitude,
			longitude = EXCLUDED.longitude,
			speed = EXCLUDED.speed,
			status = EXCLUDED.status,
			sensor_mirror = EXCLUDED.sensor_mirror,
			updated_at = EXCLUDED.updated_at
		WHERE laststatus.last_gps_time IS NULL OR laststatus.last_gps_time <= EXCLUDED.last_gps_time`,
		p.IMEI, p.Vendor, p.GPSTime, p.Latitude, p.Longitude, p.Speed, p.Status, jsonMap(sensorMirror),
	)
	return err
}
