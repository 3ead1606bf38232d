package engine

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/lib/pq"

	"github.com/r3e-network/fleet-telemetry/domain/telemetry"
)

// VehicleInfo resolves the (vehicle_id, client_id) pair a tracker belongs
// to, needed by the geofence/fuel-calibration/route calculators.
type VehicleInfo struct {
	VehicleID int64
	ClientID  int64
}

// LoadVehicleInfo reads the unit->vehicle->client chain for imei.
func LoadVehicleInfo(ctx context.Context, db *sql.DB, imei int64) (VehicleInfo, error) {
	var info VehicleInfo
	err := db.QueryRowContext(ctx, `
		SELECT v.id, v.client_id FROM unit u
		JOIN vehicle v ON v.id = u.vehicle_id
		WHERE u.imei = $1`, imei).Scan(&info.VehicleID, &info.ClientID)
	return info, err
}

// LoadCapabilities reads the tracker row's sensor capability flags
// (spec.md §4.2 step 5).
func LoadCapabilities(ctx context.Context, db *sql.DB, imei int64) (Capabilities, error) {
	var caps Capabilities
	err := db.QueryRowContext(ctx, `
		SELECT has_fuel_sensor, has_temp_sensor, has_humidity_sensor, has_seatbelt_sensor
		FROM tracker WHERE imei = $1`, imei,
	).Scan(&caps.HasFuelSensor, &caps.HasTempSensor, &caps.HasHumiditySensor, &caps.HasSeatbeltSensor)
	if err == sql.ErrNoRows {
		return Capabilities{}, nil
	}
	return caps, err
}

// scanLastStatus reads the subset of laststatus columns the metric engine
// reads and writes (engine-owned columns plus the position the consumer
// maintains, read-only here).
func scanLastStatus(row *sql.Row) (telemetry.LastStatus, error) {
	var s telemetry.LastStatus
	var fenceIDs pq.Int64Array
	err := row.Scan(
		&s.IMEI, &s.Latitude, &s.Longitude,
		&s.VehicleState, &s.LastProcessedGPSTime,
		&s.IdleStartTime, &s.SpeedingStartTime, &s.SpeedingMaxSpeed,
		&s.StoppageStartTime, &s.SeatbeltViolationStart, &s.SeatbeltViolationDistanceM,
		&s.DrivingSessionStart, &s.DrivingSessionKM, &s.RestStartTime,
		&s.TempViolationStart, &s.HumidityViolationStart,
		&fenceIDs, &s.CurrentTripID, &s.TripInProgress,
	)
	s.CurrentFenceIDs = []int64(fenceIDs)
	return s, err
}

const lastStatusSelectCols = `
	imei, latitude, longitude,
	vehicle_state, last_processed_gps_time,
	idle_start_time, speeding_start_time, speeding_max_speed,
	stoppage_start_time, seatbelt_violation_start, seatbelt_violation_distance_m,
	driving_session_start, driving_session_km, rest_start_time,
	temp_violation_start, humidity_violation_start,
	current_fence_ids, current_trip_id, trip_in_progress`

// LoadLastStatus reads the engine-owned columns (plus position) for imei.
// A missing row returns a zero-value LastStatus and no error: the pipeline
// treats that as "first observation of this device" (spec.md §4.2 write
// path: insert a minimal row if absent).
func LoadLastStatus(ctx context.Context, db *sql.DB, imei int64) (telemetry.LastStatus, error) {
	row := db.QueryRowContext(ctx, "SELECT "+lastStatusSelectCols+" FROM laststatus WHERE imei = $1", imei)
	s, err := scanLastStatus(row)
	if err == sql.ErrNoRows {
		return telemetry.LastStatus{IMEI: imei}, nil
	}
	return s, err
}

// sensorMirrorOf loads the consumer-owned sensor_mirror JSON blob, used by
// the Fuel calculator to compare against the previously observed reading.
func sensorMirrorOf(ctx context.Context, db *sql.DB, imei int64) map[string]interface{} {
	var raw []byte
	err := db.QueryRowContext(ctx, "SELECT sensor_mirror FROM laststatus WHERE imei = $1", imei).Scan(&raw)
	if err != nil || len(raw) == 0 {
		return nil
	}
	var m map[string]interface{}
	if jsonErr := json.Unmarshal(raw, &m); jsonErr != nil {
		return nil
	}
	return m
}
