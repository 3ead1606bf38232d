package engine

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/r3e-network/fleet-telemetry/domain/telemetry"
)

// loadTrackdata reads trackdata for imei over [from,to] ordered by
// gps_time, the replay source for the recalculation worker.
func loadTrackdata(ctx context.Context, db *sql.DB, imei int64, from, to time.Time) ([]telemetry.TrackPoint, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT imei, gps_time, vendor, latitude, longitude, altitude, heading,
			satellites, speed, status, ignition, seatbelt_buckled, fuel,
			dallas_temperature_1, dallas_temperature_2, dallas_temperature_3, dallas_temperature_4,
			ble_temperature_1, ble_temperature_2, ble_temperature_3, ble_temperature_4,
			ble_humidity_1, ble_humidity_2, ble_humidity_3, ble_humidity_4,
			driver_score, valid
		FROM trackdata WHERE imei = $1 AND gps_time BETWEEN $2 AND $3 ORDER BY gps_time`,
		imei, from, to)
	if err != nil {
		return nil, fmt.Errorf("engine: load trackdata for replay: %w", err)
	}
	defer rows.Close()

	var points []telemetry.TrackPoint
	for rows.Next() {
		var p telemetry.TrackPoint
		if err := rows.Scan(
			&p.IMEI, &p.GPSTime, &p.Vendor, &p.Latitude, &p.Longitude, &p.Altitude, &p.Heading,
			&p.Satellites, &p.Speed, &p.Status, &p.Ignition, &p.SeatbeltBuckled, &p.Fuel,
			&p.DallasTemp1, &p.DallasTemp2, &p.DallasTemp3, &p.DallasTemp4,
			&p.BLETemp1, &p.BLETemp2, &p.BLETemp3, &p.BLETemp4,
			&p.BLEHumidity1, &p.BLEHumidity2, &p.BLEHumidity3, &p.BLEHumidity4,
			&p.DriverScore, &p.Valid,
		); err != nil {
			return nil, fmt.Errorf("engine: scan replay trackdata: %w", err)
		}
		points = append(points, p)
	}
	return points, rows.Err()
}

// deleteEventsByCategory deletes metric_events rows for imei in the given
// categories over [from,to], returning the number of rows removed.
func deleteEventsByCategory(ctx context.Context, db *sql.DB, imei int64, categories []string, from, to time.Time) (int64, error) {
	if len(categories) == 0 {
		return 0, nil
	}
	result, err := db.ExecContext(ctx, `
		DELETE FROM metric_events
		WHERE imei = $1 AND category = ANY($2) AND gps_time BETWEEN $3 AND $4`,
		imei, pq.Array(categories), from, to)
	if err != nil {
		return 0, fmt.Errorf("engine: delete events by category: %w", err)
	}
	return result.RowsAffected()
}

// imeisForClient resolves every imei belonging to a client, scoping a
// RECALC_VIOLATIONS job triggered by a client_config change.
func imeisForClient(ctx context.Context, db *sql.DB, clientID int64) ([]int64, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT u.imei FROM unit u
		JOIN vehicle v ON v.id = u.vehicle_id
		WHERE v.client_id = $1`, clientID)
	if err != nil {
		return nil, fmt.Errorf("engine: imeis for client: %w", err)
	}
	defer rows.Close()
	return scanIMEIs(rows)
}

// imeisForVehicle resolves every imei attached to a vehicle, scoping a
// RECALC_FUEL job triggered by a calibration change.
func imeisForVehicle(ctx context.Context, db *sql.DB, vehicleID int64) ([]int64, error) {
	rows, err := db.QueryContext(ctx, `SELECT imei FROM unit WHERE vehicle_id = $1`, vehicleID)
	if err != nil {
		return nil, fmt.Errorf("engine: imeis for vehicle: %w", err)
	}
	defer rows.Close()
	return scanIMEIs(rows)
}

func scanIMEIs(rows *sql.Rows) ([]int64, error) {
	var imeis []int64
	for rows.Next() {
		var imei int64
		if err := rows.Scan(&imei); err != nil {
			return nil, err
		}
		imeis = append(imeis, imei)
	}
	return imeis, rows.Err()
}

// recomputeTripFuel recomputes trip.total_fuel for the vehicle's completed
// trips using calibration-translated litres at trip start/end fuel
// readings, per spec.md §4.2's RECALC_FUEL job.
func recomputeTripFuel(ctx context.Context, db *sql.DB, vehicleID int64) (int64, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT trip_id, start_time, end_time FROM trip
		WHERE vehicle_id = $1 AND status = 'Completed'`, vehicleID)
	if err != nil {
		return 0, fmt.Errorf("engine: load completed trips: %w", err)
	}
	type tripWindow struct {
		id         int64
		start, end time.Time
	}
	var trips []tripWindow
	for rows.Next() {
		var t tripWindow
		if err := rows.Scan(&t.id, &t.start, &t.end); err == nil {
			trips = append(trips, t)
		}
	}
	rows.Close()

	var updated int64
	for _, t := range trips {
		startFuel, okStart := fuelAt(ctx, db, vehicleID, t.start)
		endFuel, okEnd := fuelAt(ctx, db, vehicleID, t.end)
		if !okStart || !okEnd {
			continue
		}
		startLiters := calibratedLiters(ctx, db, vehicleID, startFuel)
		endLiters := calibratedLiters(ctx, db, vehicleID, endFuel)
		consumed := startLiters - endLiters
		if consumed < 0 {
			consumed = 0
		}
		if _, err := db.ExecContext(ctx, `UPDATE trip SET total_fuel = $2 WHERE trip_id = $1`, t.id, consumed); err == nil {
			updated++
		}
	}
	return updated, nil
}

func fuelAt(ctx context.Context, db *sql.DB, vehicleID int64, at time.Time) (float64, bool) {
	var fuel float64
	err := db.QueryRowContext(ctx, `
		SELECT t.fuel FROM trackdata t
		JOIN unit u ON u.imei = t.imei
		WHERE u.vehicle_id = $1 AND t.fuel IS NOT NULL
		ORDER BY abs(extract(epoch FROM t.gps_time - $2::timestamp)) ASC LIMIT 1`,
		vehicleID, at).Scan(&fuel)
	return fuel, err == nil
}

// calibratedLiters maps a raw fuel-sensor reading to litres via the
// calibration table's piecewise-linear ranges for vehicleID, returning the
// raw value unchanged if no calibration row matches.
func calibratedLiters(ctx context.Context, db *sql.DB, vehicleID int64, raw float64) float64 {
	var rangeLow, rangeHigh, litersLow, litersHigh float64
	err := db.QueryRowContext(ctx, `
		SELECT range_low, range_high, liters_low, liters_high FROM calibration
		WHERE vehicle_id = $1 AND $2 BETWEEN range_low AND range_high LIMIT 1`,
		vehicleID, raw).Scan(&rangeLow, &rangeHigh, &litersLow, &litersHigh)
	if err != nil || rangeHigh == rangeLow {
		return raw
	}
	frac := (raw - rangeLow) / (rangeHigh - rangeLow)
	return litersLow + frac*(litersHigh-litersLow)
}
