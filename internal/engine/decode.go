package engine

import (
	"time"

	"github.com/r3e-network/fleet-telemetry/domain/telemetry"
	"github.com/r3e-network/fleet-telemetry/internal/ingestion"
)

// decodeTrackPoint rebuilds the TrackPoint the calculator chain needs from
// the same wire payload C1 decodes, including the sensor channels C1's own
// decoder ignores because C1 only ever persists them to trackdata
// (spec.md §4.2 step 1: "same rules as §4.1 with invalid_data_queue
// fallback").
func decodeTrackPoint(imei int64, payload map[string]interface{}) (*telemetry.TrackPoint, error) {
	lat, _ := ingestion.CoerceNumeric(payload["latitude"])
	lon, _ := ingestion.CoerceNumeric(payload["longitude"])
	speed, _ := ingestion.CoerceNumeric(payload["speed"])
	latV, lonV, speedV := derefOr(lat, 0), derefOr(lon, 0), derefOr(speed, 0)

	if err := ingestion.Validate(latV, lonV, speedV); err != nil {
		return nil, err
	}

	gpsTime, _ := payload["gps_time"].(string)
	ts, err := time.Parse(time.RFC3339, gpsTime)
	if err != nil {
		ts = time.Now().UTC()
	}

	p := &telemetry.TrackPoint{
		IMEI: imei, GPSTime: ts.UTC(), Latitude: latV, Longitude: lonV, Speed: speedV, Valid: true,
	}
	if v, ok := payload["vendor"].(string); ok {
		p.Vendor = v
	}
	if v, ok := payload["status"].(string); ok {
		p.Status = v
	}

	p.Ignition, _ = ingestion.CoerceBool(payload["ignition"])
	p.SeatbeltBuckled, _ = ingestion.CoerceBool(payload["seatbelt_buckled"])
	p.Fuel, _ = ingestion.CoerceNumeric(payload["fuel"])
	p.DallasTemp1, _ = ingestion.CoerceNumeric(payload["dallas_temperature_1"])
	p.DallasTemp2, _ = ingestion.CoerceNumeric(payload["dallas_temperature_2"])
	p.DallasTemp3, _ = ingestion.CoerceNumeric(payload["dallas_temperature_3"])
	p.DallasTemp4, _ = ingestion.CoerceNumeric(payload["dallas_temperature_4"])
	p.BLETemp1, _ = ingestion.CoerceNumeric(payload["ble_temperature_1"])
	p.BLETemp2, _ = ingestion.CoerceNumeric(payload["ble_temperature_2"])
	p.BLETemp3, _ = ingestion.CoerceNumeric(payload["ble_temperature_3"])
	p.BLETemp4, _ = ingestion.CoerceNumeric(payload["ble_temperature_4"])
	p.BLEHumidity1, _ = ingestion.CoerceNumeric(payload["ble_humidity_1"])
	p.BLEHumidity2, _ = ingestion.CoerceNumeric(payload["ble_humidity_2"])
	p.BLEHumidity3, _ = ingestion.CoerceNumeric(payload["ble_humidity_3"])
	p.BLEHumidity4, _ = ingestion.CoerceNumeric(payload["ble_humidity_4"])
	p.DriverScore, _ = ingestion.CoerceNumeric(payload["driver_score"])

	return p, nil
}

func derefOr(v *float64, def float64) float64 {
	if v == nil {
		return def
	}
	return *v
}
