package ingestion

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/r3e-network/fleet-telemetry/domain/telemetry"
	"github.com/r3e-network/fleet-telemetry/infrastructure/database"
)

// trackdataUpsertSpec describes the trackdata table's bulk upsert shape.
var trackdataUpsertSpec = database.UpsertSpec{
	Table: "trackdata",
	Columns: []string{
		"imei", "gps_time", "vendor", "latitude", "longitude", "altitude", "heading",
		"satellites", "speed", "status", "ignition", "seatbelt_buckled", "fuel",
		"dallas_temperature_1", "dallas_temperature_2", "dallas_temperature_3", "dallas_temperature_4",
		"ble_temperature_1", "ble_temperature_2", "ble_temperature_3", "ble_temperature_4",
		"ble_humidity_1", "ble_humidity_2", "ble_humidity_3", "ble_humidity_4",
		"driver_score", "io_data", "valid", "reference_landmark_id", "reference_distance_m", "created_at",
	},
	ConflictCols: []string{"imei", "gps_time"},
}

// alarmsUpsertSpec excludes the dispatcher-owned columns on conflict, per
// spec.md §9 open question #1: a re-transmit of the same (imei, gps_time)
// must never clobber sms_sent_at/email_sent_at/call_sent_at/retry_count.
var alarmsUpsertSpec = database.UpsertSpec{
	Table: "alarms",
	Columns: []string{
		"imei", "gps_time", "vendor", "latitude", "longitude", "altitude", "heading",
		"satellites", "speed", "status", "ignition", "seatbelt_buckled", "fuel",
		"is_sms", "is_email", "is_call", "priority", "scheduled_at",
		"sms_sent_at", "email_sent_at", "call_sent_at", "retry_count",
		"category", "state", "created_at",
	},
	ConflictCols: []string{"imei", "gps_time"},
	ExcludeOnConflict: map[string]bool{
		"sms_sent_at":   true,
		"email_sent_at": true,
		"call_sent_at":  true,
		"retry_count":   true,
	},
}

var eventsUpsertSpec = database.UpsertSpec{
	Table:        "events",
	Columns:      []string{"imei", "gps_time", "vendor", "event_type", "photo_url", "video_url", "data", "created_at"},
	ConflictCols: []string{"imei", "gps_time"},
}

// trackdataRow renders a TrackPoint into the column order trackdataUpsertSpec expects.
func trackdataRow(p telemetry.TrackPoint) []interface{} {
	return []interface{}{
		p.IMEI, p.GPSTime, p.Vendor, p.Latitude, p.Longitude, p.Altitude, p.Heading,
		p.Satellites, p.Speed, p.Status, p.Ignition, p.SeatbeltBuckled, p.Fuel,
		p.DallasTemp1, p.DallasTemp2, p.DallasTemp3, p.DallasTemp4,
		p.BLETemp1, p.BLETemp2, p.BLETemp3, p.BLETemp4,
		p.BLEHumidity1, p.BLEHumidity2, p.BLEHumidity3, p.BLEHumidity4,
		p.DriverScore, jsonMap(p.IO), p.Valid, p.ReferenceLandmarkID, p.ReferenceDistanceM, time.Now().UTC(),
	}
}

func alarmRow(a telemetry.Alarm) []interface{} {
	p := a.TrackPoint
	return []interface{}{
		p.IMEI, p.GPSTime, p.Vendor, p.Latitude, p.Longitude, p.Altitude, p.Heading,
		p.Satellites, p.Speed, p.Status, p.Ignition, p.SeatbeltBuckled, p.Fuel,
		a.Channels.SMS, a.Channels.Email, a.Channels.Call, telemetry.ClampPriority(a.Priority), a.ScheduledAt,
		a.SMSSentAt, a.EmailSentAt, a.CallSentAt, a.RetryCount,
		a.Category, jsonMap(a.State), time.Now().UTC(),
	}
}

func eventRow(e telemetry.Event) []interface{} {
	return []interface{}{e.IMEI, e.GPSTime, e.Vendor, e.EventType, e.PhotoURL, e.VideoURL, jsonMap(e.Data), time.Now().UTC()}
}

// jsonMap marshals m to JSON bytes for a jsonb column; a nil value (or one
// that marshals to JSON null) becomes SQL NULL.
func jsonMap(m interface{}) interface{} {
	if m == nil {
		return nil
	}
	b, err := json.Marshal(m)
	if err != nil || string(b) == "null" {
		return nil
	}
	return b
}

// FlushTrackdata implements the flushFn for the trackdata_queue accumulator:
// bulk upsert trackdata, then upsert each record's LastStatus
// consumer-owned columns only.
func FlushTrackdata(ctx context.Context, db *sql.DB, records []Record) (FlushResult, error) {
	rows := make([][]interface{}, 0, len(records))
	for _, r := range records {
		rows = append(rows, trackdataRow(r.Point))
	}
	if _, err := database.BulkUpsert(ctx, db, trackdataUpsertSpec, rows); err != nil {
		return FlushResult{}, err
	}
	for _, r := range records {
		if err := UpsertLastStatusConsumer(ctx, db, r.Point); err != nil {
			return FlushResult{}, fmt.Errorf("ingestion: laststatus upsert: %w", err)
		}
	}
	return FlushResult{Flushed: len(rows)}, nil
}

// FlushAlarms implements the flushFn for the alarms_queue accumulator: bulk
// upsert alarms with RETURNING id (needed for the notification publish),
// then the consumer-owned LastStatus columns.
func FlushAlarms(ctx context.Context, db *sql.DB, records []Record) (FlushResult, error) {
	rows := make([][]interface{}, 0, len(records))
	keys := make([]telemetry.TrackPointKey, 0, len(records))
	for _, r := range records {
		if r.Alarm == nil {
			continue
		}
		rows = append(rows, alarmRow(*r.Alarm))
		keys = append(keys, r.Alarm.Key())
	}
	ids, err := database.UpsertReturningIDs(ctx, db, alarmsUpsertSpec, rows, "id")
	if err != nil {
		return FlushResult{}, err
	}

	result := FlushResult{Flushed: len(rows), AlarmIDs: make(map[telemetry.TrackPointKey]int64, len(ids))}
	for i, id := range ids {
		if i < len(keys) {
			result.AlarmIDs[keys[i]] = id
		}
	}

	for _, r := range records {
		if r.Alarm == nil {
			continue
		}
		if err := UpsertLastStatusConsumer(ctx, db, r.Alarm.TrackPoint); err != nil {
			return result, fmt.Errorf("ingestion: laststatus upsert: %w", err)
		}
	}
	return result, nil
}

// FlushEvents implements the flushFn for the events_queue accumulator.
func FlushEvents(ctx context.Context, db *sql.DB, records []Record) (FlushResult, error) {
	rows := make([][]interface{}, 0, len(records))
	for _, r := range records {
		if r.Event == nil {
			continue
		}
		rows = append(rows, eventRow(*r.Event))
	}
	n, err := database.BulkUpsert(ctx, db, eventsUpsertSpec, rows)
	if err != nil {
		return FlushResult{}, err
	}
	return FlushResult{Flushed: int(n)}, nil
}
