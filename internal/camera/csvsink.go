package camera

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/r3e-network/fleet-telemetry/domain/camera"
)

// CSVSink writes polled records to logs-directory CSV files instead of
// publishing to the broker — "standalone testing without RabbitMQ", per
// the original poller's LOGS mode (_examples/original_source/parser_nodes/
// camera/camera_parser/async_save_to_csv.py). Every record is appended to
// camera_trackdata.csv; a non-"Normal" status additionally appends to
// camera_events.csv; an alarm-promoted record additionally appends to
// camera_alarms.csv.
type CSVSink struct {
	dir string
	mu  sync.Mutex
}

var (
	csvTrackdataColumns = []string{"server_time", "imei", "gps_time", "latitude", "longitude", "altitude", "angle", "satellites", "speed", "status", "vendor"}
	csvEventColumns     = []string{"server_time", "imei", "gps_time", "latitude", "longitude", "altitude", "angle", "satellites", "speed", "status", "photo_url", "video_url", "vendor"}
	csvAlarmColumns     = []string{"server_time", "imei", "gps_time", "latitude", "longitude", "altitude", "angle", "satellites", "speed", "status", "photo_url", "video_url", "vendor", "is_sms", "is_email", "is_call", "priority"}
)

// NewCSVSink creates dir if needed and returns a Sink writing into it.
func NewCSVSink(dir string) (*CSVSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("camera: create logs dir %s: %w", dir, err)
	}
	return &CSVSink{dir: dir}, nil
}

// Publish appends record to camera_trackdata.csv, and conditionally to
// camera_events.csv / camera_alarms.csv, mirroring the Teltonika routing
// rule the original LOGS-mode saver used: all records to trackdata, a
// non-Normal status also to events, an alarm-flagged record also to
// alarms.
func (s *CSVSink) Publish(ctx context.Context, record camera.Record) error {
	row := csvRow(record)
	if err := s.appendRow("camera_trackdata.csv", csvTrackdataColumns, row); err != nil {
		return err
	}
	if record.EventType != "" && record.EventType != "Normal" {
		if err := s.appendRow("camera_events.csv", csvEventColumns, row); err != nil {
			return err
		}
	}
	if record.IsAlarm {
		if err := s.appendRow("camera_alarms.csv", csvAlarmColumns, row); err != nil {
			return err
		}
	}
	return nil
}

func (s *CSVSink) appendRow(name string, columns []string, row map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := filepath.Join(s.dir, name)
	needsHeader := false
	if _, err := os.Stat(path); os.IsNotExist(err) {
		needsHeader = true
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("camera: open %s: %w", path, err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if needsHeader {
		if err := w.Write(columns); err != nil {
			return fmt.Errorf("camera: write header %s: %w", path, err)
		}
	}
	values := make([]string, len(columns))
	for i, c := range columns {
		values[i] = row[c]
	}
	if err := w.Write(values); err != nil {
		return fmt.Errorf("camera: write row %s: %w", path, err)
	}
	w.Flush()
	return w.Error()
}

func csvRow(record camera.Record) map[string]string {
	row := map[string]string{
		"server_time": time.Now().UTC().Format(time.RFC3339),
		"imei":        strconv.FormatInt(record.IMEI, 10),
		"gps_time":    record.GPSTime.UTC().Format(time.RFC3339),
		"status":      record.EventType,
		"vendor":      record.Vendor,
		"photo_url":   record.PhotoURL,
		"video_url":   record.VideoURL,
		"is_sms":      boolToCSV(record.IsSMS),
		"is_email":    boolToCSV(record.IsEmail),
		"is_call":     boolToCSV(record.IsCall),
		"priority":    strconv.Itoa(record.Priority),
	}
	for _, k := range []string{"latitude", "longitude", "altitude", "satellites", "speed"} {
		if v, ok := record.Data[k]; ok {
			row[k] = fmt.Sprintf("%v", v)
		}
	}
	if v, ok := record.Data["angle"]; ok {
		row["angle"] = fmt.Sprintf("%v", v)
	} else if v, ok := record.Data["heading"]; ok {
		row["angle"] = fmt.Sprintf("%v", v)
	}
	return row
}

func boolToCSV(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
