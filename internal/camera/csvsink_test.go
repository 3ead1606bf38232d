package camera

import (
	"context"
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/r3e-network/fleet-telemetry/domain/camera"
)

func TestCSVSink_TrackdataOnlyForNormalStatus(t *testing.T) {
	dir := t.TempDir()
	sink, err := NewCSVSink(dir)
	if err != nil {
		t.Fatalf("NewCSVSink: %v", err)
	}

	record := camera.Record{
		Vendor: "dahua", IMEI: 100, GPSTime: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		RecordType: camera.RecordTrackData, EventType: "Normal",
		Data: map[string]interface{}{"latitude": 31.5, "longitude": 74.3, "speed": 40},
	}
	if err := sink.Publish(context.Background(), record); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	if !fileExists(t, dir, "camera_trackdata.csv") {
		t.Fatal("expected camera_trackdata.csv to be written")
	}
	if fileExists(t, dir, "camera_events.csv") {
		t.Fatal("Normal status should not produce an events row")
	}
	if fileExists(t, dir, "camera_alarms.csv") {
		t.Fatal("non-alarm record should not produce an alarms row")
	}
}

func TestCSVSink_EventAndAlarmRouting(t *testing.T) {
	dir := t.TempDir()
	sink, err := NewCSVSink(dir)
	if err != nil {
		t.Fatalf("NewCSVSink: %v", err)
	}

	record := camera.Record{
		Vendor: "dahua", IMEI: 100, GPSTime: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		RecordType: camera.RecordAlarm, EventType: "HarshBraking",
		IsAlarm: true, IsSMS: true, Priority: 5,
	}
	if err := sink.Publish(context.Background(), record); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	if !fileExists(t, dir, "camera_trackdata.csv") {
		t.Fatal("all records should land in trackdata")
	}
	if !fileExists(t, dir, "camera_events.csv") {
		t.Fatal("non-Normal status should produce an events row")
	}
	if !fileExists(t, dir, "camera_alarms.csv") {
		t.Fatal("is_alarm record should produce an alarms row")
	}

	rows := readCSV(t, filepath.Join(dir, "camera_alarms.csv"))
	if len(rows) != 2 {
		t.Fatalf("expected header + 1 row, got %d", len(rows))
	}
	header, row := rows[0], rows[1]
	if got := valueFor(header, row, "is_sms"); got != "1" {
		t.Fatalf("is_sms = %q, want 1", got)
	}
	if got := valueFor(header, row, "priority"); got != "5" {
		t.Fatalf("priority = %q, want 5", got)
	}
}

func TestCSVSink_HeaderWrittenOnce(t *testing.T) {
	dir := t.TempDir()
	sink, err := NewCSVSink(dir)
	if err != nil {
		t.Fatalf("NewCSVSink: %v", err)
	}
	record := camera.Record{Vendor: "dahua", IMEI: 1, GPSTime: time.Now(), EventType: "Normal"}

	if err := sink.Publish(context.Background(), record); err != nil {
		t.Fatalf("Publish 1: %v", err)
	}
	if err := sink.Publish(context.Background(), record); err != nil {
		t.Fatalf("Publish 2: %v", err)
	}

	rows := readCSV(t, filepath.Join(dir, "camera_trackdata.csv"))
	if len(rows) != 3 {
		t.Fatalf("expected 1 header + 2 data rows, got %d", len(rows))
	}
	if rows[0][0] != "server_time" {
		t.Fatalf("expected header row first, got %v", rows[0])
	}
}

func fileExists(t *testing.T, dir, name string) bool {
	t.Helper()
	_, err := os.Stat(filepath.Join(dir, name))
	return err == nil
}

func readCSV(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return rows
}

func valueFor(header, row []string, column string) string {
	for i, c := range header {
		if c == column && i < len(row) {
			return row[i]
		}
	}
	return ""
}
