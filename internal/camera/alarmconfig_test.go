package camera

import (
	"testing"
	"time"

	"github.com/r3e-network/fleet-telemetry/domain/camera"
)

func TestStamp_DisabledConfigClearsRoutingFlags(t *testing.T) {
	record := &camera.Record{IsAlarm: true, IsSMS: true}
	cfg := camera.AlarmConfig{Enabled: false, IsAlarm: true, IsSMS: true}

	Stamp(record, cfg)

	if record.IsAlarm || record.IsSMS || record.IsEmail || record.IsCall {
		t.Fatal("disabled config should clear every routing flag")
	}
}

func TestStamp_OutsideWindowClearsRoutingFlags(t *testing.T) {
	gpsTime := time.Date(2026, 1, 1, 3, 0, 0, 0, time.UTC) // 03:00
	record := &camera.Record{GPSTime: gpsTime}
	cfg := camera.AlarmConfig{
		Enabled: true, IsAlarm: true, IsSMS: true,
		Window: camera.TimeWindow{Start: 8 * time.Hour, End: 18 * time.Hour}, // 08:00-18:00
	}

	Stamp(record, cfg)

	if record.IsAlarm || record.IsSMS {
		t.Fatal("a record outside the config's window should not be stamped as alarm/sms")
	}
}

func TestStamp_InsideWindowAppliesConfig(t *testing.T) {
	gpsTime := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC) // 09:00
	record := &camera.Record{GPSTime: gpsTime}
	cfg := camera.AlarmConfig{
		Enabled: true, IsAlarm: true, IsSMS: true, IsEmail: false, IsCall: true, Priority: 7,
		Window: camera.TimeWindow{Start: 8 * time.Hour, End: 18 * time.Hour},
	}

	Stamp(record, cfg)

	if !record.IsAlarm || !record.IsSMS || record.IsEmail || !record.IsCall {
		t.Fatal("a record inside the config's window should adopt the config's channels")
	}
	if record.Priority != 7 {
		t.Fatalf("expected priority 7, got %d", record.Priority)
	}
}

func TestStamp_WindowCrossingMidnight(t *testing.T) {
	cfg := camera.AlarmConfig{
		Enabled: true, IsAlarm: true,
		Window: camera.TimeWindow{Start: 22 * time.Hour, End: 6 * time.Hour}, // 22:00-06:00
	}

	night := &camera.Record{GPSTime: time.Date(2026, 1, 1, 23, 0, 0, 0, time.UTC)}
	Stamp(night, cfg)
	if !night.IsAlarm {
		t.Fatal("23:00 should fall within a 22:00-06:00 window")
	}

	day := &camera.Record{GPSTime: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	Stamp(day, cfg)
	if day.IsAlarm {
		t.Fatal("12:00 should fall outside a 22:00-06:00 window")
	}
}
