package camera

import (
	"testing"
	"time"

	"github.com/r3e-network/fleet-telemetry/domain/camera"
)

func TestAlarmDedup_FirstSightingAdmitted(t *testing.T) {
	d := NewAlarmDedup()
	alarm := camera.SafetyAlarm{GUID: "guid-1", AlarmType: "HarshBraking"}

	if !d.Admit(alarm) {
		t.Fatal("first sighting should be admitted")
	}
	if d.Admit(alarm) {
		t.Fatal("repeat sighting without new video should be dropped")
	}
}

func TestAlarmDedup_VideoUpdateReadmitted(t *testing.T) {
	d := NewAlarmDedup()
	photoOnly := camera.SafetyAlarm{GUID: "guid-2", AlarmType: "HarshBraking"}
	withVideo := camera.SafetyAlarm{GUID: "guid-2", AlarmType: "HarshBraking", VideoURL: "https://example/video.mp4"}

	if !d.Admit(photoOnly) {
		t.Fatal("first sighting should be admitted")
	}
	if !d.Admit(withVideo) {
		t.Fatal("video-bearing update should be readmitted")
	}
	if d.Admit(withVideo) {
		t.Fatal("repeat video sighting should be dropped")
	}
}

func TestAlarmDedup_EvictsOldestWhenFull(t *testing.T) {
	d := NewAlarmDedup()
	for i := 0; i < alarmDedupCap; i++ {
		d.entries[camera.AlarmGUID(rune(i))] = camera.DedupEntry{FirstSeen: time.Now().Add(time.Duration(i) * time.Millisecond)}
	}
	if d.Size() != alarmDedupCap {
		t.Fatalf("expected %d entries, got %d", alarmDedupCap, d.Size())
	}

	d.Admit(camera.SafetyAlarm{GUID: "overflow"})

	if d.Size() != alarmDedupCap {
		t.Fatalf("expected cap to hold at %d after eviction, got %d", alarmDedupCap, d.Size())
	}
	if _, stillThere := d.entries[camera.AlarmGUID(rune(0))]; stillThere {
		t.Fatal("oldest entry should have been evicted")
	}
}

func TestAlarmDedup_SweepRemovesExpired(t *testing.T) {
	d := NewAlarmDedup()
	d.entries["stale"] = camera.DedupEntry{FirstSeen: time.Now().Add(-alarmDedupTTL - time.Minute)}
	d.entries["fresh"] = camera.DedupEntry{FirstSeen: time.Now()}

	removed := d.Sweep()

	if removed != 1 {
		t.Fatalf("expected 1 removed, got %d", removed)
	}
	if d.Size() != 1 {
		t.Fatalf("expected 1 remaining, got %d", d.Size())
	}
}

func TestTrackdataDedup_AdmitsOncePerIMEIAndGPSTime(t *testing.T) {
	d := NewTrackdataDedup()
	gpsTime := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	if !d.Admit(123, gpsTime) {
		t.Fatal("first sample should be admitted")
	}
	if d.Admit(123, gpsTime) {
		t.Fatal("repeat sample should be rejected")
	}
	if !d.Admit(123, gpsTime.Add(time.Second)) {
		t.Fatal("sample with a new gps_time should be admitted")
	}
	if !d.Admit(456, gpsTime) {
		t.Fatal("sample for a different imei should be admitted")
	}
}

func TestTrackdataDedup_SweepRemovesExpired(t *testing.T) {
	d := NewTrackdataDedup()
	d.entries[trackdataKey{imei: 1, gpsTime: 1}] = time.Now().Add(-trackdataDedupTTL - time.Minute)
	d.entries[trackdataKey{imei: 2, gpsTime: 2}] = time.Now()

	if removed := d.Sweep(); removed != 1 {
		t.Fatalf("expected 1 removed, got %d", removed)
	}
	if d.Size() != 1 {
		t.Fatalf("expected 1 remaining, got %d", d.Size())
	}
}
