package camera

import (
	"testing"
	"time"
)

func TestSafetyAlarm_MergeKey(t *testing.T) {
	ft := time.Date(2026, 1, 1, 10, 30, 0, 0, time.UTC)
	a := SafetyAlarm{DeviceID: "dev-1", FileTime: ft, AlarmType: "HarshBraking", Channel: 2}
	b := SafetyAlarm{DeviceID: "dev-1", FileTime: ft, AlarmType: "HarshBraking", Channel: 2, VideoURL: "v.mp4"}

	if a.MergeKey() != b.MergeKey() {
		t.Fatal("the same (device, time, type, channel) reported with/without video should share a merge key")
	}

	c := SafetyAlarm{DeviceID: "dev-1", FileTime: ft, AlarmType: "HarshBraking", Channel: 3}
	if a.MergeKey() == c.MergeKey() {
		t.Fatal("a different channel should produce a different merge key")
	}
}

func TestSafetyAlarm_HasVideo(t *testing.T) {
	if (SafetyAlarm{}).HasVideo() {
		t.Fatal("an alarm with no video url should report HasVideo() == false")
	}
	if !(SafetyAlarm{VideoURL: "v.mp4"}).HasVideo() {
		t.Fatal("an alarm with a video url should report HasVideo() == true")
	}
}

func TestTimeWindow_Contains(t *testing.T) {
	day := TimeWindow{Start: 8 * time.Hour, End: 18 * time.Hour}
	if !day.Contains(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)) {
		t.Fatal("noon should fall within an 08:00-18:00 window")
	}
	if day.Contains(time.Date(2026, 1, 1, 2, 0, 0, 0, time.UTC)) {
		t.Fatal("02:00 should fall outside an 08:00-18:00 window")
	}

	night := TimeWindow{Start: 22 * time.Hour, End: 6 * time.Hour}
	if !night.Contains(time.Date(2026, 1, 1, 1, 0, 0, 0, time.UTC)) {
		t.Fatal("01:00 should fall within a 22:00-06:00 window")
	}
	if !night.Contains(time.Date(2026, 1, 1, 23, 0, 0, 0, time.UTC)) {
		t.Fatal("23:00 should fall within a 22:00-06:00 window")
	}
	if night.Contains(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)) {
		t.Fatal("12:00 should fall outside a 22:00-06:00 window")
	}
}
