package telemetry

import (
	"testing"
	"time"
)

func TestClampPriority(t *testing.T) {
	cases := []struct {
		in, want int
	}{
		{-5, 0},
		{0, 0},
		{5, 5},
		{10, 10},
		{11, 10},
	}
	for _, tc := range cases {
		if got := ClampPriority(tc.in); got != tc.want {
			t.Fatalf("ClampPriority(%d): expected %d, got %d", tc.in, tc.want, got)
		}
	}
}

func TestTrackPoint_Key(t *testing.T) {
	gpsTime := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	a := TrackPoint{IMEI: 1, GPSTime: gpsTime}
	b := TrackPoint{IMEI: 1, GPSTime: gpsTime}
	c := TrackPoint{IMEI: 2, GPSTime: gpsTime}

	if a.Key() != b.Key() {
		t.Fatal("identical (imei, gps_time) pairs should produce equal keys")
	}
	if a.Key() == c.Key() {
		t.Fatal("different imeis should produce different keys")
	}
}
