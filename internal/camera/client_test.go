package camera

import (
	"testing"
	"time"
)

func TestToSet(t *testing.T) {
	if s := toSet(nil); s != nil {
		t.Fatalf("expected nil set for empty input, got %v", s)
	}
	s := toSet([]string{"HarshBraking", "Speeding"})
	if !s["HarshBraking"] || !s["Speeding"] {
		t.Fatal("expected both values present in the set")
	}
	if s["Unknown"] {
		t.Fatal("unexpected value reported present")
	}
}

func TestParseVendorLocal_KnownTimezone(t *testing.T) {
	got := parseVendorLocal("2026-01-01T12:00:00", "America/New_York")
	want := time.Date(2026, 1, 1, 17, 0, 0, 0, time.UTC) // EST is UTC-5 in January
	if !got.Equal(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestParseVendorLocal_UnknownTimezoneFallsBackToUTC(t *testing.T) {
	got := parseVendorLocal("2026-01-01T12:00:00", "Not/A_Zone")
	want := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestLocalTimeParam_RoundTripsThroughTimezone(t *testing.T) {
	utc := time.Date(2026, 1, 1, 17, 0, 0, 0, time.UTC)
	got := localTimeParam(utc, "America/New_York")
	want := "2026-01-01T12:00:00"
	if got != want {
		t.Fatalf("expected %s, got %s", want, got)
	}
}

func TestLocalTimeParam_UnknownTimezoneFallsBackToUTC(t *testing.T) {
	utc := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	got := localTimeParam(utc, "Not/A_Zone")
	want := "2026-01-01T12:00:00"
	if got != want {
		t.Fatalf("expected %s, got %s", want, got)
	}
}
