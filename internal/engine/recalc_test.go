package engine

import (
	"testing"
	"time"

	"github.com/r3e-network/fleet-telemetry/domain/recalc"
)

func TestParseID(t *testing.T) {
	id, err := parseID("42")
	if err != nil || id != 42 {
		t.Fatalf("expected 42, nil, got %d, %v", id, err)
	}
	if _, err := parseID("not-a-number"); err == nil {
		t.Fatal("expected an error parsing a non-numeric record key")
	}
}

func TestDedupeStrings(t *testing.T) {
	got := dedupeStrings([]string{"a", "b", "a", "c", "b"})
	want := []string{"a", "b", "c"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

func TestDedupeStrings_Empty(t *testing.T) {
	if got := dedupeStrings(nil); got != nil {
		t.Fatalf("expected nil for empty input, got %v", got)
	}
}

func TestScopeWindow_DefaultsToLookbackFromNow(t *testing.T) {
	from, to := scopeWindow(recalc.Scope{})
	if to.IsZero() || from.IsZero() {
		t.Fatal("expected both bounds populated by default")
	}
	if !from.Before(to) {
		t.Fatalf("expected from (%v) before to (%v)", from, to)
	}
	if d := to.Sub(from); d.Round(time.Hour) != recalcLookbackDays*24*time.Hour {
		t.Fatalf("expected a %d day window, got %v", recalcLookbackDays, d)
	}
}

func TestScopeWindow_HonorsExplicitBounds(t *testing.T) {
	from := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC)
	gotFrom, gotTo := scopeWindow(recalc.Scope{DateFrom: from, DateTo: to})
	if !gotFrom.Equal(from) || !gotTo.Equal(to) {
		t.Fatalf("expected explicit bounds preserved, got %v - %v", gotFrom, gotTo)
	}
}

func TestRecalcWorker_CategoriesForScope(t *testing.T) {
	catalog := recalc.Catalog{
		"tracker_config": recalc.CatalogEntry{EventCategories: []string{"Speeding", "HarshBraking"}},
		"client_config":  recalc.CatalogEntry{EventCategories: []string{"HarshBraking", "Idling"}},
	}
	w := &RecalcWorker{catalog: catalog}

	imei := int64(123)
	got := w.categoriesForScope(recalc.Scope{IMEI: &imei})
	if len(got) != 3 {
		t.Fatalf("expected 3 deduped categories, got %v", got)
	}

	if got := w.categoriesForScope(recalc.Scope{}); got != nil {
		t.Fatalf("expected no categories for a scope naming neither imei nor client, got %v", got)
	}
}

func TestRecalcWorker_CategoriesForScope_NilCatalog(t *testing.T) {
	w := &RecalcWorker{}
	imei := int64(1)
	if got := w.categoriesForScope(recalc.Scope{IMEI: &imei}); got != nil {
		t.Fatalf("expected nil categories with no catalog loaded, got %v", got)
	}
}

func TestRecalcWorker_ViewsForScope(t *testing.T) {
	catalog := recalc.Catalog{
		"tracker_config": recalc.CatalogEntry{ViewNames: []string{"view_a", "view_b"}},
		"score_weights":  recalc.CatalogEntry{ViewNames: []string{"view_b", "view_c"}},
	}
	w := &RecalcWorker{catalog: catalog}

	got := w.viewsForScope()
	if len(got) != 3 {
		t.Fatalf("expected 3 deduped views, got %v", got)
	}
}
