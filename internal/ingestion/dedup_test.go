package ingestion

import (
	"testing"
	"time"
)

func TestL1Dedup_SeenAndMark(t *testing.T) {
	d := NewL1Dedup(10, time.Hour)

	if d.Seen("msg-1") {
		t.Fatal("an unmarked message should not be seen")
	}
	d.Mark("msg-1")
	if !d.Seen("msg-1") {
		t.Fatal("a marked message should be seen")
	}
}

func TestL1Dedup_ExpiresAfterTTL(t *testing.T) {
	d := NewL1Dedup(10, time.Millisecond)
	d.Mark("msg-1")
	time.Sleep(5 * time.Millisecond)
	if d.Seen("msg-1") {
		t.Fatal("expected entry to expire after ttl")
	}
}

func TestL1Dedup_EvictsOldestWhenFull(t *testing.T) {
	d := NewL1Dedup(2, time.Hour)
	d.Mark("msg-1")
	d.Mark("msg-2")
	d.Mark("msg-3")

	if d.Size() != 2 {
		t.Fatalf("expected size capped at 2, got %d", d.Size())
	}
	if d.Seen("msg-1") {
		t.Fatal("oldest entry should have been evicted")
	}
	if !d.Seen("msg-2") || !d.Seen("msg-3") {
		t.Fatal("the two most recent entries should remain")
	}
}

func TestL1Dedup_MarkIsIdempotent(t *testing.T) {
	d := NewL1Dedup(10, time.Hour)
	d.Mark("msg-1")
	d.Mark("msg-1")
	if d.Size() != 1 {
		t.Fatalf("expected size 1 after re-marking the same id, got %d", d.Size())
	}
}

func TestL1Dedup_Sweep(t *testing.T) {
	d := NewL1Dedup(10, time.Millisecond)
	d.Mark("msg-1")
	time.Sleep(5 * time.Millisecond)
	d.Mark("msg-2")

	removed := d.Sweep()
	if removed != 1 {
		t.Fatalf("expected 1 removed, got %d", removed)
	}
	if d.Size() != 1 {
		t.Fatalf("expected 1 remaining, got %d", d.Size())
	}
}

func TestNewL1Dedup_DefaultsAppliedForInvalidInputs(t *testing.T) {
	d := NewL1Dedup(0, 0)
	if d.maxSize != 100_000 {
		t.Fatalf("expected default maxSize 100000, got %d", d.maxSize)
	}
	if d.ttl != time.Hour {
		t.Fatalf("expected default ttl 1h, got %v", d.ttl)
	}
}
