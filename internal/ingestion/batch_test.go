package ingestion

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/r3e-network/fleet-telemetry/domain/telemetry"
	"github.com/r3e-network/fleet-telemetry/infrastructure/resilience"
)

func point(imei int64, gpsTime time.Time) telemetry.TrackPoint {
	return telemetry.TrackPoint{IMEI: imei, GPSTime: gpsTime}
}

func TestDedupeBatch_KeepsLastOccurrencePerKey(t *testing.T) {
	gpsTime := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	first := Record{MessageID: "m1", Point: point(1, gpsTime)}
	second := Record{MessageID: "m2", Point: point(1, gpsTime)}
	other := Record{MessageID: "m3", Point: point(2, gpsTime)}

	got := dedupeBatch([]Record{first, second, other})

	if len(got) != 2 {
		t.Fatalf("expected 2 records after dedup, got %d", len(got))
	}
	if got[0].MessageID != "m2" {
		t.Fatalf("expected the later duplicate (m2) to survive, got %s", got[0].MessageID)
	}
	if got[1].MessageID != "m3" {
		t.Fatalf("expected the distinct-key record to survive, got %s", got[1].MessageID)
	}
}

func TestDedupeBatch_PreservesOrderOfSurvivors(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	recs := []Record{
		{MessageID: "a", Point: point(1, base)},
		{MessageID: "b", Point: point(2, base)},
		{MessageID: "c", Point: point(3, base)},
	}

	got := dedupeBatch(recs)
	if len(got) != 3 {
		t.Fatalf("expected all 3 distinct keys to survive, got %d", len(got))
	}
	for i, want := range []string{"a", "b", "c"} {
		if got[i].MessageID != want {
			t.Fatalf("expected order [a b c], got index %d = %s", i, got[i].MessageID)
		}
	}
}

func TestAccumulator_FlushesOnBatchSize(t *testing.T) {
	cfg := BatchConfig{BatchSize: 2, BatchTimeout: time.Hour, PendingMaxSize: 10, PendingDrainChunk: 5}
	cb := resilience.New(resilience.DefaultConfig())

	var flushedBatches [][]Record
	flushFn := func(_ context.Context, records []Record) (FlushResult, error) {
		flushedBatches = append(flushedBatches, records)
		return FlushResult{Flushed: len(records)}, nil
	}

	acc := NewAccumulator(cfg, "trackdata", nil, cb, nil, nil, flushFn)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	acc.Add(ctx, Record{MessageID: "1", Point: point(1, base)})
	if len(flushedBatches) != 0 {
		t.Fatal("expected no flush before the batch size is reached")
	}
	acc.Add(ctx, Record{MessageID: "2", Point: point(2, base)})

	if len(flushedBatches) != 1 {
		t.Fatalf("expected exactly one flush once batch size is reached, got %d", len(flushedBatches))
	}
	if len(flushedBatches[0]) != 2 {
		t.Fatalf("expected 2 records in the flushed batch, got %d", len(flushedBatches[0]))
	}
}

func TestAccumulator_ForcedFlushReturnsBufferedRecords(t *testing.T) {
	cfg := BatchConfig{BatchSize: 200, BatchTimeout: time.Hour, PendingMaxSize: 10, PendingDrainChunk: 5}
	cb := resilience.New(resilience.DefaultConfig())

	flushFn := func(_ context.Context, records []Record) (FlushResult, error) {
		return FlushResult{Flushed: len(records)}, nil
	}

	acc := NewAccumulator(cfg, "trackdata", nil, cb, nil, nil, flushFn)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	acc.Add(ctx, Record{MessageID: "1", Point: point(1, base)})
	result, err := acc.Flush(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Flushed != 1 {
		t.Fatalf("expected 1 flushed record, got %d", result.Flushed)
	}

	result, err = acc.Flush(ctx)
	if err != nil || result.Flushed != 0 {
		t.Fatalf("expected a no-op flush on an empty buffer, got %+v, %v", result, err)
	}
}

func TestAccumulator_SpillsToPendingWhenCircuitOpen(t *testing.T) {
	cfg := BatchConfig{BatchSize: 1, BatchTimeout: time.Hour, PendingMaxSize: 10, PendingDrainChunk: 5}
	cb := resilience.New(resilience.Config{MaxFailures: 1, Timeout: time.Hour, HalfOpenMax: 1})

	flushFn := func(_ context.Context, records []Record) (FlushResult, error) {
		return FlushResult{}, errFlushBoom
	}

	acc := NewAccumulator(cfg, "trackdata", nil, cb, nil, nil, flushFn)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	// First failing flush trips the breaker (MaxFailures=1).
	acc.Add(ctx, Record{MessageID: "1", Point: point(1, base)})
	// Second Add triggers a flush attempt while the breaker is open, spilling to pending.
	acc.Add(ctx, Record{MessageID: "2", Point: point(2, base)})

	if len(acc.pending) != 1 {
		t.Fatalf("expected 1 record spilled to pending, got %d", len(acc.pending))
	}
}

var errFlushBoom = errors.New("boom")
