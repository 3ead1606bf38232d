package ingestion

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/r3e-network/fleet-telemetry/domain/telemetry"
	"github.com/r3e-network/fleet-telemetry/infrastructure/database"
	"github.com/r3e-network/fleet-telemetry/infrastructure/logging"
	"github.com/r3e-network/fleet-telemetry/infrastructure/metrics"
	"github.com/r3e-network/fleet-telemetry/infrastructure/resilience"
)

// BatchConfig configures one logical queue's batch accumulator
// (spec.md §4.1: default batch_size 200, batch_timeout 2s).
type BatchConfig struct {
	BatchSize      int
	BatchTimeout   time.Duration
	PendingMaxSize int // bounded in-memory pending buffer while the breaker is open
	PendingDrainChunk int
}

// DefaultBatchConfig returns spec.md's stated defaults.
func DefaultBatchConfig() BatchConfig {
	return BatchConfig{
		BatchSize:         200,
		BatchTimeout:      2 * time.Second,
		PendingMaxSize:    1000,
		PendingDrainChunk: 100,
	}
}

// Record is the accumulator's unit of work: a coerced, validated
// TrackPoint plus the message_id(s) it must mark processed on flush, and
// (for alarms/events) the extra fields needed to publish a notification or
// upsert the events table once an id is assigned.
type Record struct {
	MessageID string
	Point     telemetry.TrackPoint
	Alarm     *telemetry.Alarm // non-nil when this record belongs to the alarms queue
	Event     *telemetry.Event // non-nil when this record belongs to the events queue
}

// FlushResult is returned by Accumulator.Flush.
type FlushResult struct {
	Flushed    int
	AlarmIDs   map[telemetry.TrackPointKey]int64
}

// Accumulator is the batch accumulator shared across workers bound to the
// same logical queue (spec.md §4.1 step 3, §5: "workers share a single
// batch accumulator per logical queue guarded by a mutex").
type Accumulator struct {
	cfg    BatchConfig
	table  string // trackdata | alarms | events
	upsert database.UpsertSpec
	db     *sql.DB
	cb     *resilience.CircuitBreaker
	log    *logging.Logger
	met    *metrics.Metrics

	mu      sync.Mutex
	buffer  []Record
	pending []Record
	timer   *time.Timer
	flushFn func(context.Context, []Record) (FlushResult, error)
}

// NewAccumulator builds an Accumulator for one logical queue. flushFn
// performs the bulk upsert + LastStatus write on a batch the accumulator
// has already deduplicated (kept injectable so it can be swapped per-table:
// trackdata vs alarms vs events).
func NewAccumulator(cfg BatchConfig, table string, db *sql.DB, cb *resilience.CircuitBreaker, log *logging.Logger, met *metrics.Metrics, flushFn func(context.Context, []Record) (FlushResult, error)) *Accumulator {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 200
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = 2 * time.Second
	}
	return &Accumulator{
		cfg:     cfg,
		table:   table,
		db:      db,
		cb:      cb,
		log:     log,
		met:     met,
		flushFn: flushFn,
	}
}

// Add appends rec to the buffer, flushing immediately if the batch is now
// full. Otherwise it (re)arms the batch_timeout timer.
func (a *Accumulator) Add(ctx context.Context, rec Record) {
	a.mu.Lock()
	a.buffer = append(a.buffer, rec)
	full := len(a.buffer) >= a.cfg.BatchSize
	if !full && a.timer == nil {
		a.timer = time.AfterFunc(a.cfg.BatchTimeout, func() {
			a.flushLocked(ctx, true)
		})
	}
	shouldFlushNow := full
	a.mu.Unlock()

	if shouldFlushNow {
		a.flushLocked(ctx, false)
	}
}

func (a *Accumulator) flushLocked(ctx context.Context, fromTimer bool) {
	a.mu.Lock()
	if a.timer != nil {
		if !fromTimer {
			a.timer.Stop()
		}
		a.timer = nil
	}
	if len(a.buffer) == 0 {
		a.mu.Unlock()
		return
	}
	batch := a.buffer
	a.buffer = nil
	a.mu.Unlock()

	a.flush(ctx, batch)
}

// Flush forces an immediate flush of whatever is currently buffered
// (used by shutdown and by tests).
func (a *Accumulator) Flush(ctx context.Context) (FlushResult, error) {
	a.mu.Lock()
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	batch := a.buffer
	a.buffer = nil
	a.mu.Unlock()

	if len(batch) == 0 {
		return FlushResult{}, nil
	}
	return a.doFlush(ctx, batch)
}

func (a *Accumulator) flush(ctx context.Context, batch []Record) {
	if _, err := a.doFlush(ctx, batch); err != nil && a.log != nil {
		a.log.WithError(err).Warn("ingestion: batch flush failed")
	}
}

// doFlush deduplicates batch by (imei, gps_time) keeping the last
// occurrence, then runs flushFn inside the circuit breaker. On breaker-open
// it spills the batch onto the bounded pending buffer instead of losing it
// (spec.md §4.1 step 3, §7 capacity policy).
func (a *Accumulator) doFlush(ctx context.Context, batch []Record) (FlushResult, error) {
	deduped := dedupeBatch(batch)

	start := time.Now()
	var result FlushResult
	err := a.cb.Execute(ctx, func() error {
		var innerErr error
		result, innerErr = a.flushFn(ctx, deduped)
		return innerErr
	})
	duration := time.Since(start)

	if a.met != nil {
		a.met.BatchFlushDuration.Observe(duration.Seconds())
		a.met.BatchFlushSize.Observe(float64(len(deduped)))
	}

	if err != nil {
		if err == resilience.ErrCircuitOpen {
			a.spillToPending(deduped)
		}
		if a.met != nil {
			a.met.BatchFlushTotal.WithLabelValues("error").Inc()
		}
		if a.log != nil {
			a.log.LogBatchFlush(ctx, len(deduped), duration, err)
		}
		return result, err
	}

	if a.met != nil {
		a.met.BatchFlushTotal.WithLabelValues("ok").Inc()
	}
	if a.log != nil {
		a.log.LogBatchFlush(ctx, len(deduped), duration, nil)
	}

	a.drainPendingChunk(ctx)
	return result, nil
}

// spillToPending appends records to the bounded pending buffer, dropping
// the oldest entries with a warning when it would overflow
// (spec.md §7 capacity policy).
func (a *Accumulator) spillToPending(batch []Record) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.pending = append(a.pending, batch...)
	if overflow := len(a.pending) - a.cfg.PendingMaxSize; overflow > 0 {
		a.pending = a.pending[overflow:]
		if a.log != nil {
			a.log.Warn(context.Background(), "ingestion: pending buffer overflow, dropped oldest records", map[string]interface{}{
				"dropped": overflow,
				"table":   a.table,
			})
		}
	}
}

// drainPendingChunk re-flushes up to PendingDrainChunk pending records
// after a successful flush signals the breaker has recovered.
func (a *Accumulator) drainPendingChunk(ctx context.Context) {
	a.mu.Lock()
	if len(a.pending) == 0 {
		a.mu.Unlock()
		return
	}
	n := a.cfg.PendingDrainChunk
	if n > len(a.pending) {
		n = len(a.pending)
	}
	chunk := a.pending[:n]
	a.pending = a.pending[n:]
	a.mu.Unlock()

	a.flush(ctx, chunk)
}

// dedupeBatch keeps only the last occurrence of each (imei, gps_time) key,
// preserving the relative order of surviving records (spec.md §4.1 step 3).
func dedupeBatch(batch []Record) []Record {
	lastIndex := make(map[telemetry.TrackPointKey]int, len(batch))
	for i, r := range batch {
		lastIndex[r.Point.Key()] = i
	}
	out := make([]Record, 0, len(lastIndex))
	seen := make(map[telemetry.TrackPointKey]bool, len(lastIndex))
	for i, r := range batch {
		key := r.Point.Key()
		if lastIndex[key] != i || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, r)
	}
	return out
}
