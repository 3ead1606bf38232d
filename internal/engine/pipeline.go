// Package engine implements the metric engine (C2): a per-device,
// order-sensitive pipeline that runs a pluggable chain of calculators over
// each TrackPoint and writes back derived state, trip, and alarm data
// (spec.md §4.2).
package engine

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/r3e-network/fleet-telemetry/domain/telemetry"
	"github.com/r3e-network/fleet-telemetry/infrastructure/broker"
	"github.com/r3e-network/fleet-telemetry/infrastructure/logging"
	"github.com/r3e-network/fleet-telemetry/infrastructure/metrics"
	"github.com/r3e-network/fleet-telemetry/infrastructure/resilience"
	"github.com/r3e-network/fleet-telemetry/infrastructure/resolvedconfig"
)

// AlarmExchange/RoutingKey mirror internal/ingestion's constants: both C1
// and C2 publish derived-event notifications to the same exchange
// (spec.md §4.2 write path, §4.6).
const (
	AlarmExchange   = "alarm_exchange"
	AlarmRoutingKey = "alarm.notification"
)

// RunState is the previous-tick working state a caller can supply instead
// of letting the pipeline read LastStatus from the database — the
// recalculation worker's "per-imei running state dictionary" that lets
// backfill replay history without ever touching the live row
// (spec.md §4.2 recalculation worker).
type RunState struct {
	Previous     telemetry.LastStatus
	SensorMirror map[string]interface{}
}

// Pipeline wires the calculator registry to state loading, config
// resolution, and the write path for one TrackPoint at a time.
type Pipeline struct {
	db       *sql.DB
	registry *Registry
	resolver *resolvedconfig.Resolver
	broker   *broker.Client
	log      *logging.Logger
	met      *metrics.Metrics
	cb       *resilience.CircuitBreaker

	// Shadow runs calculators and logs results without writing anything —
	// used to validate new calculator versions against production
	// traffic (spec.md §4.2 "Shadow mode").
	Shadow bool

	configKeys []string

	pendingMu         sync.Mutex
	pending           []pendingWrite
	pendingMaxSize    int
	pendingDrainChunk int
}

// New builds a Pipeline. cb may be nil to write without circuit-breaker
// protection (e.g. in tests); brk may be nil for backfill/recalculation
// runs, which never publish (spec.md §4.2 write path: "Backfill/recalc
// runs never publish").
func New(db *sql.DB, registry *Registry, resolver *resolvedconfig.Resolver, brk *broker.Client, cb *resilience.CircuitBreaker, log *logging.Logger, met *metrics.Metrics) *Pipeline {
	return &Pipeline{
		db:                db,
		registry:          registry,
		resolver:          resolver,
		broker:            brk,
		cb:                cb,
		log:               log,
		met:               met,
		configKeys:        collectConfigKeys(registry),
		pendingMaxSize:    defaultPendingMaxSize,
		pendingDrainChunk: defaultPendingDrainChunk,
	}
}

func collectConfigKeys(r *Registry) []string {
	seen := make(map[string]bool)
	var keys []string
	for _, c := range r.Calculators() {
		for _, k := range c.RequiresConfig() {
			if !seen[k] {
				seen[k] = true
				keys = append(keys, k)
			}
		}
	}
	return keys
}

// ErrStale indicates the record's gps_time is not newer than the device's
// last_processed_gps_time and was dropped per spec.md §4.2 step 3.
var ErrStale = fmt.Errorf("engine: stale record, already processed")

// Process runs one TrackPoint through the calculator chain and write path.
// When prior is non-nil, it is used as the previous-state source instead
// of a LastStatus read (the recalculation worker's running-state
// dictionary); the returned RunState should be threaded into the next
// call for the same imei. backfill suppresses the alarm_exchange publish.
func (p *Pipeline) Process(ctx context.Context, imei int64, point telemetry.TrackPoint, backfill bool, prior *RunState) (*RunState, error) {
	var previous telemetry.LastStatus
	var sensorMirror map[string]interface{}

	if prior != nil {
		previous = prior.Previous
		sensorMirror = prior.SensorMirror
	} else {
		var err error
		previous, err = LoadLastStatus(ctx, p.db, imei)
		if err != nil {
			return nil, fmt.Errorf("engine: load laststatus: %w", err)
		}
		sensorMirror = sensorMirrorOf(ctx, p.db, imei)
	}
	previous.SensorMirror = sensorMirror

	if !previous.LastProcessedGPSTime.IsZero() && !point.GPSTime.After(previous.LastProcessedGPSTime) {
		return prior, ErrStale
	}

	info, err := LoadVehicleInfo(ctx, p.db, imei)
	if err != nil && p.log != nil {
		p.log.Debug(ctx, "engine: vehicle lookup failed, proceeding without vehicle/client scope",
			map[string]interface{}{"imei": imei, "error": err.Error()})
	}

	config, err := p.resolveConfig(ctx, imei)
	if err != nil {
		return nil, fmt.Errorf("engine: resolve config: %w", err)
	}

	caps, err := LoadCapabilities(ctx, p.db, imei)
	if err != nil && p.log != nil {
		p.log.Debug(ctx, "engine: capability lookup failed, assuming no sensors",
			map[string]interface{}{"imei": imei, "error": err.Error()})
	}

	state := previous
	state.IMEI = imei
	state.Latitude = point.Latitude
	state.Longitude = point.Longitude
	state.LastProcessedGPSTime = point.GPSTime

	calcCtx := &Context{
		Ctx: ctx, DB: p.db, IMEI: imei,
		VehicleID: info.VehicleID, ClientID: info.ClientID,
		Point: point, Previous: previous, State: &state,
		Config: config, Capabilities: caps, Backfill: backfill,
	}

	p.runCalculators(ctx, calcCtx)

	result := &RunState{Previous: state, SensorMirror: sensorMirrorFrom(point, sensorMirror)}

	if p.Shadow {
		if p.log != nil {
			p.log.Debug(ctx, "engine: shadow mode, skipping write", map[string]interface{}{
				"imei": imei, "events": len(calcCtx.Events),
			})
		}
		return result, nil
	}

	if err := p.write(ctx, calcCtx, backfill); err != nil {
		return result, fmt.Errorf("engine: write: %w", err)
	}
	return result, nil
}

// runCalculators executes the chain in registration order. One
// calculator's panic or error is logged and skipped; it never aborts the
// remaining chain (spec.md §4.2 calculator model).
func (p *Pipeline) runCalculators(ctx context.Context, c *Context) {
	for _, calc := range p.registry.Calculators() {
		if !calc.AppliesTo(c.Capabilities) {
			continue
		}
		start := time.Now()
		err := p.runOne(calc, c)
		duration := time.Since(start)

		if p.met != nil {
			p.met.RecordCalculatorRun(calc.Name(), duration, err)
		}
		if p.log != nil {
			imei := fmt.Sprintf("%d", c.IMEI)
			p.log.LogCalculatorRun(ctx, calc.Name(), imei, duration, err)
		}
		if err == nil && len(c.Events) > 0 && p.met != nil {
			for _, ev := range c.Events {
				if ev.FormulaVersion == calc.FormulaVersion() {
					p.met.RecordEventEmitted(ev.EventType)
				}
			}
		}
	}
}

// runOne invokes a single calculator, converting a panic into an error so
// a bug in one calculator never takes down the pipeline goroutine
// (spec.md §4.2: "One calculator's failure is logged and skipped").
func (p *Pipeline) runOne(calc Calculator, c *Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("calculator %s panicked: %v", calc.Name(), r)
		}
	}()
	return calc.Calculate(c)
}

func (p *Pipeline) resolveConfig(ctx context.Context, imei int64) (map[string]string, error) {
	if p.resolver == nil {
		return map[string]string{}, nil
	}
	return p.resolver.BulkResolve(ctx, imei, p.configKeys)
}

// sensorMirrorFrom updates the in-memory sensor mirror the Fuel calculator
// reads on the next tick, mirroring what the consumer's LastStatus upsert
// persists for the real device.
func sensorMirrorFrom(point telemetry.TrackPoint, prev map[string]interface{}) map[string]interface{} {
	m := make(map[string]interface{}, len(prev)+2)
	for k, v := range prev {
		m[k] = v
	}
	if point.Fuel != nil {
		m["fuel"] = *point.Fuel
	}
	if point.Ignition != nil {
		m["ignition"] = *point.Ignition
	}
	return m
}
