package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/r3e-network/fleet-telemetry/domain/telemetry"
	"github.com/r3e-network/fleet-telemetry/infrastructure/resilience"
)

// write implements spec.md §4.2's write path: resolve the trip action,
// persist LastStatus (engine-owned columns only), log a state transition,
// insert stoppages and metric events, and (outside backfill) publish the
// events to alarm_exchange. The DB portion runs inside the circuit
// breaker; on breaker-open the tuple is spilled to the bounded pending
// buffer instead of being lost (spec.md §4.2 "Pending writes").
func (p *Pipeline) write(ctx context.Context, c *Context, backfill bool) error {
	writeFn := func() error { return p.writeDB(ctx, c) }

	var err error
	if p.cb != nil {
		err = p.cb.Execute(ctx, writeFn)
	} else {
		err = writeFn()
	}

	if err == resilience.ErrCircuitOpen {
		p.spillPending(pendingWrite{
			IMEI: c.IMEI, State: *c.State, Events: c.Events, Stoppages: c.Stoppages,
			TripAction: c.TripAction, VehicleID: c.VehicleID, DistanceKM: c.DistanceKM,
			PreviousState: c.Previous.VehicleState, GPSTime: c.Point.GPSTime, Backfill: backfill,
		})
		return nil
	}
	if err != nil {
		return err
	}

	if !backfill && p.broker != nil {
		for _, ev := range c.Events {
			p.publishEvent(ctx, ev)
		}
	}

	p.drainPendingChunk(ctx)
	return nil
}

// writeDB performs the actual DB statements for one record's write path,
// without publish (publish only happens once the write is known to have
// committed, back in write()).
func (p *Pipeline) writeDB(ctx context.Context, c *Context) error {
	if c.TripAction != nil {
		if err := p.resolveTripAction(ctx, c); err != nil {
			return fmt.Errorf("trip action: %w", err)
		}
	}

	if err := p.upsertLastStatus(ctx, c.State); err != nil {
		return fmt.Errorf("laststatus upsert: %w", err)
	}

	if c.Previous.VehicleState != "" && c.Previous.VehicleState != c.State.VehicleState {
		if err := p.insertHistory(ctx, c.IMEI, c.Point.GPSTime, c.Previous.VehicleState, c.State.VehicleState); err != nil {
			return fmt.Errorf("laststatus_history insert: %w", err)
		}
	}

	if c.DistanceKM > 0 && c.State.CurrentTripID != nil {
		if err := p.accumulateTripDistance(ctx, *c.State.CurrentTripID, c.DistanceKM, c.Point.GPSTime); err != nil {
			return fmt.Errorf("trip distance accumulate: %w", err)
		}
	}

	for _, s := range c.Stoppages {
		if err := p.insertStoppage(ctx, s); err != nil {
			return fmt.Errorf("stoppage insert: %w", err)
		}
	}

	for _, ev := range c.Events {
		if err := p.insertMetricEvent(ctx, ev); err != nil {
			return fmt.Errorf("metric_event insert: %w", err)
		}
	}
	return nil
}

// resolveTripAction performs the single DB step a virtual trip action
// resolves to: inserting a new trip row on start, or closing the current
// one out on end, then rewriting current_trip_id/trip_in_progress.
func (p *Pipeline) resolveTripAction(ctx context.Context, c *Context) error {
	action := c.TripAction
	switch action.Kind {
	case TripActionStart:
		var tripID int64
		err := p.db.QueryRowContext(ctx, `
			INSERT INTO trip (vehicle_id, type, status, creation_mode, start_time, start_latitude, start_longitude)
			VALUES ($1, $2, 'Ongoing', $3, $4, $5, $6) RETURNING trip_id`,
			c.VehicleID, action.Type, action.CreationMode, c.Point.GPSTime, c.Point.Latitude, c.Point.Longitude,
		).Scan(&tripID)
		if err != nil {
			return err
		}
		if err := p.insertTripExtension(ctx, tripID, action); err != nil {
			return err
		}
		c.State.CurrentTripID = &tripID
		c.State.TripInProgress = true

	case TripActionEnd:
		if c.State.CurrentTripID == nil {
			return nil
		}
		_, err := p.db.ExecContext(ctx, `
			UPDATE trip SET status = 'Completed', end_time = $1, end_latitude = $2, end_longitude = $3
			WHERE trip_id = $4`,
			c.Point.GPSTime, c.Point.Latitude, c.Point.Longitude, *c.State.CurrentTripID,
		)
		if err != nil {
			return err
		}
		c.State.CurrentTripID = nil
		c.State.TripInProgress = false
	}
	return nil
}

// insertTripExtension creates the per-type extension row a started trip
// needs, mirroring the columns each trip calculator later queries/updates
// (trips.go's FenceWiseTrip/RoundTrip/RouteTrip calculators).
func (p *Pipeline) insertTripExtension(ctx context.Context, tripID int64, action *TripAction) error {
	switch action.Type {
	case telemetry.TripFenceWise:
		_, err := p.db.ExecContext(ctx,
			"INSERT INTO trip_fence_wise_extension (trip_id, origin_fence_id, destination_fence_id) VALUES ($1, $2, $3)",
			tripID, action.OriginFenceID, action.DestFenceID)
		return err
	case telemetry.TripRoundTrip:
		_, err := p.db.ExecContext(ctx,
			"INSERT INTO trip_round_extension (trip_id, upload_sheet_id, destination_lat, destination_lon) VALUES ($1, $2, $3, $4)",
			tripID, action.UploadSheetID, action.DestLatitude, action.DestLongitude)
		return err
	case telemetry.TripRouteBased:
		_, err := p.db.ExecContext(ctx,
			"INSERT INTO trip_route_extension (trip_id, route_assignment_id, deviation_count, deviation_result) VALUES ($1, $2, 0, 'Completed')",
			tripID, action.RouteAssignmentID)
		return err
	default:
		return nil
	}
}

// accumulateTripDistance adds this tick's distance to the trip's running
// total and recomputes total_duration_sec from start_time.
func (p *Pipeline) accumulateTripDistance(ctx context.Context, tripID int64, km float64, gpsTime time.Time) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE trip SET
			total_distance_km = total_distance_km + $1,
			total_duration_sec = EXTRACT(EPOCH FROM ($2 - start_time))::bigint
		WHERE trip_id = $3`,
		km, gpsTime, tripID)
	return err
}

// engineLastStatusUpsertSQL touches only the engine-owned column group;
// the consumer-owned columns are left untouched by this statement (the
// disjoint-writer invariant, spec.md §3 invariant, §5 shared-resource
// policy — the mirror image of ingestion.consumerLastStatusUpsertSpec).
const engineLastStatusUpsertSQL = `
	INSERT INTO laststatus (
		imei, latitude, longitude,
		vehicle_state, last_processed_gps_time,
		idle_start_time, speeding_start_time, speeding_max_speed,
		stoppage_start_time, seatbelt_violation_start, seatbelt_violation_distance_m,
		driving_session_start, driving_session_km, rest_start_time,
		temp_violation_start, humidity_violation_start,
		current_fence_ids, current_trip_id, trip_in_progress, updated_at
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, now())
	ON CONFLICT (imei) DO UPDATE SET
		latitude = EXCLUDED.latitude,
		longitude = EXCLUDED.longitude,
		vehicle_state = EXCLUDED.vehicle_state,
		last_processed_gps_time = EXCLUDED.last_processed_gps_time,
		idle_start_time = EXCLUDED.idle_start_time,
		speeding_start_time = EXCLUDED.speeding_start_time,
		speeding_max_speed = EXCLUDED.speeding_max_speed,
		stoppage_start_time = EXCLUDED.stoppage_start_time,
		seatbelt_violation_start = EXCLUDED.seatbelt_violation_start,
		seatbelt_violation_distance_m = EXCLUDED.seatbelt_violation_distance_m,
		driving_session_start = EXCLUDED.driving_session_start,
		driving_session_km = EXCLUDED.driving_session_km,
		rest_start_time = EXCLUDED.rest_start_time,
		temp_violation_start = EXCLUDED.temp_violation_start,
		humidity_violation_start = EXCLUDED.humidity_violation_start,
		current_fence_ids = EXCLUDED.current_fence_ids,
		current_trip_id = EXCLUDED.current_trip_id,
		trip_in_progress = EXCLUDED.trip_in_progress,
		updated_at = EXCLUDED.updated_at
	WHERE laststatus.last_processed_gps_time IS NULL OR laststatus.last_processed_gps_time <= EXCLUDED.last_processed_gps_time`

// upsertLastStatus persists the engine-owned columns, inserting a minimal
// row on first observation of a device (spec.md §4.2 write path).
func (p *Pipeline) upsertLastStatus(ctx context.Context, s *telemetry.LastStatus) error {
	_, err := p.db.ExecContext(ctx, engineLastStatusUpsertSQL,
		s.IMEI, s.Latitude, s.Longitude,
		s.VehicleState, s.LastProcessedGPSTime,
		s.IdleStartTime, s.SpeedingStartTime, s.SpeedingMaxSpeed,
		s.StoppageStartTime, s.SeatbeltViolationStart, s.SeatbeltViolationDistanceM,
		s.DrivingSessionStart, s.DrivingSessionKM, s.RestStartTime,
		s.TempViolationStart, s.HumidityViolationStart,
		pq.Int64Array(s.CurrentFenceIDs), s.CurrentTripID, s.TripInProgress,
	)
	return err
}

func (p *Pipeline) insertHistory(ctx context.Context, imei int64, gpsTime time.Time, from, to telemetry.VehicleState) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO laststatus_history (imei, gps_time, from_state, to_state, recorded_at)
		VALUES ($1, $2, $3, $4, now())`,
		imei, gpsTime, from, to)
	return err
}

func (p *Pipeline) insertStoppage(ctx context.Context, s telemetry.TripStoppageLog) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO trip_stoppage_log (trip_id, start_time, end_time, latitude, longitude, inside_fence_id, type)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		s.TripID, s.StartTime, s.EndTime, s.Latitude, s.Longitude, s.InsideFenceID, s.Type)
	return err
}

func (p *Pipeline) insertMetricEvent(ctx context.Context, ev *telemetry.MetricEvent) error {
	metadata, err := json.Marshal(ev.Metadata)
	if err != nil {
		metadata = []byte("{}")
	}
	return p.db.QueryRowContext(ctx, `
		INSERT INTO metric_events (
			imei, gps_time, category, event_type, event_value, threshold_value,
			duration_sec, severity, fence_id, trip_id, latitude, longitude, metadata, formula_version, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, now())
		RETURNING id`,
		ev.IMEI, ev.GPSTime, ev.Category, ev.EventType, ev.EventValue, ev.ThresholdValue,
		ev.DurationSec, ev.Severity, ev.FenceID, ev.TripID, ev.Latitude, ev.Longitude,
		metadata, ev.FormulaVersion,
	).Scan(&ev.ID)
}

type metricEventNotification struct {
	ID         int64                  `json:"id"`
	IMEI       int64                  `json:"imei"`
	GPSTime    string                 `json:"gps_time"`
	Category   string                 `json:"category"`
	EventType  string                 `json:"event_type"`
	Severity   string                 `json:"severity"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// publishEvent fire-and-forget publishes a derived metric event to
// alarm_exchange. Failure is logged, never propagated (spec.md §4.2 write
// path, mirroring ingestion.PublishAlarmNotification).
func (p *Pipeline) publishEvent(ctx context.Context, ev *telemetry.MetricEvent) {
	body, err := json.Marshal(metricEventNotification{
		ID: ev.ID, IMEI: ev.IMEI, GPSTime: ev.GPSTime.UTC().Format(time.RFC3339),
		Category: ev.Category, EventType: ev.EventType, Severity: ev.Severity, Metadata: ev.Metadata,
	})
	if err != nil {
		if p.log != nil {
			p.log.Warn(ctx, "engine: marshal event notification failed", map[string]interface{}{"error": err.Error()})
		}
		return
	}

	messageID := fmt.Sprintf("event-%d", ev.ID)
	if err := p.broker.Publish(ctx, AlarmExchange, AlarmRoutingKey, body, messageID, 0, true); err != nil {
		if p.log != nil {
			p.log.Warn(ctx, "engine: event notification publish failed", map[string]interface{}{"error": err.Error()})
		}
	}
}

// pendingWrite is the tuple spilled to the bounded in-memory deque when
// the DB breaker is open, so the pipeline can resume writes once it
// recovers (spec.md §4.2 "Pending writes").
type pendingWrite struct {
	IMEI          int64
	State         telemetry.LastStatus
	Events        []*telemetry.MetricEvent
	Stoppages     []telemetry.TripStoppageLog
	TripAction    *TripAction
	VehicleID     int64
	DistanceKM    float64
	PreviousState telemetry.VehicleState
	GPSTime       time.Time
	Backfill      bool
}

const (
	defaultPendingMaxSize    = 1000
	defaultPendingDrainChunk = 100
)

// spillPending appends w to the bounded pending buffer, dropping the
// oldest entries on overflow rather than growing unbounded (mirrors
// internal/ingestion's Accumulator.spillToPending).
func (p *Pipeline) spillPending(w pendingWrite) {
	p.pendingMu.Lock()
	defer p.pendingMu.Unlock()

	max := p.pendingMaxSize
	if max == 0 {
		max = defaultPendingMaxSize
	}
	p.pending = append(p.pending, w)
	if overflow := len(p.pending) - max; overflow > 0 {
		p.pending = p.pending[overflow:]
		if p.log != nil {
			p.log.Warn(context.Background(), "engine: pending buffer overflow, dropped oldest writes", map[string]interface{}{
				"dropped": overflow,
			})
		}
	}
}

// drainPendingChunk re-applies up to pendingDrainChunk buffered writes
// after a successful write signals the breaker has recovered.
func (p *Pipeline) drainPendingChunk(ctx context.Context) {
	p.pendingMu.Lock()
	if len(p.pending) == 0 {
		p.pendingMu.Unlock()
		return
	}
	chunk := p.pendingDrainChunk
	if chunk == 0 {
		chunk = defaultPendingDrainChunk
	}
	if chunk > len(p.pending) {
		chunk = len(p.pending)
	}
	batch := p.pending[:chunk]
	p.pending = p.pending[chunk:]
	p.pendingMu.Unlock()

	for _, w := range batch {
		if err := p.replayPending(ctx, w); err != nil && p.log != nil {
			p.log.Warn(ctx, "engine: replay of pending write failed", map[string]interface{}{
				"imei": w.IMEI, "error": err.Error(),
			})
		}
	}
}

// replayPending re-executes one buffered write's DB statements directly
// against the database, bypassing the circuit breaker (the caller only
// drains once the breaker is known closed).
func (p *Pipeline) replayPending(ctx context.Context, w pendingWrite) error {
	state := w.State
	c := &Context{
		IMEI: w.IMEI, VehicleID: w.VehicleID, State: &state,
		Previous: telemetry.LastStatus{VehicleState: w.PreviousState},
		Point:    telemetry.TrackPoint{GPSTime: w.GPSTime},
		Events:   w.Events, Stoppages: w.Stoppages, TripAction: w.TripAction, DistanceKM: w.DistanceKM,
	}
	if err := p.writeDB(ctx, c); err != nil {
		return err
	}
	if !w.Backfill && p.broker != nil {
		for _, ev := range w.Events {
			p.publishEvent(ctx, ev)
		}
	}
	return nil
}
