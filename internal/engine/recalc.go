package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/r3e-network/fleet-telemetry/domain/recalc"
	"github.com/r3e-network/fleet-telemetry/infrastructure/logging"
	"github.com/r3e-network/fleet-telemetry/infrastructure/metrics"
	"github.com/r3e-network/fleet-telemetry/infrastructure/pgnotify"
)

// debounceWindow coalesces bursts of config_change_log writes to the same
// (table, record_key, config_key) before dispatching a job, per spec.md
// §4.2 recalculation worker ("Debounces (default 5s)").
const debounceWindow = 5 * time.Second

// recalcLookbackDays is the default scope window for a recalculation job
// when the triggering config change does not specify one.
const recalcLookbackDays = 30

// changeKey identifies a coalesced config_change_log row.
type changeKey struct {
	table, recordKey, configKey string
}

// RecalcWorker runs alongside the live pipeline, reacting to config_change_log
// writes via LISTEN and a poll fallback, and dispatching recalculation jobs
// that replay history through the same Pipeline with backfill=true
// (spec.md §4.2 "Recalculation worker").
type RecalcWorker struct {
	db       *sql.DB
	pipeline *Pipeline
	registry *Registry
	bus      *pgnotify.Bus
	catalog  recalc.Catalog
	log      *logging.Logger
	met      *metrics.Metrics
	cron     *cron.Cron

	mu      sync.Mutex
	pending map[changeKey]time.Time
	timer   *time.Timer
}

// LoadCatalog reads the config_key -> {event_categories, view_names} JSON
// or YAML recalculation catalog file used to scope RECALC_VIOLATIONS
// deletes and the REFRESH_VIEWS whitelist.
func LoadCatalog(path string) (recalc.Catalog, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("engine: read recalculation catalog: %w", err)
	}
	var cat recalc.Catalog
	if err := yaml.Unmarshal(raw, &cat); err != nil {
		return nil, fmt.Errorf("engine: parse recalculation catalog: %w", err)
	}
	return cat, nil
}

// NewRecalcWorker builds a worker. bus may be nil to run poll-only (tests /
// environments without LISTEN support).
func NewRecalcWorker(db *sql.DB, pipeline *Pipeline, registry *Registry, bus *pgnotify.Bus, catalog recalc.Catalog, log *logging.Logger, met *metrics.Metrics) *RecalcWorker {
	return &RecalcWorker{
		db:       db,
		pipeline: pipeline,
		registry: registry,
		bus:      bus,
		catalog:  catalog,
		log:      log,
		met:      met,
		pending:  make(map[changeKey]time.Time),
	}
}

// Start wires the LISTEN subscription (if bus is non-nil), begins the poll
// fallback loop, runs the startup formula-version check, and schedules the
// daily scheduled loop. It returns once ctx is cancelled.
func (w *RecalcWorker) Start(ctx context.Context, pollInterval time.Duration, dailySchedule string) error {
	if w.bus != nil {
		if err := w.bus.Listen("config_change", func(_ context.Context, _ pgnotify.Notification) error {
			w.triggerPoll(ctx)
			return nil
		}); err != nil && w.log != nil {
			w.log.WithError(err).Warn("recalc: LISTEN config_change failed, relying on poll fallback")
		}
	}

	w.startupFormulaCheck(ctx)

	if dailySchedule != "" {
		w.cron = cron.New()
		if _, err := w.cron.AddFunc(dailySchedule, func() { w.runDailyLoop(ctx) }); err != nil && w.log != nil {
			w.log.WithError(err).Warn("recalc: invalid daily schedule, scheduled loop disabled")
		} else {
			w.cron.Start()
			defer w.cron.Stop()
		}
	}

	if pollInterval <= 0 {
		pollInterval = 30 * time.Second
	}
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		w.pollPendingChanges(ctx)
		w.processPendingJobs(ctx)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// triggerPoll is invoked by the LISTEN callback to run the poll loop
// immediately instead of waiting out pollInterval.
func (w *RecalcWorker) triggerPoll(ctx context.Context) {
	w.pollPendingChanges(ctx)
	w.processPendingJobs(ctx)
}

// pollPendingChanges implements the poll fallback over
// config_change_log WHERE processed=FALSE: coalesce by (table, record_key,
// config_key) to the latest, then debounce before dispatch.
func (w *RecalcWorker) pollPendingChanges(ctx context.Context) {
	rows, err := w.db.QueryContext(ctx, `
		SELECT id, table_name, record_key, config_key, changed_at
		FROM config_change_log WHERE processed = FALSE ORDER BY changed_at`)
	if err != nil {
		if w.log != nil {
			w.log.WithError(err).Warn("recalc: poll config_change_log failed")
		}
		return
	}
	defer rows.Close()

	latest := make(map[changeKey]int64)
	for rows.Next() {
		var id int64
		var table, recordKey, configKey string
		var changedAt time.Time
		if err := rows.Scan(&id, &table, &recordKey, &configKey, &changedAt); err != nil {
			continue
		}
		latest[changeKey{table, recordKey, configKey}] = id
	}

	w.mu.Lock()
	now := time.Now()
	for key := range latest {
		w.pending[key] = now
	}
	w.mu.Unlock()

	w.scheduleDebounced(ctx, latest)
}

// scheduleDebounced dispatches a job for each coalesced key once
// debounceWindow has elapsed since it was first observed pending.
func (w *RecalcWorker) scheduleDebounced(ctx context.Context, latest map[changeKey]int64) {
	w.mu.Lock()
	ready := make(map[changeKey]int64)
	for key, changeID := range latest {
		firstSeen, ok := w.pending[key]
		if ok && time.Since(firstSeen) >= debounceWindow {
			ready[key] = changeID
			delete(w.pending, key)
		}
	}
	w.mu.Unlock()

	for key, changeID := range ready {
		if err := w.dispatch(ctx, key, changeID); err != nil && w.log != nil {
			w.log.WithError(err).Warn("recalc: dispatch failed")
		}
		if _, err := w.db.ExecContext(ctx, `UPDATE config_change_log SET processed = TRUE WHERE id = $1`, changeID); err != nil && w.log != nil {
			w.log.WithError(err).Warn("recalc: mark config_change_log processed failed")
		}
	}
}

// dispatch enqueues the right job for a config_change_log key, per the
// table_name routing table in spec.md §4.2.
func (w *RecalcWorker) dispatch(ctx context.Context, key changeKey, changeID int64) error {
	job := recalc.Job{
		TriggerType:    recalc.TriggerConfigChange,
		Status:         recalc.JobPending,
		ConfigChangeID: &changeID,
		Reason:         fmt.Sprintf("%s.%s changed", key.table, key.configKey),
	}

	switch key.table {
	case "calibration":
		job.JobType = recalc.JobRecalcFuel
		if vehicleID, err := parseID(key.recordKey); err == nil {
			job.Scope.VehicleID = &vehicleID
		}
	case "fence":
		job.JobType = recalc.JobRecalcFence
		if fenceID, err := parseID(key.recordKey); err == nil {
			job.Scope.FenceID = &fenceID
		}
	case "score_weights":
		job.JobType = recalc.JobRefreshScoreViews
	case "tracker_config":
		job.JobType = recalc.JobRecalcViolations
		if imei, err := parseID(key.recordKey); err == nil {
			job.Scope.IMEI = &imei
		}
	case "client_config":
		job.JobType = recalc.JobRecalcViolations
		if clientID, err := parseID(key.recordKey); err == nil {
			job.Scope.ClientID = &clientID
		}
	default:
		job.JobType = recalc.JobRecalcViolations
	}

	return w.enqueue(ctx, job)
}

func parseID(s string) (int64, error) {
	var id int64
	_, err := fmt.Sscanf(s, "%d", &id)
	return id, err
}

// enqueue inserts a RecalculationQueue row in PENDING status.
func (w *RecalcWorker) enqueue(ctx context.Context, job recalc.Job) error {
	scopeJSON, err := json.Marshal(job.Scope)
	if err != nil {
		return err
	}
	_, err = w.db.ExecContext(ctx, `
		INSERT INTO recalculation_queue
			(job_type, trigger_type, status, priority, scope, config_change_id, reason, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now(), now())`,
		job.JobType, job.TriggerType, recalc.JobPending, job.Priority, scopeJSON, job.ConfigChangeID, job.Reason)
	if err != nil {
		return fmt.Errorf("engine: enqueue recalculation job: %w", err)
	}
	if w.met != nil {
		w.met.SetRecalculationQueueDepth(w.queueDepth(ctx))
	}
	return nil
}

func (w *RecalcWorker) queueDepth(ctx context.Context) int {
	var depth int
	_ = w.db.QueryRowContext(ctx, `SELECT count(*) FROM recalculation_queue WHERE status = 'PENDING'`).Scan(&depth)
	return depth
}

// processPendingJobs claims PENDING jobs oldest-first and runs each to
// completion, recording partial failures in the job's error_message.
func (w *RecalcWorker) processPendingJobs(ctx context.Context) {
	rows, err := w.db.QueryContext(ctx, `
		SELECT id, job_type, scope, config_change_id, reason
		FROM recalculation_queue WHERE status = 'PENDING' ORDER BY priority DESC, created_at`)
	if err != nil {
		if w.log != nil {
			w.log.WithError(err).Warn("recalc: poll recalculation_queue failed")
		}
		return
	}

	type jobRow struct {
		id             int64
		jobType        recalc.JobType
		scope          recalc.Scope
		configChangeID *int64
		reason         string
	}
	var jobs []jobRow
	for rows.Next() {
		var j jobRow
		var scopeJSON []byte
		if err := rows.Scan(&j.id, &j.jobType, &scopeJSON, &j.configChangeID, &j.reason); err != nil {
			continue
		}
		_ = json.Unmarshal(scopeJSON, &j.scope)
		jobs = append(jobs, j)
	}
	rows.Close()

	for _, j := range jobs {
		w.runJob(ctx, j.id, j.jobType, j.scope)
	}
}

func (w *RecalcWorker) runJob(ctx context.Context, id int64, jobType recalc.JobType, scope recalc.Scope) {
	if _, err := w.db.ExecContext(ctx, `UPDATE recalculation_queue SET status = 'PROCESSING', updated_at = now() WHERE id = $1`, id); err != nil {
		return
	}

	var rowsAffected int64
	var jobErr error

	switch jobType {
	case recalc.JobRecalcViolations:
		rowsAffected, jobErr = w.recalcViolations(ctx, scope)
	case recalc.JobRecalcFuel:
		rowsAffected, jobErr = w.recalcFuel(ctx, scope)
	case recalc.JobRecalcFence:
		rowsAffected, jobErr = w.recalcFence(ctx, scope)
	case recalc.JobRefreshView, recalc.JobRefreshViews:
		rowsAffected, jobErr = w.refreshViews(ctx, nil)
	case recalc.JobRefreshScoreViews:
		rowsAffected, jobErr = w.refreshScoreViews(ctx)
	default:
		jobErr = fmt.Errorf("engine: unknown job type %q", jobType)
	}

	if jobErr != nil {
		_, _ = w.db.ExecContext(ctx, `UPDATE recalculation_queue SET status = 'FAILED', error = $2, rows_affected = $3, updated_at = now() WHERE id = $1`,
			id, jobErr.Error(), rowsAffected)
		if w.log != nil {
			w.log.WithError(jobErr).Warn("recalc: job failed")
		}
		return
	}
	_, _ = w.db.ExecContext(ctx, `UPDATE recalculation_queue SET status = 'COMPLETED', rows_affected = $2, updated_at = now() WHERE id = $1`, id, rowsAffected)
}

// scopeWindow resolves the job's date range, defaulting to the last 30
// days per spec.md §4.2.
func scopeWindow(scope recalc.Scope) (time.Time, time.Time) {
	from, to := scope.DateFrom, scope.DateTo
	if to.IsZero() {
		to = time.Now().UTC()
	}
	if from.IsZero() {
		from = to.AddDate(0, 0, -recalcLookbackDays)
	}
	return from, to
}

// recalcViolations implements spec.md §4.2's RECALC_VIOLATIONS job: delete
// only the catalog's affected event categories for the scope's imeis, then
// reprocess trackdata with backfill=true, each imei keeping its own
// running-state dictionary so recalculation never touches live LastStatus.
func (w *RecalcWorker) recalcViolations(ctx context.Context, scope recalc.Scope) (int64, error) {
	from, to := scopeWindow(scope)

	imeis, err := w.imeisForScope(ctx, scope)
	if err != nil {
		return 0, err
	}

	categories := w.categoriesForScope(scope)
	var total int64
	for _, imei := range imeis {
		if len(categories) > 0 {
			n, err := deleteEventsByCategory(ctx, w.db, imei, categories, from, to)
			if err != nil {
				return total, err
			}
			total += n
		}
		n, err := w.replayIMEI(ctx, imei, from, to)
		if err != nil {
			return total, err
		}
		total += n
	}

	if err := w.enqueueViewRefresh(ctx, scope); err != nil && w.log != nil {
		w.log.WithError(err).Warn("recalc: enqueue follow-up view refresh failed")
	}
	return total, nil
}

// recalcFuel implements RECALC_FUEL: delete Fuel events for the vehicle's
// imeis, reprocess, and recompute trip.total_fuel for completed trips
// using calibration-translated litres at trip start/end.
func (w *RecalcWorker) recalcFuel(ctx context.Context, scope recalc.Scope) (int64, error) {
	from, to := scopeWindow(scope)

	imeis, err := w.imeisForScope(ctx, scope)
	if err != nil {
		return 0, err
	}

	var total int64
	for _, imei := range imeis {
		n, err := deleteEventsByCategory(ctx, w.db, imei, []string{"Fuel"}, from, to)
		if err != nil {
			return total, err
		}
		total += n
		n, err = w.replayIMEI(ctx, imei, from, to)
		if err != nil {
			return total, err
		}
		total += n
	}

	if scope.VehicleID != nil {
		n, err := recomputeTripFuel(ctx, w.db, *scope.VehicleID)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// recalcFence implements RECALC_FENCE: find imeis that had events for the
// fence, delete those fence events, reprocess.
func (w *RecalcWorker) recalcFence(ctx context.Context, scope recalc.Scope) (int64, error) {
	if scope.FenceID == nil {
		return 0, fmt.Errorf("engine: RECALC_FENCE requires a fence scope")
	}
	from, to := scopeWindow(scope)

	rows, err := w.db.QueryContext(ctx, `
		SELECT DISTINCT imei FROM metric_events
		WHERE category = 'Fence' AND (metadata->>'fence_id')::bigint = $1`, *scope.FenceID)
	if err != nil {
		return 0, fmt.Errorf("engine: find fence imeis: %w", err)
	}
	var imeis []int64
	for rows.Next() {
		var imei int64
		if err := rows.Scan(&imei); err == nil {
			imeis = append(imeis, imei)
		}
	}
	rows.Close()

	var total int64
	for _, imei := range imeis {
		n, err := deleteEventsByCategory(ctx, w.db, imei, []string{"Fence"}, from, to)
		if err != nil {
			return total, err
		}
		total += n
		n, err = w.replayIMEI(ctx, imei, from, to)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// replayIMEI reprocesses trackdata for imei over [from,to] with
// backfill=true, threading a RunState across ticks so recalculation never
// reads or writes the live LastStatus row.
func (w *RecalcWorker) replayIMEI(ctx context.Context, imei int64, from, to time.Time) (int64, error) {
	points, err := loadTrackdata(ctx, w.db, imei, from, to)
	if err != nil {
		return 0, err
	}

	var state *RunState
	var processed int64
	for _, pt := range points {
		next, err := w.pipeline.Process(ctx, imei, pt, true, state)
		if err != nil && err != ErrStale {
			return processed, fmt.Errorf("engine: replay imei %d at %s: %w", imei, pt.GPSTime, err)
		}
		state = next
		processed++
	}
	return processed, nil
}

func (w *RecalcWorker) imeisForScope(ctx context.Context, scope recalc.Scope) ([]int64, error) {
	switch {
	case scope.IMEI != nil:
		return []int64{*scope.IMEI}, nil
	case scope.ClientID != nil:
		return imeisForClient(ctx, w.db, *scope.ClientID)
	case scope.VehicleID != nil:
		return imeisForVehicle(ctx, w.db, *scope.VehicleID)
	default:
		return nil, fmt.Errorf("engine: job scope names no imei/client/vehicle")
	}
}

func (w *RecalcWorker) categoriesForScope(scope recalc.Scope) []string {
	if w.catalog == nil {
		return nil
	}
	var keys []string
	if scope.IMEI != nil || scope.ClientID != nil {
		for _, entry := range w.catalog {
			keys = append(keys, entry.EventCategories...)
		}
	}
	return dedupeStrings(keys)
}

func (w *RecalcWorker) enqueueViewRefresh(ctx context.Context, scope recalc.Scope) error {
	views := w.viewsForScope()
	scopeJSON, err := json.Marshal(recalc.Scope{})
	if err != nil {
		return err
	}
	reason := "follow-up after RECALC_VIOLATIONS"
	if len(views) == 0 {
		views = []string{"all"}
	}
	for _, v := range views {
		if _, err := w.db.ExecContext(ctx, `
			INSERT INTO recalculation_queue (job_type, trigger_type, status, priority, scope, reason, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, now(), now())`,
			recalc.JobRefreshView, recalc.TriggerConfigChange, recalc.JobPending, 0, scopeJSON, reason+": "+v); err != nil {
			return err
		}
	}
	return nil
}

func (w *RecalcWorker) viewsForScope() []string {
	var views []string
	for _, entry := range w.catalog {
		views = append(views, entry.ViewNames...)
	}
	return dedupeStrings(views)
}

func dedupeStrings(in []string) []string {
	seen := make(map[string]bool, len(in))
	var out []string
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

// refreshViews runs REFRESH MATERIALIZED VIEW CONCURRENTLY for each name in
// names (or the full catalog whitelist when names is nil), falling back to
// a non-concurrent refresh on error, recording partial failures.
func (w *RecalcWorker) refreshViews(ctx context.Context, names []string) (int64, error) {
	if names == nil {
		names = w.viewsForScope()
	}
	var refreshed int64
	var firstErr error
	for _, name := range names {
		if err := refreshOneView(ctx, w.db, name); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			if w.log != nil {
				w.log.WithError(err).Warn("recalc: view refresh failed: " + name)
			}
			continue
		}
		refreshed++
	}
	return refreshed, firstErr
}

func (w *RecalcWorker) refreshScoreViews(ctx context.Context) (int64, error) {
	var names []string
	for key, entry := range w.catalog {
		if key == "score_weights" {
			names = entry.ViewNames
		}
	}
	return w.refreshViews(ctx, names)
}

func refreshOneView(ctx context.Context, db *sql.DB, name string) error {
	_, err := db.ExecContext(ctx, "REFRESH MATERIALIZED VIEW CONCURRENTLY "+name)
	if err == nil {
		return nil
	}
	_, err = db.ExecContext(ctx, "REFRESH MATERIALIZED VIEW "+name)
	return err
}

// startupFormulaCheck compares each calculator's declared FormulaVersion
// against formula_version_registry, enqueuing RECALC_VIOLATIONS for every
// mismatch and updating the registry row afterward (spec.md §4.2).
func (w *RecalcWorker) startupFormulaCheck(ctx context.Context) {
	for _, calc := range w.registry.Calculators() {
		var stored string
		err := w.db.QueryRowContext(ctx, `SELECT version FROM formula_version_registry WHERE metric_name = $1`, calc.Name()).Scan(&stored)
		if err != nil && err != sql.ErrNoRows {
			if w.log != nil {
				w.log.WithError(err).Warn("recalc: formula version lookup failed")
			}
			continue
		}
		if err == nil && stored == calc.FormulaVersion() {
			continue
		}

		job := recalc.Job{
			JobType:     recalc.JobRecalcViolations,
			TriggerType: recalc.TriggerFormulaVersion,
			Status:      recalc.JobPending,
			Reason:      fmt.Sprintf("formula version changed for %s: %s -> %s", calc.Name(), stored, calc.FormulaVersion()),
		}
		if enqErr := w.enqueue(ctx, job); enqErr != nil && w.log != nil {
			w.log.WithError(enqErr).Warn("recalc: enqueue formula-version recalc failed")
		}

		if _, err := w.db.ExecContext(ctx, `
			INSERT INTO formula_version_registry (metric_name, version, updated_at) VALUES ($1, $2, now())
			ON CONFLICT (metric_name) DO UPDATE SET version = EXCLUDED.version, updated_at = now()`,
			calc.Name(), calc.FormulaVersion()); err != nil && w.log != nil {
			w.log.WithError(err).Warn("recalc: update formula_version_registry failed")
		}
	}
}

// runDailyLoop enqueues an all-views refresh and sweeps old processed-
// message / retry rows, per spec.md §4.2's daily scheduled loop.
func (w *RecalcWorker) runDailyLoop(ctx context.Context) {
	if err := w.enqueue(ctx, recalc.Job{
		JobType:     recalc.JobRefreshViews,
		TriggerType: recalc.TriggerScheduled,
		Status:      recalc.JobPending,
		Reason:      "daily scheduled all-views refresh",
	}); err != nil && w.log != nil {
		w.log.WithError(err).Warn("recalc: enqueue daily view refresh failed")
	}

	cutoff := time.Now().UTC().AddDate(0, 0, -7)
	if _, err := w.db.ExecContext(ctx, `DELETE FROM processed_message_ids WHERE processed_at < $1`, cutoff); err != nil && w.log != nil {
		w.log.WithError(err).Warn("recalc: cleanup processed_message_ids failed")
	}
	if _, err := w.db.ExecContext(ctx, `DELETE FROM message_retry_counts WHERE last_attempt_at < $1`, cutoff); err != nil && w.log != nil {
		w.log.WithError(err).Warn("recalc: cleanup message_retry_counts failed")
	}
	if _, err := w.db.ExecContext(ctx, `DELETE FROM metric_engine_processed_messages WHERE processed_at < $1`, cutoff); err != nil && w.log != nil {
		w.log.WithError(err).Warn("recalc: cleanup metric_engine_processed_messages failed")
	}
}
