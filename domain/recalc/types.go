// Package recalc holds the recalculation-worker entities: queued jobs,
// the append-only config change log that feeds them, and the formula
// version registry that triggers them on calculator upgrades.
package recalc

import "time"

// JobType enumerates the kinds of recalculation job.
type JobType string

const (
	JobRecalcViolations  JobType = "RECALC_VIOLATIONS"
	JobRecalcFuel        JobType = "RECALC_FUEL"
	JobRecalcFence       JobType = "RECALC_FENCE"
	JobRefreshView       JobType = "REFRESH_VIEW"
	JobRefreshViews      JobType = "REFRESH_VIEWS"
	JobRefreshScoreViews JobType = "REFRESH_SCORE_VIEWS"
)

// TriggerType records what caused a job to be enqueued.
type TriggerType string

const (
	TriggerConfigChange   TriggerType = "config_change"
	TriggerFormulaVersion TriggerType = "formula_version"
	TriggerScheduled      TriggerType = "scheduled"
)

// JobStatus enumerates the recalculation job lifecycle states.
type JobStatus string

const (
	JobPending    JobStatus = "PENDING"
	JobProcessing JobStatus = "PROCESSING"
	JobCompleted  JobStatus = "COMPLETED"
	JobFailed     JobStatus = "FAILED"
)

// Scope narrows a recalculation job to the affected imeis/client/vehicle/
// fence/date-range. Zero-valued fields mean "unscoped" for that dimension.
type Scope struct {
	IMEI      *int64
	ClientID  *int64
	VehicleID *int64
	FenceID   *int64
	DateFrom  time.Time
	DateTo    time.Time
}

// Job is a RecalculationQueue row.
type Job struct {
	ID             int64
	JobType        JobType
	TriggerType    TriggerType
	Status         JobStatus
	Priority       int
	Scope          Scope
	ConfigChangeID *int64
	Reason         string
	RowsAffected   int64
	Error          string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// ConfigChangeLog is an append-only row written by a backend service edit
// to a config table; it feeds both the LISTEN trigger and the poll
// fallback.
type ConfigChangeLog struct {
	ID          int64
	TableName   string // tracker_config | client_config | system_config | calibration | fence | score_weights
	RecordKey   string
	ConfigKey   string
	Processed   bool
	ChangedAt   time.Time
}

// FormulaVersionRegistryEntry is one row of metric_name -> declared version.
type FormulaVersionRegistryEntry struct {
	MetricName string
	Version    string
	UpdatedAt  time.Time
}

// CatalogEntry is one row of the recalculation catalog: for a given
// config_key, which event categories and materialised views are affected.
type CatalogEntry struct {
	ConfigKey      string   `json:"config_key" yaml:"config_key"`
	EventCategories []string `json:"event_categories" yaml:"event_categories"`
	ViewNames      []string `json:"view_names" yaml:"view_names"`
}

// Catalog is the config_key -> CatalogEntry lookup table loaded from JSON/YAML
// at startup.
type Catalog map[string]CatalogEntry
