// Package engine implements the metric engine (C2): a per-device,
// order-sensitive pipeline that runs a pluggable chain of calculators over
// each TrackPoint and writes back derived state, trip, and alarm data
// (spec.md §4.2).
package engine

import (
	"context"
	"database/sql"
	"time"

	"github.com/r3e-network/fleet-telemetry/domain/telemetry"
)

// Category groups calculators for metrics and documentation purposes.
type Category string

const (
	CategoryCore     Category = "core"
	CategorySensor   Category = "sensor"
	CategoryViolation Category = "violation"
	CategoryTrip     Category = "trip"
	CategoryGeofence Category = "geofence"
)

// Capabilities mirrors the tracker row's capability flags that gate
// sensor-dependent calculators.
type Capabilities struct {
	HasFuelSensor     bool
	HasTempSensor     bool
	HasHumiditySensor bool
	HasSeatbeltSensor bool
}

// Has reports whether the named capability is present.
func (c Capabilities) Has(name string) bool {
	switch name {
	case "fuel":
		return c.HasFuelSensor
	case "temperature":
		return c.HasTempSensor
	case "humidity":
		return c.HasHumiditySensor
	case "seatbelt":
		return c.HasSeatbeltSensor
	default:
		return false
	}
}

// TripActionKind is the virtual trip action a trip calculator signals for
// the pipeline's write path to resolve in a single DB step.
type TripActionKind string

const (
	TripActionStart TripActionKind = "start"
	TripActionEnd   TripActionKind = "end"
)

// TripAction is how a trip calculator requests a trip row be created or
// closed out, without performing the write itself.
type TripAction struct {
	Kind           TripActionKind
	Type           telemetry.TripType
	CreationMode   telemetry.TripCreationMode
	RouteAssignmentID int64
	UploadSheetID  int64
	OriginFenceID  int64
	DestFenceID    int64
	DestLatitude   float64
	DestLongitude  float64
}

// Context is the per-record working state passed through the calculator
// chain. State is a mutable copy of the device's previous LastStatus;
// calculators read and write it directly. Emit/Stop helpers accumulate the
// other write-path artifacts (events, stoppage log rows, trip actions).
type Context struct {
	Ctx          context.Context
	DB           *sql.DB
	IMEI         int64
	VehicleID    int64
	ClientID     int64
	Point        telemetry.TrackPoint
	Previous     telemetry.LastStatus
	State        *telemetry.LastStatus
	Config       map[string]string
	Capabilities Capabilities
	Backfill     bool // true during recalculation; suppresses alarm_exchange publish

	// DistanceKM is this tick's Distance-calculator contribution, consumed
	// by DrivingTimeViolation and the trip writer.
	DistanceKM float64

	Events     []*telemetry.MetricEvent
	Stoppages  []telemetry.TripStoppageLog
	TripAction *TripAction
}

// Emit appends a derived event, stamping imei/gps_time join metadata.
func (c *Context) Emit(ev *telemetry.MetricEvent) {
	ev.IMEI = c.IMEI
	ev.GPSTime = c.Point.GPSTime
	ev.Latitude = c.Point.Latitude
	ev.Longitude = c.Point.Longitude
	ev.WithJoinMetadata()
	c.Events = append(c.Events, ev)
}

// ConfigFloat parses a resolved config value as float64, falling back to
// def on a missing key or parse error.
func (c *Context) ConfigFloat(key string, def float64) float64 {
	return parseFloatOr(c.Config[key], def)
}

// ConfigDuration parses a resolved config value (seconds) as a Duration.
func (c *Context) ConfigDuration(key string, def time.Duration) time.Duration {
	v, ok := c.Config[key]
	if !ok || v == "" {
		return def
	}
	seconds := parseFloatOr(v, -1)
	if seconds < 0 {
		return def
	}
	return time.Duration(seconds * float64(time.Second))
}

// Calculator is one unit of the metric-engine pipeline (spec.md §4.2).
type Calculator interface {
	Name() string
	Category() Category
	FormulaVersion() string
	RequiresSensors() []string
	RequiresConfig() []string
	AppliesTo(caps Capabilities) bool
	Calculate(c *Context) error
}

// BaseCalculator provides the default AppliesTo behavior (all required
// sensors present) so individual calculators only override what differs.
type BaseCalculator struct {
	CalcName    string
	CalcCategory Category
	Version     string
	Sensors     []string
	ConfigKeys  []string
}

func (b BaseCalculator) Name() string              { return b.CalcName }
func (b BaseCalculator) Category() Category        { return b.CalcCategory }
func (b BaseCalculator) FormulaVersion() string     { return b.Version }
func (b BaseCalculator) RequiresSensors() []string  { return b.Sensors }
func (b BaseCalculator) RequiresConfig() []string   { return b.ConfigKeys }

func (b BaseCalculator) AppliesTo(caps Capabilities) bool {
	for _, s := range b.Sensors {
		if !caps.Has(s) {
			return false
		}
	}
	return true
}

// Registry holds the ordered set of calculators the pipeline runs. Order of
// execution is registration order (spec.md §4.2).
type Registry struct {
	calculators []Calculator
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register appends a calculator to the chain.
func (r *Registry) Register(c Calculator) {
	r.calculators = append(r.calculators, c)
}

// Calculators returns the registered chain in execution order.
func (r *Registry) Calculators() []Calculator {
	return r.calculators
}

// DefaultRegistry builds the full calculator chain in the order spec.md
// §4.2 lists them: core, violation, sensor, geofence, trip. Auto-discovery
// of a calculator plugin package is not meaningful in a statically
// compiled Go binary, so the registry is this explicit list instead — the
// spec's "fallback to an explicit list" path (spec.md §4.2).
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(&VehicleStateCalculator{})
	r.Register(&DistanceCalculator{})
	r.Register(&SpeedCalculator{})
	r.Register(&DurationCalculator{})

	r.Register(&SpeedViolationCalculator{})
	r.Register(&IdleViolationCalculator{})
	r.Register(&SeatbeltViolationCalculator{})
	r.Register(&HarshViolationCalculator{})
	r.Register(&DrivingTimeViolationCalculator{})

	r.Register(&TemperatureCalculator{})
	r.Register(&HumidityCalculator{})
	r.Register(&FuelCalculator{})

	r.Register(&GeofenceCalculator{})

	r.Register(&IgnitionTripCalculator{})
	r.Register(&StoppageCalculator{})
	r.Register(&FenceWiseTripCalculator{})
	r.Register(&RoundTripCalculator{})
	r.Register(&RouteTripCalculator{})
	return r
}
