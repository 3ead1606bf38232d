package engine

import (
	"strings"

	"github.com/r3e-network/fleet-telemetry/domain/telemetry"
)

// VehicleStateCalculator derives the coarse moving/idle/stopped/
// not_responding state (spec.md §4.2 core calculators).
type VehicleStateCalculator struct{ BaseCalculator }

func (v *VehicleStateCalculator) Name() string          { return "VehicleState" }
func (v *VehicleStateCalculator) Category() Category    { return CategoryCore }
func (v *VehicleStateCalculator) FormulaVersion() string { return "1.0.0" }
func (v *VehicleStateCalculator) RequiresSensors() []string { return nil }
func (v *VehicleStateCalculator) RequiresConfig() []string {
	return []string{"NR_THRESHOLD", "IDLE_THRESHOLD"}
}
func (v *VehicleStateCalculator) AppliesTo(Capabilities) bool { return true }

func (v *VehicleStateCalculator) Calculate(c *Context) error {
	ignition := ignitionOn(c.Point)

	var secondsSince float64
	if !c.Previous.LastProcessedGPSTime.IsZero() {
		secondsSince = c.Point.GPSTime.Sub(c.Previous.LastProcessedGPSTime).Seconds()
	}
	nrThreshold := c.ConfigFloat("NR_THRESHOLD", 600)

	var state telemetry.VehicleState
	switch {
	case secondsSince > nrThreshold:
		state = telemetry.VehicleNotResponding
	case !ignition:
		state = telemetry.VehicleStopped
	case c.Point.Speed > 0:
		state = telemetry.VehicleMoving
	default:
		state = telemetry.VehicleIdle
	}

	c.State.VehicleState = state
	return nil
}

// ignitionOn reads the explicit Ignition flag if present, else falls back
// to parsing the vendor status text (spec.md §4.2).
func ignitionOn(p telemetry.TrackPoint) bool {
	if p.Ignition != nil {
		return *p.Ignition
	}
	status := strings.ToLower(p.Status)
	if strings.Contains(status, "ignition off") {
		return false
	}
	if strings.Contains(status, "ignition on") {
		return true
	}
	return p.Speed > 0
}

// DistanceCalculator computes the great-circle distance since the prior
// observation, filtering out noisy segments (spec.md §4.2).
type DistanceCalculator struct{ BaseCalculator }

func (d *DistanceCalculator) Name() string           { return "Distance" }
func (d *DistanceCalculator) Category() Category     { return CategoryCore }
func (d *DistanceCalculator) FormulaVersion() string { return "1.0.0" }
func (d *DistanceCalculator) RequiresSensors() []string { return nil }
func (d *DistanceCalculator) RequiresConfig() []string  { return []string{"MAX_SPEED_FILTER"} }
func (d *DistanceCalculator) AppliesTo(Capabilities) bool { return true }

func (d *DistanceCalculator) Calculate(c *Context) error {
	if c.Point.Speed <= 0 {
		return nil
	}
	maxSpeed := c.ConfigFloat("MAX_SPEED_FILTER", 200)
	if c.Point.Speed >= maxSpeed {
		return nil
	}
	if c.Previous.Latitude == 0 && c.Previous.Longitude == 0 {
		return nil
	}

	km := haversineKM(c.Previous.Latitude, c.Previous.Longitude, c.Point.Latitude, c.Point.Longitude)
	if km >= 10 {
		return nil // implausible single-segment jump; drop
	}
	c.DistanceKM = km
	return nil
}

// SpeedCalculator produces no state of its own; it exists so the registry
// always instantiates one per the spec's required-calculator list, and
// SpeedViolation consumes c.Point.Speed directly.
type SpeedCalculator struct{ BaseCalculator }

func (s *SpeedCalculator) Name() string            { return "Speed" }
func (s *SpeedCalculator) Category() Category      { return CategoryCore }
func (s *SpeedCalculator) FormulaVersion() string  { return "1.0.0" }
func (s *SpeedCalculator) RequiresSensors() []string { return nil }
func (s *SpeedCalculator) RequiresConfig() []string  { return nil }
func (s *SpeedCalculator) AppliesTo(Capabilities) bool { return true }
func (s *SpeedCalculator) Calculate(c *Context) error  { return nil }

// DurationCalculator tracks idle_start_time (spec.md §4.2).
type DurationCalculator struct{ BaseCalculator }

func (d *DurationCalculator) Name() string           { return "Duration" }
func (d *DurationCalculator) Category() Category     { return CategoryCore }
func (d *DurationCalculator) FormulaVersion() string { return "1.0.0" }
func (d *DurationCalculator) RequiresSensors() []string { return nil }
func (d *DurationCalculator) RequiresConfig() []string  { return nil }
func (d *DurationCalculator) AppliesTo(Capabilities) bool { return true }

func (d *DurationCalculator) Calculate(c *Context) error {
	if c.State.VehicleState == telemetry.VehicleIdle {
		if c.State.IdleStartTime == nil {
			t := c.Point.GPSTime
			c.State.IdleStartTime = &t
		}
		return nil
	}
	c.State.IdleStartTime = nil
	return nil
}
