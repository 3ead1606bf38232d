package engine

import (
	"strings"
	"time"

	"github.com/r3e-network/fleet-telemetry/domain/telemetry"
)

// elapsedCrossed reports whether duration d just crossed threshold between
// the previous tick (prev) and this one (cur) — used throughout the
// violation calculators so a sustained condition emits exactly one event
// per excursion rather than once per record.
func elapsedCrossed(prev, cur, threshold float64) bool {
	return prev < threshold && cur >= threshold
}

// SpeedViolationCalculator emits Overspeed once a speeding episode has
// lasted MIN_DURATION_SPEED seconds (spec.md §4.2).
type SpeedViolationCalculator struct{ BaseCalculator }

func (s *SpeedViolationCalculator) Name() string           { return "SpeedViolation" }
func (s *SpeedViolationCalculator) Category() Category     { return CategoryViolation }
func (s *SpeedViolationCalculator) FormulaVersion() string { return "1.0.0" }
func (s *SpeedViolationCalculator) RequiresSensors() []string { return nil }
func (s *SpeedViolationCalculator) RequiresConfig() []string {
	return []string{"SPEED_LIMIT_CITY", "SPEED_LIMIT_HIGHWAY", "SPEED_LIMIT_MOTORWAY", "MIN_DURATION_SPEED"}
}
func (s *SpeedViolationCalculator) AppliesTo(Capabilities) bool { return true }

func (s *SpeedViolationCalculator) Calculate(c *Context) error {
	limit, roadType := s.speedLimit(c)

	if c.Point.Speed <= limit {
		c.State.SpeedingStartTime = nil
		c.State.SpeedingMaxSpeed = 0
		return nil
	}

	var prevElapsed float64
	if c.Previous.SpeedingStartTime != nil {
		prevElapsed = c.Previous.LastProcessedGPSTime.Sub(*c.Previous.SpeedingStartTime).Seconds()
	}

	if c.State.SpeedingStartTime == nil {
		t := c.Point.GPSTime
		c.State.SpeedingStartTime = &t
	}
	if c.Point.Speed > c.State.SpeedingMaxSpeed {
		c.State.SpeedingMaxSpeed = c.Point.Speed
	}

	curElapsed := c.Point.GPSTime.Sub(*c.State.SpeedingStartTime).Seconds()
	threshold := c.ConfigFloat("MIN_DURATION_SPEED", 30)

	if elapsedCrossed(prevElapsed, curElapsed, threshold) {
		meta := map[string]interface{}{}
		if roadType != "" {
			meta["road_type"] = roadType
		}
		c.Emit(&telemetry.MetricEvent{
			Category:  telemetry.CategorySpeed,
			EventType: telemetry.EventOverspeed,
			// Reports the episode's peak speed so far, which can exceed the
			// current record's speed; the event is emitted once per episode,
			// when the elapsed time first crosses the threshold.
			EventValue:     c.State.SpeedingMaxSpeed,
			ThresholdValue: limit,
			DurationSec:    curElapsed,
			Metadata:       meta,
			FormulaVersion: s.FormulaVersion(),
		})
	}
	return nil
}

// speedLimit looks up the road type + limit at the current position via
// ST_DWithin against the road table, falling back to the maximum of the
// configured city/highway/motorway limits when no road match is found.
func (s *SpeedViolationCalculator) speedLimit(c *Context) (float64, string) {
	if c.DB != nil {
		var roadType string
		var limit float64
		err := c.DB.QueryRowContext(c.Ctx, `
			SELECT road_type, speed_limit FROM road
			WHERE ST_DWithin(geom, ST_SetSRID(ST_MakePoint($1, $2), 4326)::geography, 25)
			ORDER BY ST_Distance(geom, ST_SetSRID(ST_MakePoint($1, $2), 4326)::geography) ASC
			LIMIT 1`, c.Point.Longitude, c.Point.Latitude).Scan(&roadType, &limit)
		if err == nil {
			return limit, roadType
		}
	}

	city := c.ConfigFloat("SPEED_LIMIT_CITY", 60)
	highway := c.ConfigFloat("SPEED_LIMIT_HIGHWAY", 100)
	motorway := c.ConfigFloat("SPEED_LIMIT_MOTORWAY", 120)
	limit := city
	if highway > limit {
		limit = highway
	}
	if motorway > limit {
		limit = motorway
	}
	return limit, ""
}

// IdleViolationCalculator emits Idle_Violation once idle age reaches
// IDLE_MAX.
type IdleViolationCalculator struct{ BaseCalculator }

func (i *IdleViolationCalculator) Name() string           { return "IdleViolation" }
func (i *IdleViolationCalculator) Category() Category     { return CategoryViolation }
func (i *IdleViolationCalculator) FormulaVersion() string { return "1.0.0" }
func (i *IdleViolationCalculator) RequiresSensors() []string { return nil }
func (i *IdleViolationCalculator) RequiresConfig() []string  { return []string{"IDLE_MAX"} }
func (i *IdleViolationCalculator) AppliesTo(Capabilities) bool { return true }

func (i *IdleViolationCalculator) Calculate(c *Context) error {
	if c.State.IdleStartTime == nil {
		return nil
	}
	var prevElapsed float64
	if c.Previous.IdleStartTime != nil {
		prevElapsed = c.Previous.LastProcessedGPSTime.Sub(*c.Previous.IdleStartTime).Seconds()
	}
	curElapsed := c.Point.GPSTime.Sub(*c.State.IdleStartTime).Seconds()
	threshold := c.ConfigFloat("IDLE_MAX", 900)

	if elapsedCrossed(prevElapsed, curElapsed, threshold) {
		c.Emit(&telemetry.MetricEvent{
			Category:       telemetry.CategoryIdle,
			EventType:      telemetry.EventIdleViolation,
			ThresholdValue: threshold,
			DurationSec:    curElapsed,
			FormulaVersion: i.FormulaVersion(),
		})
	}
	return nil
}

// SeatbeltViolationCalculator requires has_seatbelt_sensor. While moving
// above SEATBELT_SPEED_THRESHOLD and unbuckled, accumulates duration and
// distance, emitting and resetting at either threshold (spec.md §4.2).
type SeatbeltViolationCalculator struct{ BaseCalculator }

func (s *SeatbeltViolationCalculator) Name() string           { return "SeatbeltViolation" }
func (s *SeatbeltViolationCalculator) Category() Category     { return CategoryViolation }
func (s *SeatbeltViolationCalculator) FormulaVersion() string { return "1.0.0" }
func (s *SeatbeltViolationCalculator) RequiresSensors() []string { return []string{"seatbelt"} }
func (s *SeatbeltViolationCalculator) RequiresConfig() []string {
	return []string{"SEATBELT_SPEED_THRESHOLD"}
}
func (s *SeatbeltViolationCalculator) AppliesTo(caps Capabilities) bool {
	return caps.HasSeatbeltSensor
}

const (
	seatbeltDurationThresholdSec = 300
	seatbeltDistanceThresholdKM  = 10
)

func unbuckled(p telemetry.TrackPoint) bool {
	if p.SeatbeltBuckled != nil {
		return !*p.SeatbeltBuckled
	}
	return strings.Contains(strings.ToLower(p.Status), "seatbelt off")
}

func (s *SeatbeltViolationCalculator) Calculate(c *Context) error {
	threshold := c.ConfigFloat("SEATBELT_SPEED_THRESHOLD", 20)
	if c.Point.Speed <= threshold || !unbuckled(c.Point) {
		c.State.SeatbeltViolationStart = nil
		c.State.SeatbeltViolationDistanceM = 0
		return nil
	}

	if c.State.SeatbeltViolationStart == nil {
		t := c.Point.GPSTime
		c.State.SeatbeltViolationStart = &t
	}
	c.State.SeatbeltViolationDistanceM += c.DistanceKM * 1000

	elapsed := c.Point.GPSTime.Sub(*c.State.SeatbeltViolationStart).Seconds()
	if elapsed >= seatbeltDurationThresholdSec || c.State.SeatbeltViolationDistanceM >= seatbeltDistanceThresholdKM*1000 {
		c.Emit(&telemetry.MetricEvent{
			Category:       telemetry.CategorySeatbelt,
			EventType:      telemetry.EventSeatbeltViolation,
			DurationSec:    elapsed,
			EventValue:     c.State.SeatbeltViolationDistanceM,
			FormulaVersion: s.FormulaVersion(),
		})
		c.State.SeatbeltViolationStart = nil
		c.State.SeatbeltViolationDistanceM = 0
	}
	return nil
}

// HarshViolationCalculator is event-driven from status text.
type HarshViolationCalculator struct{ BaseCalculator }

func (h *HarshViolationCalculator) Name() string           { return "HarshViolation" }
func (h *HarshViolationCalculator) Category() Category     { return CategoryViolation }
func (h *HarshViolationCalculator) FormulaVersion() string { return "1.0.0" }
func (h *HarshViolationCalculator) RequiresSensors() []string { return nil }
func (h *HarshViolationCalculator) RequiresConfig() []string  { return nil }
func (h *HarshViolationCalculator) AppliesTo(Capabilities) bool { return true }

func (h *HarshViolationCalculator) Calculate(c *Context) error {
	status := strings.ToLower(c.Point.Status)
	var eventType string
	switch {
	case strings.Contains(status, "harsh braking"):
		eventType = telemetry.EventHarshBrake
	case strings.Contains(status, "harsh acceleration"):
		eventType = telemetry.EventHarshAccel
	case strings.Contains(status, "harsh cornering"):
		eventType = telemetry.EventHarshCorner
	default:
		return nil
	}

	ev := &telemetry.MetricEvent{
		Category:       telemetry.CategoryHarsh,
		EventType:      eventType,
		FormulaVersion: h.FormulaVersion(),
	}
	if c.Point.DriverScore != nil {
		ev.EventValue = *c.Point.DriverScore
	}
	c.Emit(ev)
	return nil
}

// DrivingTimeViolationCalculator tracks a continuous-driving session,
// mandatory rest periods, and an optional night-driving marker.
type DrivingTimeViolationCalculator struct{ BaseCalculator }

func (d *DrivingTimeViolationCalculator) Name() string           { return "DrivingTimeViolation" }
func (d *DrivingTimeViolationCalculator) Category() Category     { return CategoryViolation }
func (d *DrivingTimeViolationCalculator) FormulaVersion() string { return "1.0.0" }
func (d *DrivingTimeViolationCalculator) RequiresSensors() []string { return nil }
func (d *DrivingTimeViolationCalculator) RequiresConfig() []string {
	return []string{"MAX_DRIVING_HOURS", "MAX_DRIVING_DISTANCE", "MIN_REST_DURATION", "NIGHT_START", "NIGHT_END"}
}
func (d *DrivingTimeViolationCalculator) AppliesTo(Capabilities) bool { return true }

func (d *DrivingTimeViolationCalculator) Calculate(c *Context) error {
	moving := c.State.VehicleState == telemetry.VehicleMoving

	if moving {
		if c.State.RestStartTime != nil {
			restSec := c.Point.GPSTime.Sub(*c.State.RestStartTime).Seconds()
			minRest := c.ConfigDuration("MIN_REST_DURATION", 1800*time.Second).Seconds()
			if restSec < minRest {
				c.Emit(&telemetry.MetricEvent{
					Category:       telemetry.CategoryDriving,
					EventType:      telemetry.EventRestTimeViolation,
					DurationSec:    restSec,
					ThresholdValue: minRest,
					FormulaVersion: d.FormulaVersion(),
				})
			} else {
				// a genuine rest resets the driving session
				c.State.DrivingSessionStart = nil
				c.State.DrivingSessionKM = 0
			}
			c.State.RestStartTime = nil
		}

		if c.State.DrivingSessionStart == nil {
			t := c.Point.GPSTime
			c.State.DrivingSessionStart = &t
		}
		c.State.DrivingSessionKM += c.DistanceKM

		var prevHours, prevKM float64
		if c.Previous.DrivingSessionStart != nil {
			prevHours = c.Previous.LastProcessedGPSTime.Sub(*c.Previous.DrivingSessionStart).Hours()
			prevKM = c.Previous.DrivingSessionKM
		}
		curHours := c.Point.GPSTime.Sub(*c.State.DrivingSessionStart).Hours()
		maxHours := c.ConfigFloat("MAX_DRIVING_HOURS", 4)
		maxKM := c.ConfigFloat("MAX_DRIVING_DISTANCE", 400)

		if elapsedCrossed(prevHours, curHours, maxHours) || elapsedCrossed(prevKM, c.State.DrivingSessionKM, maxKM) {
			c.Emit(&telemetry.MetricEvent{
				Category:       telemetry.CategoryDriving,
				EventType:      telemetry.EventContinuousDrivingViol,
				DurationSec:    curHours * 3600,
				EventValue:     c.State.DrivingSessionKM,
				FormulaVersion: d.FormulaVersion(),
			})
		}

		window := parseTimeWindow(c.Config["NIGHT_START"], c.Config["NIGHT_END"])
		if window.contains(c.Point.GPSTime) {
			c.Emit(&telemetry.MetricEvent{
				Category:       telemetry.CategoryDriving,
				EventType:      telemetry.EventNightDriving,
				FormulaVersion: d.FormulaVersion(),
			})
		}
		return nil
	}

	// not moving: if a driving session was open, the rest clock starts
	if c.State.DrivingSessionStart != nil && c.State.RestStartTime == nil {
		t := c.Point.GPSTime
		c.State.RestStartTime = &t
	}
	return nil
}

