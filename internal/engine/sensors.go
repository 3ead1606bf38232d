package engine

import (
	"github.com/r3e-network/fleet-telemetry/domain/telemetry"
)

// TemperatureCalculator requires has_temp_sensor. Emits Temp_High/Low when
// the coalesced reading is out of range for SENSOR_DURATION_THRESHOLD
// seconds (spec.md §4.2).
type TemperatureCalculator struct{ BaseCalculator }

func (t *TemperatureCalculator) Name() string           { return "Temperature" }
func (t *TemperatureCalculator) Category() Category     { return CategorySensor }
func (t *TemperatureCalculator) FormulaVersion() string { return "1.0.0" }
func (t *TemperatureCalculator) RequiresSensors() []string { return []string{"temperature"} }
func (t *TemperatureCalculator) RequiresConfig() []string {
	return []string{"TEMP_MIN", "TEMP_MAX", "SENSOR_DURATION_THRESHOLD"}
}
func (t *TemperatureCalculator) AppliesTo(caps Capabilities) bool { return caps.HasTempSensor }

func (t *TemperatureCalculator) Calculate(c *Context) error {
	value, ok := c.Point.Temperature()
	if !ok {
		return nil
	}
	min := c.ConfigFloat("TEMP_MIN", 2)
	max := c.ConfigFloat("TEMP_MAX", 8)
	threshold := c.ConfigFloat("SENSOR_DURATION_THRESHOLD", 300)

	if value >= min && value <= max {
		c.State.TempViolationStart = nil
		return nil
	}

	var prevElapsed float64
	if c.Previous.TempViolationStart != nil {
		prevElapsed = c.Previous.LastProcessedGPSTime.Sub(*c.Previous.TempViolationStart).Seconds()
	}
	if c.State.TempViolationStart == nil {
		tm := c.Point.GPSTime
		c.State.TempViolationStart = &tm
	}
	curElapsed := c.Point.GPSTime.Sub(*c.State.TempViolationStart).Seconds()

	if elapsedCrossed(prevElapsed, curElapsed, threshold) {
		eventType := telemetry.EventTempHigh
		if value < min {
			eventType = telemetry.EventTempLow
		}
		c.Emit(&telemetry.MetricEvent{
			Category:       telemetry.CategoryTemp,
			EventType:      eventType,
			EventValue:     value,
			ThresholdValue: max,
			DurationSec:    curElapsed,
			FormulaVersion: t.FormulaVersion(),
		})
	}
	return nil
}

// HumidityCalculator requires has_humidity_sensor; same shape as
// Temperature over the BLE humidity channels.
type HumidityCalculator struct{ BaseCalculator }

func (h *HumidityCalculator) Name() string           { return "Humidity" }
func (h *HumidityCalculator) Category() Category     { return CategorySensor }
func (h *HumidityCalculator) FormulaVersion() string { return "1.0.0" }
func (h *HumidityCalculator) RequiresSensors() []string { return []string{"humidity"} }
func (h *HumidityCalculator) RequiresConfig() []string {
	return []string{"HUMIDITY_MIN", "HUMIDITY_MAX", "SENSOR_DURATION_THRESHOLD"}
}
func (h *HumidityCalculator) AppliesTo(caps Capabilities) bool { return caps.HasHumiditySensor }

func (h *HumidityCalculator) Calculate(c *Context) error {
	value, ok := c.Point.Humidity()
	if !ok {
		return nil
	}
	min := c.ConfigFloat("HUMIDITY_MIN", 20)
	max := c.ConfigFloat("HUMIDITY_MAX", 80)
	threshold := c.ConfigFloat("SENSOR_DURATION_THRESHOLD", 300)

	if value >= min && value <= max {
		c.State.HumidityViolationStart = nil
		return nil
	}

	var prevElapsed float64
	if c.Previous.HumidityViolationStart != nil {
		prevElapsed = c.Previous.LastProcessedGPSTime.Sub(*c.Previous.HumidityViolationStart).Seconds()
	}
	if c.State.HumidityViolationStart == nil {
		tm := c.Point.GPSTime
		c.State.HumidityViolationStart = &tm
	}
	curElapsed := c.Point.GPSTime.Sub(*c.State.HumidityViolationStart).Seconds()

	if elapsedCrossed(prevElapsed, curElapsed, threshold) {
		eventType := telemetry.EventHumidityHigh
		if value < min {
			eventType = telemetry.EventHumidityLow
		}
		c.Emit(&telemetry.MetricEvent{
			Category:       telemetry.CategoryHumidity,
			EventType:      eventType,
			EventValue:     value,
			ThresholdValue: max,
			DurationSec:    curElapsed,
			FormulaVersion: h.FormulaVersion(),
		})
	}
	return nil
}

// FuelCalculator requires has_fuel_sensor. Compares the current reading to
// the last consumer-reported value and optionally translates through a
// per-vehicle calibration curve (spec.md §4.2).
type FuelCalculator struct{ BaseCalculator }

func (f *FuelCalculator) Name() string           { return "Fuel" }
func (f *FuelCalculator) Category() Category     { return CategorySensor }
func (f *FuelCalculator) FormulaVersion() string { return "1.0.0" }
func (f *FuelCalculator) RequiresSensors() []string { return []string{"fuel"} }
func (f *FuelCalculator) RequiresConfig() []string  { return []string{"FILL_THRESHOLD", "THEFT_THRESHOLD"} }
func (f *FuelCalculator) AppliesTo(caps Capabilities) bool { return caps.HasFuelSensor }

func (f *FuelCalculator) Calculate(c *Context) error {
	if c.Point.Fuel == nil {
		return nil
	}
	prevFuel, ok := c.Previous.SensorMirror["fuel"].(float64)
	if !ok {
		return nil // first observation; nothing to compare against yet
	}

	delta := *c.Point.Fuel - prevFuel
	fillThreshold := c.ConfigFloat("FILL_THRESHOLD", 5)
	theftThreshold := c.ConfigFloat("THEFT_THRESHOLD", 5)

	var eventType string
	switch {
	case delta >= fillThreshold:
		eventType = telemetry.EventFuelFill
	case delta <= -theftThreshold:
		eventType = telemetry.EventFuelTheft
	default:
		return nil
	}

	meta := map[string]interface{}{}
	if liters, deltaLiters, ok := f.calibrate(c, *c.Point.Fuel, delta); ok {
		meta["fuel_liters"] = liters
		meta["delta_liters"] = deltaLiters
	}

	c.Emit(&telemetry.MetricEvent{
		Category:       telemetry.CategoryFuel,
		EventType:      eventType,
		EventValue:     delta,
		Metadata:       meta,
		FormulaVersion: f.FormulaVersion(),
	})
	return nil
}

// calibrate applies a linear raw-to-litres mapping loaded from the
// calibration table, when one exists for this vehicle.
func (f *FuelCalculator) calibrate(c *Context, raw, deltaRaw float64) (liters, deltaLiters float64, ok bool) {
	if c.DB == nil {
		return 0, 0, false
	}
	var rawMin, rawMax, litersMin, litersMax float64
	err := c.DB.QueryRowContext(c.Ctx, `
		SELECT raw_min, raw_max, liters_min, liters_max FROM calibration
		WHERE vehicle_id = $1 AND $2 BETWEEN raw_min AND raw_max
		LIMIT 1`, c.VehicleID, raw).Scan(&rawMin, &rawMax, &litersMin, &litersMax)
	if err != nil || rawMax == rawMin {
		return 0, 0, false
	}
	slope := (litersMax - litersMin) / (rawMax - rawMin)
	liters = litersMin + slope*(raw-rawMin)
	deltaLiters = slope * deltaRaw
	return liters, deltaLiters, true
}
