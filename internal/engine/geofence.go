package engine

import (
	"github.com/r3e-network/fleet-telemetry/domain/telemetry"
)

// GeofenceCalculator tests the current position against every fence the
// tracker's client owns, with hysteresis near the boundary, emitting
// Fence_Enter/Fence_Exit on transitions (spec.md §4.2).
type GeofenceCalculator struct{ BaseCalculator }

func (g *GeofenceCalculator) Name() string           { return "Geofence" }
func (g *GeofenceCalculator) Category() Category     { return CategoryGeofence }
func (g *GeofenceCalculator) FormulaVersion() string { return "1.0.0" }
func (g *GeofenceCalculator) RequiresSensors() []string { return nil }
func (g *GeofenceCalculator) RequiresConfig() []string  { return []string{"FENCE_BUFFER_DISTANCE"} }
func (g *GeofenceCalculator) AppliesTo(Capabilities) bool { return true }

type fenceHit struct {
	id       int64
	inside   bool
	distance float64
}

func (g *GeofenceCalculator) Calculate(c *Context) error {
	if c.DB == nil {
		return nil
	}
	buffer := c.ConfigFloat("FENCE_BUFFER_DISTANCE", 50)

	rows, err := c.DB.QueryContext(c.Ctx, `
		SELECT id,
			ST_Contains(polygon, ST_SetSRID(ST_MakePoint($2, $3), 4326)) AS inside,
			ST_Distance(polygon::geography, ST_SetSRID(ST_MakePoint($2, $3), 4326)::geography) AS dist
		FROM fence
		WHERE client_id = $1`, c.ClientID, c.Point.Longitude, c.Point.Latitude)
	if err != nil {
		return err
	}
	defer rows.Close()

	var hits []fenceHit
	for rows.Next() {
		var h fenceHit
		if err := rows.Scan(&h.id, &h.inside, &h.distance); err != nil {
			return err
		}
		hits = append(hits, h)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	prevInside := make(map[int64]bool, len(c.Previous.CurrentFenceIDs))
	for _, id := range c.Previous.CurrentFenceIDs {
		prevInside[id] = true
	}

	var nowInside []int64
	for _, h := range hits {
		inside := h.inside || (prevInside[h.id] && h.distance <= buffer)
		if inside {
			nowInside = append(nowInside, h.id)
		}
		if inside && !prevInside[h.id] {
			fenceID := h.id
			c.Emit(&telemetry.MetricEvent{
				Category:       telemetry.CategoryFence,
				EventType:      telemetry.EventFenceEnter,
				FenceID:        &fenceID,
				FormulaVersion: g.FormulaVersion(),
			})
		}
		if !inside && prevInside[h.id] {
			fenceID := h.id
			c.Emit(&telemetry.MetricEvent{
				Category:       telemetry.CategoryFence,
				EventType:      telemetry.EventFenceExit,
				FenceID:        &fenceID,
				FormulaVersion: g.FormulaVersion(),
			})
		}
	}

	c.State.CurrentFenceIDs = nowInside
	return nil
}
