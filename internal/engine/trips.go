package engine

import (
	"github.com/r3e-network/fleet-telemetry/domain/telemetry"
)

// IgnitionTripCalculator requests trip start/end on ignition transitions
// (spec.md §4.2). The actual trip row insert/update happens in the
// pipeline's write path, which resolves TripAction in one DB step.
type IgnitionTripCalculator struct{ BaseCalculator }

func (t *IgnitionTripCalculator) Name() string           { return "IgnitionTrip" }
func (t *IgnitionTripCalculator) Category() Category     { return CategoryTrip }
func (t *IgnitionTripCalculator) FormulaVersion() string { return "1.0.0" }
func (t *IgnitionTripCalculator) RequiresSensors() []string { return nil }
func (t *IgnitionTripCalculator) RequiresConfig() []string  { return nil }
func (t *IgnitionTripCalculator) AppliesTo(Capabilities) bool { return true }

func (t *IgnitionTripCalculator) Calculate(c *Context) error {
	ignition := ignitionOn(c.Point)

	if ignition && !c.State.TripInProgress {
		c.TripAction = &TripAction{
			Kind:         TripActionStart,
			Type:         telemetry.TripIgnitionBased,
			CreationMode: telemetry.TripAutomatic,
		}
		return nil
	}
	if !ignition && c.State.TripInProgress {
		c.TripAction = &TripAction{Kind: TripActionEnd}
	}
	return nil
}

// StoppageCalculator logs stops of STOP_THRESHOLD seconds or longer during
// an active trip (spec.md §4.2).
type StoppageCalculator struct{ BaseCalculator }

func (s *StoppageCalculator) Name() string           { return "Stoppage" }
func (s *StoppageCalculator) Category() Category     { return CategoryTrip }
func (s *StoppageCalculator) FormulaVersion() string { return "1.0.0" }
func (s *StoppageCalculator) RequiresSensors() []string { return nil }
func (s *StoppageCalculator) RequiresConfig() []string  { return []string{"STOP_THRESHOLD"} }
func (s *StoppageCalculator) AppliesTo(Capabilities) bool { return true }

func (s *StoppageCalculator) Calculate(c *Context) error {
	if !c.State.TripInProgress {
		c.State.StoppageStartTime = nil
		return nil
	}

	if c.Point.Speed == 0 {
		if c.State.StoppageStartTime == nil {
			t := c.Point.GPSTime
			c.State.StoppageStartTime = &t
		}
		return nil
	}

	if c.State.StoppageStartTime == nil {
		return nil
	}
	start := *c.State.StoppageStartTime
	c.State.StoppageStartTime = nil

	elapsed := c.Point.GPSTime.Sub(start).Seconds()
	threshold := c.ConfigFloat("STOP_THRESHOLD", 300)
	if elapsed < threshold {
		return nil
	}

	tripID := int64(0)
	if c.State.CurrentTripID != nil {
		tripID = *c.State.CurrentTripID
	}
	c.Stoppages = append(c.Stoppages, telemetry.TripStoppageLog{
		TripID:    tripID,
		StartTime: start,
		EndTime:   c.Point.GPSTime,
		Latitude:  c.Point.Latitude,
		Longitude: c.Point.Longitude,
		Type:      telemetry.StoppageStop,
	})
	return nil
}

// FenceWiseTripCalculator tracks origin-exit / destination-arrival for
// active manual Fence-Wise trips (spec.md §4.2).
type FenceWiseTripCalculator struct{ BaseCalculator }

func (f *FenceWiseTripCalculator) Name() string           { return "FenceWiseTrip" }
func (f *FenceWiseTripCalculator) Category() Category     { return CategoryTrip }
func (f *FenceWiseTripCalculator) FormulaVersion() string { return "1.0.0" }
func (f *FenceWiseTripCalculator) RequiresSensors() []string { return nil }
func (f *FenceWiseTripCalculator) RequiresConfig() []string  { return nil }
func (f *FenceWiseTripCalculator) AppliesTo(Capabilities) bool { return true }

func (f *FenceWiseTripCalculator) Calculate(c *Context) error {
	if !c.State.TripInProgress || c.State.CurrentTripID == nil || c.DB == nil {
		return nil
	}

	var ext telemetry.TripFenceWiseExtension
	err := c.DB.QueryRowContext(c.Ctx, `
		SELECT trip_id, origin_fence_id, destination_fence_id, source_exit_time, destination_arrival_time
		FROM trip_fence_wise_extension WHERE trip_id = $1`, *c.State.CurrentTripID,
	).Scan(&ext.TripID, &ext.OriginFenceID, &ext.DestinationFenceID, &ext.SourceExitTime, &ext.DestinationArrivalTime)
	if err != nil {
		return nil // not a fence-wise trip
	}

	insideOrigin := fenceIn(c.Previous.CurrentFenceIDs, ext.OriginFenceID)
	nowInsideOrigin := fenceIn(c.State.CurrentFenceIDs, ext.OriginFenceID)
	if ext.SourceExitTime == nil && insideOrigin && !nowInsideOrigin {
		_, err := c.DB.ExecContext(c.Ctx,
			"UPDATE trip_fence_wise_extension SET source_exit_time = $1 WHERE trip_id = $2",
			c.Point.GPSTime, ext.TripID)
		if err != nil {
			return err
		}
	}

	nowInsideDest := fenceIn(c.State.CurrentFenceIDs, ext.DestinationFenceID)
	if ext.DestinationArrivalTime == nil && nowInsideDest {
		_, err := c.DB.ExecContext(c.Ctx,
			"UPDATE trip_fence_wise_extension SET destination_arrival_time = $1 WHERE trip_id = $2",
			c.Point.GPSTime, ext.TripID)
		if err != nil {
			return err
		}
		c.TripAction = &TripAction{Kind: TripActionEnd}
	}
	return nil
}

func fenceIn(ids []int64, id int64) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

// RoundTripCalculator creates a Round-Trip when a scheduled upload_sheet
// row's start time is reached with no current trip, then tracks
// destination arrival/exit and time compliance (spec.md §4.2).
type RoundTripCalculator struct{ BaseCalculator }

func (r *RoundTripCalculator) Name() string           { return "RoundTrip" }
func (r *RoundTripCalculator) Category() Category     { return CategoryTrip }
func (r *RoundTripCalculator) FormulaVersion() string { return "1.0.0" }
func (r *RoundTripCalculator) RequiresSensors() []string { return nil }
func (r *RoundTripCalculator) RequiresConfig() []string  { return []string{"TIME_COMPLIANCE_THRESHOLD"} }
func (r *RoundTripCalculator) AppliesTo(Capabilities) bool { return true }

func (r *RoundTripCalculator) Calculate(c *Context) error {
	if c.DB == nil {
		return nil
	}

	if !c.State.TripInProgress {
		var sheetID int64
		var destLat, destLon float64
		err := c.DB.QueryRowContext(c.Ctx, `
			SELECT id, destination_lat, destination_lon FROM upload_sheet
			WHERE vehicle_id = $1 AND start_time <= $2 AND consumed = FALSE
			ORDER BY start_time ASC LIMIT 1`, c.VehicleID, c.Point.GPSTime,
		).Scan(&sheetID, &destLat, &destLon)
		if err == nil {
			c.TripAction = &TripAction{
				Kind:          TripActionStart,
				Type:          telemetry.TripRoundTrip,
				CreationMode:  telemetry.TripAutomatic,
				UploadSheetID: sheetID,
				DestLatitude:  destLat,
				DestLongitude: destLon,
			}
		}
		return nil
	}

	if c.State.CurrentTripID == nil {
		return nil
	}
	var ext telemetry.TripRoundExtension
	err := c.DB.QueryRowContext(c.Ctx, `
		SELECT trip_id, destination_lat, destination_lon, arrival_time, exit_time
		FROM trip_round_extension WHERE trip_id = $1`, *c.State.CurrentTripID,
	).Scan(&ext.TripID, &ext.DestinationLat, &ext.DestinationLon, &ext.ArrivalTime, &ext.ExitTime)
	if err != nil {
		return nil
	}

	const arrivalRadiusKM = 0.1 // 100m
	atDestination := haversineKM(c.Point.Latitude, c.Point.Longitude, ext.DestinationLat, ext.DestinationLon) <= arrivalRadiusKM

	if ext.ArrivalTime == nil && atDestination {
		_, err := c.DB.ExecContext(c.Ctx,
			"UPDATE trip_round_extension SET arrival_time = $1 WHERE trip_id = $2", c.Point.GPSTime, ext.TripID)
		return err
	}
	if ext.ArrivalTime != nil && ext.ExitTime == nil && !atDestination {
		compliance := "Non-Compliant"
		threshold := c.ConfigFloat("TIME_COMPLIANCE_THRESHOLD", 1800)
		if c.Point.GPSTime.Sub(*ext.ArrivalTime).Seconds() >= threshold {
			compliance = "Compliant"
		}
		_, err := c.DB.ExecContext(c.Ctx,
			"UPDATE trip_round_extension SET exit_time = $1, time_compliance = $2 WHERE trip_id = $3",
			c.Point.GPSTime, compliance, ext.TripID)
		if err != nil {
			return err
		}
		c.TripAction = &TripAction{Kind: TripActionEnd}
	}
	return nil
}

// RouteTripCalculator creates a Route-Based trip while the vehicle tracks
// an assigned route polyline within DEVIATION_THRESHOLD, and marks the
// trip Deviated when it leaves the route (spec.md §4.2).
type RouteTripCalculator struct{ BaseCalculator }

func (r *RouteTripCalculator) Name() string           { return "RouteTrip" }
func (r *RouteTripCalculator) Category() Category     { return CategoryTrip }
func (r *RouteTripCalculator) FormulaVersion() string { return "1.0.0" }
func (r *RouteTripCalculator) RequiresSensors() []string { return nil }
func (r *RouteTripCalculator) RequiresConfig() []string  { return []string{"DEVIATION_THRESHOLD"} }
func (r *RouteTripCalculator) AppliesTo(Capabilities) bool { return true }

func (r *RouteTripCalculator) Calculate(c *Context) error {
	if c.DB == nil {
		return nil
	}
	threshold := c.ConfigFloat("DEVIATION_THRESHOLD", 100)

	var assignmentID int64
	var onRoute bool
	err := c.DB.QueryRowContext(c.Ctx, `
		SELECT ra.id,
			ST_DWithin(r.geom::geography, ST_SetSRID(ST_MakePoint($2, $3), 4326)::geography, $4)
		FROM route_assignment ra JOIN route r ON r.id = ra.route_id
		WHERE ra.vehicle_id = $1 AND ra.active = TRUE
		LIMIT 1`, c.VehicleID, c.Point.Longitude, c.Point.Latitude, threshold,
	).Scan(&assignmentID, &onRoute)
	if err != nil {
		return nil // no active route assignment
	}

	if !c.State.TripInProgress && onRoute {
		c.TripAction = &TripAction{
			Kind:              TripActionStart,
			Type:              telemetry.TripRouteBased,
			CreationMode:      telemetry.TripAutomatic,
			RouteAssignmentID: assignmentID,
		}
		return nil
	}

	if c.State.TripInProgress && !onRoute && c.State.CurrentTripID != nil {
		_, err := c.DB.ExecContext(c.Ctx,
			"UPDATE trip_route_extension SET deviation_count = deviation_count + 1, deviation_result = 'Deviated' WHERE trip_id = $1",
			*c.State.CurrentTripID)
		if err != nil {
			return err
		}
		c.TripAction = &TripAction{Kind: TripActionEnd}
	}
	return nil
}
