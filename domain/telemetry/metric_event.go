package telemetry

import "time"

// MetricEvent is a derived event produced by a metric-engine calculator.
type MetricEvent struct {
	ID             int64
	IMEI           int64
	GPSTime        time.Time
	Category       string // Speed, Idle, Seatbelt, Harsh, Driving, Temperature, Humidity, Fuel, Fence, ...
	EventType      string // Overspeed, Idle_Violation, Fence_Enter, Harsh_Brake, Fuel_Fill, ...
	EventValue     float64
	ThresholdValue float64
	DurationSec    float64
	Severity       string
	FenceID        *int64
	TripID         *int64
	Latitude       float64
	Longitude      float64
	Metadata       map[string]interface{}
	FormulaVersion string
	CreatedAt      time.Time
}

// WithJoinMetadata stamps imei/gps_time onto Metadata so the event can be
// joined back to its TrackPoint (spec.md §3 invariant 5).
func (e *MetricEvent) WithJoinMetadata() *MetricEvent {
	if e.Metadata == nil {
		e.Metadata = make(map[string]interface{})
	}
	e.Metadata["imei"] = e.IMEI
	e.Metadata["gps_time"] = e.GPSTime
	return e
}

// Metric event category constants used across calculators.
const (
	CategorySpeed    = "Speed"
	CategoryIdle     = "Idle"
	CategorySeatbelt = "Seatbelt"
	CategoryHarsh    = "Harsh"
	CategoryDriving  = "Driving"
	CategoryTemp     = "Temperature"
	CategoryHumidity = "Humidity"
	CategoryFuel     = "Fuel"
	CategoryFence    = "Fence"
)

// Metric event type constants.
const (
	EventOverspeed              = "Overspeed"
	EventIdleViolation           = "Idle_Violation"
	EventSeatbeltViolation       = "Seatbelt_Violation"
	EventHarshBrake              = "Harsh_Brake"
	EventHarshAccel              = "Harsh_Accel"
	EventHarshCorner             = "Harsh_Corner"
	EventContinuousDrivingViol   = "Continuous_Driving_Violation"
	EventRestTimeViolation       = "Rest_Time_Violation"
	EventNightDriving            = "Night_Driving"
	EventTempHigh                = "Temp_High"
	EventTempLow                 = "Temp_Low"
	EventHumidityHigh            = "Humidity_High"
	EventHumidityLow             = "Humidity_Low"
	EventFuelFill                = "Fuel_Fill"
	EventFuelTheft               = "Fuel_Theft"
	EventFenceEnter              = "Fence_Enter"
	EventFenceExit               = "Fence_Exit"
)

// TripType enumerates the supported trip creation strategies.
type TripType string

const (
	TripIgnitionBased TripType = "Ignition-Based"
	TripRouteBased    TripType = "Route-Based"
	TripRoundTrip     TripType = "Round-Trip"
	TripFenceWise     TripType = "Fence-Wise"
)

// TripStatus enumerates the trip lifecycle states.
type TripStatus string

const (
	TripOngoing   TripStatus = "Ongoing"
	TripCompleted TripStatus = "Completed"
)

// TripCreationMode records whether a trip was opened automatically by a
// calculator or manually by an operator.
type TripCreationMode string

const (
	TripAutomatic TripCreationMode = "Automatic"
	TripManual    TripCreationMode = "Manual"
)

// Trip is a driving session.
type Trip struct {
	TripID         int64
	VehicleID      int64
	Type           TripType
	Status         TripStatus
	CreationMode   TripCreationMode
	StartTime      time.Time
	EndTime        *time.Time
	StartLatitude  float64
	StartLongitude float64
	EndLatitude    float64
	EndLongitude   float64
	TotalDistanceKM float64
	TotalDurationSec int64
	TotalFuel       float64
	CreatedAt       time.Time
}

// TripRouteExtension holds Route-Based trip specific fields.
type TripRouteExtension struct {
	TripID          int64
	RouteAssignmentID int64
	DeviationCount  int
	DeviationResult string // "Completed" | "Deviated"
}

// TripRoundExtension holds Round-Trip specific fields.
type TripRoundExtension struct {
	TripID          int64
	UploadSheetID   int64
	DestinationLat  float64
	DestinationLon  float64
	ArrivalTime     *time.Time
	ExitTime        *time.Time
	TimeCompliance  string // "Compliant" | "Non-Compliant"
}

// TripFenceWiseExtension holds Fence-Wise trip specific fields.
type TripFenceWiseExtension struct {
	TripID               int64
	OriginFenceID         int64
	DestinationFenceID    int64
	SourceExitTime        *time.Time
	DestinationArrivalTime *time.Time
}

// StoppageType enumerates the kinds of stop the Stoppage calculator records.
type StoppageType string

const (
	StoppageStop    StoppageType = "Stop"
	StoppageParking StoppageType = "Parking"
)

// TripStoppageLog is a stop detected during an active trip.
type TripStoppageLog struct {
	ID            int64
	TripID        int64
	StartTime     time.Time
	EndTime       time.Time
	Latitude      float64
	Longitude     float64
	InsideFenceID *int64
	Type          StoppageType
}

// ProcessedMessage is a deduplication record: message_id -> processed_at.
type ProcessedMessage struct {
	MessageID   string
	ProcessedAt time.Time
}

// MessageRetryCount tracks bounded-retry state for a message signature.
type MessageRetryCount struct {
	MessageID    string
	Count        int
	LastError    string
	FirstAttempt time.Time
	LastAttempt  time.Time
}
