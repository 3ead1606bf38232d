// Package telemetry holds the primary entities written and read by the
// ingestion consumer (C1) and metric engine (C2): track points, alarms,
// events, per-device status, derived metric events, and trips.
package telemetry

import "time"

// IOMap is the dynamic I/O bag carried on a track point: an opaque
// key->value map of vendor-specific digital/analog input values.
type IOMap map[string]interface{}

// TrackPoint is one GPS/telemetry sample. Primary key (IMEI, GPSTime).
type TrackPoint struct {
	IMEI      int64
	GPSTime   time.Time
	Vendor    string
	Latitude  float64
	Longitude float64
	Altitude  float64
	Heading   float64
	Satellites int
	Speed     float64
	Status    string

	Ignition       *bool
	SeatbeltBuckled *bool
	Fuel           *float64
	DallasTemp1    *float64
	DallasTemp2    *float64
	DallasTemp3    *float64
	DallasTemp4    *float64
	BLETemp1       *float64
	BLETemp2       *float64
	BLETemp3       *float64
	BLETemp4       *float64
	BLEHumidity1   *float64
	BLEHumidity2   *float64
	BLEHumidity3   *float64
	BLEHumidity4   *float64
	DriverScore    *float64

	IO IOMap

	Valid bool

	ReferenceLandmarkID *int64
	ReferenceDistanceM  *float64

	CreatedAt time.Time
}

// Key returns the (imei, gps_time) composite primary key as a comparable value.
func (t TrackPoint) Key() TrackPointKey {
	return TrackPointKey{IMEI: t.IMEI, GPSTime: t.GPSTime}
}

// TrackPointKey is the (imei, gps_time) composite key shared by TrackPoint,
// Alarm, and Event.
type TrackPointKey struct {
	IMEI    int64
	GPSTime time.Time
}

// Temperature returns the first non-nil reading across the Dallas and BLE
// temperature channels, matching the COALESCE the Temperature calculator
// performs over dallas_temperature_1..4 / ble_temperature_1..4.
func (t TrackPoint) Temperature() (float64, bool) {
	for _, v := range []*float64{t.DallasTemp1, t.DallasTemp2, t.DallasTemp3, t.DallasTemp4,
		t.BLETemp1, t.BLETemp2, t.BLETemp3, t.BLETemp4} {
		if v != nil {
			return *v, true
		}
	}
	return 0, false
}

// Humidity returns the first non-nil reading across the four BLE humidity
// channels.
func (t TrackPoint) Humidity() (float64, bool) {
	for _, v := range []*float64{t.BLEHumidity1, t.BLEHumidity2, t.BLEHumidity3, t.BLEHumidity4} {
		if v != nil {
			return *v, true
		}
	}
	return 0, false
}

// Channels describes which notification channels an Alarm should be
// dispatched over.
type Channels struct {
	SMS   bool
	Email bool
	Call  bool
}

// Alarm is a TrackPoint representing a safety/violation event, carrying
// dispatcher-owned delivery state in addition to the TrackPoint columns.
type Alarm struct {
	TrackPoint

	ID int64 // auto-increment, scoped within the time partition

	Channels    Channels
	Priority    int // 0-10
	ScheduledAt *time.Time

	SMSSentAt   *time.Time
	EmailSentAt *time.Time
	CallSentAt  *time.Time
	RetryCount  int

	Category string
	State    map[string]interface{}
}

// ClampPriority clamps an alarm priority to the [0, 10] range used by the
// broker's priority header. Per spec.md §9 open question #2 the value is
// passed through untranslated — no 1-is-highest remapping.
func ClampPriority(p int) int {
	if p < 0 {
		return 0
	}
	if p > 10 {
		return 10
	}
	return p
}

// Event is a non-alarm status transition, optionally carrying a media URL
// (camera photo/video).
type Event struct {
	IMEI      int64
	GPSTime   time.Time
	Vendor    string
	EventType string
	PhotoURL  string
	VideoURL  string
	Data      map[string]interface{}
	CreatedAt time.Time
}

// VehicleState is the output of the VehicleState calculator.
type VehicleState string

const (
	VehicleMoving       VehicleState = "moving"
	VehicleIdle         VehicleState = "idle"
	VehicleStopped      VehicleState = "stopped"
	VehicleNotResponding VehicleState = "not_responding"
)

// LastStatus is the single per-device row. Consumer-owned and engine-owned
// column groups are disjoint; each writer must touch only its own group
// (spec.md §3 invariant, §5 shared-resource policy).
type LastStatus struct {
	IMEI int64

	// Consumer-owned (written by C1 on every successful batch flush).
	Vendor         string
	LastGPSTime    time.Time
	Latitude       float64
	Longitude      float64
	Speed          float64
	Status         string
	SensorMirror   map[string]interface{}

	// Engine-owned (written by C2 after calculators run).
	VehicleState          VehicleState
	LastProcessedGPSTime  time.Time
	IdleStartTime         *time.Time
	SpeedingStartTime     *time.Time
	SpeedingMaxSpeed      float64
	StoppageStartTime     *time.Time
	SeatbeltViolationStart *time.Time
	SeatbeltViolationDistanceM float64
	DrivingSessionStart   *time.Time
	DrivingSessionKM      float64
	RestStartTime         *time.Time
	TempViolationStart    *time.Time
	HumidityViolationStart *time.Time
	CurrentFenceIDs       []int64
	CurrentTripID         *int64
	TripInProgress        bool

	UpdatedAt time.Time
}

// LastStatusHistory is an append-only log of vehicle-state transitions.
type LastStatusHistory struct {
	IMEI         int64
	GPSTime      time.Time
	FromState    VehicleState
	ToState      VehicleState
	RecordedAt   time.Time
}
