package camera

import (
	"strconv"
	"time"
)

// Device is one entry from the vendor's device-list endpoint, consumed by
// the status polling loop to find online devices worth a detail fetch
// (spec.md §4.3 polling loop 1).
type Device struct {
	ID     string
	IMEI   int64
	Online bool
}

// DeviceStatus is the vendor's per-device detail response, normalised into
// a Record by the status polling loop.
type DeviceStatus struct {
	DeviceID   string
	IMEI       int64
	Latitude   float64
	Longitude  float64
	Speed      float64
	Heading    float64
	StatusText string
	ObservedAt time.Time // vendor-local time; converted to UTC on ingress
}

// SafetyAlarm is one row from the vendor's violation/alarm-history or
// currently-active endpoint. GUID is the vendor's globally-unique alarm
// identifier used for the dedup map; the photo/video merge key is
// (DeviceID, FileTime, AlarmType, Channel) per spec.md §4.3 polling loop 2.
type SafetyAlarm struct {
	GUID      AlarmGUID
	DeviceID  string
	IMEI      int64
	FileTime  time.Time // vendor-local time; converted to UTC on ingress
	AlarmType string
	Channel   int
	PhotoURL  string
	VideoURL  string
}

// MergeKey identifies alarms the vendor reports twice (once per media
// kind) that must be unified into a single output record.
func (a SafetyAlarm) MergeKey() string {
	return a.DeviceID + "|" + a.FileTime.UTC().Format(time.RFC3339) + "|" + a.AlarmType + "|" + strconv.Itoa(a.Channel)
}

// HasVideo reports whether the alarm carries a video URL.
func (a SafetyAlarm) HasVideo() bool {
	return a.VideoURL != ""
}
