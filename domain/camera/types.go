// Package camera holds the wire shape the camera poller (C3) normalises
// vendor CMS records into, plus the per-imei alarm configuration it reads
// before promoting a record to an alarm.
package camera

import "time"

// RecordType enumerates the three independent routings a single polled
// record may need: it can simultaneously be trackdata, an event, and an
// alarm.
type RecordType string

const (
	RecordTrackData RecordType = "trackdata"
	RecordEvent     RecordType = "event"
	RecordAlarm     RecordType = "alarm"
)

// Record is the normalised shape produced by a poll cycle, matching the
// {vendor, imei, gps_time, record_type, data} contract shared with the
// device parser so C1 can consume it unmodified.
type Record struct {
	Vendor     string
	IMEI       int64
	GPSTime    time.Time
	RecordType RecordType
	EventType  string // alarm-type code / status text, e.g. "HarshBraking", "Normal"
	PhotoURL   string
	VideoURL   string
	Data       map[string]interface{}

	// Stamped by the alarm-config lookup before publish.
	IsAlarm  bool
	IsSMS    bool
	IsEmail  bool
	IsCall   bool
	Priority int
}

// AlarmGUID is the vendor's globally-unique alarm identifier used for the
// photo/video merge and dedup map.
type AlarmGUID string

// DedupEntry is the value half of the alarm dedup map: when the alarm was
// first seen and whether it currently carries video.
type DedupEntry struct {
	FirstSeen time.Time
	HasVideo  bool
}

// TimeWindow is a time-of-day window (which may cross midnight) used to
// gate alarm notification delivery.
type TimeWindow struct {
	Start time.Duration // offset since midnight
	End   time.Duration
}

// Contains reports whether t's time-of-day falls within the window,
// correctly handling windows that cross midnight (Start > End).
func (w TimeWindow) Contains(t time.Time) bool {
	midnight := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
	offset := t.Sub(midnight)
	if w.Start <= w.End {
		return offset >= w.Start && offset <= w.End
	}
	// crosses midnight, e.g. 22:00-06:00
	return offset >= w.Start || offset <= w.End
}

// AlarmConfig is a (imei, event_type) row controlling whether and how a
// polled event is promoted to an alarm. The sentinel imei 0 holds the
// template row set copied onto newly discovered devices.
type AlarmConfig struct {
	IMEI      int64
	EventType string
	Enabled   bool
	IsAlarm   bool
	IsSMS     bool
	IsEmail   bool
	IsCall    bool
	Priority  int
	Window    TimeWindow
}

// TemplateIMEI is the sentinel imei whose alarm-config rows are copied to
// every newly discovered device.
const TemplateIMEI int64 = 0

// Server is one configured vendor CMS server endpoint.
type Server struct {
	ID       string `yaml:"id"`
	Name     string `yaml:"name"`
	BaseURL  string `yaml:"base_url"`
	Timezone string `yaml:"timezone"`
	Username string `yaml:"username"`
	// EncryptedPassword is decrypted on demand via secrets.Manager.
	EncryptedPassword string `yaml:"encrypted_password"`
}

// Session is the authenticated bearer-like token cached for a Server.
type Session struct {
	Token     string
	ExpiresAt time.Time
}

// Valid reports whether the session token is still usable.
func (s Session) Valid() bool {
	return s.Token != "" && time.Now().Before(s.ExpiresAt)
}
