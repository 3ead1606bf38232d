package camera

import (
	"sync"
	"time"

	"github.com/r3e-network/fleet-telemetry/domain/camera"
)

// alarmDedupTTL and trackdataDedupTTL bound how long dedup entries are
// retained before a sweep reclaims them (spec.md §4.3 "alarms: 4h,
// trackdata: 8h, both size-capped").
const (
	alarmDedupTTL      = 4 * time.Hour
	trackdataDedupTTL  = 8 * time.Hour
	alarmDedupCap      = 50_000
	trackdataDedupCap  = 100_000
)

// AlarmDedup deduplicates SafetyAlarm records by GUID, applying the
// photo/video merge rule: a second sighting of the same GUID is dropped
// unless it newly carries a video the first sighting lacked, in which case
// it is re-emitted so the video URL reaches the consumer (spec.md §4.3
// polling loop 2 merge rule).
type AlarmDedup struct {
	mu      sync.Mutex
	entries map[camera.AlarmGUID]camera.DedupEntry
}

// NewAlarmDedup builds an empty AlarmDedup.
func NewAlarmDedup() *AlarmDedup {
	return &AlarmDedup{entries: make(map[camera.AlarmGUID]camera.DedupEntry)}
}

// Admit reports whether alarm should be emitted: true on first sighting,
// true again if a prior sighting lacked video and this one has it (so the
// video-bearing update reaches the consumer), false otherwise.
func (d *AlarmDedup) Admit(alarm camera.SafetyAlarm) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	existing, seen := d.entries[alarm.GUID]
	if !seen {
		d.entries[alarm.GUID] = camera.DedupEntry{FirstSeen: time.Now(), HasVideo: alarm.HasVideo()}
		d.evictIfFull()
		return true
	}
	if !existing.HasVideo && alarm.HasVideo() {
		existing.HasVideo = true
		d.entries[alarm.GUID] = existing
		return true
	}
	return false
}

// Sweep removes entries older than alarmDedupTTL.
func (d *AlarmDedup) Sweep() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	cutoff := time.Now().Add(-alarmDedupTTL)
	removed := 0
	for guid, entry := range d.entries {
		if entry.FirstSeen.Before(cutoff) {
			delete(d.entries, guid)
			removed++
		}
	}
	return removed
}

// evictIfFull drops the oldest entry once the map exceeds alarmDedupCap;
// callers already hold d.mu.
func (d *AlarmDedup) evictIfFull() {
	if len(d.entries) <= alarmDedupCap {
		return
	}
	var oldestGUID camera.AlarmGUID
	var oldestAt time.Time
	for guid, entry := range d.entries {
		if oldestAt.IsZero() || entry.FirstSeen.Before(oldestAt) {
			oldestGUID, oldestAt = guid, entry.FirstSeen
		}
	}
	delete(d.entries, oldestGUID)
}

// Size returns the current entry count, for metrics.
func (d *AlarmDedup) Size() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.entries)
}

// trackdataKey identifies a device-status sample for dedup purposes.
type trackdataKey struct {
	imei    int64
	gpsTime int64 // unix seconds
}

// TrackdataDedup deduplicates device-status polls by (imei, gps_time),
// since the status loop re-polls devices more often than their GPS clock
// advances (spec.md §4.3 polling loop 1).
type TrackdataDedup struct {
	mu      sync.Mutex
	entries map[trackdataKey]time.Time
}

// NewTrackdataDedup builds an empty TrackdataDedup.
func NewTrackdataDedup() *TrackdataDedup {
	return &TrackdataDedup{entries: make(map[trackdataKey]time.Time)}
}

// Admit reports whether this (imei, gpsTime) sample is new.
func (d *TrackdataDedup) Admit(imei int64, gpsTime time.Time) bool {
	key := trackdataKey{imei: imei, gpsTime: gpsTime.Unix()}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, seen := d.entries[key]; seen {
		return false
	}
	d.entries[key] = time.Now()
	d.evictIfFull()
	return true
}

// Sweep removes entries older than trackdataDedupTTL.
func (d *TrackdataDedup) Sweep() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	cutoff := time.Now().Add(-trackdataDedupTTL)
	removed := 0
	for key, seenAt := range d.entries {
		if seenAt.Before(cutoff) {
			delete(d.entries, key)
			removed++
		}
	}
	return removed
}

func (d *TrackdataDedup) evictIfFull() {
	if len(d.entries) <= trackdataDedupCap {
		return
	}
	var oldestKey trackdataKey
	var oldestAt time.Time
	for key, seenAt := range d.entries {
		if oldestAt.IsZero() || seenAt.Before(oldestAt) {
			oldestKey, oldestAt = key, seenAt
		}
	}
	delete(d.entries, oldestKey)
}

// Size returns the current entry count, for metrics.
func (d *TrackdataDedup) Size() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.entries)
}
