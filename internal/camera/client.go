// Package camera implements the camera poller (C3): a polling client for
// vendor CMS servers, session-authenticated and per-server circuit-broken,
// normalising vendor records into the shared {vendor, imei, gps_time,
// record_type, data} wire shape (spec.md §4.3).
package camera

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/r3e-network/fleet-telemetry/domain/camera"
)

// httpTimeout bounds every per-call HTTP request (spec.md §4.3 "Timeouts
// are per-call (30s)").
const httpTimeout = 30 * time.Second

// CMSClient is the vendor CMS contract the poller consumes. The wire-level
// HTTP details of any specific vendor are out of scope (spec.md §1); this
// interface is the seam a real vendor adapter implements.
type CMSClient interface {
	Authenticate(ctx context.Context, server camera.Server, password string) (camera.Session, error)
	ListDevices(ctx context.Context, server camera.Server, session camera.Session) ([]camera.Device, error)
	DeviceStatus(ctx context.Context, server camera.Server, session camera.Session, deviceID string) (camera.DeviceStatus, error)
	SafetyAlarms(ctx context.Context, server camera.Server, session camera.Session, since, until time.Time, allowedTypes []string) ([]camera.SafetyAlarm, error)
	RealtimeAlarms(ctx context.Context, server camera.Server, session camera.Session, allowedTypes []string) ([]camera.SafetyAlarm, error)
}

// HTTPClient is the generic JSON/REST CMSClient implementation shared by
// every configured vendor server: login, device list, per-device status,
// and alarm-history/real-time endpoints, each returning vendor-local
// timestamps that callers convert to UTC (spec.md §4.3 "Time handling").
type HTTPClient struct {
	hc *http.Client
}

// NewHTTPClient builds an HTTPClient bounded by httpTimeout.
func NewHTTPClient() *HTTPClient {
	return &HTTPClient{hc: &http.Client{Timeout: httpTimeout}}
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token     string `json:"token"`
	ExpiresIn int    `json:"expires_in_seconds"`
}

// Authenticate logs into server with the decrypted password, returning a
// bearer-like session token cached by the caller.
func (c *HTTPClient) Authenticate(ctx context.Context, server camera.Server, password string) (camera.Session, error) {
	var resp loginResponse
	if err := c.doJSON(ctx, http.MethodPost, server.BaseURL+"/api/login", camera.Session{},
		loginRequest{Username: server.Username, Password: password}, &resp); err != nil {
		return camera.Session{}, fmt.Errorf("camera: authenticate %s: %w", server.Name, err)
	}
	ttl := time.Duration(resp.ExpiresIn) * time.Second
	if ttl <= 0 {
		ttl = time.Hour
	}
	return camera.Session{Token: resp.Token, ExpiresAt: time.Now().Add(ttl)}, nil
}

type deviceListResponse struct {
	Devices []struct {
		ID     string `json:"device_id"`
		IMEI   int64  `json:"imei"`
		Online bool   `json:"online"`
	} `json:"devices"`
}

// ListDevices fetches the vendor's device list (spec.md §4.3 polling loop 1).
func (c *HTTPClient) ListDevices(ctx context.Context, server camera.Server, session camera.Session) ([]camera.Device, error) {
	var resp deviceListResponse
	if err := c.doJSON(ctx, http.MethodGet, server.BaseURL+"/api/devices", session, nil, &resp); err != nil {
		return nil, fmt.Errorf("camera: list devices %s: %w", server.Name, err)
	}
	devices := make([]camera.Device, 0, len(resp.Devices))
	for _, d := range resp.Devices {
		devices = append(devices, camera.Device{ID: d.ID, IMEI: d.IMEI, Online: d.Online})
	}
	return devices, nil
}

type deviceStatusResponse struct {
	IMEI       int64   `json:"imei"`
	Latitude   float64 `json:"latitude"`
	Longitude  float64 `json:"longitude"`
	Speed      float64 `json:"speed"`
	Heading    float64 `json:"heading"`
	Status     string  `json:"status"`
	ObservedAt string  `json:"observed_at"` // vendor-local, "2006-01-02T15:04:05"
}

// DeviceStatus fetches one online device's detailed status.
func (c *HTTPClient) DeviceStatus(ctx context.Context, server camera.Server, session camera.Session, deviceID string) (camera.DeviceStatus, error) {
	var resp deviceStatusResponse
	url := fmt.Sprintf("%s/api/devices/%s/status", server.BaseURL, deviceID)
	if err := c.doJSON(ctx, http.MethodGet, url, session, nil, &resp); err != nil {
		return camera.DeviceStatus{}, fmt.Errorf("camera: device status %s/%s: %w", server.Name, deviceID, err)
	}
	observed := parseVendorLocal(resp.ObservedAt, server.Timezone)
	return camera.DeviceStatus{
		DeviceID: deviceID, IMEI: resp.IMEI, Latitude: resp.Latitude, Longitude: resp.Longitude,
		Speed: resp.Speed, Heading: resp.Heading, StatusText: resp.Status, ObservedAt: observed,
	}, nil
}

type alarmResponse struct {
	Alarms []struct {
		GUID      string `json:"guid"`
		DeviceID  string `json:"device_id"`
		IMEI      int64  `json:"imei"`
		FileTime  string `json:"file_time"`
		AlarmType string `json:"alarm_type"`
		Channel   int    `json:"channel"`
		PhotoURL  string `json:"photo_url"`
		VideoURL  string `json:"video_url"`
	} `json:"alarms"`
}

// SafetyAlarms fetches violations over [since,until], optionally filtered
// to allowedTypes (spec.md §4.3 polling loop 2).
func (c *HTTPClient) SafetyAlarms(ctx context.Context, server camera.Server, session camera.Session, since, until time.Time, allowedTypes []string) ([]camera.SafetyAlarm, error) {
	url := fmt.Sprintf("%s/api/alarms/history?since=%s&until=%s",
		server.BaseURL, localTimeParam(since, server.Timezone), localTimeParam(until, server.Timezone))
	return c.fetchAlarms(ctx, server, session, url, allowedTypes)
}

// RealtimeAlarms fetches the vendor's "currently active" endpoint,
// filtered by allowedTypes (spec.md §4.3 polling loop 3).
func (c *HTTPClient) RealtimeAlarms(ctx context.Context, server camera.Server, session camera.Session, allowedTypes []string) ([]camera.SafetyAlarm, error) {
	url := server.BaseURL + "/api/alarms/active"
	return c.fetchAlarms(ctx, server, session, url, allowedTypes)
}

func (c *HTTPClient) fetchAlarms(ctx context.Context, server camera.Server, session camera.Session, url string, allowedTypes []string) ([]camera.SafetyAlarm, error) {
	var resp alarmResponse
	if err := c.doJSON(ctx, http.MethodGet, url, session, nil, &resp); err != nil {
		return nil, fmt.Errorf("camera: fetch alarms %s: %w", server.Name, err)
	}
	allowed := toSet(allowedTypes)
	alarms := make([]camera.SafetyAlarm, 0, len(resp.Alarms))
	for _, a := range resp.Alarms {
		if len(allowed) > 0 && !allowed[a.AlarmType] {
			continue
		}
		alarms = append(alarms, camera.SafetyAlarm{
			GUID: camera.AlarmGUID(a.GUID), DeviceID: a.DeviceID, IMEI: a.IMEI,
			FileTime: parseVendorLocal(a.FileTime, server.Timezone), AlarmType: a.AlarmType,
			Channel: a.Channel, PhotoURL: a.PhotoURL, VideoURL: a.VideoURL,
		})
	}
	return alarms, nil
}

func toSet(vals []string) map[string]bool {
	if len(vals) == 0 {
		return nil
	}
	m := make(map[string]bool, len(vals))
	for _, v := range vals {
		m[v] = true
	}
	return m
}

// doJSON issues one HTTP call with the session's bearer token, retrying
// once on 401 is the caller's responsibility (camera.Session carries no
// refresh logic itself) — see Poller.withSession.
func (c *HTTPClient) doJSON(ctx context.Context, method, url string, session camera.Session, body interface{}, out interface{}) error {
	reqCtx, cancel := context.WithTimeout(ctx, httpTimeout)
	defer cancel()

	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(reqCtx, method, url, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if session.Token != "" {
		req.Header.Set("Authorization", "Bearer "+session.Token)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return ErrUnauthorized
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// ErrUnauthorized signals the session token was rejected; the poller
// re-authenticates and retries the call exactly once (spec.md §4.3).
var ErrUnauthorized = fmt.Errorf("camera: unauthorized")

// parseVendorLocal parses a vendor timestamp (assumed naive local time in
// the server's configured timezone) and converts it to UTC.
func parseVendorLocal(raw, tz string) time.Time {
	loc, err := time.LoadLocation(tz)
	if err != nil {
		loc = time.UTC
	}
	t, err := time.ParseInLocation("2006-01-02T15:04:05", raw, loc)
	if err != nil {
		return time.Now().UTC()
	}
	return t.UTC()
}

// localTimeParam renders t (UTC) back into the vendor's local timezone for
// URL construction (spec.md §4.3 "converts... back to local time when
// constructing download URLs").
func localTimeParam(t time.Time, tz string) string {
	loc, err := time.LoadLocation(tz)
	if err != nil {
		loc = time.UTC
	}
	return t.In(loc).Format("2006-01-02T15:04:05")
}
