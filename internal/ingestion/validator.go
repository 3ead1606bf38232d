package ingestion

import (
	"fmt"
	"strconv"
	"strings"
)

// InvalidReason enumerates the rejection reasons published to
// invalid_data_queue (spec.md §4.1 validation rules).
type InvalidReason string

const (
	ReasonGPSZero           InvalidReason = "invalid_gps_zero"
	ReasonLatitude          InvalidReason = "invalid_latitude"
	ReasonLongitude         InvalidReason = "invalid_longitude"
	ReasonSpeedNegative     InvalidReason = "invalid_speed_negative"
	ReasonSpeedMax          InvalidReason = "invalid_speed_max"
	ReasonMissingIMEI       InvalidReason = "missing_imei"
	ReasonInvalidIMEI       InvalidReason = "invalid_imei"
)

// ValidationError carries the reason a record was routed to the
// invalid-data queue instead of being upserted.
type ValidationError struct {
	Reason InvalidReason
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("ingestion: validation failed: %s", e.Reason)
}

// Validate applies spec.md §4.1's validation rules to a raw record (after
// field coercion). Callers pass 0 for a field that failed coercion.
func Validate(lat, lon, speed float64) error {
	if lat == 0 && lon == 0 {
		return &ValidationError{Reason: ReasonGPSZero}
	}
	if lat < -90 || lat > 90 {
		return &ValidationError{Reason: ReasonLatitude}
	}
	if lon < -180 || lon > 180 {
		return &ValidationError{Reason: ReasonLongitude}
	}
	if speed < 0 {
		return &ValidationError{Reason: ReasonSpeedNegative}
	}
	if speed > 250 {
		return &ValidationError{Reason: ReasonSpeedMax}
	}
	return nil
}

// CoerceNumeric uniformly coerces a raw JSON-decoded value (string, int,
// float64, or nil) into a float64 pointer. Empty strings and absent keys
// are treated as NULL (spec.md §4.1 field coercion).
func CoerceNumeric(raw interface{}) (*float64, error) {
	if raw == nil {
		return nil, nil
	}
	switch v := raw.(type) {
	case float64:
		return &v, nil
	case int:
		f := float64(v)
		return &f, nil
	case int64:
		f := float64(v)
		return &f, nil
	case string:
		trimmed := strings.TrimSpace(v)
		if trimmed == "" {
			return nil, nil
		}
		f, err := strconv.ParseFloat(trimmed, 64)
		if err != nil {
			return nil, fmt.Errorf("ingestion: coerce numeric %q: %w", v, err)
		}
		return &f, nil
	default:
		return nil, fmt.Errorf("ingestion: unsupported numeric type %T", raw)
	}
}

// CoerceBool coerces a raw value into a bool pointer, treating empty
// strings/nil as NULL.
func CoerceBool(raw interface{}) (*bool, error) {
	if raw == nil {
		return nil, nil
	}
	switch v := raw.(type) {
	case bool:
		return &v, nil
	case float64:
		b := v != 0
		return &b, nil
	case string:
		trimmed := strings.TrimSpace(v)
		if trimmed == "" {
			return nil, nil
		}
		b, err := strconv.ParseBool(trimmed)
		if err != nil {
			return nil, fmt.Errorf("ingestion: coerce bool %q: %w", v, err)
		}
		return &b, nil
	default:
		return nil, fmt.Errorf("ingestion: unsupported bool type %T", raw)
	}
}

// CoerceIMEI parses a raw IMEI value (string or number) into a 64-bit
// integer key, per spec.md §4.1 ("IMEI -> 64-bit integer; invalid IMEIs
// cause the record to be published to invalid_data_queue").
func CoerceIMEI(raw interface{}) (int64, error) {
	switch v := raw.(type) {
	case nil:
		return 0, &ValidationError{Reason: ReasonMissingIMEI}
	case float64:
		if v <= 0 {
			return 0, &ValidationError{Reason: ReasonInvalidIMEI}
		}
		return int64(v), nil
	case string:
		trimmed := strings.TrimSpace(v)
		if trimmed == "" {
			return 0, &ValidationError{Reason: ReasonMissingIMEI}
		}
		imei, err := strconv.ParseInt(trimmed, 10, 64)
		if err != nil || imei <= 0 {
			return 0, &ValidationError{Reason: ReasonInvalidIMEI}
		}
		return imei, nil
	default:
		return 0, &ValidationError{Reason: ReasonInvalidIMEI}
	}
}
