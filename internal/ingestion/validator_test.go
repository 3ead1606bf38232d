package ingestion

import "testing"

func TestValidate(t *testing.T) {
	cases := []struct {
		name             string
		lat, lon, speed  float64
		wantReason       InvalidReason
	}{
		{"valid", 51.5, -0.1, 40, ""},
		{"zero island", 0, 0, 10, ReasonGPSZero},
		{"latitude too high", 91, 0, 10, ReasonLatitude},
		{"latitude too low", -91, 0, 10, ReasonLatitude},
		{"longitude too high", 10, 181, 10, ReasonLongitude},
		{"longitude too low", 10, -181, 10, ReasonLongitude},
		{"negative speed", 10, 10, -1, ReasonSpeedNegative},
		{"speed over max", 10, 10, 251, ReasonSpeedMax},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := Validate(tc.lat, tc.lon, tc.speed)
			if tc.wantReason == "" {
				if err != nil {
					t.Fatalf("expected no error, got %v", err)
				}
				return
			}
			ve, ok := err.(*ValidationError)
			if !ok {
				t.Fatalf("expected *ValidationError, got %T", err)
			}
			if ve.Reason != tc.wantReason {
				t.Fatalf("expected reason %s, got %s", tc.wantReason, ve.Reason)
			}
		})
	}
}

func TestCoerceNumeric(t *testing.T) {
	if v, err := CoerceNumeric(nil); err != nil || v != nil {
		t.Fatalf("nil input should coerce to nil, nil; got %v, %v", v, err)
	}
	if v, err := CoerceNumeric(float64(12.5)); err != nil || *v != 12.5 {
		t.Fatalf("expected 12.5, nil; got %v, %v", v, err)
	}
	if v, err := CoerceNumeric(42); err != nil || *v != 42 {
		t.Fatalf("expected 42, nil; got %v, %v", v, err)
	}
	if v, err := CoerceNumeric(int64(42)); err != nil || *v != 42 {
		t.Fatalf("expected 42, nil; got %v, %v", v, err)
	}
	if v, err := CoerceNumeric("  3.14  "); err != nil || *v != 3.14 {
		t.Fatalf("expected 3.14, nil; got %v, %v", v, err)
	}
	if v, err := CoerceNumeric(""); err != nil || v != nil {
		t.Fatalf("empty string should coerce to nil, nil; got %v, %v", v, err)
	}
	if _, err := CoerceNumeric("not-a-number"); err == nil {
		t.Fatal("expected an error for a non-numeric string")
	}
	if _, err := CoerceNumeric(true); err == nil {
		t.Fatal("expected an error for an unsupported type")
	}
}

func TestCoerceBool(t *testing.T) {
	if v, err := CoerceBool(nil); err != nil || v != nil {
		t.Fatalf("nil input should coerce to nil, nil; got %v, %v", v, err)
	}
	if v, err := CoerceBool(true); err != nil || !*v {
		t.Fatalf("expected true, nil; got %v, %v", v, err)
	}
	if v, err := CoerceBool(float64(0)); err != nil || *v {
		t.Fatalf("expected false, nil; got %v, %v", v, err)
	}
	if v, err := CoerceBool(float64(1)); err != nil || !*v {
		t.Fatalf("expected true, nil; got %v, %v", v, err)
	}
	if v, err := CoerceBool("true"); err != nil || !*v {
		t.Fatalf("expected true, nil; got %v, %v", v, err)
	}
	if v, err := CoerceBool(""); err != nil || v != nil {
		t.Fatalf("empty string should coerce to nil, nil; got %v, %v", v, err)
	}
	if _, err := CoerceBool("not-a-bool"); err == nil {
		t.Fatal("expected an error for a non-bool string")
	}
	if _, err := CoerceBool(42); err == nil {
		t.Fatal("expected an error for an unsupported type")
	}
}

func TestCoerceIMEI(t *testing.T) {
	if _, err := CoerceIMEI(nil); err == nil {
		t.Fatal("nil imei should be rejected as missing")
	} else if ve := err.(*ValidationError); ve.Reason != ReasonMissingIMEI {
		t.Fatalf("expected %s, got %s", ReasonMissingIMEI, ve.Reason)
	}

	if imei, err := CoerceIMEI(float64(123456789012345)); err != nil || imei != 123456789012345 {
		t.Fatalf("expected 123456789012345, nil; got %d, %v", imei, err)
	}

	if _, err := CoerceIMEI(float64(0)); err == nil {
		t.Fatal("zero imei should be rejected as invalid")
	} else if ve := err.(*ValidationError); ve.Reason != ReasonInvalidIMEI {
		t.Fatalf("expected %s, got %s", ReasonInvalidIMEI, ve.Reason)
	}

	if imei, err := CoerceIMEI(" 987654321012345 "); err != nil || imei != 987654321012345 {
		t.Fatalf("expected 987654321012345, nil; got %d, %v", imei, err)
	}

	if _, err := CoerceIMEI(""); err == nil {
		t.Fatal("empty string imei should be rejected as missing")
	} else if ve := err.(*ValidationError); ve.Reason != ReasonMissingIMEI {
		t.Fatalf("expected %s, got %s", ReasonMissingIMEI, ve.Reason)
	}

	if _, err := CoerceIMEI("not-a-number"); err == nil {
		t.Fatal("non-numeric string imei should be rejected as invalid")
	} else if ve := err.(*ValidationError); ve.Reason != ReasonInvalidIMEI {
		t.Fatalf("expected %s, got %s", ReasonInvalidIMEI, ve.Reason)
	}

	if _, err := CoerceIMEI(true); err == nil {
		t.Fatal("unsupported type imei should be rejected as invalid")
	} else if ve := err.(*ValidationError); ve.Reason != ReasonInvalidIMEI {
		t.Fatalf("expected %s, got %s", ReasonInvalidIMEI, ve.Reason)
	}
}
