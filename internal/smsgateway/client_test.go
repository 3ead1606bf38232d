package smsgateway

import (
	"testing"
	"time"
)

func TestSession_Valid(t *testing.T) {
	valid := Session{Token: "tok", ExpiresAt: time.Now().Add(time.Hour)}
	if !valid.Valid() {
		t.Fatal("a token with a future expiry should be valid")
	}

	expired := Session{Token: "tok", ExpiresAt: time.Now().Add(-time.Hour)}
	if expired.Valid() {
		t.Fatal("a token past its expiry should not be valid")
	}

	empty := Session{ExpiresAt: time.Now().Add(time.Hour)}
	if empty.Valid() {
		t.Fatal("a session with no token should not be valid")
	}
}
