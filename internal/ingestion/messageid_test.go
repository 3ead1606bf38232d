package ingestion

import "testing"

func TestDeriveMessageID_PrefersBrokerID(t *testing.T) {
	got := DeriveMessageID("broker-123", map[string]interface{}{"message_id": "payload-456"}, []byte("body"))
	if got != "broker-123" {
		t.Fatalf("expected broker id to win, got %s", got)
	}
}

func TestDeriveMessageID_FallsBackToPayloadID(t *testing.T) {
	got := DeriveMessageID("", map[string]interface{}{"message_id": "payload-456"}, []byte("body"))
	if got != "payload-456" {
		t.Fatalf("expected payload id, got %s", got)
	}
}

func TestDeriveMessageID_FallsBackToBodyHash(t *testing.T) {
	got1 := DeriveMessageID("", map[string]interface{}{}, []byte("same body"))
	got2 := DeriveMessageID("", nil, []byte("same body"))
	if got1 == "" || got1 != got2 {
		t.Fatalf("expected a stable non-empty hash for the same body, got %s and %s", got1, got2)
	}

	different := DeriveMessageID("", nil, []byte("different body"))
	if different == got1 {
		t.Fatal("expected different bodies to hash to different ids")
	}
}

func TestDeriveMessageID_IgnoresNonStringPayloadID(t *testing.T) {
	got := DeriveMessageID("", map[string]interface{}{"message_id": 12345}, []byte("body"))
	if got == "" {
		t.Fatal("expected a fallback hash when message_id is not a string")
	}
}
