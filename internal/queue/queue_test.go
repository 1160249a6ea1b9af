package queue

import (
	"testing"
	"time"
)

func TestNewMessageDecodesBody(t *testing.T) {
	raw, err := EncodeBody(Body{JobID: "job-1", Stage: "draft", Payload: []byte(`{"k":1}`)})
	if err != nil {
		t.Fatalf("EncodeBody: %v", err)
	}
	now := time.Now()
	msg := NewMessage("draft", 4, raw, 1, now, now, 0)
	if !msg.Valid() {
		t.Fatalf("expected valid message, got %+v", msg)
	}
	if msg.Body.JobID != "job-1" || string(msg.Body.Payload) != `{"k":1}` {
		t.Fatalf("unexpected body: %+v", msg.Body)
	}
}

func TestNewMessageKeepsMalformedRaw(t *testing.T) {
	msg := NewMessage("draft", 5, []byte("not json"), 0, time.Now(), time.Now(), 0)
	if msg.Valid() {
		t.Fatal("malformed body should not be valid")
	}
	if string(msg.Raw) != "not json" {
		t.Fatalf("raw body lost: %q", msg.Raw)
	}
}

func TestEncodeDetailsDefaultsToEmptyObject(t *testing.T) {
	got, err := EncodeDetails(nil)
	if err != nil {
		t.Fatalf("EncodeDetails: %v", err)
	}
	if string(got) != "{}" {
		t.Fatalf("EncodeDetails(nil) = %s", got)
	}
}
