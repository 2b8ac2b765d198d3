package relay

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestMessageRoundTrip(t *testing.T) {
	t.Parallel()

	in := Message{
		Room:        "room123",
		ID:          "01J00000000000000000000001",
		Sender:      "sess-a",
		Body:        json.RawMessage(`{"text":"hello"}`),
		PublishedAt: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
	}

	value, err := EncodeMessage(in)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	out, err := DecodeMessage(value)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	if out.Room != in.Room || out.ID != in.ID || out.Sender != in.Sender {
		t.Fatalf("mismatch: got %+v want %+v", out, in)
	}
	if string(out.Body) != string(in.Body) {
		t.Fatalf("body mismatch: %s", out.Body)
	}
	if !out.PublishedAt.Equal(in.PublishedAt) {
		t.Fatalf("timestamp mismatch: %v", out.PublishedAt)
	}
}

func TestEncodeMessageRejectsInvalid(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		m    Message
	}{
		{name: "empty room", m: Message{ID: "x", Body: json.RawMessage(`1`)}},
		{name: "empty id", m: Message{Room: "r", Body: json.RawMessage(`1`)}},
		{name: "empty body", m: Message{Room: "r", ID: "x"}},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if _, err := EncodeMessage(tc.m); err == nil {
				t.Fatalf("expected error for %+v", tc.m)
			}
		})
	}
}

func TestDecodeMessageBadRecord(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name  string
		value []byte
	}{
		{name: "empty", value: nil},
		{name: "not json", value: []byte("{{{")},
		{name: "missing room", value: []byte(`{"id":"x","body":{"a":1}}`)},
		{name: "missing body", value: []byte(`{"room":"r","id":"x"}`)},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := DecodeMessage(tc.value)
			if err == nil {
				t.Fatalf("expected error")
			}
			if !errors.Is(err, ErrBadRecord) {
				t.Fatalf("expected ErrBadRecord, got %v", err)
			}
		})
	}
}
