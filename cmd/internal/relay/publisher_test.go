package relay

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeWriter struct {
	mu     sync.Mutex
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

func testMessage(room string) Message {
	return Message{
		Room:        room,
		ID:          "01J00000000000000000000001",
		Sender:      "sess-a",
		Body:        json.RawMessage(`{"text":"hi"}`),
		PublishedAt: time.Now().UTC(),
	}
}

func TestPublisherKeysRecordByRoom(t *testing.T) {
	t.Parallel()

	w := &fakeWriter{}
	p := newPublisher(testLogger(), w, time.Second)

	if err := p.Publish(context.Background(), testMessage("room123")); err != nil {
		t.Fatalf("publish: %v", err)
	}

	if len(w.msgs) != 1 {
		t.Fatalf("expected 1 record, got %d", len(w.msgs))
	}
	if got := string(w.msgs[0].Key); got != "room123" {
		t.Fatalf("record key = %q, want room123", got)
	}

	m, err := DecodeMessage(w.msgs[0].Value)
	if err != nil {
		t.Fatalf("record value does not round-trip: %v", err)
	}
	if m.Room != "room123" {
		t.Fatalf("decoded room = %q", m.Room)
	}
}

func TestPublisherClassifiesTimeout(t *testing.T) {
	t.Parallel()

	w := &fakeWriter{err: context.DeadlineExceeded}
	p := newPublisher(testLogger(), w, time.Second)

	err := p.Publish(context.Background(), testMessage("r"))
	if !errors.Is(err, ErrPublishTimeout) {
		t.Fatalf("expected ErrPublishTimeout, got %v", err)
	}
}

func TestPublisherClassifiesTransient(t *testing.T) {
	t.Parallel()

	w := &fakeWriter{err: errors.New("broker unreachable")}
	p := newPublisher(testLogger(), w, time.Second)

	err := p.Publish(context.Background(), testMessage("r"))
	if !errors.Is(err, ErrPublishTransient) {
		t.Fatalf("expected ErrPublishTransient, got %v", err)
	}
}

func TestPublisherRejectsInvalidMessageBeforeWrite(t *testing.T) {
	t.Parallel()

	w := &fakeWriter{}
	p := newPublisher(testLogger(), w, time.Second)

	if err := p.Publish(context.Background(), Message{Room: ""}); err == nil {
		t.Fatalf("expected validation error")
	}
	if len(w.msgs) != 0 {
		t.Fatalf("invalid message must not reach the writer")
	}
}

func TestPublisherClose(t *testing.T) {
	t.Parallel()

	w := &fakeWriter{}
	p := newPublisher(testLogger(), w, time.Second)

	if err := p.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !w.closed {
		t.Fatalf("writer not closed")
	}
}
