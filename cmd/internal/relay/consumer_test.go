package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
)

// fakeFetcher replays a fixed record sequence, then blocks until cancellation.
type fakeFetcher struct {
	mu        sync.Mutex
	msgs      []kafka.Message
	next      int
	committed []int64
	commitErr error
	fetchErrs int // fetch failures injected before the first success
	alwaysErr bool
}

func (f *fakeFetcher) FetchMessage(ctx context.Context) (kafka.Message, error) {
	f.mu.Lock()
	if f.alwaysErr {
		f.mu.Unlock()
		return kafka.Message{}, errors.New("poll fail")
	}
	if f.fetchErrs > 0 {
		f.fetchErrs--
		f.mu.Unlock()
		return kafka.Message{}, errors.New("poll fail")
	}
	if f.next < len(f.msgs) {
		m := f.msgs[f.next]
		f.next++
		f.mu.Unlock()
		return m, nil
	}
	f.mu.Unlock()

	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (f *fakeFetcher) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.commitErr != nil {
		return f.commitErr
	}
	for _, m := range msgs {
		f.committed = append(f.committed, m.Offset)
	}
	return nil
}

func (f *fakeFetcher) Close() error { return nil }

func (f *fakeFetcher) committedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.committed)
}

// orderedDeliverer records Deliver calls; an optional delay simulates slow fan-out.
type orderedDeliverer struct {
	mu    sync.Mutex
	ids   []string
	delay time.Duration
}

func (d *orderedDeliverer) Deliver(m Message) {
	if d.delay > 0 {
		time.Sleep(d.delay)
	}
	d.mu.Lock()
	d.ids = append(d.ids, m.ID)
	d.mu.Unlock()
}

func (d *orderedDeliverer) delivered() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.ids...)
}

func record(t *testing.T, room, id string, offset int64) kafka.Message {
	t.Helper()
	value, err := EncodeMessage(Message{
		Room:        room,
		ID:          id,
		Sender:      "sess-a",
		Body:        json.RawMessage(`{"text":"hi"}`),
		PublishedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return kafka.Message{Topic: "chats", Partition: 0, Offset: offset, Key: []byte(room), Value: value}
}

func fastConfig() ConsumerConfig {
	return ConsumerConfig{MinBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}

func TestConsumerDeliversInOrder(t *testing.T) {
	t.Parallel()

	var msgs []kafka.Message
	for i := 0; i < 5; i++ {
		msgs = append(msgs, record(t, "room123", fmt.Sprintf("msg-%03d", i), int64(i)))
	}

	f := &fakeFetcher{msgs: msgs}
	d := &orderedDeliverer{}
	c := newConsumer(testLogger(), f, d, nil, fastConfig())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = c.Run(ctx)
	}()

	waitFor(t, 2*time.Second, func() bool { return len(d.delivered()) == 5 })
	cancel()
	<-done

	got := d.delivered()
	for i, id := range got {
		if want := fmt.Sprintf("msg-%03d", i); id != want {
			t.Fatalf("delivery order broken at %d: got %s want %s (all: %v)", i, id, want, got)
		}
	}
	if f.committedCount() != 5 {
		t.Fatalf("expected 5 commits, got %d", f.committedCount())
	}
	if c.State() != StateStopped {
		t.Fatalf("state = %v, want stopped", c.State())
	}
}

func TestConsumerSkipsBadRecords(t *testing.T) {
	t.Parallel()

	msgs := []kafka.Message{
		record(t, "room123", "msg-000", 0),
		{Topic: "chats", Offset: 1, Value: []byte("{{{not json")},
		record(t, "room123", "msg-002", 2),
	}

	f := &fakeFetcher{msgs: msgs}
	d := &orderedDeliverer{}
	c := newConsumer(testLogger(), f, d, nil, fastConfig())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = c.Run(ctx)
	}()

	// The bad record is committed too, so the loop never re-fetches it.
	waitFor(t, 2*time.Second, func() bool { return f.committedCount() == 3 })
	cancel()
	<-done

	got := d.delivered()
	if len(got) != 2 || got[0] != "msg-000" || got[1] != "msg-002" {
		t.Fatalf("unexpected deliveries: %v", got)
	}
}

func TestConsumerRecoversFromPollErrors(t *testing.T) {
	t.Parallel()

	f := &fakeFetcher{msgs: []kafka.Message{record(t, "r", "msg-000", 0)}, fetchErrs: 3}
	d := &orderedDeliverer{}
	c := newConsumer(testLogger(), f, d, nil, fastConfig())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = c.Run(ctx)
	}()

	waitFor(t, 2*time.Second, func() bool { return len(d.delivered()) == 1 })
	if !c.Healthy() {
		t.Fatalf("consumer should be healthy after recovery")
	}
	cancel()
	<-done
}

func TestConsumerNotHealthyBeforeLoopStarts(t *testing.T) {
	t.Parallel()

	f := &fakeFetcher{}
	c := newConsumer(testLogger(), f, &orderedDeliverer{}, nil, fastConfig())

	if c.Healthy() {
		t.Fatalf("consumer must not report healthy before Run subscribes")
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = c.Run(ctx)
	}()

	waitFor(t, 2*time.Second, func() bool { return c.Healthy() })
	cancel()
	<-done

	if c.Healthy() {
		t.Fatalf("stopped consumer must not report healthy")
	}
}

func TestConsumerUnhealthyWhilePollsKeepFailing(t *testing.T) {
	t.Parallel()

	f := &fakeFetcher{alwaysErr: true}
	c := newConsumer(testLogger(), f, &orderedDeliverer{}, nil, fastConfig())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = c.Run(ctx)
	}()

	waitFor(t, 2*time.Second, func() bool { return !c.Healthy() })
	cancel()
	<-done

	if c.Healthy() {
		t.Fatalf("stopped consumer must not report healthy")
	}
}

func TestConsumerAtLeastOnceAcrossRestart(t *testing.T) {
	t.Parallel()

	msgs := []kafka.Message{
		record(t, "room123", "msg-000", 0),
		record(t, "room123", "msg-001", 1),
	}

	// First run: delivery succeeds but commits fail, as they would when the
	// instance dies between delivery and offset flush.
	f1 := &fakeFetcher{msgs: msgs, commitErr: errors.New("broker gone")}
	d := &orderedDeliverer{}
	c1 := newConsumer(testLogger(), f1, d, nil, fastConfig())

	ctx1, cancel1 := context.WithCancel(context.Background())
	done1 := make(chan struct{})
	go func() {
		defer close(done1)
		_ = c1.Run(ctx1)
	}()
	waitFor(t, 2*time.Second, func() bool { return len(d.delivered()) == 2 })
	cancel1()
	<-done1

	// Restart: uncommitted records are fetched and delivered again.
	f2 := &fakeFetcher{msgs: msgs}
	c2 := newConsumer(testLogger(), f2, d, nil, fastConfig())

	ctx2, cancel2 := context.WithCancel(context.Background())
	done2 := make(chan struct{})
	go func() {
		defer close(done2)
		_ = c2.Run(ctx2)
	}()
	waitFor(t, 2*time.Second, func() bool { return len(d.delivered()) == 4 })
	cancel2()
	<-done2

	got := d.delivered()
	want := []string{"msg-000", "msg-001", "msg-000", "msg-001"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("deliveries = %v, want %v", got, want)
		}
	}
}

func TestConsumerDrainsInFlightDeliveryOnStop(t *testing.T) {
	t.Parallel()

	f := &fakeFetcher{msgs: []kafka.Message{record(t, "r", "msg-000", 0)}}
	d := &orderedDeliverer{delay: 50 * time.Millisecond}
	c := newConsumer(testLogger(), f, d, nil, fastConfig())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = c.Run(ctx)
	}()

	// Cancel while the delivery is still sleeping inside Deliver.
	time.Sleep(10 * time.Millisecond)
	cancel()
	<-done

	if got := d.delivered(); len(got) != 1 {
		t.Fatalf("in-flight record dropped: deliveries=%v", got)
	}
	if f.committedCount() != 1 {
		t.Fatalf("in-flight record not committed after delivery")
	}
}

func TestConsumerInvokesDeliveredHook(t *testing.T) {
	t.Parallel()

	f := &fakeFetcher{msgs: []kafka.Message{record(t, "room123", "msg-000", 0)}}
	d := &orderedDeliverer{}

	var mu sync.Mutex
	var hooked []string
	hook := func(_ context.Context, m Message, _ time.Time) {
		mu.Lock()
		hooked = append(hooked, m.ID)
		mu.Unlock()
	}

	c := newConsumer(testLogger(), f, d, hook, fastConfig())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = c.Run(ctx)
	}()

	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(hooked) == 1 && hooked[0] == "msg-000"
	})
	cancel()
	<-done
}
