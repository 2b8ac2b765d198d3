package relay

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"

	"courier/cmd/internal/metrics"
)

const (
	consumerDefaultMinBackoff = 250 * time.Millisecond
	consumerDefaultMaxBackoff = 10 * time.Second

	// Consecutive poll failures after which the instance reports unhealthy.
	consumerUnhealthyAfter = 5

	consumerCommitTimeout = 5 * time.Second
	consumerHookTimeout   = 3 * time.Second
)

// State is the consumer lifecycle state.
type State int32

const (
	StateStarting State = iota
	StateSubscribed
	StatePolling
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateSubscribed:
		return "subscribed"
	case StatePolling:
		return "polling"
	case StateStopped:
		return "stopped"
	}
	return "unknown"
}

// Deliverer fans a relayed message out to locally connected room members.
// The gateway hub implements it.
type Deliverer interface {
	Deliver(m Message)
}

// DeliveredHook is the best-effort persistence callback invoked after a
// successful local delivery. Hook failures never affect delivery.
type DeliveredHook func(ctx context.Context, m Message, deliveredAt time.Time)

// fetcher is the slice of *kafka.Reader the Consumer needs. Tests substitute a fake.
type fetcher interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// ConsumerConfig configures the per-instance relay consumer.
type ConsumerConfig struct {
	Brokers []string
	Topic   string
	// GroupID is shared by every instance so the log delivers each partition's
	// records to exactly one instance at a time.
	GroupID string

	MinBackoff time.Duration
	MaxBackoff time.Duration
}

// Consumer is the per-instance poll loop that turns durable-log records back
// into local fan-out.
//
// Within-group partition ownership decides which instance surfaces a given
// room's messages; it may or may not be the instance that accepted the sender.
// Commit happens strictly after delivery, which is what makes the pipeline
// at-least-once across a crash and restart.
type Consumer struct {
	log     *slog.Logger
	reader  fetcher
	deliver Deliverer
	hook    DeliveredHook

	minBackoff time.Duration
	maxBackoff time.Duration

	state     atomic.Int32
	pollFails atomic.Int32
}

// NewConsumer constructs a Consumer joined to the shared group via kafka.Reader.
func NewConsumer(log *slog.Logger, cfg ConsumerConfig, deliver Deliverer, hook DeliveredHook) *Consumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     cfg.Brokers,
		Topic:       cfg.Topic,
		GroupID:     cfg.GroupID,
		StartOffset: kafka.FirstOffset,
		MinBytes:    1,
		MaxBytes:    1 << 20,
		MaxWait:     500 * time.Millisecond,
	})
	return newConsumer(log, r, deliver, hook, cfg)
}

func newConsumer(log *slog.Logger, r fetcher, deliver Deliverer, hook DeliveredHook, cfg ConsumerConfig) *Consumer {
	c := &Consumer{
		log:        log,
		reader:     r,
		deliver:    deliver,
		hook:       hook,
		minBackoff: cfg.MinBackoff,
		maxBackoff: cfg.MaxBackoff,
	}
	if c.minBackoff <= 0 {
		c.minBackoff = consumerDefaultMinBackoff
	}
	if c.maxBackoff < c.minBackoff {
		c.maxBackoff = consumerDefaultMaxBackoff
	}
	c.state.Store(int32(StateStarting))
	return c
}

// State returns the current lifecycle state.
func (c *Consumer) State() State {
	return State(c.state.Load())
}

// Healthy reports whether the poll loop is alive and not stuck failing. A
// consumer whose loop has not yet subscribed is not healthy: readiness must
// not be reported before the relay can actually surface records.
func (c *Consumer) Healthy() bool {
	switch c.State() {
	case StateStarting, StateStopped:
		return false
	}
	return c.pollFails.Load() < consumerUnhealthyAfter
}

// Run polls the log until ctx is cancelled, delivering each record to the local
// gateway. It returns only after in-flight delivery of the current record has
// completed and been committed.
func (c *Consumer) Run(ctx context.Context) error {
	c.setState(StateSubscribed)
	defer func() {
		_ = c.reader.Close()
		c.setState(StateStopped)
		c.log.Info("relay.consumer.stopped")
	}()

	backoff := c.minBackoff

	for {
		if ctx.Err() != nil {
			return nil
		}

		c.setState(StatePolling)
		rec, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}

			fails := c.pollFails.Add(1)
			metrics.ConsumerPollErrors.Inc()
			c.log.Warn("relay.poll.fail", "err", err, "consecutive", fails, "backoff", backoff)

			if !sleepCtx(ctx, backoff) {
				return nil
			}
			backoff = min(backoff*2, c.maxBackoff)
			c.setState(StateSubscribed)
			continue
		}

		c.pollFails.Store(0)
		backoff = c.minBackoff

		c.handleRecord(ctx, rec)
		c.setState(StateSubscribed)
	}
}

// handleRecord decodes, delivers, fires the hook, and commits one record.
// A record that has been fetched is never silently dropped: even under
// shutdown the delivery and commit run to completion.
func (c *Consumer) handleRecord(ctx context.Context, rec kafka.Message) {
	m, err := DecodeMessage(rec.Value)
	if err != nil {
		metrics.RecordsSkipped.Inc()
		c.log.Warn("relay.record.skip",
			"err", err,
			"partition", rec.Partition,
			"offset", rec.Offset,
		)
		c.commit(rec)
		return
	}

	c.deliver.Deliver(m)
	metrics.RecordsRelayed.Inc()
	c.log.Debug("relay.deliver.ok", "room", m.Room, "msg_id", m.ID, "offset", rec.Offset)

	if c.hook != nil {
		// Fire-and-forget: the persistence collaborator must not slow delivery.
		go func(m Message) {
			hctx, cancel := context.WithTimeout(context.Background(), consumerHookTimeout)
			defer cancel()
			c.hook(hctx, m, time.Now().UTC())
		}(m)
	}

	c.commit(rec)
}

// commit acknowledges the record offset. A detached context keeps the commit
// alive through shutdown; an uncommitted delivered record only costs a
// duplicate on restart, which the contract tolerates.
func (c *Consumer) commit(rec kafka.Message) {
	cctx, cancel := context.WithTimeout(context.Background(), consumerCommitTimeout)
	defer cancel()

	if err := c.reader.CommitMessages(cctx, rec); err != nil {
		c.log.Warn("relay.commit.fail", "err", err, "partition", rec.Partition, "offset", rec.Offset)
	}
}

func (c *Consumer) setState(s State) {
	c.state.Store(int32(s))
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
