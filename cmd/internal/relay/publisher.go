package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"courier/cmd/internal/metrics"
)

const (
	publisherDefaultTimeout = 5 * time.Second
	publisherBatchTimeout   = 10 * time.Millisecond
)

// Publish failure classification.
//
// The gateway logs and drops on either; no outbound message is retried
// automatically. Timeout is kept distinct so operators can tell a slow broker
// from an unreachable one.
var (
	ErrPublishTimeout   = errors.New("relay: publish timeout")
	ErrPublishTransient = errors.New("relay: publish failed")
)

// logWriter is the slice of *kafka.Writer the Publisher needs. Tests substitute
// an in-process fake.
type logWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher appends chat messages to the durable log topic.
//
// Records are keyed by room so same-room messages land on the same partition.
// Broker-level acknowledgement (RequireOne) is sufficient: the contract is
// at-least-once relay, not full-replication durability on the publish path.
type Publisher struct {
	log     *slog.Logger
	w       logWriter
	timeout time.Duration
}

// PublisherConfig configures a Publisher against a broker set.
type PublisherConfig struct {
	Brokers []string
	Topic   string
	Timeout time.Duration
}

// NewPublisher constructs a Publisher backed by a kafka.Writer.
func NewPublisher(log *slog.Logger, cfg PublisherConfig) *Publisher {
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: publisherBatchTimeout,
	}
	return newPublisher(log, w, cfg.Timeout)
}

func newPublisher(log *slog.Logger, w logWriter, timeout time.Duration) *Publisher {
	if timeout <= 0 {
		timeout = publisherDefaultTimeout
	}
	return &Publisher{log: log, w: w, timeout: timeout}
}

// Publish serializes m and appends it to the topic, keyed by room.
//
// The call is bounded by the configured timeout; it never blocks the caller
// indefinitely. On failure the message is gone from the durable path; callers
// must not fall back to local broadcast, or instances would disagree.
func (p *Publisher) Publish(ctx context.Context, m Message) error {
	value, err := EncodeMessage(m)
	if err != nil {
		return err
	}

	wctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	err = p.w.WriteMessages(wctx, kafka.Message{
		Key:   []byte(m.Room),
		Value: value,
	})
	if err != nil {
		metrics.PublishFailures.Inc()
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: %v", ErrPublishTimeout, err)
		}
		return fmt.Errorf("%w: %v", ErrPublishTransient, err)
	}

	metrics.MessagesPublished.Inc()
	p.log.Debug("relay.publish.ok", "room", m.Room, "msg_id", m.ID)
	return nil
}

// Close releases the underlying writer. In-flight Publish calls fail after this.
func (p *Publisher) Close() error {
	return p.w.Close()
}
