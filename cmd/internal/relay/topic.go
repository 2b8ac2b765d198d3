package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"

	"github.com/segmentio/kafka-go"
)

// adminConn is the slice of *kafka.Conn the registry needs. Tests substitute a fake.
type adminConn interface {
	Controller() (kafka.Broker, error)
	ReadPartitions(topics ...string) ([]kafka.Partition, error)
	CreateTopics(topics ...kafka.TopicConfig) error
	Close() error
}

// adminDialer opens an administrative connection to a broker address.
type adminDialer func(ctx context.Context, addr string) (adminConn, error)

// TopicRegistry idempotently ensures the chat topic exists before the
// publisher or consumer touch it. It connects, checks, creates if absent, and
// disconnects; it holds no long-lived state.
type TopicRegistry struct {
	log  *slog.Logger
	addr string
	dial adminDialer
}

// NewTopicRegistry constructs a registry pointed at one bootstrap broker address.
func NewTopicRegistry(log *slog.Logger, addr string) *TopicRegistry {
	return &TopicRegistry{
		log:  log,
		addr: addr,
		dial: func(ctx context.Context, addr string) (adminConn, error) {
			return kafka.DialContext(ctx, "tcp", addr)
		},
	}
}

// EnsureTopic creates the topic if it does not exist. Calling it again with the
// same arguments is a no-op. Retry policy lives with the caller (bootstrap).
func (r *TopicRegistry) EnsureTopic(ctx context.Context, name string, partitions int) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("relay: empty topic name")
	}
	if partitions <= 0 {
		partitions = 1
	}

	conn, err := r.dial(ctx, r.addr)
	if err != nil {
		return fmt.Errorf("relay: admin dial %s: %w", r.addr, err)
	}
	defer func() { _ = conn.Close() }()

	// Topic creation must go to the controller broker.
	ctrl, err := conn.Controller()
	if err != nil {
		return fmt.Errorf("relay: controller lookup: %w", err)
	}

	admin := conn
	ctrlAddr := net.JoinHostPort(ctrl.Host, strconv.Itoa(ctrl.Port))
	if ctrlAddr != r.addr {
		c, err := r.dial(ctx, ctrlAddr)
		if err != nil {
			return fmt.Errorf("relay: controller dial %s: %w", ctrlAddr, err)
		}
		defer func() { _ = c.Close() }()
		admin = c
	}

	if parts, err := admin.ReadPartitions(name); err == nil && len(parts) > 0 {
		r.log.Debug("relay.topic.exists", "topic", name, "partitions", len(parts))
		return nil
	}

	err = admin.CreateTopics(kafka.TopicConfig{
		Topic:             name,
		NumPartitions:     partitions,
		ReplicationFactor: 1,
	})
	if err != nil {
		// Lost the create race with another instance; that is still success.
		if errors.Is(err, kafka.TopicAlreadyExists) {
			r.log.Debug("relay.topic.exists", "topic", name)
			return nil
		}
		return fmt.Errorf("relay: create topic %s: %w", name, err)
	}

	r.log.Info("relay.topic.created", "topic", name, "partitions", partitions)
	return nil
}
