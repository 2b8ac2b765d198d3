// Package app wires the Courier runtime: config, logging, the durable-log
// relay, the websocket gateway, and the HTTP server.
//
// Startup order is deliberate: ensure the topic, then the publisher, then the
// relay consumer, and only then accept client connections. Shutdown reverses
// it: stop accepting, drain the consumer, close the publisher, close the
// remaining connections.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"courier/cmd/internal/archive"
	"courier/cmd/internal/gateway"
	"courier/cmd/internal/relay"
)

const consumerDrainTimeout = 15 * time.Second

// topicEnsurer is the slice of *relay.TopicRegistry bootstrap needs.
// Tests substitute a fake to exercise the retry policy.
type topicEnsurer interface {
	EnsureTopic(ctx context.Context, name string, partitions int) error
}

// App is the per-instance Courier runtime.
type App struct {
	cfg Config
	log *slog.Logger

	hub      *gateway.Hub
	gw       *gateway.WSGateway
	pub      *relay.Publisher
	consumer *relay.Consumer
	topics   topicEnsurer

	sink archive.Sink
	pool *pgxpool.Pool
}

// New constructs a fully wired App instance from config and logger.
// Nothing touches the network yet; that happens in Run.
func New(ctx context.Context, cfg Config, log *slog.Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel)
	}
	if len(cfg.KafkaBrokers) == 0 {
		return nil, errors.New("app: no kafka brokers configured")
	}

	sink, pool, err := newSink(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	hub := gateway.NewHub(log)

	pub := relay.NewPublisher(log, relay.PublisherConfig{
		Brokers: cfg.KafkaBrokers,
		Topic:   cfg.ChatTopic,
		Timeout: cfg.PublishTimeout,
	})

	hook := func(hctx context.Context, m relay.Message, deliveredAt time.Time) {
		err := sink.Record(hctx, archive.Delivered{
			MsgID:       m.ID,
			Room:        m.Room,
			Sender:      m.Sender,
			Body:        m.Body,
			PublishedAt: m.PublishedAt,
			DeliveredAt: deliveredAt,
		})
		if err != nil {
			log.Warn("archive.record.fail", "room", m.Room, "msg_id", m.ID, "err", err)
		}
	}

	consumer := relay.NewConsumer(log, relay.ConsumerConfig{
		Brokers: cfg.KafkaBrokers,
		Topic:   cfg.ChatTopic,
		GroupID: cfg.ConsumerGroup,
	}, hub, hook)

	return &App{
		cfg:      cfg,
		log:      log,
		hub:      hub,
		gw:       gateway.NewWSGateway(log, hub, pub),
		pub:      pub,
		consumer: consumer,
		topics:   relay.NewTopicRegistry(log, cfg.KafkaBrokers[0]),
		sink:     sink,
		pool:     pool,
	}, nil
}

// Run bootstraps the instance and blocks until ctx cancellation or a fatal
// server error, then shuts down in reverse order.
func (a *App) Run(ctx context.Context) error {
	if err := a.ensureTopic(ctx); err != nil {
		return err
	}

	consumerCtx, stopConsumer := context.WithCancel(context.Background())
	defer stopConsumer()

	consumerDone := make(chan struct{})
	go func() {
		defer close(consumerDone)
		_ = a.consumer.Run(consumerCtx)
	}()

	mux := http.NewServeMux()
	registerHTTP(mux, a.log, a.cfg, a.pool, a.gw, a.consumer)

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           WithRequestLogging(mux, a.log),
		ReadHeaderTimeout: a.cfg.ReadHeaderTimeout,
		IdleTimeout:       a.cfg.IdleTimeout,
		MaxHeaderBytes:    a.cfg.MaxHeaderBytes,
	}

	a.log.Info("server.start",
		"addr", a.cfg.HTTPAddr,
		"topic", a.cfg.ChatTopic,
		"group", a.cfg.ConsumerGroup,
		"archive_db", a.pool != nil,
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case <-consumerDone:
		a.log.Error("server.fail", "err", "relay consumer exited")
		return errors.New("app: relay consumer exited unexpectedly")
	case err := <-errCh:
		a.log.Error("server.fail", "err", err)
		return err
	}

	// Phase 1: refuse new connections.
	a.gw.StopAccepting()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Warn("server.shutdown.fail", "err", err)
	}

	// Phase 2: drain the consumer; an already fetched record is delivered
	// before the loop reaches Stopped.
	stopConsumer()
	select {
	case <-consumerDone:
	case <-time.After(consumerDrainTimeout):
		a.log.Warn("relay.consumer.drain.timeout")
	}

	// Phase 3: close the publisher.
	if err := a.pub.Close(); err != nil {
		a.log.Warn("relay.publisher.close.fail", "err", err)
	}

	// Phase 4: close remaining connections and archive resources.
	a.hub.Shutdown()
	if err := a.sink.Close(); err != nil {
		a.log.Warn("archive.close.fail", "err", err)
	}
	if a.pool != nil {
		a.pool.Close()
	}

	a.log.Info("server.stopped")
	return nil
}

// ensureTopic runs the topic registry with bounded retries and backoff.
// Exhausting the attempts is fatal: the process must not accept connections
// while the durable relay is unavailable.
func (a *App) ensureTopic(ctx context.Context) error {
	var lastErr error
	backoff := a.cfg.TopicEnsureBackoff

	for attempt := 1; attempt <= a.cfg.TopicEnsureAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = a.topics.EnsureTopic(ctx, a.cfg.ChatTopic, a.cfg.ChatPartitions)
		if lastErr == nil {
			a.log.Info("relay.topic.ready", "topic", a.cfg.ChatTopic, "attempt", attempt)
			return nil
		}

		a.log.Warn("relay.topic.ensure.fail",
			"topic", a.cfg.ChatTopic,
			"attempt", attempt,
			"max_attempts", a.cfg.TopicEnsureAttempts,
			"err", lastErr,
		)

		if attempt < a.cfg.TopicEnsureAttempts {
			t := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			case <-t.C:
			}
			backoff *= 2
		}
	}

	return fmt.Errorf("app: topic ensure failed after %d attempts: %w", a.cfg.TopicEnsureAttempts, lastErr)
}

// newSink decides between the Postgres archive and the in-memory fallback.
func newSink(ctx context.Context, cfg Config, log *slog.Logger) (archive.Sink, *pgxpool.Pool, error) {
	if cfg.DatabaseURL == "" {
		log.Info("archive.inmemory")
		return archive.NewMemorySink(), nil, nil
	}

	pool, err := NewDBPool(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}

	sink, err := archive.NewPostgresSink(pool, archive.WithSchema(cfg.ArchiveSchema))
	if err != nil {
		pool.Close()
		return nil, nil, err
	}

	log.Info("archive.postgres", "schema", cfg.ArchiveSchema)
	return sink, pool, nil
}
