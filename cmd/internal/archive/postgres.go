package archive

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresSink writes delivered messages to <schema>.delivered_messages.
//
// Ownership model: the sink does NOT own the pgx pool; the app closes it.
// Writes are idempotent on msg_id, so at-least-once relay redelivery only
// produces no-op conflicts here.
type PostgresSink struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresSink behavior.
type PostgresOption func(*PostgresSink) error

// WithSchema sets the DB schema used by the sink (default: "courier").
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresSink) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("archive: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("archive: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresSink constructs a Sink backed by PostgreSQL.
func NewPostgresSink(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresSink, error) {
	s := &PostgresSink{pool: pool, schema: "courier"}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	if s.pool == nil {
		return nil, errors.New("archive: nil pool")
	}
	return s, nil
}

// Record inserts one delivery. Conflicts on msg_id are ignored.
func (s *PostgresSink) Record(ctx context.Context, d Delivered) error {
	if d.MsgID == "" || d.Room == "" {
		return errors.New("archive: invalid delivery")
	}

	table := pgIdent(s.schema, "delivered_messages")

	_, err := s.pool.Exec(ctx,
		`INSERT INTO `+table+` (msg_id, room, sender, body, published_at, delivered_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (msg_id) DO NOTHING`,
		d.MsgID, d.Room, d.Sender, []byte(d.Body), d.PublishedAt, d.DeliveredAt,
	)
	if err != nil {
		return fmt.Errorf("archive: insert: %w", err)
	}
	return nil
}

// Close is a no-op; the pool is owned by the app.
func (s *PostgresSink) Close() error { return nil }

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}
