package store

import (
	"context"
	"fmt"

	"github.com/exaring/otelpgx"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ConnectPostgres opens a traced connection pool and verifies
// connectivity before returning it.
func ConnectPostgres(ctx context.Context, url string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parse postgres url: %w", err)
	}

	cfg.ConnConfig.Tracer = otelpgx.NewTracer(otelpgx.WithTrimSQLInSpanName())

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return pool, nil
}

// Postgres is the durable backend. InitSchema creates its tables.
type Postgres struct {
	pool      *pgxpool.Pool
	queueSize int
}

var (
	_ Store         = (*Postgres)(nil)
	_ ExchangeStore = (*Postgres)(nil)
)

func NewPostgres(pool *pgxpool.Pool, queueSizeLimit int) *Postgres {
	return &Postgres{pool: pool, queueSize: queueSizeLimit}
}

type txKey struct{}

// WithTx runs fn in a transaction. Nested calls reuse the transaction
// already carried by the context.
func (s *Postgres) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if q := querierFromContext(ctx); q != nil {
		return fn(ctx)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	ctx = context.WithValue(ctx, txKey{}, tx)

	if err := fn(ctx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}

	return tx.Commit(ctx)
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func querierFromContext(ctx context.Context) querier {
	q, _ := ctx.Value(txKey{}).(querier)
	return q
}

func (s *Postgres) conn(ctx context.Context) querier {
	if q := querierFromContext(ctx); q != nil {
		return q
	}
	return s.pool
}

func (s *Postgres) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Postgres) Close() {
	s.pool.Close()
}

// InitSchema creates the tables and indexes if they do not exist. Safe
// to run on every startup.
func (s *Postgres) InitSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE EXTENSION IF NOT EXISTS vector;

		CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'active',
			mode TEXT NOT NULL DEFAULT 'single',
			participants JSONB NOT NULL DEFAULT '[]',
			metadata JSONB,
			last_seq BIGINT NOT NULL DEFAULT 0,
			message_count INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_conversations_participants
			ON conversations USING gin (participants jsonb_path_ops);
		CREATE INDEX IF NOT EXISTS idx_conversations_updated
			ON conversations (updated_at DESC);

		CREATE TABLE IF NOT EXISTS messages (
			id TEXT NOT NULL,
			conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
			sequence_id BIGINT NOT NULL,
			sender_id TEXT NOT NULL,
			sender_name TEXT NOT NULL DEFAULT '',
			sender_kind TEXT NOT NULL,
			content TEXT NOT NULL,
			kind TEXT NOT NULL,
			status TEXT NOT NULL,
			metadata JSONB,
			created_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (conversation_id, id),
			UNIQUE (conversation_id, sequence_id)
		);

		CREATE TABLE IF NOT EXISTS exchanges (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			participant_id TEXT NOT NULL,
			query TEXT NOT NULL,
			summary TEXT NOT NULL DEFAULT '',
			embedding vector(1536),
			created_at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_exchanges_conversation
			ON exchanges (conversation_id, created_at DESC);
	`)
	if err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}
