package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/roach88/atomjob/internal/job"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS atomjob_jobs (
    id              TEXT PRIMARY KEY,
    tenant_id       TEXT NOT NULL,
    transform_type  TEXT NOT NULL,
    idempotency_key TEXT NOT NULL,
    status          TEXT NOT NULL,
    retry_count     INTEGER NOT NULL DEFAULT 0,
    created_at      TIMESTAMPTZ NOT NULL,
    expires_at      TIMESTAMPTZ NOT NULL,
    record          JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_atomjob_jobs_status_expires ON atomjob_jobs(status, expires_at);
`

// PostgresConfig tunes the connection pool.
type PostgresConfig struct {
	DSN         string
	MaxConns    int32
	DialTimeout time.Duration
}

// Postgres is a Table in a shared PostgreSQL database.
type Postgres struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

var _ Table = (*Postgres)(nil)

// OpenPostgres connects, pings and creates the table if missing.
func OpenPostgres(ctx context.Context, cfg PostgresConfig, logger *slog.Logger) (*Postgres, error) {
	if logger == nil {
		logger = slog.Default()
	}
	pc, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		pc.MaxConns = cfg.MaxConns
	}
	pc.ConnConfig.RuntimeParams["application_name"] = "atomjob"

	if cfg.DialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.DialTimeout)
		defer cancel()
	}

	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("apply postgres schema: %w", err)
	}

	logger.Debug("store.postgres.connected")
	return &Postgres{pool: pool, logger: logger}, nil
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

func (p *Postgres) Insert(ctx context.Context, j *job.Job) error {
	record, err := encodeRecord(j)
	if err != nil {
		return err
	}
	_, err = p.pool.Exec(ctx, `
		INSERT INTO atomjob_jobs
		(id, tenant_id, transform_type, idempotency_key, status, retry_count, created_at, expires_at, record)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`,
		j.ID, j.TenantID, string(j.TransformType), j.IdempotencyKey,
		string(j.Status), j.RetryCount, j.CreatedAt, j.ExpiresAt, record,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrExists
	}
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func (p *Postgres) Get(ctx context.Context, id string) (*job.Job, error) {
	var record []byte
	err := p.pool.QueryRow(ctx, `SELECT record FROM atomjob_jobs WHERE id = $1`, id).Scan(&record)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return decodeRecord(record)
}

// Update locks the row with SELECT ... FOR UPDATE for the duration of fn.
func (p *Postgres) Update(ctx context.Context, id string, fn func(*job.Job) error) (*job.Job, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin update: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var record []byte
	err = tx.QueryRow(ctx, `SELECT record FROM atomjob_jobs WHERE id = $1 FOR UPDATE`, id).Scan(&record)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read job: %w", err)
	}

	j, err := decodeRecord(record)
	if err != nil {
		return nil, err
	}
	if err := fn(j); err != nil {
		return nil, err
	}

	updated, err := encodeRecord(j)
	if err != nil {
		return nil, err
	}
	_, err = tx.Exec(ctx, `
		UPDATE atomjob_jobs
		SET status = $1, retry_count = $2, expires_at = $3, record = $4
		WHERE id = $5
	`, string(j.Status), j.RetryCount, j.ExpiresAt, updated, id)
	if err != nil {
		return nil, fmt.Errorf("write job: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit update: %w", err)
	}
	return j.Clone(), nil
}

func (p *Postgres) Count(ctx context.Context) (int, error) {
	var n int
	if err := p.pool.QueryRow(ctx, `SELECT COUNT(*) FROM atomjob_jobs`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count jobs: %w", err)
	}
	return n, nil
}

func (p *Postgres) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	tag, err := p.pool.Exec(ctx, `
		DELETE FROM atomjob_jobs
		WHERE expires_at < $1 AND status = ANY($2)
	`, now, terminalStatuses)
	if err != nil {
		return 0, fmt.Errorf("delete expired: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
