package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"faucet-service/internal/models"
	"faucet-service/internal/repository"
	"faucet-service/internal/util"
)

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS requests (
		id BIGSERIAL PRIMARY KEY,
		address TEXT NOT NULL,
		tx_hash TEXT,
		amount TEXT NOT NULL,
		status TEXT NOT NULL CHECK (status IN ('pending', 'completed', 'failed')),
		error_message TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_address_created_at ON requests (address, created_at)`,
}

const latestIDSubquery = `(SELECT id FROM requests WHERE address = $2 ORDER BY created_at DESC, id DESC LIMIT 1)`

type Option func(*LedgerRepository)

func WithClock(clock repository.Clock) Option {
	return func(r *LedgerRepository) { r.now = clock }
}

// LedgerRepository keeps the faucet ledger in Postgres.
type LedgerRepository struct {
	pool   *pgxpool.Pool
	now    repository.Clock
	logger *zap.Logger
}

var _ repository.LedgerRepository = (*LedgerRepository)(nil)

// NewPool constructs a pgx connection pool using the provided connection string.
func NewPool(ctx context.Context, connString string, maxConns int32) (*pgxpool.Pool, error) {
	if connString == "" {
		return nil, fmt.Errorf("postgres: empty connection string")
	}
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse config: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	cfg.MaxConnIdleTime = 30 * time.Second
	cfg.MaxConnLifetime = 5 * time.Minute
	return pgxpool.NewWithConfig(ctx, cfg)
}

// NewLedgerRepository applies the schema and returns a ready repository. The pool is owned by the repository.
func NewLedgerRepository(ctx context.Context, pool *pgxpool.Pool, logger *zap.Logger, opts ...Option) (*LedgerRepository, error) {
	for _, stmt := range schemaStatements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return nil, fmt.Errorf("postgres: apply schema: %w", err)
		}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &LedgerRepository{pool: pool, now: repository.SystemClock, logger: logger}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

func (r *LedgerRepository) HasRecentEntry(ctx context.Context, address string, windowHours int) (bool, error) {
	if windowHours <= 0 {
		return false, repository.ErrInvalidWindow
	}
	var exists bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM requests WHERE address = $1 AND created_at > $2)`,
		address, repository.WindowStart(r.now(), windowHours),
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("postgres: check recent entry: %w", err)
	}
	return exists, nil
}

func (r *LedgerRepository) TimeUntilNextAllowed(ctx context.Context, address string, windowHours int) (*models.NextAllowed, error) {
	if windowHours <= 0 {
		return nil, repository.ErrInvalidWindow
	}
	now := r.now()

	var createdAt time.Time
	err := r.pool.QueryRow(ctx,
		`SELECT created_at FROM requests
		 WHERE address = $1 AND created_at > $2
		 ORDER BY created_at DESC LIMIT 1`,
		address, repository.WindowStart(now, windowHours),
	).Scan(&createdAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: next allowed time: %w", err)
	}
	return repository.ComputeNextAllowed(createdAt.UTC(), windowHours, now), nil
}

func (r *LedgerRepository) RecordAttempt(ctx context.Context, address, amount string) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx,
		`INSERT INTO requests (address, amount, status, created_at)
		 VALUES ($1, $2, 'pending', $3) RETURNING id`,
		address, amount, r.now().Truncate(time.Microsecond),
	).Scan(&id)
	if err != nil {
		r.logger.Error("Failed to record disbursement attempt",
			util.Address(address),
			util.ErrorField(err))
		return 0, fmt.Errorf("postgres: record attempt: %w", err)
	}
	return id, nil
}

func (r *LedgerRepository) MarkCompleted(ctx context.Context, address, txHash string) (int64, error) {
	tag, err := r.pool.Exec(ctx,
		`UPDATE requests SET status = 'completed', tx_hash = $1
		 WHERE id = `+latestIDSubquery+` AND status = 'pending'`,
		txHash, address)
	if err != nil {
		return 0, fmt.Errorf("postgres: mark completed: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *LedgerRepository) MarkFailed(ctx context.Context, address, errorMessage string) (int64, error) {
	tag, err := r.pool.Exec(ctx,
		`UPDATE requests SET status = 'failed', error_message = $1
		 WHERE id = `+latestIDSubquery+` AND status = 'pending'`,
		errorMessage, address)
	if err != nil {
		return 0, fmt.Errorf("postgres: mark failed: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *LedgerRepository) Latest(ctx context.Context, address string) (*models.DisbursementRecord, error) {
	var (
		rec    models.DisbursementRecord
		txHash sql.NullString
		errMsg sql.NullString
		status string
	)
	err := r.pool.QueryRow(ctx,
		`SELECT id, address, amount, tx_hash, status, error_message, created_at
		 FROM requests WHERE address = $1
		 ORDER BY created_at DESC, id DESC LIMIT 1`,
		address,
	).Scan(&rec.ID, &rec.Address, &rec.Amount, &txHash, &status, &errMsg, &rec.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, repository.ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: load latest record: %w", err)
	}

	rec.Status = models.DisbursementStatus(status)
	rec.CreatedAt = rec.CreatedAt.UTC()
	if txHash.Valid {
		rec.TxHash = &txHash.String
	}
	if errMsg.Valid {
		rec.ErrorMessage = &errMsg.String
	}
	return &rec, nil
}

func (r *LedgerRepository) Stats(ctx context.Context) (*models.LedgerStats, error) {
	var stats models.LedgerStats
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*),
		        COUNT(*) FILTER (WHERE status = 'completed'),
		        COUNT(*) FILTER (WHERE status = 'failed')
		 FROM requests`,
	).Scan(&stats.Total, &stats.Success, &stats.Failed)
	if err != nil {
		return nil, fmt.Errorf("postgres: ledger stats: %w", err)
	}
	return &stats, nil
}

func (r *LedgerRepository) HealthCheck(ctx context.Context) error {
	if err := r.pool.Ping(ctx); err != nil {
		return fmt.Errorf("postgres ping failed: %w", err)
	}
	return nil
}

func (r *LedgerRepository) Close() error {
	r.pool.Close()
	return nil
}
