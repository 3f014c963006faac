package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"faucet-service/internal/models"
	"faucet-service/internal/repository"
	"faucet-service/internal/util"
)

//go:embed schema.sql
var schemaSQL string

// latestIDSubquery pins the newest row for an address; id breaks created_at ties.
const latestIDSubquery = `(SELECT id FROM requests WHERE address = ? ORDER BY created_at DESC, id DESC LIMIT 1)`

type Option func(*LedgerRepository)

// WithClock overrides the timestamp source used for inserts and window checks.
func WithClock(clock repository.Clock) Option {
	return func(r *LedgerRepository) { r.now = clock }
}

// LedgerRepository stores the faucet ledger in a single SQLite file.
type LedgerRepository struct {
	db     *sql.DB
	now    repository.Clock
	logger *zap.Logger
}

var _ repository.LedgerRepository = (*LedgerRepository)(nil)

// Open creates or opens the ledger at path and applies the schema.
func Open(path string, logger *zap.Logger, opts ...Option) (*LedgerRepository, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to ledger database: %w", err)
	}

	// SQLite allows one writer; a single connection avoids SQLITE_BUSY under load.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply ledger schema: %w", err)
	}

	if logger == nil {
		logger = zap.NewNop()
	}
	r := &LedgerRepository{db: db, now: repository.SystemClock, logger: logger}
	for _, opt := range opts {
		opt(r)
	}

	logger.Info("SQLite ledger opened", util.String("path", path))
	return r, nil
}

func (r *LedgerRepository) HasRecentEntry(ctx context.Context, address string, windowHours int) (bool, error) {
	if windowHours <= 0 {
		return false, repository.ErrInvalidWindow
	}
	cutoff := repository.WindowStart(r.now(), windowHours)

	var exists bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM requests WHERE address = ? AND created_at > ?)`,
		address, toMicros(cutoff),
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check recent entry: %w", err)
	}
	return exists, nil
}

func (r *LedgerRepository) TimeUntilNextAllowed(ctx context.Context, address string, windowHours int) (*models.NextAllowed, error) {
	if windowHours <= 0 {
		return nil, repository.ErrInvalidWindow
	}
	now := r.now()

	var createdAt int64
	err := r.db.QueryRowContext(ctx,
		`SELECT created_at FROM requests
		 WHERE address = ? AND created_at > ?
		 ORDER BY created_at DESC LIMIT 1`,
		address, toMicros(repository.WindowStart(now, windowHours)),
	).Scan(&createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to compute next allowed time: %w", err)
	}
	return repository.ComputeNextAllowed(fromMicros(createdAt), windowHours, now), nil
}

func (r *LedgerRepository) RecordAttempt(ctx context.Context, address, amount string) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO requests (address, amount, status, created_at) VALUES (?, ?, ?, ?)`,
		address, amount, string(models.StatusPending), toMicros(r.now()),
	)
	if err != nil {
		r.logger.Error("Failed to record disbursement attempt",
			util.Address(address),
			util.ErrorField(err))
		return 0, fmt.Errorf("failed to record attempt: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read attempt id: %w", err)
	}
	return id, nil
}

func (r *LedgerRepository) MarkCompleted(ctx context.Context, address, txHash string) (int64, error) {
	return r.finalize(ctx,
		`UPDATE requests SET status = 'completed', tx_hash = ?
		 WHERE id = `+latestIDSubquery+` AND status = 'pending'`,
		txHash, address)
}

func (r *LedgerRepository) MarkFailed(ctx context.Context, address, errorMessage string) (int64, error) {
	return r.finalize(ctx,
		`UPDATE requests SET status = 'failed', error_message = ?
		 WHERE id = `+latestIDSubquery+` AND status = 'pending'`,
		errorMessage, address)
}

func (r *LedgerRepository) finalize(ctx context.Context, query, value, address string) (int64, error) {
	res, err := r.db.ExecContext(ctx, query, value, address)
	if err != nil {
		return 0, fmt.Errorf("failed to update latest record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return n, nil
}

func (r *LedgerRepository) Latest(ctx context.Context, address string) (*models.DisbursementRecord, error) {
	var (
		rec       models.DisbursementRecord
		txHash    sql.NullString
		errMsg    sql.NullString
		status    string
		createdAt int64
	)
	err := r.db.QueryRowContext(ctx,
		`SELECT id, address, amount, tx_hash, status, error_message, created_at
		 FROM requests WHERE id = `+latestIDSubquery,
		address,
	).Scan(&rec.ID, &rec.Address, &rec.Amount, &txHash, &status, &errMsg, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, repository.ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load latest record: %w", err)
	}

	rec.Status = models.DisbursementStatus(status)
	rec.CreatedAt = fromMicros(createdAt)
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
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*),
		        COALESCE(SUM(CASE WHEN status = 'completed' THEN 1 ELSE 0 END), 0),
		        COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0)
		 FROM requests`,
	).Scan(&stats.Total, &stats.Success, &stats.Failed)
	if err != nil {
		return nil, fmt.Errorf("failed to load ledger stats: %w", err)
	}
	return &stats, nil
}

func (r *LedgerRepository) HealthCheck(ctx context.Context) error {
	if err := r.db.PingContext(ctx); err != nil {
		return fmt.Errorf("sqlite ping failed: %w", err)
	}
	return nil
}

func (r *LedgerRepository) Close() error {
	if r.db == nil {
		return nil
	}
	return r.db.Close()
}

func toMicros(t time.Time) int64 {
	return t.UTC().UnixMicro()
}

func fromMicros(v int64) time.Time {
	return time.UnixMicro(v).UTC()
}
