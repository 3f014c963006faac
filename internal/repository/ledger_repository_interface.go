package repository

import (
	"context"
	"errors"
	"time"

	"faucet-service/internal/models"
)

var (
	// ErrRecordNotFound is returned by Latest when the address has no ledger rows.
	ErrRecordNotFound = errors.New("ledger: record not found")
	// ErrInvalidWindow rejects non-positive throttling windows.
	ErrInvalidWindow = errors.New("ledger: window must be positive")
)

// LedgerRepository is the durable, append-only record of faucet attempts.
//
// The "most recent record" for an address is always resolved by its newest
// created_at (id breaks ties), never by the id returned from RecordAttempt.
type LedgerRepository interface {
	HasRecentEntry(ctx context.Context, address string, windowHours int) (bool, error)
	TimeUntilNextAllowed(ctx context.Context, address string, windowHours int) (*models.NextAllowed, error)
	RecordAttempt(ctx context.Context, address, amount string) (int64, error)

	// MarkCompleted and MarkFailed only move a pending row to a terminal state.
	// Zero rows affected is reported through the count, not as an error.
	MarkCompleted(ctx context.Context, address, txHash string) (int64, error)
	MarkFailed(ctx context.Context, address, errorMessage string) (int64, error)

	Latest(ctx context.Context, address string) (*models.DisbursementRecord, error)
	Stats(ctx context.Context) (*models.LedgerStats, error)

	HealthCheck(ctx context.Context) error
	Close() error
}

// Clock supplies the store-assigned timestamps.
type Clock func() time.Time

// SystemClock is the default Clock.
func SystemClock() time.Time {
	return time.Now().UTC()
}

// WindowStart returns the oldest created_at that still counts against the window.
func WindowStart(now time.Time, windowHours int) time.Time {
	return now.Add(-time.Duration(windowHours) * time.Hour)
}

// ComputeNextAllowed derives the countdown from the newest in-window attempt.
func ComputeNextAllowed(lastRequestAt time.Time, windowHours int, now time.Time) *models.NextAllowed {
	next := lastRequestAt.Add(time.Duration(windowHours) * time.Hour)
	remaining := int64(next.Sub(now) / time.Second)
	if remaining < 0 {
		remaining = 0
	}
	return &models.NextAllowed{
		LastRequestAt:    lastRequestAt,
		NextAllowedAt:    next,
		SecondsRemaining: remaining,
	}
}

// ErrLeaseHeld is returned when another request already owns the address lease.
var ErrLeaseHeld = errors.New("lease already held")
