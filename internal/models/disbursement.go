package models

import "time"

// DisbursementStatus is the lifecycle state of a ledger row.
type DisbursementStatus string

const (
	StatusPending   DisbursementStatus = "pending"
	StatusCompleted DisbursementStatus = "completed"
	StatusFailed    DisbursementStatus = "failed"
)

// IsTerminal reports whether no further transition is allowed.
func (s DisbursementStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// DisbursementRecord is one faucet attempt. Rows are never deleted.
type DisbursementRecord struct {
	ID           int64              `json:"id" db:"id"`
	Address      string             `json:"address" db:"address"`
	Amount       string             `json:"amount" db:"amount"`
	TxHash       *string            `json:"tx_hash,omitempty" db:"tx_hash"`
	Status       DisbursementStatus `json:"status" db:"status"`
	ErrorMessage *string            `json:"error_message,omitempty" db:"error_message"`
	CreatedAt    time.Time          `json:"created_at" db:"created_at"`
}

// NextAllowed describes when an address leaves the throttling window.
type NextAllowed struct {
	LastRequestAt    time.Time `json:"last_request_at"`
	NextAllowedAt    time.Time `json:"next_allowed_at"`
	SecondsRemaining int64     `json:"seconds_remaining"`
}

type LedgerStats struct {
	Total   int64 `json:"total"`
	Success int64 `json:"success"`
	Failed  int64 `json:"failed"`
}
