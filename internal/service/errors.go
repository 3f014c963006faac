package service

import (
	"errors"
	"fmt"
	"time"

	"faucet-service/internal/chain"
	"faucet-service/internal/verification"
)

var (
	ErrMissingFields     = errors.New("Missing required fields: address and captchaToken are required")
	ErrInvalidAddress    = errors.New("Invalid Ethereum address format")
	ErrInvalidTxHash     = errors.New("Invalid transaction hash format")
	ErrRequestInProgress = errors.New("A request for this address is already in progress")
	ErrLedgerUnavailable = errors.New("Service temporarily unavailable")
	ErrInternal          = errors.New("Internal server error")
)

// RateLimitError is returned while the address is inside its throttling window.
type RateLimitError struct {
	SecondsRemaining int64
	TimeString       string
	NextAllowed      time.Time
	WindowHours      int
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("Rate limit exceeded. You can only request once every %d hours.", e.WindowHours)
}

// VerificationFailedError wraps a rejected or failed human-verification check.
// No ledger record exists for these requests.
type VerificationFailedError struct {
	Err error
}

func (e *VerificationFailedError) Error() string {
	var verr *verification.Error
	if errors.As(e.Err, &verr) {
		return verr.Error()
	}
	return "reCAPTCHA verification error"
}

func (e *VerificationFailedError) Unwrap() error { return e.Err }

// SubmissionError is a chain failure after the pending record was written.
// Message is what the ledger recorded.
type SubmissionError struct {
	Message string
	Kind    chain.Kind
	TxHash  string
	Err     error
}

func (e *SubmissionError) Error() string { return e.Message }

func (e *SubmissionError) Unwrap() error { return e.Err }
