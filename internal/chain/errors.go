package chain

import (
	"context"
	"errors"
	"strings"
)

type Kind string

const (
	KindInvalidRecipient    Kind = "invalid_recipient"
	KindInvalidAmount       Kind = "invalid_amount"
	KindInsufficientFunds   Kind = "insufficient_funds"
	KindGasEstimationFailed Kind = "gas_estimation_failed"
	KindUnderpriced         Kind = "underpriced"
	KindTimeout             Kind = "timeout"
	KindReverted            Kind = "reverted"
	KindGeneric             Kind = "generic"
)

const maxDetailLen = 200

// SubmitError classifies a failed Submit. Error() is the user-facing message.
type SubmitError struct {
	Kind   Kind
	Detail string
	// TxHash is set once the transaction was broadcast, so a timed out or
	// reverted transfer can still be traced on-chain.
	TxHash string
	Err    error
}

func (e *SubmitError) Error() string {
	switch e.Kind {
	case KindInvalidRecipient:
		return "Invalid recipient address"
	case KindInvalidAmount:
		return "Invalid amount"
	case KindInsufficientFunds:
		return "Insufficient funds in faucet wallet"
	case KindGasEstimationFailed:
		return "Transaction failed: unable to estimate gas"
	case KindUnderpriced:
		return "Transaction failed: replacement transaction underpriced"
	case KindTimeout:
		if e.TxHash != "" {
			return "Transaction failed: confirmation timed out (tx " + e.TxHash + ")"
		}
		return "Transaction failed: timed out"
	case KindReverted:
		return "Transaction failed: reverted on-chain (tx " + e.TxHash + ")"
	default:
		return "Transaction failed: " + e.Detail
	}
}

func (e *SubmitError) Unwrap() error { return e.Err }

// classifyError maps a provider error to the submit taxonomy. fallback is used
// when the message carries no recognizable cause.
func classifyError(ctx context.Context, err error, fallback Kind) *SubmitError {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &SubmitError{Kind: KindTimeout, Err: err}
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "insufficient funds"):
		return &SubmitError{Kind: KindInsufficientFunds, Err: err}
	case strings.Contains(msg, "underpriced"):
		return &SubmitError{Kind: KindUnderpriced, Err: err}
	case strings.Contains(msg, "execution reverted"), strings.Contains(msg, "gas required exceeds"):
		return &SubmitError{Kind: KindGasEstimationFailed, Err: err}
	}

	if fallback == KindGeneric {
		return &SubmitError{Kind: KindGeneric, Detail: truncate(err.Error()), Err: err}
	}
	return &SubmitError{Kind: fallback, Err: err}
}

func truncate(s string) string {
	s = strings.TrimSpace(strings.ReplaceAll(s, "\n", " "))
	if len(s) > maxDetailLen {
		return s[:maxDetailLen] + "..."
	}
	return s
}
