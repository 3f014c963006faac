package verification

import "fmt"

type Kind string

const (
	KindInvalidToken   Kind = "invalid_token"
	KindServiceError   Kind = "service_error"
	KindTimeout        Kind = "timeout"
	KindTransportError Kind = "transport_error"
)

// Error is a failed verification. Error() is safe to show to end users;
// the wrapped Err is for logs only.
type Error struct {
	Kind   Kind
	Detail string
	Err    error
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindInvalidToken:
		return "reCAPTCHA verification failed: " + e.Detail
	case KindServiceError:
		return "reCAPTCHA API error: " + e.Detail
	case KindTimeout:
		return "reCAPTCHA verification timeout"
	default:
		if e.Detail == "" {
			return "reCAPTCHA verification error"
		}
		return fmt.Sprintf("reCAPTCHA verification error: %s", e.Detail)
	}
}

func (e *Error) Unwrap() error { return e.Err }
