// Package verification checks that a faucet request was made by a human,
// using Google reCAPTCHA's siteverify endpoint.
package verification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"faucet-service/internal/util"
)

const (
	DefaultVerifyURL = "https://www.google.com/recaptcha/api/siteverify"
	// DefaultTimeout bounds every siteverify call.
	DefaultTimeout = 10 * time.Second

	maxResponseBytes = 64 << 10
)

var reasonMessages = map[string]string{
	"missing-input-secret":   "The secret parameter is missing",
	"invalid-input-secret":   "The secret parameter is invalid or malformed",
	"missing-input-response": "The response parameter is missing",
	"invalid-input-response": "The response parameter is invalid or malformed",
	"bad-request":            "The request is invalid or malformed",
	"timeout-or-duplicate":   "The response is no longer valid: either is too old or has been used previously",
}

// Result is a successful verification. Score and Action are only set by v3 keys.
type Result struct {
	Success bool     `json:"success"`
	Score   *float64 `json:"score,omitempty"`
	Action  string   `json:"action,omitempty"`
}

type siteverifyResponse struct {
	Success    bool     `json:"success"`
	Score      *float64 `json:"score"`
	Action     string   `json:"action"`
	Hostname   string   `json:"hostname"`
	ErrorCodes []string `json:"error-codes"`
}

// Client calls siteverify. It holds no per-request state and is safe for concurrent use.
type Client struct {
	secret     string
	verifyURL  string
	httpClient *http.Client
	timeout    time.Duration
	logger     *zap.Logger
}

type Option func(*Client)

func WithVerifyURL(u string) Option {
	return func(c *Client) { c.verifyURL = u }
}

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithTimeout bounds each Verify call through its context. The HTTP client is
// never modified, so a shared client can be passed to WithHTTPClient.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

func NewClient(secret string, logger *zap.Logger, opts ...Option) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Client{
		secret:     secret,
		verifyURL:  DefaultVerifyURL,
		httpClient: &http.Client{},
		timeout:    DefaultTimeout,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Verify submits token (and the caller's IP when known) to siteverify.
// Every failure is returned as *Error.
func (c *Client) Verify(ctx context.Context, token, remoteIP string) (*Result, error) {
	form := url.Values{
		"secret":   {c.secret},
		"response": {token},
	}
	if remoteIP != "" {
		form.Set("remoteip", remoteIP)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.verifyURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, &Error{Kind: KindTransportError, Detail: "could not build request", Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if isTimeout(ctx, err) {
			return nil, &Error{Kind: KindTimeout, Err: err}
		}
		return nil, &Error{Kind: KindTransportError, Detail: "service unreachable", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &Error{
			Kind:   KindServiceError,
			Detail: fmt.Sprintf("%d %s", resp.StatusCode, http.StatusText(resp.StatusCode)),
		}
	}

	var body siteverifyResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&body); err != nil {
		if isTimeout(ctx, err) {
			return nil, &Error{Kind: KindTimeout, Err: err}
		}
		return nil, &Error{Kind: KindServiceError, Detail: "malformed response", Err: err}
	}

	if !body.Success {
		reason := DescribeReasons(body.ErrorCodes)
		c.logger.Debug("Verification token rejected",
			util.Any("error_codes", body.ErrorCodes))
		return nil, &Error{Kind: KindInvalidToken, Detail: reason}
	}

	return &Result{Success: true, Score: body.Score, Action: body.Action}, nil
}

// DescribeReasons maps siteverify error codes to messages. Unknown codes are kept verbatim.
func DescribeReasons(codes []string) string {
	if len(codes) == 0 {
		return "Unknown error"
	}
	parts := make([]string, 0, len(codes))
	for _, code := range codes {
		if msg, ok := reasonMessages[code]; ok {
			parts = append(parts, msg)
		} else {
			parts = append(parts, code)
		}
	}
	return strings.Join(parts, ", ")
}

func isTimeout(ctx context.Context, err error) bool {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
