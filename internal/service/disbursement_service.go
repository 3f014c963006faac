package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"faucet-service/internal/chain"
	"faucet-service/internal/models"
	"faucet-service/internal/repository"
	"faucet-service/internal/util"
	"faucet-service/internal/verification"
)

const eventPublishTimeout = 5 * time.Second

type Verifier interface {
	Verify(ctx context.Context, token, remoteIP string) (*verification.Result, error)
}

type ChainClient interface {
	IsValidAddress(address string) bool
	Submit(ctx context.Context, to, amount string) (*chain.Receipt, error)
	GetTransactionStatus(ctx context.Context, txHash string) (*chain.TxStatus, error)
	GetNetworkInfo(ctx context.Context) (*chain.NetworkInfo, error)
}

type DisbursementConfig struct {
	Amount        string
	WindowHours   int
	SubmitTimeout time.Duration
	LeaseTTL      time.Duration
}

type DisbursementRequest struct {
	Address           string
	VerificationToken string
	RemoteIP          string
}

type DisbursementResult struct {
	TxHash      string
	Amount      string
	BlockNumber uint64
	Message     string
}

// DependencyCheck reports on optional infrastructure (Redis, Kafka) by name.
// A nil error means the dependency is reachable.
type DependencyCheck func(ctx context.Context) map[string]error

const (
	DependencyOK          = "ok"
	DependencyUnavailable = "unavailable"
)

type HealthReport struct {
	Network      *chain.NetworkInfo
	Stats        *models.LedgerStats
	Dependencies map[string]string
}

// Degraded reports whether any optional dependency is unreachable.
func (r *HealthReport) Degraded() bool {
	for _, state := range r.Dependencies {
		if state != DependencyOK {
			return true
		}
	}
	return false
}

// DisbursementService runs the faucet pipeline: throttle, verify, record,
// submit, reconcile.
type DisbursementService struct {
	ledger    repository.LedgerRepository
	verifier  Verifier
	chain     ChainClient
	locker    AddressLocker
	publisher EventPublisher
	config    DisbursementConfig
	logger    *zap.Logger
	now       func() time.Time
	depCheck  DependencyCheck
}

type Option func(*DisbursementService)

// WithDependencyCheck adds optional infrastructure to the health report.
func WithDependencyCheck(check DependencyCheck) Option {
	return func(s *DisbursementService) { s.depCheck = check }
}

func NewDisbursementService(
	ledger repository.LedgerRepository,
	verifier Verifier,
	chainClient ChainClient,
	locker AddressLocker,
	publisher EventPublisher,
	cfg DisbursementConfig,
	logger *zap.Logger,
	opts ...Option,
) *DisbursementService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if locker == nil {
		locker = NewLocalAddressLocker()
	}
	if publisher == nil {
		publisher = NoopPublisher{}
	}
	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = 2 * time.Minute
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = cfg.SubmitTimeout + 30*time.Second
	}
	s := &DisbursementService{
		ledger:    ledger,
		verifier:  verifier,
		chain:     chainClient,
		locker:    locker,
		publisher: publisher,
		config:    cfg,
		logger:    logger,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RequestDisbursement handles one faucet request end to end. Failures before
// the pending record is written leave the ledger untouched; failures after it
// are recorded as failed and still count against the window.
func (s *DisbursementService) RequestDisbursement(ctx context.Context, req DisbursementRequest) (result *DisbursementResult, err error) {
	address := util.TrimInput(req.Address)
	// recorded is set once a pending row exists; settled once it has left pending.
	var recorded, settled bool
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Panic while processing disbursement",
				util.Address(address),
				util.Any("panic", r))
			if recorded && !settled {
				s.failAfterPanic(context.WithoutCancel(ctx), address, r)
			}
			result, err = nil, ErrInternal
		}
	}()

	token := util.TrimInput(req.VerificationToken)
	if address == "" || token == "" {
		return nil, ErrMissingFields
	}
	if !s.chain.IsValidAddress(address) {
		return nil, ErrInvalidAddress
	}

	release, err := s.locker.AcquireAddressLease(ctx, address, s.config.LeaseTTL)
	if err != nil {
		if errors.Is(err, repository.ErrLeaseHeld) {
			return nil, ErrRequestInProgress
		}
		s.logger.Error("Failed to acquire address lease", util.Address(address), util.ErrorField(err))
		return nil, ErrInternal
	}
	defer release()

	if err := s.checkWindow(ctx, address); err != nil {
		return nil, err
	}

	res, err := s.verifier.Verify(ctx, token, req.RemoteIP)
	if err != nil {
		s.logger.Info("Verification rejected",
			util.Address(address),
			util.String("remote_ip", req.RemoteIP),
			util.ErrorField(err))
		return nil, &VerificationFailedError{Err: err}
	}
	if res == nil || !res.Success {
		return nil, &VerificationFailedError{Err: &verification.Error{Kind: verification.KindInvalidToken, Detail: "Unknown error"}}
	}

	recordID, err := s.ledger.RecordAttempt(ctx, address, s.config.Amount)
	if err != nil {
		s.logger.Error("Failed to record attempt", util.Address(address), util.ErrorField(err))
		return nil, ErrLedgerUnavailable
	}
	recorded = true
	s.logger.Info("Disbursement recorded",
		util.Int64("record_id", recordID),
		util.Address(address),
		util.String("amount", s.config.Amount))

	// From here on the outcome must reach the ledger even if the caller goes away.
	workCtx := context.WithoutCancel(ctx)
	submitCtx, cancel := context.WithTimeout(workCtx, s.config.SubmitTimeout)
	defer cancel()

	receipt, err := s.chain.Submit(submitCtx, address, s.config.Amount)
	if err != nil {
		failure := s.recordFailure(workCtx, address, err)
		settled = true
		return nil, failure
	}

	rows, err := s.ledger.MarkCompleted(workCtx, address, receipt.TxHash)
	settled = true
	switch {
	case err != nil:
		s.logger.Error("Failed to mark disbursement completed",
			util.Address(address),
			util.TxHash(receipt.TxHash),
			util.ErrorField(err))
	case rows == 0:
		s.logInconsistency(workCtx, "Ledger inconsistency: no pending record to complete", address, receipt.TxHash)
	}

	event := newEvent(EventDisbursementCompleted, address, s.config.Amount, s.now())
	event.TxHash = receipt.TxHash
	event.BlockNumber = receipt.BlockNumber
	s.publish(workCtx, event)

	s.logger.Info("Disbursement completed",
		util.Address(address),
		util.TxHash(receipt.TxHash),
		util.Uint64("block_number", receipt.BlockNumber))

	return &DisbursementResult{
		TxHash:      receipt.TxHash,
		Amount:      s.config.Amount,
		BlockNumber: receipt.BlockNumber,
		Message:     fmt.Sprintf("Successfully sent %s ETH to %s", s.config.Amount, address),
	}, nil
}

func (s *DisbursementService) checkWindow(ctx context.Context, address string) error {
	recent, err := s.ledger.HasRecentEntry(ctx, address, s.config.WindowHours)
	if err != nil {
		s.logger.Error("Failed to check throttling window", util.Address(address), util.ErrorField(err))
		return ErrLedgerUnavailable
	}
	if !recent {
		return nil
	}

	next, err := s.ledger.TimeUntilNextAllowed(ctx, address, s.config.WindowHours)
	if err != nil {
		s.logger.Error("Failed to compute next allowed time", util.Address(address), util.ErrorField(err))
		return ErrLedgerUnavailable
	}
	if next == nil {
		// The entry aged out between the two reads.
		return nil
	}
	return &RateLimitError{
		SecondsRemaining: next.SecondsRemaining,
		TimeString:       util.FormatRemaining(next.SecondsRemaining),
		NextAllowed:      next.NextAllowedAt,
		WindowHours:      s.config.WindowHours,
	}
}

func (s *DisbursementService) recordFailure(ctx context.Context, address string, cause error) error {
	subErr := &SubmissionError{Kind: chain.KindGeneric, Message: "Transaction failed: internal error", Err: cause}
	var chainErr *chain.SubmitError
	if errors.As(cause, &chainErr) {
		subErr.Kind = chainErr.Kind
		subErr.Message = chainErr.Error()
		subErr.TxHash = chainErr.TxHash
	}

	s.logger.Warn("Disbursement failed",
		util.Address(address),
		util.String("kind", string(subErr.Kind)),
		util.TxHash(subErr.TxHash),
		util.ErrorField(cause))

	rows, err := s.ledger.MarkFailed(ctx, address, subErr.Message)
	switch {
	case err != nil:
		s.logger.Error("Failed to mark disbursement failed", util.Address(address), util.ErrorField(err))
	case rows == 0:
		s.logInconsistency(ctx, "Ledger inconsistency: no pending record to fail", address, subErr.TxHash)
	}

	event := newEvent(EventDisbursementFailed, address, s.config.Amount, s.now())
	event.TxHash = subErr.TxHash
	event.Error = subErr.Message
	s.publish(ctx, event)

	return subErr
}

// logInconsistency reports a terminal update that matched no pending row,
// along with the state of the newest row for the address.
func (s *DisbursementService) logInconsistency(ctx context.Context, msg, address, txHash string) {
	fields := []zap.Field{util.Address(address), util.TxHash(txHash)}
	latest, err := s.ledger.Latest(ctx, address)
	switch {
	case err != nil:
		fields = append(fields, util.ErrorField(err))
	default:
		fields = append(fields,
			util.Int64("latest_record_id", latest.ID),
			util.String("latest_status", string(latest.Status)))
	}
	s.logger.Warn(msg, fields...)
}

// failAfterPanic moves the pending row to failed when the pipeline panicked
// after recording it. A second panic here is logged and swallowed.
func (s *DisbursementService) failAfterPanic(ctx context.Context, address string, cause interface{}) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Panic while reconciling disbursement",
				util.Address(address),
				util.Any("panic", r))
		}
	}()
	s.recordFailure(ctx, address, fmt.Errorf("panic: %v", cause))
}

func (s *DisbursementService) publish(ctx context.Context, event DisbursementEvent) {
	pctx, cancel := context.WithTimeout(ctx, eventPublishTimeout)
	defer cancel()
	if err := s.publisher.Publish(pctx, event); err != nil {
		s.logger.Warn("Failed to publish disbursement event",
			util.String("event_id", event.EventID),
			util.String("type", event.Type),
			util.ErrorField(err))
	}
}

// TransactionStatus looks up a transaction by hash. It never touches the ledger.
func (s *DisbursementService) TransactionStatus(ctx context.Context, txHash string) (*chain.TxStatus, error) {
	if !chain.IsValidTxHash(txHash) {
		return nil, ErrInvalidTxHash
	}
	status, err := s.chain.GetTransactionStatus(ctx, txHash)
	if err != nil {
		s.logger.Error("Failed to fetch transaction status", util.TxHash(txHash), util.ErrorField(err))
		return nil, ErrInternal
	}
	return status, nil
}

func (s *DisbursementService) Stats(ctx context.Context) (*models.LedgerStats, error) {
	stats, err := s.ledger.Stats(ctx)
	if err != nil {
		s.logger.Error("Failed to load ledger stats", util.ErrorField(err))
		return nil, ErrLedgerUnavailable
	}
	return stats, nil
}

// Health checks the ledger and the chain and returns what the health endpoint
// reports. Ledger or chain failures are errors; optional dependencies only
// mark the report degraded.
func (s *DisbursementService) Health(ctx context.Context) (*HealthReport, error) {
	if err := s.ledger.HealthCheck(ctx); err != nil {
		return nil, fmt.Errorf("ledger: %w", err)
	}
	network, err := s.chain.GetNetworkInfo(ctx)
	if err != nil {
		return nil, fmt.Errorf("chain: %w", err)
	}
	stats, err := s.ledger.Stats(ctx)
	if err != nil {
		return nil, fmt.Errorf("ledger stats: %w", err)
	}
	report := &HealthReport{Network: network, Stats: stats}
	if s.depCheck != nil {
		report.Dependencies = make(map[string]string)
		for name, err := range s.depCheck(ctx) {
			if err != nil {
				s.logger.Warn("Dependency unhealthy", util.String("dependency", name), util.ErrorField(err))
				report.Dependencies[name] = DependencyUnavailable
				continue
			}
			report.Dependencies[name] = DependencyOK
		}
	}
	return report, nil
}
