package service

import (
	"go.uber.org/zap"

	"faucet-service/internal/repository"
)

// ServiceFactory creates and manages service instances
type ServiceFactory struct {
	ledger              repository.LedgerRepository
	verifier            Verifier
	chain               ChainClient
	locker              AddressLocker
	publisher           EventPublisher
	config              DisbursementConfig
	logger              *zap.Logger
	options             []Option
	disbursementService *DisbursementService
}

// NewServiceFactory creates a new service factory
func NewServiceFactory(
	ledger repository.LedgerRepository,
	verifier Verifier,
	chainClient ChainClient,
	locker AddressLocker,
	publisher EventPublisher,
	cfg DisbursementConfig,
	logger *zap.Logger,
	opts ...Option,
) *ServiceFactory {
	return &ServiceFactory{
		ledger:    ledger,
		verifier:  verifier,
		chain:     chainClient,
		locker:    locker,
		publisher: publisher,
		config:    cfg,
		logger:    logger,
		options:   opts,
	}
}

// DisbursementService returns the disbursement service instance (singleton)
func (f *ServiceFactory) DisbursementService() *DisbursementService {
	if f.disbursementService == nil {
		f.disbursementService = NewDisbursementService(
			f.ledger,
			f.verifier,
			f.chain,
			f.locker,
			f.publisher,
			f.config,
			f.logger,
			f.options...,
		)
	}
	return f.disbursementService
}
