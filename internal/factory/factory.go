package factory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"faucet-service/internal/chain"
	"faucet-service/internal/client"
	"faucet-service/internal/config"
	"faucet-service/internal/encryption"
	"faucet-service/internal/handler"
	"faucet-service/internal/repository"
	"faucet-service/internal/repository/postgres"
	redisrepo "faucet-service/internal/repository/redis"
	"faucet-service/internal/repository/sqlite"
	"faucet-service/internal/service"
	"faucet-service/internal/tls"
	"faucet-service/internal/util"
	"faucet-service/internal/verification"
)

const sweepInterval = time.Minute

// Factory manages the lifecycle of all application dependencies
type Factory struct {
	config     *config.Config
	tlsManager *tls.TLSManager

	// Clients
	redisClient   *client.RedisClient
	kafkaProducer *client.KafkaProducer
	chainClient   *chain.Client
	verifier      *verification.Client

	// Repositories
	ledger         repository.LedgerRepository
	rateLimitCache *redisrepo.RateLimitCache

	keyManager     *encryption.KeyManager
	localLimiter   *handler.LocalIPLimiter
	serviceFactory *service.ServiceFactory

	stopBackground context.CancelFunc
	closeOnce      sync.Once
}

// NewFactory creates and initializes all application dependencies
func NewFactory() (*Factory, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, err
	}

	util.Init(cfg.Environment, cfg.Logging.Level, cfg.Logging.Format)

	factory := &Factory{config: cfg}

	if cfg.Server.EnableTLS {
		manager, err := tls.NewTLSManager(tls.ConfigFromServer(cfg.Server), util.Named("tls"))
		if err != nil {
			return nil, fmt.Errorf("failed to initialize tls: %w", err)
		}
		factory.tlsManager = manager
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := factory.initializeClients(ctx); err != nil {
		factory.Close()
		return nil, fmt.Errorf("failed to initialize clients: %w", err)
	}

	factory.initializeServices()

	util.Info("Factory initialized successfully",
		util.String("environment", cfg.Environment),
		util.Bool("tls_enabled", cfg.Server.EnableTLS),
		util.Bool("kms_enabled", cfg.KMS.Enabled),
		util.Bool("postgres_ledger", cfg.UsesPostgres()),
		util.Bool("redis_enabled", factory.redisClient != nil),
		util.Bool("kafka_enabled", factory.kafkaProducer != nil),
	)

	return factory, nil
}

// initializeClients connects the ledger, optional Redis and Kafka, the
// signing key and the chain. Ledger, key and chain failures are fatal.
func (f *Factory) initializeClients(ctx context.Context) error {
	if err := f.initializeLedger(ctx); err != nil {
		return fmt.Errorf("ledger: %w", err)
	}

	var optionalErrors []error

	if f.config.Redis.URL != "" {
		if redisClient, err := client.NewRedisClient(f.config, util.Named("redis")); err != nil {
			optionalErrors = append(optionalErrors, fmt.Errorf("redis: %w", err))
		} else {
			f.redisClient = redisClient
			f.rateLimitCache = redisrepo.NewRateLimitCache(redisClient, util.Named("rate_limit_cache"))
		}
	}

	if len(f.config.Kafka.Brokers) > 0 {
		if producer, err := client.NewKafkaProducer(f.config, util.Named("kafka")); err != nil {
			optionalErrors = append(optionalErrors, fmt.Errorf("kafka: %w", err))
		} else {
			f.kafkaProducer = producer
		}
	}

	if len(optionalErrors) > 0 {
		if f.config.IsProduction() {
			return fmt.Errorf("critical service initialization failed: %w", errors.Join(optionalErrors...))
		}
		for _, err := range optionalErrors {
			util.Warn("Service initialization warning", util.ErrorField(err))
		}
	}

	signingKey, err := f.resolveSigningKey(ctx)
	if err != nil {
		return fmt.Errorf("signing key: %w", err)
	}

	opts := []chain.Option{chain.WithPollInterval(f.config.Chain.ReceiptPollInterval)}
	if fallback, err := chain.ParseGwei(f.config.Chain.FallbackGasPriceGwei); err == nil {
		opts = append(opts, chain.WithFallbackGasPrice(fallback))
	} else {
		util.Warn("Ignoring invalid FALLBACK_GAS_PRICE_GWEI", util.String("value", f.config.Chain.FallbackGasPriceGwei))
	}

	chainClient, err := chain.Dial(ctx, f.config.Chain.RPCURL, signingKey, util.Named("chain"), opts...)
	if err != nil {
		return fmt.Errorf("chain: %w", err)
	}
	f.chainClient = chainClient

	f.verifier = verification.NewClient(f.config.Recaptcha.SecretKey, util.Named("recaptcha"),
		verification.WithVerifyURL(f.config.Recaptcha.VerifyURL),
		verification.WithTimeout(f.config.Recaptcha.Timeout))

	return nil
}

func (f *Factory) initializeLedger(ctx context.Context) error {
	if f.config.UsesPostgres() {
		pool, err := postgres.NewPool(ctx, f.config.Database.URL, f.config.Database.MaxConns)
		if err != nil {
			return err
		}
		repo, err := postgres.NewLedgerRepository(ctx, pool, util.Named("ledger"))
		if err != nil {
			pool.Close()
			return err
		}
		f.ledger = repo
		return nil
	}

	repo, err := sqlite.Open(f.config.Database.Path, util.Named("ledger"))
	if err != nil {
		return err
	}
	f.ledger = repo
	return nil
}

func (f *Factory) resolveSigningKey(ctx context.Context) (string, error) {
	var decrypter encryption.Decrypter
	if f.config.KMS.Enabled {
		kmsClient, err := encryption.NewKMSClient(ctx, f.config.KMS.Region)
		if err != nil {
			return "", err
		}
		decrypter = kmsClient
	}
	f.keyManager = encryption.NewKeyManager(f.config, decrypter, util.Named("encryption"))
	return f.keyManager.SigningKey(ctx)
}

// initializeServices wires the coordinator and the per-IP limiter.
func (f *Factory) initializeServices() {
	var locker service.AddressLocker = service.NewLocalAddressLocker()
	if f.rateLimitCache != nil {
		locker = f.rateLimitCache
	}

	var publisher service.EventPublisher = service.NoopPublisher{}
	if f.kafkaProducer != nil {
		publisher = service.NewKafkaEventPublisher(f.kafkaProducer)
	}

	f.serviceFactory = service.NewServiceFactory(
		f.ledger,
		f.verifier,
		f.chainClient,
		locker,
		publisher,
		service.DisbursementConfig{
			Amount:        f.config.Faucet.Amount,
			WindowHours:   f.config.Faucet.WindowHours,
			SubmitTimeout: f.config.Chain.SubmitTimeout,
			LeaseTTL:      f.config.Faucet.LeaseTTL,
		},
		util.Named("disbursement"),
		service.WithDependencyCheck(f.HealthCheck),
	)

	if f.rateLimitCache == nil {
		f.localLimiter = handler.NewLocalIPLimiter(f.config.IPRateLimit.Requests, f.config.IPRateLimit.Window)
		bgCtx, cancel := context.WithCancel(context.Background())
		f.stopBackground = cancel
		go f.localLimiter.RunSweeper(bgCtx, sweepInterval)
	}
}

// ==============================
// Accessors
// ==============================

func (f *Factory) Config() *config.Config {
	return f.config
}

func (f *Factory) TLSManager() *tls.TLSManager {
	return f.tlsManager
}

func (f *Factory) ServiceFactory() *service.ServiceFactory {
	return f.serviceFactory
}

// IPRateLimiter is Redis-backed when Redis is available, in-process otherwise.
func (f *Factory) IPRateLimiter() handler.IPRateLimiter {
	if f.rateLimitCache != nil {
		return handler.NewSharedIPLimiter(f.rateLimitCache, f.config.IPRateLimit.Requests, f.config.IPRateLimit.Window)
	}
	return f.localLimiter
}

// ==============================
// Health Checks
// ==============================

// HealthCheck checks the optional infrastructure that the disbursement
// service does not check itself. Healthy dependencies map to nil.
func (f *Factory) HealthCheck(ctx context.Context) map[string]error {
	results := make(map[string]error)

	if f.redisClient != nil {
		results["redis"] = f.redisClient.HealthCheck(ctx)
	}
	if f.kafkaProducer != nil {
		results["kafka"] = f.kafkaProducer.HealthCheck(ctx)
	}

	return results
}

func (f *Factory) Close() error {
	f.closeOnce.Do(func() {
		util.Info("Shutting down factory...")

		if f.stopBackground != nil {
			f.stopBackground()
		}

		if f.kafkaProducer != nil {
			if err := f.kafkaProducer.Close(); err != nil {
				util.Error("Failed to close Kafka producer", util.ErrorField(err))
			}
		}

		if f.chainClient != nil {
			f.chainClient.Close()
			util.Info("Chain client closed")
		}

		if f.redisClient != nil {
			if err := f.redisClient.Close(); err != nil {
				util.Error("Failed to close Redis client", util.ErrorField(err))
			} else {
				util.Info("Redis client closed")
			}
		}

		if f.ledger != nil {
			if err := f.ledger.Close(); err != nil {
				util.Error("Failed to close ledger", util.ErrorField(err))
			} else {
				util.Info("Ledger closed")
			}
		}

		util.Sync()
		util.Info("Factory shutdown completed")
	})

	return nil
}
