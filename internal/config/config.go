package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"faucet-service/internal/chain"
)

var ErrInvalidConfig = errors.New("invalid configuration")

type Config struct {
	Environment string
	Server      ServerConfig
	Logging     LoggingConfig
	Chain       ChainConfig
	Faucet      FaucetConfig
	Recaptcha   RecaptchaConfig
	Database    DatabaseConfig
	Redis       RedisConfig
	Kafka       KafkaConfig
	KMS         KMSConfig
	IPRateLimit IPRateLimitConfig
}

type ServerConfig struct {
	Port        int
	EnableTLS   bool
	TLSPort     int
	AutoCert    bool
	Domain      string
	CertFile    string
	KeyFile     string
	AutoCertDir string
	Email       string
	FrontendURL string
	// TrustProxyHeaders takes the client IP from X-Forwarded-For / X-Real-IP.
	// Only enable it behind a proxy that overwrites those headers.
	TrustProxyHeaders bool
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
}

type LoggingConfig struct {
	Level  string
	Format string
}

// ChainConfig describes the remote network and the operating account.
// Either PrivateKey or KMS.CiphertextB64 must carry the signing key.
type ChainConfig struct {
	RPCURL               string
	PrivateKey           string
	SubmitTimeout        time.Duration
	ReceiptPollInterval  time.Duration
	FallbackGasPriceGwei string
}

type FaucetConfig struct {
	Amount      string
	WindowHours int
	LeaseTTL    time.Duration
}

type RecaptchaConfig struct {
	SecretKey string
	VerifyURL string
	Timeout   time.Duration
}

// DatabaseConfig selects the ledger backend. URL (Postgres) wins over Path (SQLite).
type DatabaseConfig struct {
	URL      string
	Path     string
	MaxConns int32
}

type RedisConfig struct {
	URL      string
	Password string
	DB       int
	PoolSize int
}

type KafkaConfig struct {
	Brokers []string
	Topic   string
}

type KMSConfig struct {
	Enabled       bool
	Region        string
	KeyID         string
	CiphertextB64 string
}

type IPRateLimitConfig struct {
	Requests int
	Window   time.Duration
}

// LoadConfig reads .env (when present) and the process environment.
func LoadConfig() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		Server: ServerConfig{
			Port:              getEnvInt("PORT", 3001),
			EnableTLS:         getEnvBool("ENABLE_TLS", false),
			TLSPort:           getEnvInt("TLS_PORT", 8443),
			AutoCert:          getEnvBool("AUTO_CERT", false),
			Domain:            getEnv("DOMAIN", "localhost"),
			CertFile:          getEnv("CERT_FILE", ""),
			KeyFile:           getEnv("KEY_FILE", ""),
			AutoCertDir:       getEnv("AUTO_CERT_DIR", "./certs"),
			Email:             getEnv("ACME_EMAIL", ""),
			FrontendURL:       getEnv("FRONTEND_URL", "http://localhost:3000"),
			TrustProxyHeaders: getEnvBool("TRUST_PROXY_HEADERS", false),
			ReadTimeout:       getEnvDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:      getEnvDuration("SERVER_WRITE_TIMEOUT", 3*time.Minute),
			IdleTimeout:       getEnvDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "console"),
		},
		Chain: ChainConfig{
			RPCURL:               getEnv("RPC_URL", ""),
			PrivateKey:           getEnv("PRIVATE_KEY", ""),
			SubmitTimeout:        getEnvDuration("SUBMIT_TIMEOUT", 2*time.Minute),
			ReceiptPollInterval:  getEnvDuration("RECEIPT_POLL_INTERVAL", 2*time.Second),
			FallbackGasPriceGwei: getEnv("FALLBACK_GAS_PRICE_GWEI", "1.5"),
		},
		Faucet: FaucetConfig{
			Amount:      getEnv("FAUCET_AMOUNT", "0.001"),
			WindowHours: getEnvInt("RATE_LIMIT_HOURS", 24),
		},
		Recaptcha: RecaptchaConfig{
			SecretKey: getEnv("RECAPTCHA_SECRET_KEY", ""),
			VerifyURL: getEnv("RECAPTCHA_VERIFY_URL", "https://www.google.com/recaptcha/api/siteverify"),
			Timeout:   10 * time.Second,
		},
		Database: DatabaseConfig{
			URL:      getEnv("DATABASE_URL", ""),
			Path:     getEnv("DB_PATH", ""),
			MaxConns: int32(getEnvInt("DATABASE_MAX_CONNS", 10)),
		},
		Redis: RedisConfig{
			URL:      getEnv("REDIS_URL", ""),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
			PoolSize: getEnvInt("REDIS_POOL_SIZE", 20),
		},
		Kafka: KafkaConfig{
			Brokers: getEnvList("KAFKA_BROKERS"),
			Topic:   getEnv("KAFKA_TOPIC", "faucet.disbursements"),
		},
		KMS: KMSConfig{
			Region:        getEnv("AWS_REGION", ""),
			KeyID:         getEnv("KMS_KEY_ID", ""),
			CiphertextB64: getEnv("SIGNING_KEY_KMS_CIPHERTEXT", ""),
		},
		IPRateLimit: IPRateLimitConfig{
			Requests: getEnvInt("IP_RATE_LIMIT_REQUESTS", 100),
			Window:   getEnvDuration("IP_RATE_LIMIT_WINDOW", 15*time.Minute),
		},
	}
	cfg.KMS.Enabled = cfg.KMS.CiphertextB64 != ""
	// The lease must outlive the slowest submission, otherwise a second request
	// for the same address could slip in while the first is still confirming.
	cfg.Faucet.LeaseTTL = getEnvDuration("ADDRESS_LEASE_TTL", cfg.Chain.SubmitTimeout+30*time.Second)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports every missing or malformed setting at once.
func (c *Config) Validate() error {
	var problems []string

	if c.Chain.RPCURL == "" {
		problems = append(problems, "RPC_URL is required")
	}
	if c.Chain.PrivateKey == "" && !c.KMS.Enabled {
		problems = append(problems, "PRIVATE_KEY or SIGNING_KEY_KMS_CIPHERTEXT is required")
	}
	if c.Recaptcha.SecretKey == "" {
		problems = append(problems, "RECAPTCHA_SECRET_KEY is required")
	}
	if c.Database.URL == "" && c.Database.Path == "" {
		problems = append(problems, "DATABASE_URL or DB_PATH is required")
	}
	if c.Faucet.WindowHours <= 0 {
		problems = append(problems, "RATE_LIMIT_HOURS must be positive")
	}
	if _, err := chain.ParseEther(c.Faucet.Amount); err != nil {
		problems = append(problems, fmt.Sprintf("FAUCET_AMOUNT %q must be a positive ether amount with at most 18 decimals", c.Faucet.Amount))
	}
	if c.Chain.SubmitTimeout <= 0 {
		problems = append(problems, "SUBMIT_TIMEOUT must be positive")
	}
	if c.IPRateLimit.Requests <= 0 || c.IPRateLimit.Window <= 0 {
		problems = append(problems, "IP_RATE_LIMIT_REQUESTS and IP_RATE_LIMIT_WINDOW must be positive")
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

func (c *Config) GetServerAddress() string {
	return fmt.Sprintf(":%d", c.Server.Port)
}

// UsesPostgres reports whether the ledger lives in Postgres rather than SQLite.
func (c *Config) UsesPostgres() bool {
	return c.Database.URL != ""
}

func getEnv(key, defaultValue string) string {
	if value, ok := os.LookupEnv(key); ok && strings.TrimSpace(value) != "" {
		return strings.TrimSpace(value)
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	raw := getEnv(key, "")
	if raw == "" {
		return defaultValue
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return defaultValue
	}
	return v
}

func getEnvBool(key string, defaultValue bool) bool {
	raw := getEnv(key, "")
	if raw == "" {
		return defaultValue
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return defaultValue
	}
	return v
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	raw := getEnv(key, "")
	if raw == "" {
		return defaultValue
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return defaultValue
	}
	return v
}

func getEnvList(key string) []string {
	raw := getEnv(key, "")
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
