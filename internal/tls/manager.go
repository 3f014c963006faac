package tls

import (
	"crypto/tls"
	"fmt"
	"os"
	"sync"

	"faucet-service/internal/config"
	"faucet-service/internal/util"

	"go.uber.org/zap"
	"golang.org/x/crypto/acme/autocert"
)

// TLSManager picks a certificate per handshake: ACME first, then the
// configured key pair, then a self-signed development certificate.
type TLSManager struct {
	config   *TLSConfig
	autoCert *autocert.Manager
	logger   *zap.Logger

	mu       sync.Mutex
	fileCert *tls.Certificate
	devCert  *tls.Certificate
}

type TLSConfig struct {
	EnableTLS   bool
	AutoCert    bool
	Domain      string
	CertFile    string
	KeyFile     string
	AutoCertDir string
	Email       string
}

// ConfigFromServer copies the TLS-related server settings.
func ConfigFromServer(cfg config.ServerConfig) *TLSConfig {
	return &TLSConfig{
		EnableTLS:   cfg.EnableTLS,
		AutoCert:    cfg.AutoCert,
		Domain:      cfg.Domain,
		CertFile:    cfg.CertFile,
		KeyFile:     cfg.KeyFile,
		AutoCertDir: cfg.AutoCertDir,
		Email:       cfg.Email,
	}
}

func NewTLSManager(config *TLSConfig, logger *zap.Logger) (*TLSManager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	manager := &TLSManager{
		config: config,
		logger: logger,
	}

	if err := os.MkdirAll(config.AutoCertDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create certificate directory: %w", err)
	}

	if config.AutoCert && config.EnableTLS {
		manager.autoCert = &autocert.Manager{
			Prompt:     autocert.AcceptTOS,
			HostPolicy: autocert.HostWhitelist(config.Domain),
			Cache:      autocert.DirCache(config.AutoCertDir),
			Email:      config.Email,
		}
		logger.Info("AutoCert configured",
			util.String("domain", config.Domain),
			util.String("cache_dir", config.AutoCertDir))
	}

	return manager, nil
}

func (m *TLSManager) GetCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	if m.autoCert != nil {
		cert, err := m.autoCert.GetCertificate(hello)
		if err == nil {
			return cert, nil
		}
		m.logger.Warn("AutoCert lookup failed, falling back", util.String("server_name", hello.ServerName), util.ErrorField(err))
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.config.CertFile != "" && m.config.KeyFile != "" {
		if m.fileCert == nil {
			cert, err := tls.LoadX509KeyPair(m.config.CertFile, m.config.KeyFile)
			if err != nil {
				m.logger.Warn("Configured key pair unusable", util.ErrorField(err))
			} else {
				m.fileCert = &cert
			}
		}
		if m.fileCert != nil {
			return m.fileCert, nil
		}
	}

	if m.devCert == nil {
		hosts := []string{m.config.Domain, "localhost", "127.0.0.1", "::1"}
		cert, err := NewDevCertGenerator(m.config.AutoCertDir, m.logger).GenerateCert(hosts)
		if err != nil {
			return nil, fmt.Errorf("failed to generate self-signed certificate: %w", err)
		}
		m.devCert = &cert
	}
	return m.devCert, nil
}

func (m *TLSManager) GetTLSConfig() *tls.Config {
	return &tls.Config{
		GetCertificate: m.GetCertificate,
		NextProtos:     []string{"h2", "http/1.1"},
		MinVersion:     tls.VersionTLS12,
		CurvePreferences: []tls.CurveID{
			tls.X25519,
			tls.CurveP256,
		},
		CipherSuites: []uint16{
			tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305,
			tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305,
			tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
		},
	}
}

func (m *TLSManager) GetAutocertManager() *autocert.Manager {
	return m.autoCert
}
