package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"faucet-service/internal/util"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type RouterConfig struct {
	FrontendURL  string
	RequireHTTPS bool
	// TrustProxyHeaders rewrites RemoteAddr from X-Forwarded-For / X-Real-IP.
	// Off by default: those headers are client-controlled unless a proxy sets them.
	TrustProxyHeaders bool
	// RequestTimeout must exceed the chain submit timeout.
	RequestTimeout time.Duration
}

// NewRouter mounts the faucet routes behind the middleware stack. The per-IP
// limiter runs last and keys on RemoteAddr.
func NewRouter(faucetHandler *FaucetHandler, ipLimiter IPRateLimiter, cfg RouterConfig, logger *zap.Logger) chi.Router {
	router := chi.NewRouter()

	if cfg.RequireHTTPS {
		router.Use(requireHTTPS)
	}

	router.Use(middleware.RequestID)
	if cfg.TrustProxyHeaders {
		router.Use(middleware.RealIP)
	}
	router.Use(LoggerMiddleware(logger))
	router.Use(middleware.Recoverer)
	if cfg.RequestTimeout > 0 {
		router.Use(middleware.Timeout(cfg.RequestTimeout))
	}

	router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{cfg.FrontendURL},
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"Retry-After", "X-Request-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	if ipLimiter != nil {
		router.Use(IPRateLimitMiddleware(ipLimiter, logger))
	}

	faucetHandler.RegisterRoutes(router)

	router.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeStatusError(w, http.StatusNotFound, "Endpoint not found")
	})
	router.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeStatusError(w, http.StatusMethodNotAllowed, "Method not allowed")
	})

	return router
}

// requireHTTPS answers plaintext requests with 426.
func requireHTTPS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.TLS == nil {
			writeStatusError(w, http.StatusUpgradeRequired, "https required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// writeStatusError writes the {"success":false,"error":...} envelope used by
// every non-handler response.
func writeStatusError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorBody{Success: false, Error: message})
}

// LoggerMiddleware writes one access log line per request. 5xx responses are
// logged at error level, 4xx at warn, health checks at debug.
func LoggerMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			defer func() {
				status := ww.Status()
				if status == 0 {
					status = http.StatusOK
				}
				if ce := logger.Check(accessLogLevel(r.URL.Path, status), "HTTP request"); ce != nil {
					ce.Write(
						util.String("request_id", middleware.GetReqID(r.Context())),
						util.String("method", r.Method),
						util.String("path", r.URL.Path),
						util.String("remote_ip", util.ClientIP(r.RemoteAddr)),
						util.Int("status", status),
						util.Int("bytes", ww.BytesWritten()),
						util.Duration("duration", time.Since(start)),
						util.String("user_agent", r.UserAgent()),
					)
				}
			}()
			next.ServeHTTP(ww, r)
		})
	}
}

func accessLogLevel(path string, status int) zapcore.Level {
	switch {
	case status >= http.StatusInternalServerError:
		return zapcore.ErrorLevel
	case status >= http.StatusBadRequest:
		return zapcore.WarnLevel
	case path == "/health":
		return zapcore.DebugLevel
	default:
		return zapcore.InfoLevel
	}
}
