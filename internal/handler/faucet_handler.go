package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"faucet-service/internal/chain"
	"faucet-service/internal/models"
	"faucet-service/internal/service"
	"faucet-service/internal/util"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

const maxBodyBytes = 1 << 20

// DisbursementService is the part of service.DisbursementService the handler uses.
type DisbursementService interface {
	RequestDisbursement(ctx context.Context, req service.DisbursementRequest) (*service.DisbursementResult, error)
	TransactionStatus(ctx context.Context, txHash string) (*chain.TxStatus, error)
	Stats(ctx context.Context) (*models.LedgerStats, error)
	Health(ctx context.Context) (*service.HealthReport, error)
}

// FaucetHandler handles HTTP requests for faucet operations
type FaucetHandler struct {
	disbursementService DisbursementService
	logger              *zap.Logger
	now                 func() time.Time
}

// NewFaucetHandler creates a new faucet handler
func NewFaucetHandler(disbursementService DisbursementService, logger *zap.Logger) *FaucetHandler {
	return &FaucetHandler{
		disbursementService: disbursementService,
		logger:              logger,
		now:                 time.Now,
	}
}

type faucetRequest struct {
	Address           string `json:"address"`
	CaptchaToken      string `json:"captchaToken"`
	VerificationToken string `json:"verificationToken"`
}

type errorBody struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

type successBody struct {
	Success     bool   `json:"success"`
	TxHash      string `json:"txHash"`
	Amount      string `json:"amount"`
	BlockNumber uint64 `json:"blockNumber"`
	Message     string `json:"message"`
}

type rateLimitedBody struct {
	Success       bool      `json:"success"`
	Error         string    `json:"error"`
	TimeRemaining int64     `json:"timeRemaining"`
	TimeString    string    `json:"timeString"`
	NextAllowed   time.Time `json:"nextAllowed"`
}

type transactionBody struct {
	Success     bool    `json:"success"`
	TxHash      string  `json:"txHash"`
	Status      string  `json:"status"`
	Message     string  `json:"message"`
	BlockNumber *uint64 `json:"blockNumber,omitempty"`
	GasUsed     string  `json:"gasUsed,omitempty"`
}

type statsBody struct {
	Success bool                `json:"success"`
	Stats   *models.LedgerStats `json:"stats"`
}

type networkBody struct {
	ChainID       uint64 `json:"chainId"`
	Name          string `json:"name"`
	BlockNumber   uint64 `json:"blockNumber"`
	WalletBalance string `json:"walletBalance"`
	WalletAddress string `json:"walletAddress"`
}

type healthBody struct {
	Success      bool                `json:"success"`
	Status       string              `json:"status"`
	Network      networkBody         `json:"network"`
	Stats        *models.LedgerStats `json:"stats"`
	Dependencies map[string]string   `json:"dependencies,omitempty"`
	Timestamp    string              `json:"timestamp"`
}

var statusMessages = map[string]string{
	chain.StatusPending: "Transaction is pending",
	chain.StatusSuccess: "Transaction successful",
	chain.StatusFailed:  "Transaction failed",
}

// RegisterRoutes registers all faucet routes
func (h *FaucetHandler) RegisterRoutes(router chi.Router) {
	router.Get("/health", h.HealthCheck)
	router.Get("/stats", h.GetStats)
	router.Post("/request", h.RequestFunds)
	router.Get("/transaction/{txHash}", h.GetTransaction)
}

// RequestFunds handles a faucet disbursement request
func (h *FaucetHandler) RequestFunds(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()

	var req faucetRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, errors.New("Invalid request body"))
		return
	}
	token := req.CaptchaToken
	if token == "" {
		token = req.VerificationToken
	}

	result, err := h.disbursementService.RequestDisbursement(r.Context(), service.DisbursementRequest{
		Address:           req.Address,
		VerificationToken: token,
		RemoteIP:          util.ClientIP(r.RemoteAddr),
	})
	if err != nil {
		var rl *service.RateLimitError
		if errors.As(err, &rl) {
			h.respondWithJSON(w, http.StatusTooManyRequests, rateLimitedBody{
				Success:       false,
				Error:         rl.Error(),
				TimeRemaining: rl.SecondsRemaining,
				TimeString:    rl.TimeString,
				NextAllowed:   rl.NextAllowed.UTC(),
			})
			return
		}
		h.respondWithError(w, h.getStatusCode(err), err)
		return
	}

	h.respondWithJSON(w, http.StatusOK, successBody{
		Success:     true,
		TxHash:      result.TxHash,
		Amount:      result.Amount,
		BlockNumber: result.BlockNumber,
		Message:     result.Message,
	})
	h.logger.Info("Disbursement served via HTTP",
		util.TxHash(result.TxHash),
		util.Duration("duration", time.Since(startTime)),
	)
}

// GetTransaction reports the on-chain status of a transaction
func (h *FaucetHandler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	txHash := chi.URLParam(r, "txHash")

	status, err := h.disbursementService.TransactionStatus(r.Context(), txHash)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err)
		return
	}

	body := transactionBody{
		Success:     true,
		TxHash:      txHash,
		Status:      status.Status,
		Message:     statusMessages[status.Status],
		BlockNumber: status.BlockNumber,
	}
	if status.GasUsed != nil {
		body.GasUsed = strconv.FormatUint(*status.GasUsed, 10)
	}
	h.respondWithJSON(w, http.StatusOK, body)
}

// GetStats returns ledger totals
func (h *FaucetHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.disbursementService.Stats(r.Context())
	if err != nil {
		h.logger.Error("Failed to get statistics", util.ErrorField(err))
		h.respondWithJSON(w, http.StatusInternalServerError, errorBody{Error: "Failed to get statistics"})
		return
	}
	h.respondWithJSON(w, http.StatusOK, statsBody{Success: true, Stats: stats})
}

// HealthCheck reports network and ledger state. Unreachable optional
// dependencies turn the status to "degraded" without failing the check.
func (h *FaucetHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	report, err := h.disbursementService.Health(r.Context())
	if err != nil {
		h.logger.Error("Health check failed", util.ErrorField(err))
		h.respondWithJSON(w, http.StatusInternalServerError, errorBody{Error: "Health check failed"})
		return
	}

	status := "healthy"
	if report.Degraded() {
		status = "degraded"
	}
	h.respondWithJSON(w, http.StatusOK, healthBody{
		Success: true,
		Status:  status,
		Network: networkBody{
			ChainID:       report.Network.ChainID,
			Name:          report.Network.Name,
			BlockNumber:   report.Network.BlockNumber,
			WalletBalance: report.Network.OperatingBalance,
			WalletAddress: report.Network.OperatingAddress,
		},
		Stats:        report.Stats,
		Dependencies: report.Dependencies,
		Timestamp:    h.now().UTC().Format(time.RFC3339Nano),
	})
}

// Helper Methods

// respondWithJSON sends a JSON response
func (h *FaucetHandler) respondWithJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("Failed to encode JSON response", util.ErrorField(err))
	}
}

// respondWithError sends an error response. Only messages from the service's
// fixed vocabulary are echoed; anything else becomes a generic message.
func (h *FaucetHandler) respondWithError(w http.ResponseWriter, statusCode int, err error) {
	h.logger.Warn("HTTP error response",
		util.ErrorField(err),
		util.Int("status_code", statusCode),
	)
	message := err.Error()
	if statusCode == http.StatusInternalServerError && !isPublicError(err) {
		message = service.ErrInternal.Error()
	}
	h.respondWithJSON(w, statusCode, errorBody{Success: false, Error: message})
}

func isPublicError(err error) bool {
	var se *service.SubmissionError
	return errors.As(err, &se) || errors.Is(err, service.ErrInternal)
}

// getStatusCode determines the appropriate HTTP status code for an error
func (h *FaucetHandler) getStatusCode(err error) int {
	var (
		rl *service.RateLimitError
		vf *service.VerificationFailedError
	)
	switch {
	case errors.Is(err, service.ErrMissingFields),
		errors.Is(err, service.ErrInvalidAddress),
		errors.Is(err, service.ErrInvalidTxHash):
		return http.StatusBadRequest
	case errors.As(err, &rl), errors.Is(err, service.ErrRequestInProgress):
		return http.StatusTooManyRequests
	case errors.As(err, &vf):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrLedgerUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
