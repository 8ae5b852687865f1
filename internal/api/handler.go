package api

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/campuseats/ordering/internal/domain"
	"github.com/campuseats/ordering/internal/service"
	"github.com/campuseats/ordering/internal/store"
	"github.com/campuseats/ordering/internal/telephony"
	"go.uber.org/zap"
)

const maxBodyBytes = 1 << 20

type Services struct {
	Orders      *service.OrderService
	Calls       *service.CallService
	Accounts    *service.AccountService
	Restaurants *service.RestaurantService
	POS         *service.POSSyncService
}

type Handler struct {
	svc           Services
	store         store.Store
	logger        *zap.Logger
	webhookSecret string
}

func NewHandler(svc Services, s store.Store, logger *zap.Logger, webhookSecret string) *Handler {
	return &Handler{svc: svc, store: s, logger: logger, webhookSecret: webhookSecret}
}

func (h *Handler) HealthCheckHandler(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Ping(r.Context()); err != nil {
		h.logger.Warn("health check failed", zap.Error(err))
		respondWithJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// readBody returns the raw body and its hex SHA-256, restoring r.Body for
// later readers.
func readBody(r *http.Request) ([]byte, string, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return nil, "", err
	}
	r.Body = io.NopCloser(bytes.NewBuffer(body))
	hash := sha256.Sum256(body)
	return body, hex.EncodeToString(hash[:]), nil
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("malformed JSON body: %w", domain.ErrInvalidRequest)
	}
	return nil
}

// statusFor maps service errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, service.ErrIdempotencyMismatch):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrInvalidAmount), errors.Is(err, domain.ErrInsufficientBalance):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrInvalidRequest), errors.Is(err, domain.ErrUnsupportedPOS):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, domain.ErrRetryLimitExceeded):
		return http.StatusTooManyRequests
	case errors.Is(err, domain.ErrCallingDisabled), errors.Is(err, domain.ErrNoPhoneNumber):
		return http.StatusPreconditionFailed
	case errors.Is(err, domain.ErrPaymentDeclined):
		return http.StatusPaymentRequired
	case errors.Is(err, domain.ErrExternalServiceUnavailable):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (h *Handler) respondWithServiceError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		h.logger.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
		respondWithError(w, code, "Internal Server Error")
		return
	}
	respondWithError(w, code, err.Error())
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, map[string]string{"error": message})
}

func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}

func respondWithXML(w http.ResponseWriter, code int, doc telephony.Response) {
	body, err := telephony.Render(doc)
	if err != nil {
		http.Error(w, "render failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(code)
	w.Write(body)
}
