// Package api exposes the gateway over HTTP.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/felipepmaragno/token-gateway/internal/auth"
	"github.com/felipepmaragno/token-gateway/internal/circuitbreaker"
	"github.com/felipepmaragno/token-gateway/internal/domain"
	"github.com/felipepmaragno/token-gateway/internal/metrics"
	"github.com/felipepmaragno/token-gateway/internal/repository"
	"github.com/felipepmaragno/token-gateway/internal/telemetry"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// maxBodyBytes bounds every JSON request body.
const maxBodyBytes = 1 << 20

// ChatService is satisfied by *gateway.Controller.
type ChatService interface {
	ChatCompletion(ctx context.Context, user *domain.User, req domain.ChatRequest) (*domain.ChatResponse, error)
	ListModels(ctx context.Context) ([]domain.Model, error)
	GetModel(ctx context.Context, id string) (*domain.Model, error)
}

type HandlerConfig struct {
	Auth     *auth.Service
	Balances repository.BalanceStore
	Chat     ChatService
	// Breaker is reported by /health when set.
	Breaker  *circuitbreaker.Breaker
	Checkers []HealthChecker
	// CheckTimeout bounds /health/ready. Defaults to 5s.
	CheckTimeout time.Duration
	Version      string
}

type Handler struct {
	auth         *auth.Service
	balances     repository.BalanceStore
	chat         ChatService
	breaker      *circuitbreaker.Breaker
	checkers     []HealthChecker
	checkTimeout time.Duration
	version      string
	mux          *http.ServeMux
}

func NewHandler(cfg HandlerConfig) *Handler {
	checkTimeout := cfg.CheckTimeout
	if checkTimeout == 0 {
		checkTimeout = 5 * time.Second
	}

	h := &Handler{
		auth:         cfg.Auth,
		balances:     cfg.Balances,
		chat:         cfg.Chat,
		breaker:      cfg.Breaker,
		checkers:     cfg.Checkers,
		checkTimeout: checkTimeout,
		version:      cfg.Version,
		mux:          http.NewServeMux(),
	}

	mw := auth.NewMiddleware(cfg.Auth, writeDomainError)
	user := func(fn http.HandlerFunc) http.Handler { return mw.RequireUser(fn) }
	superuser := func(fn http.HandlerFunc) http.Handler { return mw.RequireSuperuser(fn) }

	h.mux.HandleFunc("POST /v1/users", h.handleRegister)
	h.mux.HandleFunc("POST /v1/users/token", h.handleToken)
	h.mux.Handle("GET /v1/users/me", user(h.handleMe))

	h.mux.Handle("POST /v1/chat/completions", user(h.handleChatCompletions))
	h.mux.Handle("GET /v1/models", user(h.handleListModels))
	h.mux.Handle("GET /v1/models/{model}", user(h.handleGetModel))

	h.mux.Handle("GET /v1/balance", user(h.handleOwnBalance))
	h.mux.Handle("GET /v1/balance/{userID}", superuser(h.handleGetBalance))
	h.mux.Handle("PATCH /v1/balance/{userID}", superuser(h.handleUpdateBalance))
	h.mux.Handle("PUT /v1/balance/{userID}", superuser(h.handleReplaceBalance))

	h.mux.HandleFunc("GET /health", h.handleHealth)
	h.mux.HandleFunc("GET /health/live", h.handleHealthLive)
	h.mux.HandleFunc("GET /health/ready", h.handleHealthReady)
	h.mux.Handle("GET /metrics", promhttp.Handler())

	return h
}

// ServeHTTP tags every request with an ID, echoed in X-Request-ID, and
// tracks it in the active requests gauge.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := r.Header.Get("X-Request-ID")
	if requestID == "" {
		requestID = uuid.NewString()
	}
	w.Header().Set("X-Request-ID", requestID)

	metrics.IncrementActiveRequests()
	defer metrics.DecrementActiveRequests()

	h.mux.ServeHTTP(w, r.WithContext(telemetry.WithRequestID(r.Context(), requestID)))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	return json.NewDecoder(r.Body).Decode(v)
}
