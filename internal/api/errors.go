package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/felipepmaragno/token-gateway/internal/domain"
	"github.com/felipepmaragno/token-gateway/internal/telemetry"
)

// insufficientBalanceMessage is the exact body clients match on.
const insufficientBalanceMessage = "Insufficient balance."

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{
		"message": message,
		"code":    status,
	})
}

// writeDomainError maps a service error onto a status code. Anything it does
// not recognise is logged and hidden behind a generic 500.
func writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	var perr *domain.ProviderError

	switch {
	case errors.Is(err, domain.ErrInsufficientBalance):
		writeError(w, http.StatusPaymentRequired, insufficientBalanceMessage)
	case errors.As(err, &perr):
		slog.WarnContext(r.Context(), "provider error",
			"request_id", telemetry.RequestID(r.Context()),
			"status_code", perr.StatusCode,
			"error", err,
		)
		writeError(w, http.StatusInternalServerError, perr.Message)
	case errors.Is(err, domain.ErrInvalidRequest),
		errors.Is(err, domain.ErrUnsupportedModel),
		errors.Is(err, domain.ErrNegativeAmount):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrAuthenticationRequired),
		errors.Is(err, domain.ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, domain.ErrForbidden):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, domain.ErrUserNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrEmailTaken):
		writeError(w, http.StatusConflict, err.Error())
	default:
		slog.ErrorContext(r.Context(), "request failed",
			"request_id", telemetry.RequestID(r.Context()),
			"method", r.Method,
			"path", r.URL.Path,
			"error", err,
		)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
