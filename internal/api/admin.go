package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/felipepmaragno/token-gateway/internal/auth"
	"github.com/felipepmaragno/token-gateway/internal/domain"
	"github.com/felipepmaragno/token-gateway/internal/telemetry"
)

func (h *Handler) handleOwnBalance(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFromContext(r.Context())
	h.writeBalance(w, r, user.ID)
}

func (h *Handler) handleGetBalance(w http.ResponseWriter, r *http.Request) {
	h.writeBalance(w, r, r.PathValue("userID"))
}

// handleUpdateBalance is a partial update: without a balance field the
// stored amount is left as is.
func (h *Handler) handleUpdateBalance(w http.ResponseWriter, r *http.Request) {
	h.setBalance(w, r, false)
}

func (h *Handler) handleReplaceBalance(w http.ResponseWriter, r *http.Request) {
	h.setBalance(w, r, true)
}

func (h *Handler) setBalance(w http.ResponseWriter, r *http.Request, required bool) {
	userID := r.PathValue("userID")

	amount, present, err := parseBalanceUpdate(w, r)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	if !present && required {
		writeDomainError(w, r, fmt.Errorf("%w: balance is required", domain.ErrInvalidRequest))
		return
	}

	if present {
		if err := h.balances.ForceSetBalance(r.Context(), userID, amount); err != nil {
			writeDomainError(w, r, err)
			return
		}

		admin, _ := auth.UserFromContext(r.Context())
		slog.InfoContext(r.Context(), "balance overridden",
			"request_id", telemetry.RequestID(r.Context()),
			"user_id", userID,
			"admin_id", admin.ID,
			"balance", amount,
		)
	}

	h.writeBalance(w, r, userID)
}

// parseBalanceUpdate reads the balance field of an override payload. The
// owner comes from the URL only; a user field in the body is ignored.
func parseBalanceUpdate(w http.ResponseWriter, r *http.Request) (int64, bool, error) {
	var body map[string]json.RawMessage
	if err := decodeJSON(w, r, &body); err != nil {
		return 0, false, fmt.Errorf("%w: malformed JSON body", domain.ErrInvalidRequest)
	}

	raw, ok := body["balance"]
	if !ok {
		return 0, false, nil
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return 0, false, fmt.Errorf("%w: balance must be an integer", domain.ErrInvalidRequest)
	}
	number, ok := v.(json.Number)
	if !ok {
		return 0, false, fmt.Errorf("%w: balance must be an integer", domain.ErrInvalidRequest)
	}
	amount, err := number.Int64()
	if err != nil {
		return 0, false, fmt.Errorf("%w: balance must be an integer", domain.ErrInvalidRequest)
	}
	if amount < 0 {
		return 0, false, fmt.Errorf("%w: balance must not be negative", domain.ErrInvalidRequest)
	}
	return amount, true, nil
}

func (h *Handler) writeBalance(w http.ResponseWriter, r *http.Request, userID string) {
	amount, err := h.balances.GetBalance(r.Context(), userID)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, domain.Balance{UserID: userID, Amount: amount})
}
