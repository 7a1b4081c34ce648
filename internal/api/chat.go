package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/felipepmaragno/token-gateway/internal/auth"
	"github.com/felipepmaragno/token-gateway/internal/domain"
)

// chatCompletionRequest uses pointers and raw JSON so that a missing field
// can be told apart from its zero value. Unknown fields are ignored.
type chatCompletionRequest struct {
	Model     *string         `json:"model"`
	Messages  json.RawMessage `json:"messages"`
	MaxTokens *int            `json:"max_tokens"`
}

type messageInput struct {
	Role    *string `json:"role"`
	Content *string `json:"content"`
	Name    *string `json:"name"`
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", domain.ErrInvalidRequest, fmt.Sprintf(format, args...))
}

func parseChatRequest(w http.ResponseWriter, r *http.Request) (domain.ChatRequest, error) {
	var in chatCompletionRequest
	if err := decodeJSON(w, r, &in); err != nil {
		return domain.ChatRequest{}, invalid("malformed JSON body")
	}

	if in.Model == nil {
		return domain.ChatRequest{}, invalid("model is required")
	}

	raw := bytes.TrimSpace(in.Messages)
	if len(raw) == 0 || raw[0] != '[' {
		return domain.ChatRequest{}, invalid("messages must be an array")
	}

	var inputs []messageInput
	if err := json.Unmarshal(raw, &inputs); err != nil {
		return domain.ChatRequest{}, invalid("messages must be an array of objects")
	}

	messages := make([]domain.Message, 0, len(inputs))
	for i, m := range inputs {
		if m.Role == nil {
			return domain.ChatRequest{}, invalid("messages[%d].role is required", i)
		}
		if m.Content == nil {
			return domain.ChatRequest{}, invalid("messages[%d].content is required", i)
		}
		messages = append(messages, domain.Message{Role: *m.Role, Content: *m.Content, Name: m.Name})
	}

	req := domain.ChatRequest{
		Model:     *in.Model,
		Messages:  messages,
		MaxTokens: in.MaxTokens,
	}
	return req, req.Validate()
}

func (h *Handler) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFromContext(r.Context())

	req, err := parseChatRequest(w, r)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	resp, err := h.chat.ChatCompletion(r.Context(), user, req)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleListModels(w http.ResponseWriter, r *http.Request) {
	models, err := h.chat.ListModels(r.Context())
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	if models == nil {
		models = []domain.Model{}
	}

	writeJSON(w, http.StatusOK, domain.ModelsResponse{Object: "list", Data: models})
}

func (h *Handler) handleGetModel(w http.ResponseWriter, r *http.Request) {
	model, err := h.chat.GetModel(r.Context(), r.PathValue("model"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, model)
}
