// Package openai talks to the OpenAI chat completions and models API, or any
// server that speaks the same wire format.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/felipepmaragno/token-gateway/internal/domain"
	"github.com/felipepmaragno/token-gateway/internal/httputil"
	"github.com/felipepmaragno/token-gateway/internal/metrics"
	"github.com/felipepmaragno/token-gateway/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const DefaultBaseURL = "https://api.openai.com/v1"

type Config struct {
	APIKey       string
	Organization string
	BaseURL      string
	Timeout      time.Duration
	// HTTPClient overrides the client built from the fields above.
	HTTPClient *http.Client
}

type Provider struct {
	baseURL string
	client  *http.Client
}

func New(cfg Config) *Provider {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	client := cfg.HTTPClient
	if client == nil {
		clientCfg := httputil.DefaultConfig()
		if cfg.Timeout > 0 {
			clientCfg.Timeout = cfg.Timeout
		}
		clientCfg.Headers = map[string]string{
			"Authorization": "Bearer " + cfg.APIKey,
		}
		if cfg.Organization != "" {
			clientCfg.Headers["OpenAI-Organization"] = cfg.Organization
		}
		client = httputil.NewClient(clientCfg)
	}

	return &Provider{
		baseURL: baseURL,
		client:  client,
	}
}

type chatCompletionRequest struct {
	Model     string           `json:"model"`
	Messages  []domain.Message `json:"messages"`
	MaxTokens *int             `json:"max_tokens,omitempty"`
}

type errorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    any    `json:"code"`
	} `json:"error"`
}

func (p *Provider) ChatCompletion(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	ctx, span := telemetry.StartSpan(ctx, "openai.ChatCompletion",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("model", req.Model)),
	)
	defer span.End()

	body, err := json.Marshal(chatCompletionRequest{
		Model:     req.Model,
		Messages:  req.Messages,
		MaxTokens: req.MaxTokens,
	})
	if err != nil {
		return nil, p.fail(span, "encode", 0, fmt.Sprintf("encode request: %v", err), err)
	}

	var chatResp domain.ChatResponse
	if err := p.do(ctx, span, "chat_completion", http.MethodPost, "/chat/completions", body, &chatResp); err != nil {
		return nil, err
	}

	telemetry.AddTokenAttributes(span, chatResp.Usage.PromptTokens, chatResp.Usage.CompletionTokens)
	return &chatResp, nil
}

func (p *Provider) ListModels(ctx context.Context) ([]domain.Model, error) {
	ctx, span := telemetry.StartSpan(ctx, "openai.ListModels", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	var modelsResp domain.ModelsResponse
	if err := p.do(ctx, span, "list_models", http.MethodGet, "/models", nil, &modelsResp); err != nil {
		return nil, err
	}
	return modelsResp.Data, nil
}

func (p *Provider) GetModel(ctx context.Context, id string) (*domain.Model, error) {
	ctx, span := telemetry.StartSpan(ctx, "openai.GetModel",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("model", id)),
	)
	defer span.End()

	var model domain.Model
	if err := p.do(ctx, span, "get_model", http.MethodGet, "/models/"+url.PathEscape(id), nil, &model); err != nil {
		return nil, err
	}
	return &model, nil
}

// do performs one request and decodes a 200 body into out. Any other outcome
// becomes a *domain.ProviderError.
func (p *Provider) do(ctx context.Context, span trace.Span, operation, method, path string, body []byte, out any) error {
	var reqBody io.Reader = http.NoBody
	if body != nil {
		reqBody = bytes.NewReader(body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, reqBody)
	if err != nil {
		return p.fail(span, "request", 0, fmt.Sprintf("create request: %v", err), err)
	}

	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := p.client.Do(httpReq)
	metrics.RecordProviderCall(operation, time.Since(start).Seconds())
	if err != nil {
		return p.fail(span, "transport", 0, err.Error(), err)
	}
	defer resp.Body.Close()

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	if resp.StatusCode != http.StatusOK {
		raw := httputil.ReadErrorBody(resp)
		return p.fail(span, "status_"+strconv.Itoa(resp.StatusCode), resp.StatusCode, upstreamMessage(resp.StatusCode, raw), nil)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return p.fail(span, "decode", resp.StatusCode, fmt.Sprintf("decode response: %v", err), err)
	}
	return nil
}

func (p *Provider) fail(span trace.Span, errorType string, status int, message string, cause error) error {
	perr := &domain.ProviderError{
		Message:    message,
		StatusCode: status,
		Err:        cause,
	}
	metrics.RecordProviderError(errorType)
	telemetry.AddErrorAttribute(span, perr)
	return perr
}

// upstreamMessage prefers the error.message field of an OpenAI error body.
func upstreamMessage(status int, raw []byte) string {
	var errResp errorResponse
	if err := json.Unmarshal(raw, &errResp); err == nil && errResp.Error.Message != "" {
		return errResp.Error.Message
	}

	if text := strings.TrimSpace(string(raw)); text != "" {
		return fmt.Sprintf("upstream returned status %d: %s", status, text)
	}
	return fmt.Sprintf("upstream returned status %d", status)
}
