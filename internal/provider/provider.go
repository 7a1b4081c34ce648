// Package provider defines the upstream language-model client contract.
package provider

import (
	"context"
	"errors"
	"net/http"

	"github.com/felipepmaragno/token-gateway/internal/circuitbreaker"
	"github.com/felipepmaragno/token-gateway/internal/domain"
)

// Provider is one OpenAI-compatible upstream. Implementations make a single
// attempt per call and report every failure as *domain.ProviderError.
type Provider interface {
	ChatCompletion(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error)
	ListModels(ctx context.Context) ([]domain.Model, error)
	GetModel(ctx context.Context, id string) (*domain.Model, error)
}

type guarded struct {
	next    Provider
	breaker *circuitbreaker.Breaker
}

// WithCircuitBreaker fails calls fast while the breaker is open. Only
// failures that point at the upstream itself (transport errors, 429, 5xx)
// count against it.
func WithCircuitBreaker(p Provider, breaker *circuitbreaker.Breaker) Provider {
	return &guarded{next: p, breaker: breaker}
}

func (g *guarded) ChatCompletion(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	if err := g.allow(); err != nil {
		return nil, err
	}
	resp, err := g.next.ChatCompletion(ctx, req)
	g.record(err)
	return resp, err
}

func (g *guarded) ListModels(ctx context.Context) ([]domain.Model, error) {
	if err := g.allow(); err != nil {
		return nil, err
	}
	models, err := g.next.ListModels(ctx)
	g.record(err)
	return models, err
}

func (g *guarded) GetModel(ctx context.Context, id string) (*domain.Model, error) {
	if err := g.allow(); err != nil {
		return nil, err
	}
	model, err := g.next.GetModel(ctx, id)
	g.record(err)
	return model, err
}

func (g *guarded) allow() error {
	if err := g.breaker.Allow(); err != nil {
		return &domain.ProviderError{
			Message:    "upstream provider temporarily unavailable",
			StatusCode: http.StatusServiceUnavailable,
			Err:        err,
		}
	}
	return nil
}

func (g *guarded) record(err error) {
	if err == nil || !IsUpstreamFault(err) {
		g.breaker.RecordSuccess()
		return
	}
	g.breaker.RecordFailure()
}

// IsUpstreamFault reports whether err indicates the upstream is unhealthy
// rather than that the request was rejected on its merits.
func IsUpstreamFault(err error) bool {
	var perr *domain.ProviderError
	if !errors.As(err, &perr) {
		return false
	}
	return perr.StatusCode == 0 ||
		perr.StatusCode == http.StatusTooManyRequests ||
		perr.StatusCode >= http.StatusInternalServerError
}
