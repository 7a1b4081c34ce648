package provider

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/felipepmaragno/token-gateway/internal/circuitbreaker"
	"github.com/felipepmaragno/token-gateway/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type MockProvider struct {
	ChatCompletionFunc func(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error)
	ListModelsFunc     func(ctx context.Context) ([]domain.Model, error)
	GetModelFunc       func(ctx context.Context, id string) (*domain.Model, error)
}

func (m *MockProvider) ChatCompletion(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	if m.ChatCompletionFunc != nil {
		return m.ChatCompletionFunc(ctx, req)
	}
	return &domain.ChatResponse{}, nil
}

func (m *MockProvider) ListModels(ctx context.Context) ([]domain.Model, error) {
	if m.ListModelsFunc != nil {
		return m.ListModelsFunc(ctx)
	}
	return nil, nil
}

func (m *MockProvider) GetModel(ctx context.Context, id string) (*domain.Model, error) {
	if m.GetModelFunc != nil {
		return m.GetModelFunc(ctx, id)
	}
	return &domain.Model{ID: id}, nil
}

func failingWith(status int) *MockProvider {
	return &MockProvider{
		ChatCompletionFunc: func(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
			return nil, &domain.ProviderError{Message: "boom", StatusCode: status}
		},
	}
}

func TestWithCircuitBreaker_OpensOnUpstreamFaults(t *testing.T) {
	breaker := circuitbreaker.New(circuitbreaker.Config{FailureThreshold: 2, SuccessThreshold: 1, Timeout: time.Hour})
	calls := 0
	mock := failingWith(http.StatusInternalServerError)
	inner := mock.ChatCompletionFunc
	mock.ChatCompletionFunc = func(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
		calls++
		return inner(ctx, req)
	}
	p := WithCircuitBreaker(mock, breaker)

	p.ChatCompletion(context.Background(), domain.ChatRequest{})
	p.ChatCompletion(context.Background(), domain.ChatRequest{})
	_, err := p.ChatCompletion(context.Background(), domain.ChatRequest{})

	assert.Equal(t, 2, calls)
	assert.Equal(t, circuitbreaker.StateOpen, breaker.State())

	var perr *domain.ProviderError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, http.StatusServiceUnavailable, perr.StatusCode)
	assert.ErrorIs(t, err, domain.ErrCircuitBreakerOpen)
}

func TestWithCircuitBreaker_IgnoresClientErrors(t *testing.T) {
	breaker := circuitbreaker.New(circuitbreaker.Config{FailureThreshold: 1, SuccessThreshold: 1, Timeout: time.Hour})
	p := WithCircuitBreaker(failingWith(http.StatusBadRequest), breaker)

	for i := 0; i < 3; i++ {
		_, err := p.ChatCompletion(context.Background(), domain.ChatRequest{})
		assert.ErrorIs(t, err, domain.ErrProviderError)
	}

	assert.Equal(t, circuitbreaker.StateClosed, breaker.State())
}

func TestWithCircuitBreaker_GuardsModelCalls(t *testing.T) {
	breaker := circuitbreaker.New(circuitbreaker.Config{FailureThreshold: 1, SuccessThreshold: 1, Timeout: time.Hour})
	p := WithCircuitBreaker(&MockProvider{
		ListModelsFunc: func(ctx context.Context) ([]domain.Model, error) {
			return nil, &domain.ProviderError{Message: "down"}
		},
	}, breaker)

	_, err := p.ListModels(context.Background())
	assert.EqualError(t, err, "down")

	_, err = p.GetModel(context.Background(), "gpt-4")
	assert.ErrorIs(t, err, domain.ErrCircuitBreakerOpen)
}

func TestIsUpstreamFault(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"transport", &domain.ProviderError{StatusCode: 0}, true},
		{"rate limited", &domain.ProviderError{StatusCode: 429}, true},
		{"server error", &domain.ProviderError{StatusCode: 503}, true},
		{"bad request", &domain.ProviderError{StatusCode: 400}, false},
		{"not a provider error", errors.New("other"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsUpstreamFault(tt.err))
		})
	}
}
