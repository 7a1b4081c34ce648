// Package gateway runs the balance-gated chat completion lifecycle: price
// the prompt, reserve it against the caller's balance, cap the completion to
// what is left, call the provider, then charge the completion tokens.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/felipepmaragno/token-gateway/internal/budget"
	"github.com/felipepmaragno/token-gateway/internal/cost"
	"github.com/felipepmaragno/token-gateway/internal/domain"
	"github.com/felipepmaragno/token-gateway/internal/metrics"
	"github.com/felipepmaragno/token-gateway/internal/notifications"
	"github.com/felipepmaragno/token-gateway/internal/provider"
	"github.com/felipepmaragno/token-gateway/internal/repository"
	"github.com/felipepmaragno/token-gateway/internal/telemetry"
	"go.opentelemetry.io/otel/trace"
)

type State string

const (
	StateIdle        State = "idle"
	StateEstimating  State = "estimating"
	StateChecking    State = "checking"
	StateRejected    State = "rejected"
	StateCalling     State = "calling"
	StateFailed      State = "failed"
	StateReconciling State = "reconciling"
	StateDone        State = "done"
)

// Estimator is satisfied by *cost.Estimator.
type Estimator interface {
	Estimate(balanceRemaining int64, model string, messages []domain.Message, clientMax *int) (cost.Estimate, error)
}

type Config struct {
	Balances  repository.BalanceStore
	Estimator Estimator
	Provider  provider.Provider
	// Notifier receives shortfall alerts. Optional.
	Notifier notifications.Notifier
	// Monitor checks the balance after each charge. Optional.
	Monitor *budget.Monitor
	Logger  *slog.Logger
}

type Controller struct {
	balances  repository.BalanceStore
	estimator Estimator
	provider  provider.Provider
	notifier  notifications.Notifier
	monitor   *budget.Monitor
	logger    *slog.Logger
}

func NewController(cfg Config) *Controller {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		balances:  cfg.Balances,
		estimator: cfg.Estimator,
		provider:  cfg.Provider,
		notifier:  cfg.Notifier,
		monitor:   cfg.Monitor,
		logger:    logger,
	}
}

// ChatCompletion proxies req for user. It returns domain.ErrInsufficientBalance
// without calling the provider when the prompt alone exceeds the balance, and
// a *domain.ProviderError with the balance untouched when the provider fails.
// On success the balance has dropped by exactly input plus completion tokens,
// floored at zero.
func (c *Controller) ChatCompletion(ctx context.Context, user *domain.User, req domain.ChatRequest) (*domain.ChatResponse, error) {
	start := time.Now()

	ctx, span := telemetry.StartSpan(ctx, "gateway.ChatCompletion")
	defer span.End()

	requestID := telemetry.RequestID(ctx)
	telemetry.AddRequestAttributes(span, user.ID, req.Model, requestID)

	logger := c.logger.With(
		"request_id", requestID,
		"user_id", user.ID,
		"model", req.Model,
	)

	resp, out, err := c.run(ctx, span, logger, user, req)

	metrics.RecordRequest(out.model, out.status, time.Since(start).Seconds())
	if err != nil {
		telemetry.AddErrorAttribute(span, err)
	}
	return resp, err
}

// outcome is what a request is counted as. model is the resolved snapshot,
// or metrics.UnresolvedModel until the estimate has succeeded.
type outcome struct {
	status string
	model  string
}

func (c *Controller) run(ctx context.Context, span trace.Span, logger *slog.Logger, user *domain.User, req domain.ChatRequest) (*domain.ChatResponse, outcome, error) {
	fail := func(status string) outcome {
		return outcome{status: status, model: metrics.UnresolvedModel}
	}

	transition := func(s State) {
		logger.DebugContext(ctx, "chat completion state", "state", s)
		telemetry.AddStateEvent(span, string(s))
	}

	transition(StateIdle)
	if err := req.Validate(); err != nil {
		return nil, fail("invalid"), err
	}

	transition(StateEstimating)
	balance, err := c.balances.GetBalance(ctx, user.ID)
	if err != nil {
		return nil, fail("error"), fmt.Errorf("get balance: %w", err)
	}

	estimate, err := c.estimator.Estimate(balance, req.Model, req.Messages, req.MaxTokens)
	if err != nil {
		return nil, fail("invalid"), err
	}
	model := estimate.Model
	outputCap := -1
	if estimate.OutputCap != nil {
		outputCap = *estimate.OutputCap
	}
	telemetry.AddEstimateAttributes(span, balance, estimate.InputCost, outputCap)

	// The reservation is the authoritative check: another request may have
	// spent the balance since it was read above.
	transition(StateChecking)
	inputCost := int64(estimate.InputCost)
	reserved, err := c.balances.TryDeduct(ctx, user.ID, inputCost)
	if err != nil {
		return nil, outcome{"error", model}, fmt.Errorf("reserve input cost: %w", err)
	}
	if !reserved {
		transition(StateRejected)
		metrics.RecordInsufficientBalance(model)
		logger.InfoContext(ctx, "insufficient balance",
			"balance", balance,
			"input_tokens", estimate.InputCost,
		)
		return nil, outcome{"insufficient_balance", model}, domain.ErrInsufficientBalance
	}

	transition(StateCalling)
	upstreamReq := domain.ChatRequest{
		Model:     req.Model,
		Messages:  req.Messages,
		MaxTokens: estimate.OutputCap,
	}
	resp, err := c.provider.ChatCompletion(ctx, upstreamReq)
	if err != nil {
		transition(StateFailed)
		c.release(ctx, logger, user.ID, model, inputCost)
		return nil, outcome{"provider_error", model}, asProviderError(err)
	}

	transition(StateReconciling)
	completion := resp.Usage.CompletionTokens
	if completion < 0 {
		completion = 0
	}
	remaining := c.charge(ctx, logger, user.ID, model, int64(completion))

	metrics.RecordTokens(model, estimate.InputCost, completion)
	telemetry.AddTokenAttributes(span, estimate.InputCost, completion)

	transition(StateDone)
	logger.InfoContext(ctx, "chat completion charged",
		"input_tokens", estimate.InputCost,
		"completion_tokens", completion,
		"output_cap", outputCap,
	)

	if c.monitor != nil && remaining >= 0 {
		c.monitor.Check(context.WithoutCancel(ctx), user.ID, remaining)
	}

	return resp, outcome{"success", model}, nil
}

// release returns the reserved input cost after a failed provider call.
func (c *Controller) release(ctx context.Context, logger *slog.Logger, userID, model string, amount int64) {
	ctx = context.WithoutCancel(ctx)
	if err := c.balances.Credit(ctx, userID, amount); err != nil {
		logger.ErrorContext(ctx, "failed to release reservation",
			"amount", amount,
			"error", err,
		)
		c.billingFailed(ctx, logger, "release", userID, model, amount, err)
	}
}

// charge deducts the completion tokens unconditionally and returns the
// remaining balance, or -1 if it could not be read. The provider has already
// done the work, so a client disconnect must not skip this.
func (c *Controller) charge(ctx context.Context, logger *slog.Logger, userID, model string, completion int64) int64 {
	ctx = context.WithoutCancel(ctx)

	shortfall, err := c.balances.Deduct(ctx, userID, completion)
	if err != nil {
		logger.ErrorContext(ctx, "failed to charge completion tokens",
			"completion_tokens", completion,
			"error", err,
		)
		c.billingFailed(ctx, logger, "charge", userID, model, completion, err)
		return -1
	}

	if shortfall > 0 {
		metrics.RecordShortfall(shortfall)
		logger.ErrorContext(ctx, "completion exceeded balance",
			"completion_tokens", completion,
			"shortfall", shortfall,
		)
		c.notifyShortfall(ctx, logger, userID, model, completion, shortfall)
	}

	remaining, err := c.balances.GetBalance(ctx, userID)
	if err != nil {
		return -1
	}
	return remaining
}

func (c *Controller) notifyShortfall(ctx context.Context, logger *slog.Logger, userID, model string, completion, shortfall int64) {
	if c.notifier == nil {
		return
	}

	err := c.notifier.Send(ctx, notifications.Notification{
		Type:    notifications.NotificationBalanceShortfall,
		UserID:  userID,
		Message: fmt.Sprintf("%d completion tokens could not be charged", shortfall),
		Data: map[string]any{
			"model":             model,
			"completion_tokens": completion,
			"shortfall":         shortfall,
			"request_id":        telemetry.RequestID(ctx),
		},
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		logger.ErrorContext(ctx, "failed to send shortfall notification", "error", err)
	}
}

// billingFailed reports a balance write that was lost. The response has
// already been decided, so the caller is not told.
func (c *Controller) billingFailed(ctx context.Context, logger *slog.Logger, operation, userID, model string, amount int64, cause error) {
	metrics.RecordBillingFailure(operation)
	if c.notifier == nil {
		return
	}

	err := c.notifier.Send(ctx, notifications.Notification{
		Type:    notifications.NotificationBillingFailure,
		UserID:  userID,
		Message: fmt.Sprintf("%s of %d tokens was not applied", operation, amount),
		Data: map[string]any{
			"operation":  operation,
			"model":      model,
			"amount":     amount,
			"error":      cause.Error(),
			"request_id": telemetry.RequestID(ctx),
		},
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		logger.ErrorContext(ctx, "failed to send billing failure notification", "error", err)
	}
}

func asProviderError(err error) error {
	var perr *domain.ProviderError
	if errors.As(err, &perr) {
		return err
	}
	return &domain.ProviderError{Message: err.Error(), Err: err}
}

// ListModels and GetModel proxy the provider's model catalogue. They cost
// nothing and touch no balance.
func (c *Controller) ListModels(ctx context.Context) ([]domain.Model, error) {
	models, err := c.provider.ListModels(ctx)
	if err != nil {
		return nil, asProviderError(err)
	}
	return models, nil
}

func (c *Controller) GetModel(ctx context.Context, id string) (*domain.Model, error) {
	model, err := c.provider.GetModel(ctx, id)
	if err != nil {
		return nil, asProviderError(err)
	}
	return model, nil
}
