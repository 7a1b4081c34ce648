// Package cost derives the pre-call token cost of a chat request and the
// largest completion the caller can still pay for.
package cost

import (
	"github.com/felipepmaragno/token-gateway/internal/domain"
	"github.com/felipepmaragno/token-gateway/internal/tokenizer"
)

// InputCounter is satisfied by *tokenizer.Tokenizer.
type InputCounter interface {
	EstimateInputTokens(model string, messages []domain.Message) (int, error)
}

type Estimate struct {
	// Model is the canonical snapshot the prompt was priced as. Unlike the
	// client's model string it comes from a fixed set.
	Model     string
	InputCost int
	// OutputCap is nil when no cap should be sent upstream.
	OutputCap *int
}

type Estimator struct {
	counter         InputCounter
	maxOutputTokens int
}

// NewEstimator returns an estimator. maxOutputTokens is a server-wide ceiling
// on completion length; zero disables it.
func NewEstimator(counter InputCounter, maxOutputTokens int) *Estimator {
	return &Estimator{
		counter:         counter,
		maxOutputTokens: maxOutputTokens,
	}
}

// Estimate prices the prompt and derives the output cap from the balance the
// caller has left. It never mutates anything.
func (e *Estimator) Estimate(balanceRemaining int64, model string, messages []domain.Message, clientMax *int) (Estimate, error) {
	snapshot, err := tokenizer.Resolve(model)
	if err != nil {
		return Estimate{}, err
	}

	inputCost, err := e.counter.EstimateInputTokens(model, messages)
	if err != nil {
		return Estimate{}, err
	}

	var serverCap *int
	if affordable := balanceRemaining - int64(inputCost); affordable >= 0 {
		serverCap = intPtr(clampInt(affordable))
	}
	if e.maxOutputTokens > 0 {
		serverCap = minCap(serverCap, intPtr(e.maxOutputTokens))
	}

	return Estimate{
		Model:     snapshot,
		InputCost: inputCost,
		OutputCap: minCap(serverCap, clientMax),
	}, nil
}

// minCap takes the smaller of two optional caps; if only one is set it wins.
func minCap(a, b *int) *int {
	switch {
	case a == nil && b == nil:
		return nil
	case a == nil:
		return intPtr(*b)
	case b == nil:
		return intPtr(*a)
	default:
		return intPtr(min(*a, *b))
	}
}

func clampInt(v int64) int {
	const maxInt = int64(^uint(0) >> 1)
	if v > maxInt {
		return int(maxInt)
	}
	return int(v)
}

func intPtr(v int) *int {
	return &v
}
