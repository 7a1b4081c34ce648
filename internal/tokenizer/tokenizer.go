// Package tokenizer estimates the prompt token count of a chat request the
// same way the upstream provider frames and counts messages.
package tokenizer

import (
	"fmt"
	"strings"

	"github.com/felipepmaragno/token-gateway/internal/domain"
)

// replyPriming is added once per request: every reply is primed with
// <|start|>assistant<|message|>.
const replyPriming = 3

type framing struct {
	tokensPerMessage int
	tokensPerName    int
}

var snapshots = map[string]framing{
	"gpt-3.5-turbo-0613":     {tokensPerMessage: 3, tokensPerName: 1},
	"gpt-3.5-turbo-16k-0613": {tokensPerMessage: 3, tokensPerName: 1},
	"gpt-4-0314":             {tokensPerMessage: 3, tokensPerName: 1},
	"gpt-4-32k-0314":         {tokensPerMessage: 3, tokensPerName: 1},
	"gpt-4-0613":             {tokensPerMessage: 3, tokensPerName: 1},
	"gpt-4-32k-0613":         {tokensPerMessage: 3, tokensPerName: 1},
	// <|start|>{role/name}\n{content}<|end|>\n; a name replaces the role.
	"gpt-3.5-turbo-0301": {tokensPerMessage: 4, tokensPerName: -1},
}

// families maps a family marker to the snapshot it is counted as. Order
// matters: the first marker contained in the model identifier wins.
var families = []struct {
	marker   string
	snapshot string
}{
	{marker: "gpt-3.5-turbo", snapshot: "gpt-3.5-turbo-0613"},
	{marker: "gpt-4", snapshot: "gpt-4-0613"},
}

// Encoder counts the tokens of a single string.
type Encoder interface {
	Count(text string) int
}

// EncoderSource returns the encoder used for a canonical snapshot identifier.
type EncoderSource interface {
	EncoderFor(model string) (Encoder, error)
}

type Tokenizer struct {
	source EncoderSource
}

func New(source EncoderSource) *Tokenizer {
	return &Tokenizer{source: source}
}

// Resolve maps a model identifier to the snapshot whose counting rules apply.
func Resolve(model string) (string, error) {
	if _, ok := snapshots[model]; ok {
		return model, nil
	}
	for _, f := range families {
		if strings.Contains(model, f.marker) {
			return f.snapshot, nil
		}
	}
	return "", fmt.Errorf("%w: token counting is not implemented for %q", domain.ErrUnsupportedModel, model)
}

// EstimateInputTokens returns the prompt tokens the provider will bill for
// messages sent to model.
func (t *Tokenizer) EstimateInputTokens(model string, messages []domain.Message) (int, error) {
	snapshot, err := Resolve(model)
	if err != nil {
		return 0, err
	}
	rules := snapshots[snapshot]

	enc, err := t.source.EncoderFor(snapshot)
	if err != nil {
		return 0, fmt.Errorf("load encoder for %s: %w", snapshot, err)
	}

	total := 0
	for _, m := range messages {
		total += rules.tokensPerMessage
		total += enc.Count(m.Role)
		total += enc.Count(m.Content)
		if m.Name != nil {
			total += enc.Count(*m.Name)
			total += rules.tokensPerName
		}
	}
	total += replyPriming

	return total, nil
}
