package tokenizer

import (
	"fmt"
	"sync"

	"github.com/pkoukk/tiktoken-go"
	tiktoken_loader "github.com/pkoukk/tiktoken-go-loader"
)

// FallbackEncoding is used for models tiktoken has no mapping for.
const FallbackEncoding = "cl100k_base"

var setLoader sync.Once

// TiktokenSource serves BPE encoders from the BPE ranks embedded in the
// binary, so counting never touches the network.
type TiktokenSource struct {
	mu       sync.Mutex
	encoders map[string]*tiktokenEncoder
}

func NewTiktokenSource() *TiktokenSource {
	setLoader.Do(func() {
		tiktoken.SetBpeLoader(tiktoken_loader.NewOfflineLoader())
	})
	return &TiktokenSource{
		encoders: make(map[string]*tiktokenEncoder),
	}
}

func (s *TiktokenSource) EncoderFor(model string) (Encoder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if enc, ok := s.encoders[model]; ok {
		return enc, nil
	}

	tke, err := tiktoken.EncodingForModel(model)
	if err != nil {
		tke, err = tiktoken.GetEncoding(FallbackEncoding)
		if err != nil {
			return nil, fmt.Errorf("get encoding %s: %w", FallbackEncoding, err)
		}
	}

	enc := &tiktokenEncoder{tke: tke}
	s.encoders[model] = enc
	return enc, nil
}

type tiktokenEncoder struct {
	tke *tiktoken.Tiktoken
}

func (e *tiktokenEncoder) Count(text string) int {
	if text == "" {
		return 0
	}
	return len(e.tke.Encode(text, nil, nil))
}

// ApproxSource counts roughly four bytes per token. It is deterministic and
// dependency free, meant for development and tests rather than billing.
type ApproxSource struct{}

func (ApproxSource) EncoderFor(string) (Encoder, error) {
	return approxEncoder{}, nil
}

type approxEncoder struct{}

func (approxEncoder) Count(text string) int {
	if len(text) == 0 {
		return 0
	}
	return (len(text) + 3) / 4
}
