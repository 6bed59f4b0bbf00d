// Package tokens estimates token usage for streams whose upstream does not
// report it.
package tokens

import (
	"fmt"
	"strings"
	"sync"

	"github.com/tiktoken-go/tokenizer"

	"github.com/tjfontaine/modelkey-gateway/internal/core/domain"
)

// Per-message framing overhead for chat models.
const (
	tokensPerMessage = 3
	tokensPerRole    = 1
	assistantPriming = 3
)

// Counter counts tokens with tiktoken. Models tiktoken does not know fall
// back to the o200k_base encoding, and text that cannot be encoded falls
// back to a character estimate.
type Counter struct {
	mu     sync.RWMutex
	codecs map[tokenizer.Encoding]tokenizer.Codec

	// CharsPerToken is used when no codec is available.
	CharsPerToken float64
}

// NewCounter creates a counter.
func NewCounter() *Counter {
	return &Counter{
		codecs:        make(map[tokenizer.Encoding]tokenizer.Codec),
		CharsPerToken: 4.0,
	}
}

func (c *Counter) codec(model string) (tokenizer.Codec, error) {
	encoding := modelToEncoding(model)

	c.mu.RLock()
	cached, ok := c.codecs[encoding]
	c.mu.RUnlock()
	if ok {
		return cached, nil
	}

	codec, err := tokenizer.Get(encoding)
	if err != nil {
		return nil, fmt.Errorf("get tokenizer encoding %s: %w", encoding, err)
	}

	c.mu.Lock()
	c.codecs[encoding] = codec
	c.mu.Unlock()
	return codec, nil
}

// Count returns the number of tokens in text for model.
func (c *Counter) Count(model, text string) int {
	if text == "" {
		return 0
	}
	codec, err := c.codec(model)
	if err == nil {
		if ids, _, err := codec.Encode(text); err == nil {
			return len(ids)
		}
	}
	return c.estimate(text)
}

func (c *Counter) estimate(text string) int {
	n := int(float64(len(text)) / c.CharsPerToken)
	if n == 0 {
		n = 1
	}
	return n
}

// CountMessages returns the prompt size of messages including chat framing.
func (c *Counter) CountMessages(model string, messages []domain.Message) int {
	total := 0
	for _, msg := range messages {
		total += tokensPerMessage + tokensPerRole
		total += c.Count(model, msg.Content)
		for _, tc := range msg.ToolCalls {
			total += c.Count(model, tc.Function.Name)
			total += c.Count(model, tc.Function.Arguments)
			total += 3
		}
	}
	if len(messages) > 0 {
		total += assistantPriming
	}
	return total
}

// EstimateUsage builds an estimated usage record for a completed reply.
func (c *Counter) EstimateUsage(model string, prompt []domain.Message, completion string) *domain.Usage {
	u := &domain.Usage{
		PromptTokens:     c.CountMessages(model, prompt),
		CompletionTokens: c.Count(model, completion),
		Estimated:        true,
	}
	u.TotalTokens = u.PromptTokens + u.CompletionTokens
	return u
}

// modelToEncoding maps model names to tiktoken encodings.
//
// Encoding reference:
// - O200kBase: GPT-5, GPT-4.1, GPT-4o, O-series and anything unknown
// - Cl100kBase: GPT-4, GPT-3.5-turbo, text-embedding-ada-002
// - P50kBase: text-davinci-002/003
// - R50kBase: davinci, curie, babbage, ada
func modelToEncoding(model string) tokenizer.Encoding {
	model = strings.ToLower(model)

	switch {
	case strings.HasPrefix(model, "gpt-5"),
		strings.HasPrefix(model, "gpt-4.1"), strings.HasPrefix(model, "gpt-41"),
		strings.HasPrefix(model, "gpt-4o"),
		strings.HasPrefix(model, "o1"), strings.HasPrefix(model, "o3"), strings.HasPrefix(model, "o4"):
		return tokenizer.O200kBase
	case strings.HasPrefix(model, "gpt-4"), strings.HasPrefix(model, "gpt-3.5"),
		strings.HasPrefix(model, "text-embedding"):
		return tokenizer.Cl100kBase
	case strings.HasPrefix(model, "text-davinci"):
		return tokenizer.P50kBase
	case model == "davinci" || model == "curie" || model == "babbage" || model == "ada":
		return tokenizer.R50kBase
	default:
		return tokenizer.O200kBase
	}
}
