package title

import (
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/weaviate/tiktoken-go"
)

// TokenCounter encodes and decodes text into model tokens.
type TokenCounter interface {
	Encode(text string) []int
	Decode(tokens []int) string
}

type tiktokenCounter struct {
	enc *tiktoken.Tiktoken
}

func (c tiktokenCounter) Encode(text string) []int   { return c.enc.Encode(text, nil, nil) }
func (c tiktokenCounter) Decode(tokens []int) string { return c.enc.Decode(tokens) }

var (
	defaultCounterOnce sync.Once
	defaultCounter     TokenCounter
)

// DefaultTokenCounter returns a cl100k_base counter, or nil when the encoding cannot be loaded.
func DefaultTokenCounter() TokenCounter {
	defaultCounterOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			log.Warn().Err(err).Str("component", "title").Msg("token counter unavailable, title context will not be truncated")
			return
		}
		defaultCounter = tiktokenCounter{enc: enc}
	})
	return defaultCounter
}

// keepTail trims text to its last maxTokens tokens. The most recent turns matter most for a title.
func keepTail(counter TokenCounter, text string, maxTokens int) string {
	if counter == nil || maxTokens <= 0 {
		return text
	}
	tokens := counter.Encode(text)
	if len(tokens) <= maxTokens {
		return text
	}
	return counter.Decode(tokens[len(tokens)-maxTokens:])
}
