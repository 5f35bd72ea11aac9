// Package tokenizer estimates token consumption for requests whose provider
// response omits usage figures, so job-level token accounting stays roughly
// accurate instead of silently undercounting.
package tokenizer

import (
	"fmt"
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"

	"github.com/capsulekit/capsulegen/llm"
)

// Counter counts tokens in text and messages.
type Counter interface {
	CountTokens(text string) (int, error)
	CountMessages(messages []llm.Message) (int, error)
}

// TiktokenCounter counts with a tiktoken encoding, lazily initialized since
// the encoding tables may be fetched on first use.
type TiktokenCounter struct {
	encoding string
	enc      *tiktoken.Tiktoken
	once     sync.Once
	initErr  error
}

// NewTiktokenCounter creates a counter for the given encoding name.
// cl100k_base is a reasonable default for modern chat models.
func NewTiktokenCounter(encoding string) *TiktokenCounter {
	if encoding == "" {
		encoding = "cl100k_base"
	}
	return &TiktokenCounter{encoding: encoding}
}

func (t *TiktokenCounter) init() error {
	t.once.Do(func() {
		enc, err := tiktoken.GetEncoding(t.encoding)
		if err != nil {
			t.initErr = fmt.Errorf("init tiktoken encoding %s: %w", t.encoding, err)
			return
		}
		t.enc = enc
	})
	return t.initErr
}

// CountTokens implements Counter.
func (t *TiktokenCounter) CountTokens(text string) (int, error) {
	if err := t.init(); err != nil {
		return 0, err
	}
	return len(t.enc.Encode(text, nil, nil)), nil
}

// CountMessages implements Counter. Each message carries a small fixed
// overhead for role markers and separators.
func (t *TiktokenCounter) CountMessages(messages []llm.Message) (int, error) {
	total := 3
	for _, msg := range messages {
		n, err := t.CountTokens(msg.Content)
		if err != nil {
			return 0, err
		}
		total += n + 4
	}
	return total, nil
}

// EstimatorCounter is the offline fallback when the tiktoken tables are not
// available: a rune-count heuristic (~4 ASCII chars per token).
type EstimatorCounter struct{}

// CountTokens implements Counter.
func (EstimatorCounter) CountTokens(text string) (int, error) {
	if text == "" {
		return 0, nil
	}
	n := utf8.RuneCountInString(text) / 4
	if n == 0 {
		n = 1
	}
	return n, nil
}

// CountMessages implements Counter.
func (e EstimatorCounter) CountMessages(messages []llm.Message) (int, error) {
	total := 3
	for _, msg := range messages {
		n, _ := e.CountTokens(msg.Content)
		total += n + 4
	}
	return total, nil
}

// EstimateUsage fills a zero usage record from the request and response
// text. Non-zero usage from the provider is returned untouched.
func EstimateUsage(c Counter, usage llm.Usage, messages []llm.Message, output string) llm.Usage {
	if usage.TotalTokens > 0 || c == nil {
		return usage
	}
	prompt, err := c.CountMessages(messages)
	if err != nil {
		prompt, _ = EstimatorCounter{}.CountMessages(messages)
	}
	completion, err := c.CountTokens(output)
	if err != nil {
		completion, _ = EstimatorCounter{}.CountTokens(output)
	}
	return llm.Usage{
		PromptTokens:     prompt,
		CompletionTokens: completion,
		TotalTokens:      prompt + completion,
	}
}
