package llm

import (
	"context"
	"encoding/json"
	"time"
)

// Role identifies the author of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is a single conversational turn sent to a provider.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Document is an inline binary attachment, typically a source PDF. Only
// providers whose Capabilities report NativePDF accept it directly.
type Document struct {
	Data     []byte `json:"data"`
	MimeType string `json:"mime_type"`
	Name     string `json:"name,omitempty"`
}

// Request is the uniform request shape handed to every adapter.
type Request struct {
	Model       string            `json:"model"`
	Messages    []Message         `json:"messages"`
	Document    *Document         `json:"document,omitempty"`
	Schema      json.RawMessage   `json:"schema,omitempty"` // JSON Schema for structured output
	SchemaName  string            `json:"schema_name,omitempty"`
	MaxTokens   int               `json:"max_tokens,omitempty"`
	Temperature float32           `json:"temperature,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"` // passthrough HTTP headers
}

// Clone returns a copy the adapter may amend without mutating the caller's
// request. Slices are copied shallowly; adapters must not modify elements.
func (r *Request) Clone() *Request {
	cp := *r
	cp.Messages = append([]Message(nil), r.Messages...)
	if r.Headers != nil {
		cp.Headers = make(map[string]string, len(r.Headers))
		for k, v := range r.Headers {
			cp.Headers[k] = v
		}
	}
	return &cp
}

// Usage reports token consumption for one request.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens,omitempty"`
	CompletionTokens int `json:"completion_tokens,omitempty"`
	TotalTokens      int `json:"total_tokens,omitempty"`
}

// Add accumulates another usage record into u.
func (u *Usage) Add(other Usage) {
	u.PromptTokens += other.PromptTokens
	u.CompletionTokens += other.CompletionTokens
	u.TotalTokens += other.TotalTokens
}

// TextResponse is the result of a plain text generation.
type TextResponse struct {
	Text         string    `json:"text"`
	Model        string    `json:"model,omitempty"`
	Provider     string    `json:"provider,omitempty"`
	Usage        Usage     `json:"usage,omitempty"`
	FinishReason string    `json:"finish_reason,omitempty"`
	CreatedAt    time.Time `json:"created_at,omitempty"`
}

// StructuredResponse is the result of a schema-constrained generation. Data
// holds the parsed JSON document; RawText preserves the exact model output
// for the repair path.
type StructuredResponse struct {
	Data    json.RawMessage `json:"data"`
	RawText string          `json:"raw_text"`
	Usage   Usage           `json:"usage,omitempty"`
}

// StreamChunk is one increment of a streaming generation.
type StreamChunk struct {
	Delta        string `json:"delta"`
	FinishReason string `json:"finish_reason,omitempty"`
	Usage        *Usage `json:"usage,omitempty"`
	Err          *Error `json:"error,omitempty"`
}

// Capabilities describes what a provider backend can do. The registry uses
// these flags to pick the best provider for a requirement set.
type Capabilities struct {
	Streaming        bool `json:"streaming"`
	StructuredOutput bool `json:"structured_output"`
	NativePDF        bool `json:"native_pdf"`
	Vision           bool `json:"vision"`
	MaxContextTokens int  `json:"max_context_tokens"`
	MaxOutputTokens  int  `json:"max_output_tokens"`
}

// Provider is the uniform adapter interface over one LLM backend. Errors
// returned by any method are normalized into the *Error taxonomy. Adapters
// never mutate the caller's request.
type Provider interface {
	// GenerateText issues a synchronous text completion.
	GenerateText(ctx context.Context, req *Request) (*TextResponse, error)

	// GenerateStructured issues a completion constrained by req.Schema and
	// returns the parsed document alongside the raw model text.
	GenerateStructured(ctx context.Context, req *Request) (*StructuredResponse, error)

	// GenerateStream issues a streaming completion. The channel is closed
	// after the final chunk; a terminal error arrives as StreamChunk.Err.
	GenerateStream(ctx context.Context, req *Request) (<-chan StreamChunk, error)

	// Name returns the provider's unique identifier.
	Name() string

	// Capabilities reports the backend's capability flags.
	Capabilities() Capabilities
}
