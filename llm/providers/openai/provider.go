// Package openai implements the provider adapter for the OpenAI Chat
// Completions API and compatible backends.
package openai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/capsulekit/capsulegen/llm"
	"github.com/capsulekit/capsulegen/llm/providers"
)

const (
	defaultBaseURL  = "https://api.openai.com"
	fallbackModel   = "gpt-4o-mini"
	completionsPath = "/v1/chat/completions"
)

// Provider adapts the OpenAI Chat Completions API to the llm.Provider
// contract. Structured output uses the json_schema response format.
type Provider struct {
	cfg    providers.BaseConfig
	client *http.Client
	logger *zap.Logger
}

// New creates an OpenAI provider.
func New(cfg providers.BaseConfig, logger *zap.Logger) *Provider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 120 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provider{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger.With(zap.String("provider", "openai")),
	}
}

// Name implements llm.Provider.
func (p *Provider) Name() string { return "openai" }

// Capabilities implements llm.Provider.
func (p *Provider) Capabilities() llm.Capabilities {
	return llm.Capabilities{
		Streaming:        true,
		StructuredOutput: true,
		NativePDF:        false,
		Vision:           true,
		MaxContextTokens: 128000,
		MaxOutputTokens:  16384,
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type responseFormat struct {
	Type       string          `json:"type"`
	JSONSchema *jsonSchemaSpec `json:"json_schema,omitempty"`
}

type jsonSchemaSpec struct {
	Name   string          `json:"name"`
	Schema json.RawMessage `json:"schema"`
	Strict bool            `json:"strict"`
}

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []chatMessage   `json:"messages"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	Temperature    float32         `json:"temperature,omitempty"`
	Stream         bool            `json:"stream,omitempty"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type chatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type chatResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Created int64  `json:"created"`
	Choices []struct {
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage chatUsage `json:"usage"`
}

type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *chatUsage `json:"usage"`
}

// GenerateText implements llm.Provider.
func (p *Provider) GenerateText(ctx context.Context, req *llm.Request) (*llm.TextResponse, error) {
	body := p.buildBody(req, false)
	resp, err := p.roundTrip(ctx, req, body)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// GenerateStructured implements llm.Provider. The schema is enforced by the
// API; the raw text is still returned for the repair path since compatible
// backends vary in strictness.
func (p *Provider) GenerateStructured(ctx context.Context, req *llm.Request) (*llm.StructuredResponse, error) {
	if req.Document != nil {
		return nil, llm.NewError(llm.ErrCategoryValidation, "openai adapter does not accept inline documents").WithProvider(p.Name())
	}
	body := p.buildBody(req, true)
	resp, err := p.roundTrip(ctx, req, body)
	if err != nil {
		return nil, err
	}
	return &llm.StructuredResponse{
		Data:    json.RawMessage(resp.Text),
		RawText: resp.Text,
		Usage:   resp.Usage,
	}, nil
}

// GenerateStream implements llm.Provider using server-sent events.
func (p *Provider) GenerateStream(ctx context.Context, req *llm.Request) (<-chan llm.StreamChunk, error) {
	body := p.buildBody(req, false)
	body.Stream = true

	httpResp, err := p.send(ctx, req, body)
	if err != nil {
		return nil, err
	}

	out := make(chan llm.StreamChunk)
	go func() {
		defer close(out)
		defer httpResp.Body.Close()

		scanner := bufio.NewScanner(httpResp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			payload := strings.TrimPrefix(line, "data: ")
			if payload == "[DONE]" {
				return
			}
			var chunk streamChunk
			if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
				continue
			}
			sc := llm.StreamChunk{}
			if len(chunk.Choices) > 0 {
				sc.Delta = chunk.Choices[0].Delta.Content
				sc.FinishReason = chunk.Choices[0].FinishReason
			}
			if chunk.Usage != nil {
				sc.Usage = &llm.Usage{
					PromptTokens:     chunk.Usage.PromptTokens,
					CompletionTokens: chunk.Usage.CompletionTokens,
					TotalTokens:      chunk.Usage.TotalTokens,
				}
			}
			select {
			case out <- sc:
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil {
			norm := llm.Normalize(err, p.Name())
			select {
			case out <- llm.StreamChunk{Err: norm}:
			case <-ctx.Done():
			}
		}
	}()
	return out, nil
}

func (p *Provider) buildBody(req *llm.Request, structured bool) *chatRequest {
	body := &chatRequest{
		Model:       providers.ChooseModel(req.Model, p.cfg.Model, fallbackModel),
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}
	for _, m := range req.Messages {
		body.Messages = append(body.Messages, chatMessage{Role: string(m.Role), Content: m.Content})
	}
	if structured && len(req.Schema) > 0 {
		name := req.SchemaName
		if name == "" {
			name = "response"
		}
		body.ResponseFormat = &responseFormat{
			Type:       "json_schema",
			JSONSchema: &jsonSchemaSpec{Name: name, Schema: req.Schema, Strict: true},
		}
	}
	return body
}

func (p *Provider) send(ctx context.Context, req *llm.Request, body *chatRequest) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, llm.NewError(llm.ErrCategoryValidation, "failed to encode request").WithCause(err).WithProvider(p.Name())
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint(completionsPath), bytes.NewReader(payload))
	if err != nil {
		return nil, llm.NewError(llm.ErrCategoryValidation, "failed to build request").WithCause(err).WithProvider(p.Name())
	}
	httpReq.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	httpResp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, llm.Normalize(err, p.Name())
	}
	if httpResp.StatusCode != http.StatusOK {
		defer httpResp.Body.Close()
		msg := providers.ReadErrorMessage(httpResp.Body)
		return nil, providers.MapHTTPError(httpResp.StatusCode, msg, p.Name(), httpResp.Header)
	}
	return httpResp, nil
}

func (p *Provider) roundTrip(ctx context.Context, req *llm.Request, body *chatRequest) (*llm.TextResponse, error) {
	httpResp, err := p.send(ctx, req, body)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	var parsed chatResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&parsed); err != nil {
		return nil, llm.NewError(llm.ErrCategoryServer, "failed to decode response").WithCause(err).WithProvider(p.Name())
	}
	if len(parsed.Choices) == 0 {
		return nil, llm.NewError(llm.ErrCategoryServer, "response contained no choices").WithProvider(p.Name())
	}

	choice := parsed.Choices[0]
	if choice.FinishReason == "content_filter" {
		return nil, llm.NewError(llm.ErrCategoryContent, "completion blocked by content filter").WithProvider(p.Name())
	}

	return &llm.TextResponse{
		Text:     choice.Message.Content,
		Model:    parsed.Model,
		Provider: p.Name(),
		Usage: llm.Usage{
			PromptTokens:     parsed.Usage.PromptTokens,
			CompletionTokens: parsed.Usage.CompletionTokens,
			TotalTokens:      parsed.Usage.TotalTokens,
		},
		FinishReason: choice.FinishReason,
		CreatedAt:    time.Unix(parsed.Created, 0),
	}, nil
}

func (p *Provider) endpoint(path string) string {
	return fmt.Sprintf("%s%s", strings.TrimRight(p.cfg.BaseURL, "/"), path)
}
