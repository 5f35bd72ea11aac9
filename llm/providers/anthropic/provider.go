// Package anthropic implements the provider adapter for the Anthropic
// Messages API. It accepts inline PDF documents and produces structured
// output through a forced tool call carrying the target schema.
package anthropic

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
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
	defaultBaseURL = "https://api.anthropic.com"
	fallbackModel  = "claude-3-5-sonnet-latest"
	messagesPath   = "/v1/messages"
	apiVersion     = "2023-06-01"

	// structuredToolName is the synthetic tool forcing schema-shaped output.
	structuredToolName = "emit_structured_output"
)

// Provider adapts the Anthropic Messages API to the llm.Provider contract.
type Provider struct {
	cfg    providers.BaseConfig
	client *http.Client
	logger *zap.Logger
}

// New creates an Anthropic provider.
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
		logger: logger.With(zap.String("provider", "anthropic")),
	}
}

// Name implements llm.Provider.
func (p *Provider) Name() string { return "anthropic" }

// Capabilities implements llm.Provider.
func (p *Provider) Capabilities() llm.Capabilities {
	return llm.Capabilities{
		Streaming:        true,
		StructuredOutput: true,
		NativePDF:        true,
		Vision:           true,
		MaxContextTokens: 200000,
		MaxOutputTokens:  8192,
	}
}

type contentBlock struct {
	Type   string          `json:"type"`
	Text   string          `json:"text,omitempty"`
	Source *documentSource `json:"source,omitempty"`
	// Tool use fields on response blocks.
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`
}

type documentSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

type message struct {
	Role    string         `json:"role"`
	Content []contentBlock `json:"content"`
}

type toolSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema"`
}

type toolChoice struct {
	Type string `json:"type"`
	Name string `json:"name,omitempty"`
}

type messagesRequest struct {
	Model       string      `json:"model"`
	System      string      `json:"system,omitempty"`
	Messages    []message   `json:"messages"`
	MaxTokens   int         `json:"max_tokens"`
	Temperature float32     `json:"temperature,omitempty"`
	Stream      bool        `json:"stream,omitempty"`
	Tools       []toolSpec  `json:"tools,omitempty"`
	ToolChoice  *toolChoice `json:"tool_choice,omitempty"`
}

type messagesResponse struct {
	ID         string         `json:"id"`
	Model      string         `json:"model"`
	StopReason string         `json:"stop_reason"`
	Content    []contentBlock `json:"content"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// GenerateText implements llm.Provider.
func (p *Provider) GenerateText(ctx context.Context, req *llm.Request) (*llm.TextResponse, error) {
	body, err := p.buildBody(req, false)
	if err != nil {
		return nil, err
	}
	parsed, err := p.roundTrip(ctx, req, body)
	if err != nil {
		return nil, err
	}

	var sb strings.Builder
	for _, block := range parsed.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	return &llm.TextResponse{
		Text:         sb.String(),
		Model:        parsed.Model,
		Provider:     p.Name(),
		Usage:        usageOf(parsed),
		FinishReason: parsed.StopReason,
	}, nil
}

// GenerateStructured implements llm.Provider. The schema rides as the input
// schema of a forced tool call; the tool input is the structured document.
func (p *Provider) GenerateStructured(ctx context.Context, req *llm.Request) (*llm.StructuredResponse, error) {
	if len(req.Schema) == 0 {
		return nil, llm.NewError(llm.ErrCategoryValidation, "structured request requires a schema").WithProvider(p.Name())
	}
	body, err := p.buildBody(req, true)
	if err != nil {
		return nil, err
	}
	parsed, err := p.roundTrip(ctx, req, body)
	if err != nil {
		return nil, err
	}

	for _, block := range parsed.Content {
		if block.Type == "tool_use" && block.Name == structuredToolName {
			return &llm.StructuredResponse{
				Data:    block.Input,
				RawText: string(block.Input),
				Usage:   usageOf(parsed),
			}, nil
		}
	}
	// Model answered in prose instead of using the tool. Return the text so
	// the repair path can salvage it.
	var sb strings.Builder
	for _, block := range parsed.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	return &llm.StructuredResponse{
		Data:    json.RawMessage(sb.String()),
		RawText: sb.String(),
		Usage:   usageOf(parsed),
	}, nil
}

// GenerateStream implements llm.Provider via server-sent events.
func (p *Provider) GenerateStream(ctx context.Context, req *llm.Request) (<-chan llm.StreamChunk, error) {
	body, err := p.buildBody(req, false)
	if err != nil {
		return nil, err
	}
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
			var event struct {
				Type  string `json:"type"`
				Delta struct {
					Type       string `json:"type"`
					Text       string `json:"text"`
					StopReason string `json:"stop_reason"`
				} `json:"delta"`
			}
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &event); err != nil {
				continue
			}
			switch event.Type {
			case "content_block_delta":
				select {
				case out <- llm.StreamChunk{Delta: event.Delta.Text}:
				case <-ctx.Done():
					return
				}
			case "message_delta":
				if event.Delta.StopReason != "" {
					select {
					case out <- llm.StreamChunk{FinishReason: event.Delta.StopReason}:
					case <-ctx.Done():
					}
				}
			case "message_stop":
				return
			}
		}
	}()
	return out, nil
}

func (p *Provider) buildBody(req *llm.Request, structured bool) (*messagesRequest, error) {
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = 4096
	}
	body := &messagesRequest{
		Model:       providers.ChooseModel(req.Model, p.cfg.Model, fallbackModel),
		MaxTokens:   maxTokens,
		Temperature: req.Temperature,
	}

	for _, m := range req.Messages {
		if m.Role == llm.RoleSystem {
			// Anthropic takes the system prompt as a top-level field.
			if body.System != "" {
				body.System += "\n\n"
			}
			body.System += m.Content
			continue
		}
		body.Messages = append(body.Messages, message{
			Role:    string(m.Role),
			Content: []contentBlock{{Type: "text", Text: m.Content}},
		})
	}

	if req.Document != nil {
		if len(body.Messages) == 0 {
			return nil, llm.NewError(llm.ErrCategoryValidation, "document request requires at least one user message").WithProvider(p.Name())
		}
		last := &body.Messages[len(body.Messages)-1]
		last.Content = append([]contentBlock{{
			Type: "document",
			Source: &documentSource{
				Type:      "base64",
				MediaType: req.Document.MimeType,
				Data:      base64.StdEncoding.EncodeToString(req.Document.Data),
			},
		}}, last.Content...)
	}

	if structured {
		body.Tools = []toolSpec{{
			Name:        structuredToolName,
			Description: "Record the answer in the exact schema requested.",
			InputSchema: req.Schema,
		}}
		body.ToolChoice = &toolChoice{Type: "tool", Name: structuredToolName}
	}
	return body, nil
}

func (p *Provider) send(ctx context.Context, req *llm.Request, body *messagesRequest) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, llm.NewError(llm.ErrCategoryValidation, "failed to encode request").WithCause(err).WithProvider(p.Name())
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint(messagesPath), bytes.NewReader(payload))
	if err != nil {
		return nil, llm.NewError(llm.ErrCategoryValidation, "failed to build request").WithCause(err).WithProvider(p.Name())
	}
	httpReq.Header.Set("x-api-key", p.cfg.APIKey)
	httpReq.Header.Set("anthropic-version", apiVersion)
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

func (p *Provider) roundTrip(ctx context.Context, req *llm.Request, body *messagesRequest) (*messagesResponse, error) {
	httpResp, err := p.send(ctx, req, body)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	var parsed messagesResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&parsed); err != nil {
		return nil, llm.NewError(llm.ErrCategoryServer, "failed to decode response").WithCause(err).WithProvider(p.Name())
	}
	if parsed.StopReason == "refusal" {
		return nil, llm.NewError(llm.ErrCategoryContent, "completion refused by model").WithProvider(p.Name())
	}
	return &parsed, nil
}

func usageOf(resp *messagesResponse) llm.Usage {
	return llm.Usage{
		PromptTokens:     resp.Usage.InputTokens,
		CompletionTokens: resp.Usage.OutputTokens,
		TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
	}
}

func (p *Provider) endpoint(path string) string {
	return fmt.Sprintf("%s%s", strings.TrimRight(p.cfg.BaseURL, "/"), path)
}
