// Package gemini implements the provider adapter for the Google Gemini
// generateContent API. Gemini accepts inline PDFs and enforces structured
// output through responseSchema.
package gemini

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
	defaultBaseURL = "https://generativelanguage.googleapis.com"
	fallbackModel  = "gemini-2.0-flash"
)

// Provider adapts the Gemini API to the llm.Provider contract.
type Provider struct {
	cfg    providers.BaseConfig
	client *http.Client
	logger *zap.Logger
}

// New creates a Gemini provider.
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
		logger: logger.With(zap.String("provider", "gemini")),
	}
}

// Name implements llm.Provider.
func (p *Provider) Name() string { return "gemini" }

// Capabilities implements llm.Provider.
func (p *Provider) Capabilities() llm.Capabilities {
	return llm.Capabilities{
		Streaming:        true,
		StructuredOutput: true,
		NativePDF:        true,
		Vision:           true,
		MaxContextTokens: 1000000,
		MaxOutputTokens:  8192,
	}
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type generationConfig struct {
	Temperature      float32         `json:"temperature,omitempty"`
	MaxOutputTokens  int             `json:"maxOutputTokens,omitempty"`
	ResponseMimeType string          `json:"responseMimeType,omitempty"`
	ResponseSchema   json.RawMessage `json:"responseSchema,omitempty"`
}

type generateRequest struct {
	Contents          []content         `json:"contents"`
	SystemInstruction *content          `json:"systemInstruction,omitempty"`
	GenerationConfig  *generationConfig `json:"generationConfig,omitempty"`
}

type generateResponse struct {
	Candidates []struct {
		Content      content `json:"content"`
		FinishReason string  `json:"finishReason"`
	} `json:"candidates"`
	PromptFeedback *struct {
		BlockReason string `json:"blockReason"`
	} `json:"promptFeedback"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
		TotalTokenCount      int `json:"totalTokenCount"`
	} `json:"usageMetadata"`
}

// GenerateText implements llm.Provider.
func (p *Provider) GenerateText(ctx context.Context, req *llm.Request) (*llm.TextResponse, error) {
	body := p.buildBody(req, false)
	parsed, err := p.roundTrip(ctx, req, body)
	if err != nil {
		return nil, err
	}
	return &llm.TextResponse{
		Text:         textOf(parsed),
		Model:        providers.ChooseModel(req.Model, p.cfg.Model, fallbackModel),
		Provider:     p.Name(),
		Usage:        usageOf(parsed),
		FinishReason: finishOf(parsed),
	}, nil
}

// GenerateStructured implements llm.Provider.
func (p *Provider) GenerateStructured(ctx context.Context, req *llm.Request) (*llm.StructuredResponse, error) {
	if len(req.Schema) == 0 {
		return nil, llm.NewError(llm.ErrCategoryValidation, "structured request requires a schema").WithProvider(p.Name())
	}
	body := p.buildBody(req, true)
	parsed, err := p.roundTrip(ctx, req, body)
	if err != nil {
		return nil, err
	}
	text := textOf(parsed)
	return &llm.StructuredResponse{
		Data:    json.RawMessage(text),
		RawText: text,
		Usage:   usageOf(parsed),
	}, nil
}

// GenerateStream implements llm.Provider using the SSE streaming endpoint.
func (p *Provider) GenerateStream(ctx context.Context, req *llm.Request) (<-chan llm.StreamChunk, error) {
	body := p.buildBody(req, false)
	httpResp, err := p.send(ctx, req, body, true)
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
			var chunk generateResponse
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &chunk); err != nil {
				continue
			}
			sc := llm.StreamChunk{Delta: textOf(&chunk), FinishReason: finishOf(&chunk)}
			if chunk.UsageMetadata.TotalTokenCount > 0 {
				u := usageOf(&chunk)
				sc.Usage = &u
			}
			select {
			case out <- sc:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (p *Provider) buildBody(req *llm.Request, structured bool) *generateRequest {
	body := &generateRequest{}

	for _, m := range req.Messages {
		if m.Role == llm.RoleSystem {
			if body.SystemInstruction == nil {
				body.SystemInstruction = &content{}
			}
			body.SystemInstruction.Parts = append(body.SystemInstruction.Parts, part{Text: m.Content})
			continue
		}
		role := "user"
		if m.Role == llm.RoleAssistant {
			role = "model"
		}
		body.Contents = append(body.Contents, content{Role: role, Parts: []part{{Text: m.Content}}})
	}

	if req.Document != nil && len(body.Contents) > 0 {
		first := &body.Contents[0]
		first.Parts = append([]part{{InlineData: &inlineData{
			MimeType: req.Document.MimeType,
			Data:     base64.StdEncoding.EncodeToString(req.Document.Data),
		}}}, first.Parts...)
	}

	cfg := &generationConfig{
		Temperature:     req.Temperature,
		MaxOutputTokens: req.MaxTokens,
	}
	if structured {
		cfg.ResponseMimeType = "application/json"
		cfg.ResponseSchema = req.Schema
	}
	body.GenerationConfig = cfg
	return body
}

func (p *Provider) send(ctx context.Context, req *llm.Request, body *generateRequest, stream bool) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, llm.NewError(llm.ErrCategoryValidation, "failed to encode request").WithCause(err).WithProvider(p.Name())
	}

	model := providers.ChooseModel(req.Model, p.cfg.Model, fallbackModel)
	method := "generateContent"
	query := ""
	if stream {
		method = "streamGenerateContent"
		query = "&alt=sse"
	}
	url := fmt.Sprintf("%s/v1beta/models/%s:%s?key=%s%s",
		strings.TrimRight(p.cfg.BaseURL, "/"), model, method, p.cfg.APIKey, query)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, llm.NewError(llm.ErrCategoryValidation, "failed to build request").WithCause(err).WithProvider(p.Name())
	}
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

func (p *Provider) roundTrip(ctx context.Context, req *llm.Request, body *generateRequest) (*generateResponse, error) {
	httpResp, err := p.send(ctx, req, body, false)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	var parsed generateResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&parsed); err != nil {
		return nil, llm.NewError(llm.ErrCategoryServer, "failed to decode response").WithCause(err).WithProvider(p.Name())
	}
	if parsed.PromptFeedback != nil && parsed.PromptFeedback.BlockReason != "" {
		return nil, llm.NewError(llm.ErrCategoryContent,
			fmt.Sprintf("prompt blocked: %s", parsed.PromptFeedback.BlockReason)).WithProvider(p.Name())
	}
	if len(parsed.Candidates) == 0 {
		return nil, llm.NewError(llm.ErrCategoryServer, "response contained no candidates").WithProvider(p.Name())
	}
	if parsed.Candidates[0].FinishReason == "SAFETY" {
		return nil, llm.NewError(llm.ErrCategoryContent, "completion blocked by safety filter").WithProvider(p.Name())
	}
	return &parsed, nil
}

func textOf(resp *generateResponse) string {
	if len(resp.Candidates) == 0 {
		return ""
	}
	var sb strings.Builder
	for _, pt := range resp.Candidates[0].Content.Parts {
		sb.WriteString(pt.Text)
	}
	return sb.String()
}

func finishOf(resp *generateResponse) string {
	if len(resp.Candidates) == 0 {
		return ""
	}
	return resp.Candidates[0].FinishReason
}

func usageOf(resp *generateResponse) llm.Usage {
	return llm.Usage{
		PromptTokens:     resp.UsageMetadata.PromptTokenCount,
		CompletionTokens: resp.UsageMetadata.CandidatesTokenCount,
		TotalTokens:      resp.UsageMetadata.TotalTokenCount,
	}
}
