// Package providers hosts shared plumbing for the vendor adapters: HTTP
// error classification into the llm taxonomy and response helpers.
package providers

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/capsulekit/capsulegen/llm"
)

// MapHTTPError classifies an upstream HTTP status into the normalized error
// taxonomy. Every adapter routes non-2xx responses through here so call
// sites only ever see categories.
func MapHTTPError(status int, msg, provider string, header http.Header) *llm.Error {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return llm.NewError(llm.ErrCategoryAuth, msg).WithHTTPStatus(status).WithProvider(provider)
	case status == http.StatusTooManyRequests:
		return llm.NewError(llm.ErrCategoryRateLimit, msg).
			WithHTTPStatus(status).
			WithProvider(provider).
			WithRetryAfter(ParseRetryAfter(header))
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return llm.NewError(llm.ErrCategoryTimeout, msg).WithHTTPStatus(status).WithProvider(provider)
	case status == http.StatusBadRequest:
		lower := strings.ToLower(msg)
		if strings.Contains(lower, "safety") || strings.Contains(lower, "content policy") || strings.Contains(lower, "blocked") {
			return llm.NewError(llm.ErrCategoryContent, msg).WithHTTPStatus(status).WithProvider(provider)
		}
		return llm.NewError(llm.ErrCategoryValidation, msg).WithHTTPStatus(status).WithProvider(provider)
	case status >= 500:
		return llm.NewError(llm.ErrCategoryServer, msg).WithHTTPStatus(status).WithProvider(provider)
	default:
		return llm.NewError(llm.ErrCategoryUnknown, msg).WithHTTPStatus(status).WithProvider(provider)
	}
}

// ParseRetryAfter reads a Retry-After header as either delta seconds or an
// HTTP date. Returns zero when absent or unparseable.
func ParseRetryAfter(header http.Header) time.Duration {
	if header == nil {
		return 0
	}
	v := header.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

// ReadErrorMessage extracts a human-readable error message from an upstream
// response body, falling back to the raw text.
func ReadErrorMessage(body io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(body, 64<<10))
	if err != nil {
		return "failed to read error response"
	}

	var errResp struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &errResp); err == nil && errResp.Error.Message != "" {
		if errResp.Error.Type != "" {
			return fmt.Sprintf("%s (type: %s)", errResp.Error.Message, errResp.Error.Type)
		}
		return errResp.Error.Message
	}

	text := strings.TrimSpace(string(data))
	if text == "" {
		return "upstream returned an empty error body"
	}
	return text
}

// ChooseModel picks the request model, then the configured default, then the
// adapter fallback.
func ChooseModel(requested, configured, fallback string) string {
	if requested != "" {
		return requested
	}
	if configured != "" {
		return configured
	}
	return fallback
}

// BaseConfig is the configuration shared by every vendor adapter.
type BaseConfig struct {
	APIKey  string        `yaml:"api_key" json:"api_key"`
	BaseURL string        `yaml:"base_url" json:"base_url"`
	Model   string        `yaml:"model" json:"model"`
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
}
