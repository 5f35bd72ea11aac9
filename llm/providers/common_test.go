package providers

import (
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/capsulekit/capsulegen/llm"
)

func TestMapHTTPError_Categories(t *testing.T) {
	cases := []struct {
		status int
		msg    string
		want   llm.ErrorCategory
	}{
		{401, "bad key", llm.ErrCategoryAuth},
		{403, "forbidden", llm.ErrCategoryAuth},
		{429, "slow down", llm.ErrCategoryRateLimit},
		{408, "timeout", llm.ErrCategoryTimeout},
		{504, "gateway timeout", llm.ErrCategoryTimeout},
		{400, "invalid schema", llm.ErrCategoryValidation},
		{400, "request blocked by safety system", llm.ErrCategoryContent},
		{400, "violates content policy", llm.ErrCategoryContent},
		{500, "internal", llm.ErrCategoryServer},
		{503, "overloaded", llm.ErrCategoryServer},
		{418, "teapot", llm.ErrCategoryUnknown},
	}
	for _, tc := range cases {
		e := MapHTTPError(tc.status, tc.msg, "test", nil)
		assert.Equal(t, tc.want, e.Category, "status %d %q", tc.status, tc.msg)
		assert.Equal(t, tc.status, e.HTTPStatus)
		assert.Equal(t, "test", e.Provider)
	}
}

func TestMapHTTPError_RateLimitCarriesRetryAfter(t *testing.T) {
	h := http.Header{}
	h.Set("Retry-After", "7")

	e := MapHTTPError(429, "slow down", "test", h)

	assert.Equal(t, llm.ErrCategoryRateLimit, e.Category)
	assert.Equal(t, 7*time.Second, e.RetryAfter)
	assert.True(t, e.Retryable())
}

func TestParseRetryAfter(t *testing.T) {
	assert.Equal(t, time.Duration(0), ParseRetryAfter(nil))

	h := http.Header{}
	assert.Equal(t, time.Duration(0), ParseRetryAfter(h))

	h.Set("Retry-After", "30")
	assert.Equal(t, 30*time.Second, ParseRetryAfter(h))

	h.Set("Retry-After", time.Now().Add(10*time.Second).UTC().Format(http.TimeFormat))
	d := ParseRetryAfter(h)
	assert.Greater(t, d, 5*time.Second)
	assert.LessOrEqual(t, d, 10*time.Second)

	h.Set("Retry-After", "garbage")
	assert.Equal(t, time.Duration(0), ParseRetryAfter(h))
}

func TestReadErrorMessage(t *testing.T) {
	msg := ReadErrorMessage(strings.NewReader(`{"error":{"message":"quota exceeded","type":"insufficient_quota"}}`))
	assert.Equal(t, "quota exceeded (type: insufficient_quota)", msg)

	msg = ReadErrorMessage(strings.NewReader(`{"error":{"message":"plain"}}`))
	assert.Equal(t, "plain", msg)

	msg = ReadErrorMessage(strings.NewReader("service unavailable"))
	assert.Equal(t, "service unavailable", msg)

	msg = ReadErrorMessage(strings.NewReader(""))
	assert.Equal(t, "upstream returned an empty error body", msg)
}

func TestChooseModel(t *testing.T) {
	assert.Equal(t, "req", ChooseModel("req", "cfg", "fb"))
	assert.Equal(t, "cfg", ChooseModel("", "cfg", "fb"))
	assert.Equal(t, "fb", ChooseModel("", "", "fb"))
}
