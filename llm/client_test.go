package llm

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capsulekit/capsulegen/llm/retry"
)

// scriptedProvider returns queued errors before succeeding.
type scriptedProvider struct {
	mu       sync.Mutex
	failures []error
	calls    int
	caps     Capabilities
}

func (s *scriptedProvider) next() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if len(s.failures) == 0 {
		return nil
	}
	err := s.failures[0]
	s.failures = s.failures[1:]
	return err
}

func (s *scriptedProvider) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *scriptedProvider) GenerateText(ctx context.Context, req *Request) (*TextResponse, error) {
	if err := s.next(); err != nil {
		return nil, err
	}
	return &TextResponse{Text: "ok", Usage: Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15}}, nil
}

func (s *scriptedProvider) GenerateStructured(ctx context.Context, req *Request) (*StructuredResponse, error) {
	if err := s.next(); err != nil {
		return nil, err
	}
	return &StructuredResponse{Data: []byte(`{}`), RawText: "{}", Usage: Usage{TotalTokens: 7}}, nil
}

func (s *scriptedProvider) GenerateStream(ctx context.Context, req *Request) (<-chan StreamChunk, error) {
	if err := s.next(); err != nil {
		return nil, err
	}
	ch := make(chan StreamChunk, 1)
	ch <- StreamChunk{Delta: "ok", FinishReason: "stop"}
	close(ch)
	return ch, nil
}

func (s *scriptedProvider) Name() string               { return "scripted" }
func (s *scriptedProvider) Capabilities() Capabilities { return s.caps }

// countingHooks records lifecycle notifications.
type countingHooks struct {
	mu      sync.Mutex
	starts  int
	ends    int
	errors  int
	retries int
	delays  []time.Duration
	usage   Usage
}

func (h *countingHooks) OnRequestStart(string, string) {
	h.mu.Lock()
	h.starts++
	h.mu.Unlock()
}

func (h *countingHooks) OnRequestEnd(_, _ string, usage Usage, _ time.Duration) {
	h.mu.Lock()
	h.ends++
	h.usage.Add(usage)
	h.mu.Unlock()
}

func (h *countingHooks) OnRequestError(_, _ string, _ ErrorCategory) {
	h.mu.Lock()
	h.errors++
	h.mu.Unlock()
}

func (h *countingHooks) OnRetry(_, _ string, _ int, delay time.Duration, _ ErrorCategory) {
	h.mu.Lock()
	h.retries++
	h.delays = append(h.delays, delay)
	h.mu.Unlock()
}

func fastPolicy(maxRetries int) *retry.Policy {
	return &retry.Policy{
		MaxRetries:   maxRetries,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
	}
}

func TestClient_RetriesTransientErrors(t *testing.T) {
	provider := &scriptedProvider{failures: []error{
		NewError(ErrCategoryServer, "boom"),
		NewError(ErrCategoryNetwork, "flaky"),
	}}
	hooks := &countingHooks{}
	client := NewClient(provider, ClientConfig{Policy: fastPolicy(3)}, hooks, nil)

	resp, err := client.GenerateText(context.Background(), &Request{
		Messages: []Message{{Role: RoleUser, Content: "hi"}},
	}, DefaultCallOptions())

	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Text)
	assert.Equal(t, 3, provider.callCount())
	assert.Equal(t, 2, hooks.retries)
	assert.Equal(t, 1, hooks.ends)
	assert.Equal(t, 15, hooks.usage.TotalTokens)
}

func TestClient_DoesNotRetryValidationErrors(t *testing.T) {
	provider := &scriptedProvider{failures: []error{
		NewError(ErrCategoryValidation, "bad request"),
	}}
	client := NewClient(provider, ClientConfig{Policy: fastPolicy(3)}, nil, nil)

	_, err := client.GenerateText(context.Background(), &Request{}, DefaultCallOptions())

	require.Error(t, err)
	assert.Equal(t, ErrCategoryValidation, CategoryOf(err))
	assert.Equal(t, 1, provider.callCount())
}

func TestClient_DoesNotRetryAuthErrors(t *testing.T) {
	provider := &scriptedProvider{failures: []error{
		NewError(ErrCategoryAuth, "bad key"),
	}}
	client := NewClient(provider, ClientConfig{Policy: fastPolicy(3)}, nil, nil)

	_, err := client.GenerateStructured(context.Background(), &Request{Schema: []byte(`{}`)}, DefaultCallOptions())

	require.Error(t, err)
	assert.Equal(t, ErrCategoryAuth, CategoryOf(err))
	assert.Equal(t, 1, provider.callCount())
}

func TestClient_ExhaustsRetries(t *testing.T) {
	provider := &scriptedProvider{failures: []error{
		NewError(ErrCategoryServer, "1"),
		NewError(ErrCategoryServer, "2"),
		NewError(ErrCategoryServer, "3"),
	}}
	client := NewClient(provider, ClientConfig{Policy: fastPolicy(2)}, nil, nil)

	_, err := client.GenerateText(context.Background(), &Request{}, DefaultCallOptions())

	require.Error(t, err)
	assert.Equal(t, ErrCategoryServer, CategoryOf(err))
	// initial call plus two retries
	assert.Equal(t, 3, provider.callCount())
}

func TestClient_PerCallRetryOverride(t *testing.T) {
	provider := &scriptedProvider{failures: []error{
		NewError(ErrCategoryServer, "boom"),
	}}
	client := NewClient(provider, ClientConfig{Policy: fastPolicy(3)}, nil, nil)

	opts := DefaultCallOptions()
	opts.MaxRetries = 0

	_, err := client.GenerateText(context.Background(), &Request{}, opts)

	require.Error(t, err)
	assert.Equal(t, 1, provider.callCount())
}

func TestClient_ContextCancelStopsRetries(t *testing.T) {
	provider := &scriptedProvider{failures: []error{
		NewError(ErrCategoryServer, "boom"),
		NewError(ErrCategoryServer, "boom"),
	}}
	client := NewClient(provider, ClientConfig{Policy: &retry.Policy{
		MaxRetries:   3,
		InitialDelay: 200 * time.Millisecond,
		MaxDelay:     time.Second,
		Multiplier:   2.0,
	}}, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := client.GenerateText(ctx, &Request{}, DefaultCallOptions())

	require.Error(t, err)
	assert.Equal(t, 1, provider.callCount())
}

func TestClient_RateLimitDelays(t *testing.T) {
	t.Run("no hint waits the ceiling", func(t *testing.T) {
		provider := &scriptedProvider{failures: []error{
			NewError(ErrCategoryRateLimit, "slow down"),
		}}
		hooks := &countingHooks{}
		client := NewClient(provider, ClientConfig{Policy: fastPolicy(3)}, hooks, nil)

		_, err := client.GenerateText(context.Background(), &Request{}, DefaultCallOptions())

		require.NoError(t, err)
		require.Len(t, hooks.delays, 1)
		assert.Equal(t, 5*time.Millisecond, hooks.delays[0],
			"without Retry-After the delay is the policy ceiling, not the exponential step")
	})

	t.Run("retry-after hint wins", func(t *testing.T) {
		provider := &scriptedProvider{failures: []error{
			NewError(ErrCategoryRateLimit, "slow down").WithRetryAfter(2 * time.Millisecond),
		}}
		hooks := &countingHooks{}
		client := NewClient(provider, ClientConfig{Policy: fastPolicy(3)}, hooks, nil)

		_, err := client.GenerateText(context.Background(), &Request{}, DefaultCallOptions())

		require.NoError(t, err)
		require.Len(t, hooks.delays, 1)
		assert.Equal(t, 2*time.Millisecond, hooks.delays[0])
	})
}

func TestClient_StreamNotRetried(t *testing.T) {
	provider := &scriptedProvider{failures: []error{
		NewError(ErrCategoryServer, "boom"),
	}}
	client := NewClient(provider, ClientConfig{Policy: fastPolicy(3)}, nil, nil)

	_, err := client.GenerateStream(context.Background(), &Request{}, DefaultCallOptions())

	require.Error(t, err)
	assert.Equal(t, 1, provider.callCount())
}

func TestClient_HookUsageOnSuccess(t *testing.T) {
	provider := &scriptedProvider{}
	hooks := &countingHooks{}
	client := NewClient(provider, ClientConfig{}, hooks, nil)

	_, err := client.GenerateStructured(context.Background(), &Request{Schema: []byte(`{}`)}, DefaultCallOptions())

	require.NoError(t, err)
	assert.Equal(t, 1, hooks.starts)
	assert.Equal(t, 1, hooks.ends)
	assert.Equal(t, 0, hooks.errors)
	assert.Equal(t, 7, hooks.usage.TotalTokens)
}
