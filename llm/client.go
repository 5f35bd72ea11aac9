package llm

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/capsulekit/capsulegen/llm/retry"
)

// CallOptions tune a single client call. The zero value uses the client's
// configured defaults.
type CallOptions struct {
	// Timeout aborts the request after the given duration. Zero keeps the
	// client default.
	Timeout time.Duration

	// MaxRetries caps retry attempts for this call. Negative means "use the
	// client default"; zero disables retries.
	MaxRetries int

	// SkipRateLimit bypasses the shared client-side throttle.
	SkipRateLimit bool

	// Headers are passed through to the provider request.
	Headers map[string]string
}

// DefaultCallOptions returns options deferring everything to client defaults.
func DefaultCallOptions() CallOptions {
	return CallOptions{MaxRetries: -1}
}

// ClientConfig configures a Client.
type ClientConfig struct {
	// DefaultTimeout bounds each individual provider call.
	DefaultTimeout time.Duration

	// Policy drives backoff between retries.
	Policy *retry.Policy

	// RateLimit throttles outbound requests across all callers sharing the
	// client. Zero disables throttling.
	RateLimit rate.Limit

	// RateBurst is the limiter burst size when RateLimit is set.
	RateBurst int
}

// DefaultClientConfig returns the standard client configuration.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		DefaultTimeout: 120 * time.Second,
		Policy:         retry.DefaultPolicy(),
	}
}

// Client is the single call surface used by every pipeline stage. It wraps a
// provider adapter with retry/backoff, per-request timeouts, shared rate
// limiting, and observability hooks. A caller never sees a partially applied
// retry: the client returns either a fully valid response or the last
// classified error.
type Client struct {
	provider Provider
	policy   *retry.Policy
	timeout  time.Duration
	limiter  *rate.Limiter
	hooks    Hooks
	logger   *zap.Logger
}

// NewClient wraps a provider adapter.
func NewClient(provider Provider, cfg ClientConfig, hooks Hooks, logger *zap.Logger) *Client {
	if cfg.Policy == nil {
		cfg.Policy = retry.DefaultPolicy()
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 120 * time.Second
	}
	if hooks == nil {
		hooks = NopHooks{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	var limiter *rate.Limiter
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(cfg.RateLimit, burst)
	}
	return &Client{
		provider: provider,
		policy:   cfg.Policy.Sanitize(),
		timeout:  cfg.DefaultTimeout,
		limiter:  limiter,
		hooks:    hooks,
		logger:   logger.With(zap.String("component", "llm_client"), zap.String("provider", provider.Name())),
	}
}

// Provider exposes the wrapped adapter, mainly for capability checks.
func (c *Client) Provider() Provider { return c.provider }

// GenerateText issues a text completion with retry.
func (c *Client) GenerateText(ctx context.Context, req *Request, opts CallOptions) (*TextResponse, error) {
	var resp *TextResponse
	err := c.do(ctx, req, opts, func(callCtx context.Context, r *Request) (Usage, error) {
		var callErr error
		resp, callErr = c.provider.GenerateText(callCtx, r)
		if callErr != nil {
			return Usage{}, callErr
		}
		return resp.Usage, nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// GenerateStructured issues a schema-constrained completion with retry.
func (c *Client) GenerateStructured(ctx context.Context, req *Request, opts CallOptions) (*StructuredResponse, error) {
	var resp *StructuredResponse
	err := c.do(ctx, req, opts, func(callCtx context.Context, r *Request) (Usage, error) {
		var callErr error
		resp, callErr = c.provider.GenerateStructured(callCtx, r)
		if callErr != nil {
			return Usage{}, callErr
		}
		return resp.Usage, nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// GenerateStream opens a streaming completion. Streams are not retried: a
// consumer may already have observed partial output.
func (c *Client) GenerateStream(ctx context.Context, req *Request, opts CallOptions) (<-chan StreamChunk, error) {
	r := c.prepare(req, opts)
	if err := c.wait(ctx, opts); err != nil {
		return nil, err
	}
	c.hooks.OnRequestStart(c.provider.Name(), r.Model)
	ch, err := c.provider.GenerateStream(ctx, r)
	if err != nil {
		norm := Normalize(err, c.provider.Name())
		c.hooks.OnRequestError(c.provider.Name(), r.Model, norm.Category)
		return nil, norm
	}
	return ch, nil
}

func (c *Client) prepare(req *Request, opts CallOptions) *Request {
	r := req.Clone()
	if len(opts.Headers) > 0 {
		if r.Headers == nil {
			r.Headers = make(map[string]string, len(opts.Headers))
		}
		for k, v := range opts.Headers {
			r.Headers[k] = v
		}
	}
	return r
}

func (c *Client) wait(ctx context.Context, opts CallOptions) error {
	if c.limiter == nil || opts.SkipRateLimit {
		return nil
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return Normalize(err, c.provider.Name())
	}
	return nil
}

// do runs one call under the retry loop. Classification comes exclusively
// from the error taxonomy; hooks observe every transition but never steer it.
func (c *Client) do(ctx context.Context, req *Request, opts CallOptions, call func(context.Context, *Request) (Usage, error)) error {
	r := c.prepare(req, opts)

	timeout := c.timeout
	if opts.Timeout > 0 {
		timeout = opts.Timeout
	}
	maxRetries := c.policy.MaxRetries
	if opts.MaxRetries >= 0 {
		maxRetries = opts.MaxRetries
	}

	var lastErr *Error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			suggested := lastErr.RetryAfter
			if suggested <= 0 && lastErr.Category == ErrCategoryRateLimit {
				// Rate limits without a Retry-After hint wait the full
				// backoff ceiling; the early exponential steps would just
				// burn attempts against a closed window.
				suggested = c.policy.MaxDelay
			}
			delay := c.policy.Delay(attempt, suggested)
			c.hooks.OnRetry(c.provider.Name(), r.Model, attempt, delay, lastErr.Category)
			c.logger.Debug("retrying request",
				zap.Int("attempt", attempt),
				zap.Int("max_retries", maxRetries),
				zap.Duration("delay", delay),
				zap.String("category", string(lastErr.Category)),
			)
			select {
			case <-ctx.Done():
				return Normalize(ctx.Err(), c.provider.Name())
			case <-time.After(delay):
			}
		}

		if err := c.wait(ctx, opts); err != nil {
			return err
		}

		callCtx, cancel := context.WithTimeout(ctx, timeout)
		start := time.Now()
		c.hooks.OnRequestStart(c.provider.Name(), r.Model)
		usage, err := call(callCtx, r)
		cancel()

		if err == nil {
			c.hooks.OnRequestEnd(c.provider.Name(), r.Model, usage, time.Since(start))
			if attempt > 0 {
				c.logger.Info("request succeeded after retry", zap.Int("attempt", attempt))
			}
			return nil
		}

		lastErr = Normalize(err, c.provider.Name())
		c.hooks.OnRequestError(c.provider.Name(), r.Model, lastErr.Category)

		// The outer context expiring is final even when the per-call
		// timeout category says retryable.
		if ctx.Err() != nil {
			return lastErr
		}
		if !lastErr.Retryable() {
			c.logger.Debug("error not retryable", zap.String("category", string(lastErr.Category)), zap.Error(lastErr))
			return lastErr
		}
	}

	c.logger.Warn("retries exhausted",
		zap.Int("attempts", maxRetries+1),
		zap.String("category", string(lastErr.Category)),
		zap.Error(lastErr),
	)
	return lastErr
}
