package llm

import "time"

// Hooks receives lifecycle notifications from the client. Implementations
// are observability only and must never influence control flow; the client
// ignores anything a hook does.
type Hooks interface {
	OnRequestStart(provider, model string)
	OnRequestEnd(provider, model string, usage Usage, elapsed time.Duration)
	OnRequestError(provider, model string, category ErrorCategory)
	OnRetry(provider, model string, attempt int, delay time.Duration, category ErrorCategory)
}

// NopHooks is the default no-op Hooks implementation.
type NopHooks struct{}

func (NopHooks) OnRequestStart(string, string)                             {}
func (NopHooks) OnRequestEnd(string, string, Usage, time.Duration)         {}
func (NopHooks) OnRequestError(string, string, ErrorCategory)              {}
func (NopHooks) OnRetry(string, string, int, time.Duration, ErrorCategory) {}

// MultiHooks fans notifications out to several hook implementations.
type MultiHooks []Hooks

func (m MultiHooks) OnRequestStart(provider, model string) {
	for _, h := range m {
		h.OnRequestStart(provider, model)
	}
}

func (m MultiHooks) OnRequestEnd(provider, model string, usage Usage, elapsed time.Duration) {
	for _, h := range m {
		h.OnRequestEnd(provider, model, usage, elapsed)
	}
}

func (m MultiHooks) OnRequestError(provider, model string, category ErrorCategory) {
	for _, h := range m {
		h.OnRequestError(provider, model, category)
	}
}

func (m MultiHooks) OnRetry(provider, model string, attempt int, delay time.Duration, category ErrorCategory) {
	for _, h := range m {
		h.OnRetry(provider, model, attempt, delay, category)
	}
}
