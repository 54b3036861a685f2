// engine/hooks.go

package engine

import (
	"context"
	"time"
)

// Hook receives engine lifecycle events for observability. All methods are
// called synchronously on the conversation's goroutine; implementations must
// be fast and must not call back into the manager.
type Hook interface {
	OnMessageAdded(ctx context.Context, msg Message, tokens int)
	OnSettleStart(ctx context.Context, totalTokens, budget int)
	OnSummarize(ctx context.Context, replaced int, summary Summary)
	OnTruncate(ctx context.Context, entry Entry)
	OnOverflow(ctx context.Context, requiredTokens, budget int)
	OnTopicShift(ctx context.Context, analysis ShiftAnalysis)
	OnBranchCreated(ctx context.Context, branch Branch)
	OnBranchSwitched(ctx context.Context, fromID, toID string)
	OnRetryAttempt(ctx context.Context, attempt int, delay time.Duration, err error)
	OnSummarizeFallback(ctx context.Context, err error)
	OnPersist(ctx context.Context, degraded bool, err error)
}

// NopHook lets you implement only the hooks you need.
type NopHook struct{}

func (NopHook) OnMessageAdded(context.Context, Message, int)              {}
func (NopHook) OnSettleStart(context.Context, int, int)                   {}
func (NopHook) OnSummarize(context.Context, int, Summary)                 {}
func (NopHook) OnTruncate(context.Context, Entry)                         {}
func (NopHook) OnOverflow(context.Context, int, int)                      {}
func (NopHook) OnTopicShift(context.Context, ShiftAnalysis)               {}
func (NopHook) OnBranchCreated(context.Context, Branch)                   {}
func (NopHook) OnBranchSwitched(context.Context, string, string)          {}
func (NopHook) OnRetryAttempt(context.Context, int, time.Duration, error) {}
func (NopHook) OnSummarizeFallback(context.Context, error)                {}
func (NopHook) OnPersist(context.Context, bool, error)                    {}

// Hooks fans events out to multiple hooks. A nil Hooks value is safe to call.
type Hooks []Hook

func (hs Hooks) OnMessageAdded(ctx context.Context, m Message, tokens int) {
	for _, h := range hs {
		h.OnMessageAdded(ctx, m, tokens)
	}
}
func (hs Hooks) OnSettleStart(ctx context.Context, totalTokens, budget int) {
	for _, h := range hs {
		h.OnSettleStart(ctx, totalTokens, budget)
	}
}
func (hs Hooks) OnSummarize(ctx context.Context, replaced int, s Summary) {
	for _, h := range hs {
		h.OnSummarize(ctx, replaced, s)
	}
}
func (hs Hooks) OnTruncate(ctx context.Context, e Entry) {
	for _, h := range hs {
		h.OnTruncate(ctx, e)
	}
}
func (hs Hooks) OnOverflow(ctx context.Context, requiredTokens, budget int) {
	for _, h := range hs {
		h.OnOverflow(ctx, requiredTokens, budget)
	}
}
func (hs Hooks) OnTopicShift(ctx context.Context, a ShiftAnalysis) {
	for _, h := range hs {
		h.OnTopicShift(ctx, a)
	}
}
func (hs Hooks) OnBranchCreated(ctx context.Context, b Branch) {
	for _, h := range hs {
		h.OnBranchCreated(ctx, b)
	}
}
func (hs Hooks) OnBranchSwitched(ctx context.Context, fromID, toID string) {
	for _, h := range hs {
		h.OnBranchSwitched(ctx, fromID, toID)
	}
}
func (hs Hooks) OnRetryAttempt(ctx context.Context, attempt int, delay time.Duration, err error) {
	for _, h := range hs {
		h.OnRetryAttempt(ctx, attempt, delay, err)
	}
}
func (hs Hooks) OnSummarizeFallback(ctx context.Context, err error) {
	for _, h := range hs {
		h.OnSummarizeFallback(ctx, err)
	}
}
func (hs Hooks) OnPersist(ctx context.Context, degraded bool, err error) {
	for _, h := range hs {
		h.OnPersist(ctx, degraded, err)
	}
}
