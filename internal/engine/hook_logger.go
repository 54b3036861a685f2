// engine/hook_logger.go
package engine

import (
	"context"
	"log"
	"time"
)

// LoggerHook logs engine events through a standard logger.
type LoggerHook struct{ L *log.Logger }

func (h LoggerHook) OnMessageAdded(_ context.Context, msg Message, tokens int) {
	h.L.Printf("message added role=%s tokens=%d", msg.Role, tokens)
}
func (h LoggerHook) OnSettleStart(_ context.Context, totalTokens, budget int) {
	h.L.Printf("settle: %d tokens over budget %d", totalTokens, budget)
}
func (h LoggerHook) OnSummarize(_ context.Context, replaced int, s Summary) {
	h.L.Printf("summarized %d entries → %d tokens (strategy=%s ratio=%.2f confidence=%.2f)",
		replaced, s.Tokens, s.Strategy, s.CompressionRatio, s.Confidence)
}
func (h LoggerHook) OnTruncate(_ context.Context, e Entry) {
	h.L.Printf("truncated oldest entry kind=%s tokens=%d", e.Kind, e.Tokens())
}
func (h LoggerHook) OnOverflow(_ context.Context, requiredTokens, budget int) {
	h.L.Printf("⚠️  irreducible overflow: %d tokens, budget %d", requiredTokens, budget)
}
func (h LoggerHook) OnTopicShift(_ context.Context, a ShiftAnalysis) {
	h.L.Printf("topic shift: shifted=%v confidence=%.2f action=%s topics=%v",
		a.Shifted, a.Confidence, a.RecommendedAction, a.NewTopics)
}
func (h LoggerHook) OnBranchCreated(_ context.Context, b Branch) {
	h.L.Printf("branch created id=%s reason=%s topic=%q fork=%s", b.ID, b.Reason, b.Topic, b.ForkMessageID)
}
func (h LoggerHook) OnBranchSwitched(_ context.Context, fromID, toID string) {
	h.L.Printf("branch switch %s → %s", fromID, toID)
}
func (h LoggerHook) OnRetryAttempt(_ context.Context, attempt int, delay time.Duration, err error) {
	h.L.Printf("summarization retry %d in %s: %v", attempt, delay, err)
}
func (h LoggerHook) OnSummarizeFallback(_ context.Context, err error) {
	h.L.Printf("⚠️  generative summarization failed, using extractive fallback: %v", err)
}
func (h LoggerHook) OnPersist(_ context.Context, degraded bool, err error) {
	switch {
	case err != nil:
		h.L.Printf("⚠️  persist failed (session continues in memory): %v", err)
	case degraded:
		h.L.Printf("persist degraded: primary backend unavailable, wrote backup")
	}
}
