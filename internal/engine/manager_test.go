package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
)

// memPersister is an in-memory Persister for manager tests.
type memPersister struct {
	snaps map[string]Snapshot
	fail  bool
	saves int
}

func newMemPersister() *memPersister {
	return &memPersister{snaps: make(map[string]Snapshot)}
}

func (p *memPersister) Save(ctx context.Context, snap Snapshot) (PersistResult, error) {
	if p.fail {
		return PersistResult{}, errors.New("persister down")
	}
	p.saves++
	p.snaps[snap.UserID+"/"+snap.ConversationID] = snap
	return PersistResult{Backend: "mem"}, nil
}

func (p *memPersister) Load(ctx context.Context, userID, conversationID string) (Snapshot, bool, error) {
	if p.fail {
		return Snapshot{}, false, errors.New("persister down")
	}
	snap, ok := p.snaps[userID+"/"+conversationID]
	return snap, ok, nil
}

func newTestManager(t *testing.T, cfg Config, persister Persister) *Manager {
	t.Helper()
	ext, err := NewAnalyzerExtractor()
	if err != nil {
		t.Fatalf("NewAnalyzerExtractor failed: %v", err)
	}
	tokenizer := DefaultTokenizer{}
	summarizer := NewSummarizer(nil, cfg.Model, tokenizer)
	m := NewManager(cfg, "u1", "c1", tokenizer, summarizer, ext, persister, nil)
	if err := m.Initialize(context.Background(), nil); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	return m
}

func smallBudgetConfig() Config {
	cfg := DefaultConfig("test-model")
	cfg.MaxTokens = 500
	cfg.MaxMessages = 50
	return cfg
}

func longConversationMessage(i int) Message {
	content := fmt.Sprintf(
		"Turn %d of the planning discussion covers hotel rates, train schedules and museum tickets in detail.", i)
	role := RoleUser
	if i%2 == 1 {
		role = RoleAssistant
	}
	return NewMessage(role, content)
}

func TestAddMessageValidation(t *testing.T) {
	m := newTestManager(t, smallBudgetConfig(), nil)

	_, err := m.AddMessage(context.Background(), Message{Role: "moderator", Content: "hi"})
	if !IsInputError(err) {
		t.Errorf("expected InputError for unknown role, got %v", err)
	}
	_, err = m.AddMessage(context.Background(), Message{Role: RoleUser, Content: string([]byte{0xff, 0xfe})})
	if !IsInputError(err) {
		t.Errorf("expected InputError for invalid UTF-8, got %v", err)
	}
}

func TestAddMessageEnriches(t *testing.T) {
	m := newTestManager(t, smallBudgetConfig(), nil)

	res, err := m.AddMessage(context.Background(), NewMessage(RoleUser, "Planning a hiking trip through the Dolomites in Italy next June."))
	if err != nil {
		t.Fatalf("AddMessage failed: %v", err)
	}
	if res.Message.Tokens <= 0 {
		t.Error("message tokens not computed")
	}
	if len(res.Message.Topics) == 0 {
		t.Error("topics not extracted")
	}
}

func TestLongConversationStaysWithinBudget(t *testing.T) {
	m := newTestManager(t, smallBudgetConfig(), nil)
	ctx := context.Background()

	sawSettle := false
	for i := 0; i < 60; i++ {
		res, err := m.AddMessage(ctx, longConversationMessage(i))
		if err != nil {
			t.Fatalf("AddMessage %d failed: %v", i, err)
		}
		if res.Settled {
			sawSettle = true
		}
		if res.Overflow {
			t.Fatalf("unexpected overflow at message %d", i)
		}

		stats := m.GetContextStats()
		if stats.TokenCount > 500 {
			t.Fatalf("window over budget after message %d: %d tokens", i, stats.TokenCount)
		}
		if stats.MessageCount+stats.SummaryCount > 50 {
			t.Fatalf("window over entry cap after message %d", i)
		}
	}
	if !sawSettle {
		t.Error("60 messages against a 500 token budget never triggered a settle")
	}

	stats := m.GetContextStats()
	if stats.SummaryCount == 0 {
		t.Error("expected at least one summary in the settled window")
	}
	if stats.MessageCount == 0 {
		t.Error("settled window should retain recent messages")
	}
}

func TestLastMessageNeverSummarized(t *testing.T) {
	m := newTestManager(t, smallBudgetConfig(), nil)
	ctx := context.Background()

	var last Message
	for i := 0; i < 40; i++ {
		msg := longConversationMessage(i)
		if _, err := m.AddMessage(ctx, msg); err != nil {
			t.Fatalf("AddMessage failed: %v", err)
		}
		last = msg
	}

	entries := m.ContextForCompletion()
	if len(entries) == 0 {
		t.Fatal("window is empty")
	}
	tail := entries[len(entries)-1]
	if tail.Kind != EntryMessage || tail.Message.ID != last.ID {
		t.Error("most recent message was compacted out of the window")
	}
}

func TestOversizedSingleMessageOverflows(t *testing.T) {
	m := newTestManager(t, smallBudgetConfig(), nil)

	huge := NewMessage(RoleUser, strings.Repeat("every word of this enormous pasted document matters somehow ", 100))
	res, err := m.AddMessage(context.Background(), huge)
	if err != nil {
		t.Fatalf("AddMessage failed: %v", err)
	}
	if !res.Overflow {
		t.Error("expected overflow flag for a message larger than the whole budget")
	}

	// The window keeps the message; it is never emptied.
	entries := m.ContextForCompletion()
	if len(entries) != 1 || entries[0].Message.ID != huge.ID {
		t.Error("overflowing message dropped from the window")
	}
}

func TestForceOptimizationIdempotent(t *testing.T) {
	m := newTestManager(t, smallBudgetConfig(), nil)
	ctx := context.Background()

	for i := 0; i < 30; i++ {
		if _, err := m.AddMessage(ctx, longConversationMessage(i)); err != nil {
			t.Fatalf("AddMessage failed: %v", err)
		}
	}

	first, err := m.ForceOptimization(ctx)
	if err != nil {
		t.Fatalf("ForceOptimization failed: %v", err)
	}
	second, err := m.ForceOptimization(ctx)
	if err != nil {
		t.Fatalf("ForceOptimization failed: %v", err)
	}
	_ = first
	if second.Settled {
		t.Error("second ForceOptimization on a settled window did more work")
	}
}

func TestCompletionEntriesTagSummaries(t *testing.T) {
	summary := Summary{ID: "s1", Text: "earlier the user planned a trip", Tokens: 10, SourceTokens: 100}
	entries := []Entry{
		SummaryEntry(summary),
		MessageEntry(Message{ID: "m1", Role: RoleUser, Content: "next question"}),
	}

	out := CompletionEntries(entries)
	if len(out) != 2 {
		t.Fatalf("len = %d, want 2", len(out))
	}
	if out[0].Role != RoleSystem {
		t.Errorf("summary entry role = %q, want system", out[0].Role)
	}
	if !strings.Contains(out[0].Content, "<history_summary>") {
		t.Error("summary content not tagged")
	}
	if out[1].Content != "next question" {
		t.Error("message content altered")
	}
}

func TestPersistAndReload(t *testing.T) {
	persister := newMemPersister()
	ctx := context.Background()

	m := newTestManager(t, smallBudgetConfig(), persister)
	msg := NewMessage(RoleUser, "Remember that the hotel booking reference is ABC123.")
	if _, err := m.AddMessage(ctx, msg); err != nil {
		t.Fatalf("AddMessage failed: %v", err)
	}
	m.SetTitle("Hotel booking")
	if err := m.Dispose(ctx); err != nil {
		t.Fatalf("Dispose failed: %v", err)
	}
	if persister.saves == 0 {
		t.Fatal("nothing persisted")
	}

	// A fresh manager for the same conversation loads the snapshot.
	reloaded := newTestManager(t, smallBudgetConfig(), persister)
	entries := reloaded.ContextForCompletion()
	found := false
	for _, e := range entries {
		if e.Kind == EntryMessage && e.Message.ID == msg.ID {
			found = true
		}
	}
	if !found {
		t.Error("persisted message not present after reload")
	}
}

func TestPersistFailureDoesNotBlock(t *testing.T) {
	persister := newMemPersister()
	persister.fail = true
	ctx := context.Background()

	ext, err := NewAnalyzerExtractor()
	if err != nil {
		t.Fatalf("NewAnalyzerExtractor failed: %v", err)
	}
	tokenizer := DefaultTokenizer{}
	m := NewManager(smallBudgetConfig(), "u1", "c1", tokenizer, NewSummarizer(nil, "test-model", tokenizer), ext, persister, nil)
	if err := m.Initialize(ctx, nil); err != nil {
		t.Fatalf("Initialize should tolerate a down persister: %v", err)
	}

	if _, err := m.AddMessage(ctx, NewMessage(RoleUser, "still chatting while storage is down")); err != nil {
		t.Fatalf("AddMessage should succeed without persistence: %v", err)
	}
	if len(m.ContextForCompletion()) != 1 {
		t.Error("message lost when persistence failed")
	}
}

func TestDisposedManagerRejectsOperations(t *testing.T) {
	m := newTestManager(t, smallBudgetConfig(), nil)
	ctx := context.Background()

	if err := m.Dispose(ctx); err != nil {
		t.Fatalf("Dispose failed: %v", err)
	}
	// Dispose is idempotent.
	if err := m.Dispose(ctx); err != nil {
		t.Fatalf("second Dispose failed: %v", err)
	}

	if _, err := m.AddMessage(ctx, NewMessage(RoleUser, "hello?")); !errors.Is(err, ErrDisposed) {
		t.Errorf("expected ErrDisposed, got %v", err)
	}
	if _, err := m.ForceOptimization(ctx); !errors.Is(err, ErrDisposed) {
		t.Errorf("expected ErrDisposed, got %v", err)
	}
}

func TestAutoBranchOnTopicShift(t *testing.T) {
	cfg := smallBudgetConfig()
	cfg.AutoBranch = true
	m := newTestManager(t, cfg, nil)
	ctx := context.Background()

	seed := []string{
		"Help me plan the trip budget for hotels and restaurants in Lisbon.",
		"Hotels run 80 euros nightly and restaurants about 30 euros daily.",
		"So the trip budget totals around 1500 euros for the week.",
	}
	for _, c := range seed {
		if _, err := m.AddMessage(ctx, NewMessage(RoleUser, c)); err != nil {
			t.Fatalf("AddMessage failed: %v", err)
		}
	}

	res, err := m.AddMessage(ctx, NewMessage(RoleUser, "My car has a flat tire and strange noises are coming from the engine."))
	if err != nil {
		t.Fatalf("AddMessage failed: %v", err)
	}
	if !res.Shift.Shifted {
		t.Fatalf("expected topic shift, confidence %.2f", res.Shift.Confidence)
	}
	if res.BranchedTo == "" {
		t.Fatal("auto-branch did not fork")
	}

	branches := m.Branches()
	if len(branches) != 2 {
		t.Fatalf("branch count = %d, want 2", len(branches))
	}

	// The shifted message lives on the new branch; the original branch
	// retains only the pre-shift conversation.
	entries := m.ContextForCompletion()
	tail := entries[len(entries)-1]
	if tail.Message.ID != res.Message.ID {
		t.Error("shifted message not at the tip of the new branch")
	}
	for _, b := range branches {
		if b.ID == res.BranchedTo {
			continue
		}
		for _, e := range b.Entries {
			if e.Kind == EntryMessage && e.Message.ID == res.Message.ID {
				t.Error("shifted message still owned by the original branch")
			}
		}
	}
}

func TestGetContextStats(t *testing.T) {
	m := newTestManager(t, smallBudgetConfig(), nil)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := m.AddMessage(ctx, longConversationMessage(i)); err != nil {
			t.Fatalf("AddMessage failed: %v", err)
		}
	}

	stats := m.GetContextStats()
	if stats.MessageCount != 5 {
		t.Errorf("MessageCount = %d, want 5", stats.MessageCount)
	}
	if stats.TokenCount <= 0 {
		t.Error("TokenCount not computed")
	}
	if stats.TokenEfficiency != 1.0 {
		t.Errorf("TokenEfficiency = %v, want 1.0 with no summaries", stats.TokenEfficiency)
	}
}
