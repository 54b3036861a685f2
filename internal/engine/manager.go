// Manager is the façade the rest of the application talks to: it owns the
// context window for one conversation, decides when to summarize, delegates
// persistence, and exposes the read path for the next completion call.
//
// All operations on one Manager are serialized by an internal mutex, so a
// settle cycle triggered by message N always completes (or falls back) before
// message N+1 is processed. Different conversations are independent.

package engine

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Snapshot is the durable form of a conversation's window and branch tree.
// The persistence layer stores it; the manager produces and consumes it.
type Snapshot struct {
	SchemaVersion  int       `json:"schema_version"`
	UserID         string    `json:"user_id"`
	ConversationID string    `json:"conversation_id"`
	Title          string    `json:"title,omitempty"`
	Branches       []Branch  `json:"branches"`
	ActiveBranchID string    `json:"active_branch_id"`
	SyncedAt       time.Time `json:"synced_at"`
	AccessedAt     time.Time `json:"accessed_at"`
}

// PersistResult reports how a save landed.
type PersistResult struct {
	Degraded bool   // primary failed, backup took the write
	Backend  string // backend that holds the authoritative copy
}

// Persister is the narrow persistence contract the manager depends on. The
// store package provides the real implementation (multi-backend, quota,
// cross-process notification).
type Persister interface {
	Save(ctx context.Context, snap Snapshot) (PersistResult, error)
	Load(ctx context.Context, userID, conversationID string) (Snapshot, bool, error)
}

// Config tunes one conversation's window management.
type Config struct {
	Model                  string
	MaxTokens              int             // token budget for the effective window
	MaxMessages            int             // entry-count cap for the effective window
	TargetCompressionRatio float64         // summary size target relative to its sources
	SummaryStrategy        SummaryStrategy // default strategy handed to the summarizer
	MinSummaryConfidence   float64         // below this, the summary is rejected and truncation is used
	AutoBranch             bool            // fork automatically on a detected topic shift
	PersistTimeout         time.Duration   // bound on each persistence attempt
	DisposeTimeout         time.Duration   // bound on the final persist in Dispose
}

// DefaultConfig returns the tuning used when the caller specifies nothing.
func DefaultConfig(model string) Config {
	return Config{
		Model:                  model,
		MaxTokens:              8000,
		MaxMessages:            50,
		TargetCompressionRatio: 0.3,
		SummaryStrategy:        StrategyHybrid,
		MinSummaryConfidence:   0.4,
		AutoBranch:             false,
		PersistTimeout:         5 * time.Second,
		DisposeTimeout:         3 * time.Second,
	}
}

type managerState int

const (
	stateUninitialized managerState = iota
	stateActive
	stateDisposed
)

// Manager orchestrates the context window for a single conversation.
type Manager struct {
	cfg        Config
	userID     string
	convID     string
	tokenizer  Tokenizer
	summarizer *Summarizer
	branches   *BranchManager
	extractor  TopicExtractor
	persister  Persister // nil disables persistence
	hooks      Hooks

	mu         sync.Mutex
	state      managerState
	tokenTotal int
	title      string
	lastSynced time.Time
}

// NewManager wires a manager from its collaborators. persister may be nil
// (in-memory only); hooks may be nil.
func NewManager(cfg Config, userID, conversationID string, tokenizer Tokenizer, summarizer *Summarizer, extractor TopicExtractor, persister Persister, hooks Hooks) *Manager {
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultConfig(cfg.Model).MaxTokens
	}
	if cfg.MaxMessages <= 0 {
		cfg.MaxMessages = DefaultConfig(cfg.Model).MaxMessages
	}
	if cfg.TargetCompressionRatio <= 0 {
		cfg.TargetCompressionRatio = 0.3
	}
	if cfg.SummaryStrategy == "" {
		cfg.SummaryStrategy = StrategyHybrid
	}
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = 5 * time.Second
	}
	if cfg.DisposeTimeout <= 0 {
		cfg.DisposeTimeout = 3 * time.Second
	}
	return &Manager{
		cfg:        cfg,
		userID:     userID,
		convID:     conversationID,
		tokenizer:  tokenizer,
		summarizer: summarizer,
		branches:   NewBranchManager(DefaultBranchConfig(), extractor),
		extractor:  extractor,
		persister:  persister,
		hooks:      hooks,
	}
}

// Initialize loads persisted history if present, otherwise seeds from the
// given messages (which may be nil). If the loaded history exceeds the
// current budget — limits can shrink between sessions — a settle runs
// immediately.
func (m *Manager) Initialize(ctx context.Context, seed []Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == stateDisposed {
		return ErrDisposed
	}
	if m.state == stateActive {
		return nil
	}

	loaded := false
	if m.persister != nil {
		snap, found, err := m.persister.Load(ctx, m.userID, m.convID)
		if err != nil {
			// Persistence failure never blocks the live session.
			m.hooks.OnPersist(ctx, false, err)
		} else if found {
			if err := m.branches.Import(snap.Branches, snap.ActiveBranchID); err != nil {
				return fmt.Errorf("corrupt snapshot for %s/%s: %w", m.userID, m.convID, err)
			}
			m.title = snap.Title
			m.lastSynced = snap.SyncedAt
			loaded = true
		}
	}

	if !loaded {
		for _, msg := range seed {
			if err := m.prepareMessage(&msg); err != nil {
				return err
			}
			m.branches.Append(MessageEntry(msg))
		}
	}

	m.state = stateActive
	m.settleLocked(ctx)
	return nil
}

// AddResult reports what one AddMessage call did to the window.
type AddResult struct {
	Message         Message // the enriched message as stored (tokens, topics attached)
	Settled         bool
	Summarized      int // entries folded into summaries during the settle
	Truncated       int // entries dropped outright during the settle
	Overflow        bool
	Shift           ShiftAnalysis
	BranchedTo      string // branch id when a topic shift auto-forked
	PersistDegraded bool
}

// AddMessage appends a message to the active branch, settles the window back
// within budget, runs topic-shift analysis, and persists. Callers should
// treat it as potentially long-running: a settle with generative
// summarization suspends on the completion service.
func (m *Manager) AddMessage(ctx context.Context, msg Message) (AddResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkActive(); err != nil {
		return AddResult{}, err
	}
	if err := m.prepareMessage(&msg); err != nil {
		return AddResult{}, err
	}

	recent := recentMessages(m.branches.ActiveEffective(), 8)
	m.branches.Append(MessageEntry(msg))
	m.hooks.OnMessageAdded(ctx, msg, msg.Tokens)

	res := m.settleLocked(ctx)
	res.Message = msg

	// Topic-shift analysis runs post-settle so it sees the same window the
	// next completion call will.
	res.Shift = m.branches.AnalyzeTopicShift(msg, recent)
	if res.Shift.Shifted {
		m.hooks.OnTopicShift(ctx, res.Shift)
	}
	if m.cfg.AutoBranch && res.Shift.RecommendedAction == ActionBranch {
		if id, ok := m.forkForShiftLocked(ctx, msg, res.Shift); ok {
			res.BranchedTo = id
		}
	}

	res.PersistDegraded = m.persistLocked(ctx)
	return res, nil
}

// forkForShiftLocked moves the just-appended message onto a fresh branch
// forked at the preceding message. Returns false when there is no preceding
// message to fork from.
func (m *Manager) forkForShiftLocked(ctx context.Context, msg Message, shift ShiftAnalysis) (string, bool) {
	owned := m.branches.Owned()
	if len(owned) == 0 {
		return "", false
	}
	effective := m.branches.ActiveEffective()
	var forkID string
	for i := len(effective) - 2; i >= 0; i-- {
		if effective[i].Kind == EntryMessage {
			forkID = effective[i].Message.ID
			break
		}
	}
	if forkID == "" {
		return "", false
	}

	topic := ""
	if len(shift.NewTopics) > 0 {
		topic = shift.NewTopics[0]
	}

	m.branches.SetOwned(owned[:len(owned)-1])
	b, err := m.branches.CreateBranch(topic, ReasonTopicShift, forkID)
	if err != nil {
		// Restore the window; a failed fork must not lose the message.
		m.branches.SetOwned(owned)
		return "", false
	}
	m.branches.Append(MessageEntry(msg))
	m.hooks.OnBranchCreated(ctx, b)
	return b.ID, true
}

// ContextForCompletion returns the ordered entries of the active branch,
// ready to hand to the completion service. Always reflects the post-settle
// state: never over budget.
func (m *Manager) ContextForCompletion() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	entries := m.branches.ActiveEffective()
	out := make([]Entry, len(entries))
	copy(out, entries)
	return out
}

// CompletionEntries renders window entries as role-tagged request entries.
func CompletionEntries(entries []Entry) []CompletionEntry {
	out := make([]CompletionEntry, 0, len(entries))
	for _, e := range entries {
		content := e.Text()
		if e.Kind == EntrySummary {
			content = "<history_summary>\n" + content + "\n</history_summary>"
		}
		out = append(out, CompletionEntry{Role: e.Role(), Content: content})
	}
	return out
}

// SettleResult reports what a settle cycle did.
type SettleResult struct {
	Settled    bool
	Summarized int
	Truncated  int
	Overflow   bool
}

// ForceOptimization re-runs the settle cycle on demand, for callers that
// independently detect an over-budget condition. Idempotent once the window
// is within budget.
func (m *Manager) ForceOptimization(ctx context.Context) (SettleResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkActive(); err != nil {
		return SettleResult{}, err
	}
	res := m.settleLocked(ctx)
	m.persistLocked(ctx)
	return SettleResult{Settled: res.Settled, Summarized: res.Summarized, Truncated: res.Truncated, Overflow: res.Overflow}, nil
}

// settleLocked brings the active branch's effective window back within the
// token budget and entry cap: summarize the oldest eligible run, verify the
// summary is strictly smaller and above the quality floor, replace; repeat;
// hard-truncate the oldest entry when summarization cannot help. The most
// recent entry is never summarized or truncated.
func (m *Manager) settleLocked(ctx context.Context) AddResult {
	var res AddResult
	announced := false

	for {
		effective := m.branches.ActiveEffective()
		total := entryTokens(effective)
		m.tokenTotal = total

		if total <= m.cfg.MaxTokens && len(effective) <= m.cfg.MaxMessages {
			return res
		}
		res.Settled = true
		if !announced {
			m.hooks.OnSettleStart(ctx, total, m.cfg.MaxTokens)
			announced = true
		}

		owned := m.branches.Owned()
		if len(owned) <= 1 {
			// Nothing eligible: a child branch whose shared prefix is too
			// large, or a single message bigger than the whole budget. The
			// window keeps what it has; the caller is told.
			res.Overflow = true
			m.hooks.OnOverflow(ctx, total, m.cfg.MaxTokens)
			return res
		}

		eligible := owned[:len(owned)-1]
		summary, err := m.summarizer.Summarize(ctx, entriesAsMessages(eligible), m.cfg.TargetCompressionRatio, m.cfg.SummaryStrategy)
		accepted := err == nil && summary.Confidence >= m.cfg.MinSummaryConfidence

		if accepted {
			replaced := len(eligible)
			m.branches.SetOwned(append([]Entry{SummaryEntry(summary)}, owned[len(owned)-1:]...))
			res.Summarized += replaced
			m.hooks.OnSummarize(ctx, replaced, summary)
			continue
		}

		// Summarization could not shrink the range: drop the oldest entry.
		m.hooks.OnTruncate(ctx, owned[0])
		m.branches.SetOwned(owned[1:])
		res.Truncated++
	}
}

// Stats reports the current window shape for observability.
type Stats struct {
	MessageCount    int
	SummaryCount    int
	TokenCount      int
	TokenEfficiency float64 // share of the budget spent on raw messages vs summary overhead
}

// GetContextStats returns current window statistics.
func (m *Manager) GetContextStats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	var s Stats
	messageTokens := 0
	for _, e := range m.branches.ActiveEffective() {
		switch e.Kind {
		case EntryMessage:
			s.MessageCount++
			messageTokens += e.Tokens()
		case EntrySummary:
			s.SummaryCount++
		}
		s.TokenCount += e.Tokens()
	}
	if s.TokenCount > 0 {
		s.TokenEfficiency = float64(messageTokens) / float64(s.TokenCount)
	}
	return s
}

// Branches lists the conversation's branch tree.
func (m *Manager) Branches() []Branch {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.branches.List()
}

// AnalyzeTopicShift exposes shift analysis without mutating the window.
func (m *Manager) AnalyzeTopicShift(candidate Message) ShiftAnalysis {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.branches.AnalyzeTopicShift(candidate, recentMessages(m.branches.ActiveEffective(), 8))
}

// CreateBranch forks a branch at a message in the active timeline and
// activates it.
func (m *Manager) CreateBranch(ctx context.Context, topic string, reason BranchReason, forkMessageID string) (Branch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkActive(); err != nil {
		return Branch{}, err
	}
	b, err := m.branches.CreateBranch(topic, reason, forkMessageID)
	if err != nil {
		return Branch{}, err
	}
	m.hooks.OnBranchCreated(ctx, b)
	m.persistLocked(ctx)
	return b, nil
}

// SwitchBranch activates another branch; the window settles in case the
// target branch's timeline exceeds the budget.
func (m *Manager) SwitchBranch(ctx context.Context, branchID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkActive(); err != nil {
		return err
	}
	from := m.branches.ActiveBranch().ID
	if err := m.branches.SwitchBranch(branchID); err != nil {
		return err
	}
	m.hooks.OnBranchSwitched(ctx, from, branchID)
	m.settleLocked(ctx)
	m.persistLocked(ctx)
	return nil
}

// MergeBranch merges a branch into another. Conflicts surface both entry
// sets via MergeConflictError; nothing is resolved silently.
func (m *Manager) MergeBranch(ctx context.Context, branchID, intoID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkActive(); err != nil {
		return err
	}
	if err := m.branches.MergeBranch(branchID, intoID); err != nil {
		return err
	}
	m.settleLocked(ctx)
	m.persistLocked(ctx)
	return nil
}

// Dispose persists a final snapshot (bounded by DisposeTimeout) and releases
// the manager. It never blocks indefinitely on a failing backend.
func (m *Manager) Dispose(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == stateDisposed {
		return nil
	}
	if m.state == stateActive && m.persister != nil {
		dctx, cancel := context.WithTimeout(ctx, m.cfg.DisposeTimeout)
		m.persistLocked(dctx)
		cancel()
	}
	m.state = stateDisposed
	return nil
}

// SetTitle records a display title persisted with the snapshot.
func (m *Manager) SetTitle(title string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.title = title
}

// Title returns the conversation's display title, empty if none was set or
// generated yet.
func (m *Manager) Title() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.title
}

// GenerateTitle derives a short title from the conversation opening and
// stores it. A title set earlier (by the user or a previous call) is kept.
func (m *Manager) GenerateTitle(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkActive(); err != nil {
		return "", err
	}
	if m.title != "" {
		return m.title, nil
	}

	var msgs []Message
	for _, e := range m.branches.ActiveEffective() {
		if e.Kind == EntryMessage {
			msgs = append(msgs, *e.Message)
		}
	}
	title, err := m.summarizer.GenerateTitle(ctx, msgs)
	if err != nil {
		return "", err
	}
	m.title = title
	return title, nil
}

func (m *Manager) checkActive() error {
	switch m.state {
	case stateUninitialized:
		return ErrNotInitialized
	case stateDisposed:
		return ErrDisposed
	}
	return nil
}

// prepareMessage validates, counts tokens, and attaches topic/entity
// enrichment plus the importance/relevance heuristics.
func (m *Manager) prepareMessage(msg *Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	breakdown, err := CountMessageTokens(m.tokenizer, *msg, m.cfg.Model)
	if err != nil {
		return err
	}
	msg.Tokens = breakdown.Total
	if len(msg.Topics) == 0 {
		msg.Topics = m.extractor.Topics(msg.Content)
	}
	if len(msg.Entities) == 0 {
		msg.Entities = m.extractor.Entities(msg.Content)
	}
	if msg.Importance == 0 {
		msg.Importance = importanceOf(*msg)
	}
	if msg.Relevance == 0 {
		msg.Relevance = 1.0 // newest message is maximally relevant by definition
	}
	return nil
}

// persistLocked saves a snapshot within the persist timeout. Returns whether
// the write was degraded. Failure is absorbed: the in-memory window is the
// source of truth for the live session.
func (m *Manager) persistLocked(ctx context.Context) bool {
	if m.persister == nil {
		return false
	}
	pctx, cancel := context.WithTimeout(ctx, m.cfg.PersistTimeout)
	defer cancel()

	branches, activeID := m.branches.Export()
	now := time.Now()
	snap := Snapshot{
		SchemaVersion:  SnapshotSchemaVersion,
		UserID:         m.userID,
		ConversationID: m.convID,
		Title:          m.title,
		Branches:       branches,
		ActiveBranchID: activeID,
		SyncedAt:       now,
		AccessedAt:     now,
	}

	result, err := m.persister.Save(pctx, snap)
	if err != nil {
		m.hooks.OnPersist(ctx, false, err)
		return false
	}
	m.lastSynced = now
	if result.Degraded {
		m.hooks.OnPersist(ctx, true, nil)
	}
	return result.Degraded
}

// SnapshotSchemaVersion is bumped whenever the persisted layout changes in a
// way that needs migration on load.
const SnapshotSchemaVersion = 1

func entryTokens(entries []Entry) int {
	total := 0
	for _, e := range entries {
		total += e.Tokens()
	}
	return total
}

// entriesAsMessages converts entries to messages for the summarizer; an
// existing summary folds in as synthetic system text so old summaries keep
// compacting as the conversation grows.
func entriesAsMessages(entries []Entry) []Message {
	out := make([]Message, 0, len(entries))
	for _, e := range entries {
		switch e.Kind {
		case EntryMessage:
			out = append(out, *e.Message)
		case EntrySummary:
			out = append(out, Message{
				ID:        e.Summary.ID,
				Role:      RoleSystem,
				Content:   e.Summary.Text,
				CreatedAt: e.Summary.CreatedAt,
				Tokens:    e.Summary.Tokens,
			})
		}
	}
	return out
}

func recentMessages(entries []Entry, n int) []Message {
	var out []Message
	for i := len(entries) - 1; i >= 0 && len(out) < n; i-- {
		if entries[i].Kind == EntryMessage {
			out = append(out, *entries[i].Message)
		}
	}
	// restore chronological order
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// importanceOf is a cheap heuristic: questions and long user turns matter
// more than short acknowledgements.
func importanceOf(msg Message) float64 {
	score := 0.4
	if msg.Role == RoleUser {
		score += 0.2
	}
	if len(msg.Content) > 200 {
		score += 0.2
	}
	for _, r := range msg.Content {
		if r == '?' {
			score += 0.1
			break
		}
	}
	if score > 1 {
		score = 1
	}
	return score
}
