// Package engine implements conversation context management: token-budgeted
// sliding windows, summarization-based compaction, and topic branching.

package engine

import (
	"context"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// MessageRole represents the role of a conversation message.
type MessageRole string

const (
	RoleSystem    MessageRole = "system"
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
)

// Message is one turn in the conversation. Content is immutable once created;
// Topics, Entities, Importance and Relevance are enrichment attached after
// creation and never affect identity.
type Message struct {
	ID         string            `json:"id"`
	Role       MessageRole       `json:"role"`
	Content    string            `json:"content"`
	CreatedAt  time.Time         `json:"created_at"`
	Tokens     int               `json:"tokens"` // cached estimate, computed on add
	Importance float64           `json:"importance,omitempty"`
	Relevance  float64           `json:"relevance,omitempty"`
	Topics     []string          `json:"topics,omitempty"`
	Entities   []string          `json:"entities,omitempty"`
	Meta       map[string]string `json:"meta,omitempty"` // opaque extension map
}

// NewMessage creates a message with a fresh ID and timestamp.
func NewMessage(role MessageRole, content string) Message {
	return Message{
		ID:        uuid.NewString(),
		Role:      role,
		Content:   content,
		CreatedAt: time.Now(),
	}
}

// Validate checks role and content. Binary (non-UTF-8) content is rejected
// here so token accounting never operates on data it cannot estimate.
func (m Message) Validate() error {
	switch m.Role {
	case RoleSystem, RoleUser, RoleAssistant:
	default:
		return &InputError{Field: "role", Reason: fmt.Sprintf("invalid message role: %q", m.Role)}
	}
	if !utf8.ValidString(m.Content) {
		return &InputError{Field: "content", Reason: "content is not valid UTF-8 text"}
	}
	return nil
}

// SummaryStrategy selects how a run of messages is compressed.
type SummaryStrategy string

const (
	StrategyExtractive SummaryStrategy = "extractive"
	StrategyGenerative SummaryStrategy = "generative"
	StrategyHybrid     SummaryStrategy = "hybrid"
)

// Summary is a compaction of N consecutive older messages into one synthetic
// entry. Immutable after creation.
type Summary struct {
	ID               string          `json:"id"`
	FromID           string          `json:"from_id"` // first replaced message
	ToID             string          `json:"to_id"`   // last replaced message
	Text             string          `json:"text"`
	Tokens           int             `json:"tokens"`
	SourceTokens     int             `json:"source_tokens"` // combined tokens of replaced messages
	Strategy         SummaryStrategy `json:"strategy"`
	Confidence       float64         `json:"confidence"`
	CompressionRatio float64         `json:"compression_ratio"`
	CreatedAt        time.Time       `json:"created_at"`
}

// EntryKind discriminates window entries.
type EntryKind string

const (
	EntryMessage EntryKind = "message"
	EntrySummary EntryKind = "summary"
)

// Entry is one slot in a context window: either a raw message or a summary
// standing in for a compacted range.
type Entry struct {
	Kind    EntryKind `json:"kind"`
	Message *Message  `json:"message,omitempty"`
	Summary *Summary  `json:"summary,omitempty"`
}

// MessageEntry wraps a message as a window entry.
func MessageEntry(m Message) Entry { return Entry{Kind: EntryMessage, Message: &m} }

// SummaryEntry wraps a summary as a window entry.
func SummaryEntry(s Summary) Entry { return Entry{Kind: EntrySummary, Summary: &s} }

// Tokens returns the cached token cost of the entry.
func (e Entry) Tokens() int {
	switch e.Kind {
	case EntryMessage:
		return e.Message.Tokens
	case EntrySummary:
		return e.Summary.Tokens
	}
	return 0
}

// Text returns the entry's content as it would be rendered for the model.
func (e Entry) Text() string {
	switch e.Kind {
	case EntryMessage:
		return e.Message.Content
	case EntrySummary:
		return e.Summary.Text
	}
	return ""
}

// Role returns the role the entry carries when handed to the completion
// service. Summaries are injected as system context.
func (e Entry) Role() MessageRole {
	if e.Kind == EntrySummary {
		return RoleSystem
	}
	return e.Message.Role
}

// BranchReason records why a branch was forked.
type BranchReason string

const (
	ReasonTopicShift BranchReason = "topic_shift"
	ReasonManual     BranchReason = "manual"
)

// Branch is an alternate continuation forked from a point in a parent branch.
// Entries before the fork point are shared by reference with the parent and
// never duplicated. ParentID is assigned only at creation, so the tree stays
// acyclic.
type Branch struct {
	ID            string       `json:"id"`
	ParentID      string       `json:"parent_id,omitempty"` // empty for the root branch
	ForkMessageID string       `json:"fork_message_id,omitempty"`
	Reason        BranchReason `json:"reason"`
	Topic         string       `json:"topic,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
	Active        bool         `json:"active"`
	Entries       []Entry      `json:"entries"` // entries owned by this branch (post-fork)
}

// Usage holds token accounting returned by the completion service.
type Usage struct {
	Prompt     int
	Completion int
	Total      int
}

// CompletionEntry is one role-tagged text entry in a completion request.
type CompletionEntry struct {
	Role    MessageRole
	Content string
}

// CompletionRequest is the narrow request shape the engine hands to the
// external completion service.
type CompletionRequest struct {
	Model           string
	Entries         []CompletionEntry
	MaxOutputTokens int
	Temperature     float32
}

// CompletionResponse is the normalized result of one completion call.
type CompletionResponse struct {
	Text         string
	Usage        Usage
	FinishReason string // "stop" | "length" | "content_filter"
}

// CompletionClient abstracts the external completion service (Anthropic,
// OpenAI-compatible, or a test double). The engine treats it as a black box.
type CompletionClient interface {
	Complete(ctx context.Context, req CompletionRequest) (CompletionResponse, error)
}
