// BranchManager detects topic shifts and manages the conversation's branch
// tree. Branches share pre-fork history with their parent by reference; only
// post-fork entries are owned. The tree is strictly acyclic: parent pointers
// are assigned once, at creation.
//
// BranchManager is not internally synchronized; it is owned and serialized by
// the ContextManager that composes it.

package engine

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ShiftAction is the recommendation produced by topic-shift analysis.
type ShiftAction string

const (
	ActionContinue ShiftAction = "continue"
	ActionBranch   ShiftAction = "branch"
	ActionFlag     ShiftAction = "flag" // shift detected but below the action threshold
)

// ShiftAnalysis is the result of comparing a candidate message against the
// recent conversation.
type ShiftAnalysis struct {
	Shifted           bool
	Confidence        float64
	RecommendedAction ShiftAction
	NewTopics         []string
}

// BranchConfig tunes shift detection. The branch threshold is deliberately
// conservative: fragmenting a coherent conversation is worse than missing an
// occasional shift.
type BranchConfig struct {
	BranchThreshold float64 // confidence at which a fork is recommended (default 0.6)
	FlagThreshold   float64 // confidence at which a shift is surfaced without forking
	RecentWindow    int     // trailing messages compared against the candidate
	TopicWeight     float64 // lexical-overlap share of the blended signal
}

// DefaultBranchConfig returns the default shift-detection tuning.
func DefaultBranchConfig() BranchConfig {
	return BranchConfig{
		BranchThreshold: 0.6,
		FlagThreshold:   0.4,
		RecentWindow:    5,
		TopicWeight:     0.7,
	}
}

// BranchManager owns the branch tree for one conversation.
type BranchManager struct {
	cfg       BranchConfig
	extractor TopicExtractor
	branches  map[string]*Branch
	rootID    string
	activeID  string
}

// NewBranchManager creates a tree with a single active root branch.
func NewBranchManager(cfg BranchConfig, extractor TopicExtractor) *BranchManager {
	root := &Branch{
		ID:        uuid.NewString(),
		Reason:    ReasonManual,
		CreatedAt: time.Now(),
		Active:    true,
	}
	return &BranchManager{
		cfg:       cfg,
		extractor: extractor,
		branches:  map[string]*Branch{root.ID: root},
		rootID:    root.ID,
		activeID:  root.ID,
	}
}

// ActiveBranch returns the branch currently receiving new messages.
func (bm *BranchManager) ActiveBranch() *Branch { return bm.branches[bm.activeID] }

// RootID returns the root branch's identifier.
func (bm *BranchManager) RootID() string { return bm.rootID }

// List returns all branches in creation order (root first).
func (bm *BranchManager) List() []Branch {
	out := make([]Branch, 0, len(bm.branches))
	var walk func(id string)
	walk = func(id string) {
		b := bm.branches[id]
		out = append(out, *b)
		for _, other := range bm.branches {
			if other.ParentID == id {
				walk(other.ID)
			}
		}
	}
	walk(bm.rootID)
	return out
}

// Append adds an entry to the active branch.
func (bm *BranchManager) Append(e Entry) {
	b := bm.branches[bm.activeID]
	b.Entries = append(b.Entries, e)
}

// Effective returns the branch's logical timeline: the parent's history up to
// and including the fork point, concatenated with the branch's own entries.
// Nothing is copied from the parent until a caller mutates.
func (bm *BranchManager) Effective(branchID string) ([]Entry, error) {
	b, ok := bm.branches[branchID]
	if !ok {
		return nil, fmt.Errorf("branch not found: %s", branchID)
	}
	if b.ParentID == "" {
		return b.Entries, nil
	}

	parent, err := bm.Effective(b.ParentID)
	if err != nil {
		return nil, err
	}
	fork := forkIndex(parent, b.ForkMessageID)
	if fork < 0 {
		return nil, fmt.Errorf("fork message %s not found in parent of branch %s", b.ForkMessageID, branchID)
	}

	out := make([]Entry, 0, fork+1+len(b.Entries))
	out = append(out, parent[:fork+1]...)
	out = append(out, b.Entries...)
	return out, nil
}

// ActiveEffective returns the active branch's logical timeline.
func (bm *BranchManager) ActiveEffective() []Entry {
	entries, _ := bm.Effective(bm.activeID)
	return entries
}

// SetOwned replaces the active branch's owned entries. Used by the settle
// cycle, which compacts only entries the branch owns; the shared parent
// prefix is immutable from a child's point of view.
func (bm *BranchManager) SetOwned(entries []Entry) {
	bm.branches[bm.activeID].Entries = entries
}

// Owned returns the active branch's owned entries.
func (bm *BranchManager) Owned() []Entry {
	return bm.branches[bm.activeID].Entries
}

// AnalyzeTopicShift compares a candidate message against the trailing window
// of recent messages. The signal blends lexical topic overlap with entity
// overlap; low overlap means high shift confidence.
func (bm *BranchManager) AnalyzeTopicShift(candidate Message, recent []Message) ShiftAnalysis {
	if len(recent) == 0 {
		return ShiftAnalysis{RecommendedAction: ActionContinue}
	}
	if len(recent) > bm.cfg.RecentWindow {
		recent = recent[len(recent)-bm.cfg.RecentWindow:]
	}

	candTopics := candidate.Topics
	if len(candTopics) == 0 {
		candTopics = bm.extractor.Topics(candidate.Content)
	}
	candEntities := candidate.Entities
	if len(candEntities) == 0 {
		candEntities = bm.extractor.Entities(candidate.Content)
	}
	if len(candTopics) == 0 {
		// Nothing to compare; short acknowledgements should never fork.
		return ShiftAnalysis{RecommendedAction: ActionContinue}
	}

	recentTopics := make(map[string]bool)
	recentEntities := make(map[string]bool)
	for _, m := range recent {
		topics := m.Topics
		if len(topics) == 0 {
			topics = bm.extractor.Topics(m.Content)
		}
		for _, t := range topics {
			recentTopics[t] = true
		}
		entities := m.Entities
		if len(entities) == 0 {
			entities = bm.extractor.Entities(m.Content)
		}
		for _, e := range entities {
			recentEntities[normalizeLabel(e)] = true
		}
	}

	topicOverlap := jaccard(candTopics, recentTopics)
	entityOverlap := 0.0
	entityWeight := 1 - bm.cfg.TopicWeight
	if len(candEntities) == 0 && len(recentEntities) == 0 {
		// No entity signal on either side: lean fully on topics.
		entityWeight = 0
	} else {
		norm := make([]string, 0, len(candEntities))
		for _, e := range candEntities {
			norm = append(norm, normalizeLabel(e))
		}
		entityOverlap = jaccard(norm, recentEntities)
	}

	topicWeight := 1 - entityWeight
	confidence := 1 - (topicWeight*topicOverlap + entityWeight*entityOverlap)

	var newTopics []string
	for _, t := range candTopics {
		if !recentTopics[t] {
			newTopics = append(newTopics, t)
		}
	}

	analysis := ShiftAnalysis{
		Confidence: confidence,
		NewTopics:  newTopics,
	}
	switch {
	case confidence >= bm.cfg.BranchThreshold:
		analysis.Shifted = true
		analysis.RecommendedAction = ActionBranch
	case confidence >= bm.cfg.FlagThreshold:
		analysis.Shifted = true
		analysis.RecommendedAction = ActionFlag
	default:
		analysis.RecommendedAction = ActionContinue
	}
	return analysis
}

// CreateBranch forks a new branch from a message in the active branch's
// timeline. History is not copied: the branch records its parent and fork
// point only. The new branch becomes active.
func (bm *BranchManager) CreateBranch(topic string, reason BranchReason, forkMessageID string) (Branch, error) {
	parent := bm.branches[bm.activeID]
	effective, err := bm.Effective(parent.ID)
	if err != nil {
		return Branch{}, err
	}
	if forkIndex(effective, forkMessageID) < 0 {
		return Branch{}, &InputError{Field: "forkMessageId", Reason: fmt.Sprintf("message %s not in active branch", forkMessageID)}
	}

	b := &Branch{
		ID:            uuid.NewString(),
		ParentID:      parent.ID,
		ForkMessageID: forkMessageID,
		Reason:        reason,
		Topic:         topic,
		CreatedAt:     time.Now(),
		Active:        true,
	}
	parent.Active = false
	bm.branches[b.ID] = b
	bm.activeID = b.ID
	return *b, nil
}

// SwitchBranch activates a branch; the previously active branch is preserved.
func (bm *BranchManager) SwitchBranch(branchID string) error {
	b, ok := bm.branches[branchID]
	if !ok {
		return fmt.Errorf("branch not found: %s", branchID)
	}
	if branchID == bm.activeID {
		return nil
	}
	bm.branches[bm.activeID].Active = false
	b.Active = true
	bm.activeID = branchID
	return nil
}

// MergeBranch re-attaches a branch's post-fork entries onto the target
// branch's timeline and marks the source inactive. If the target has itself
// grown past the fork point, a simple append would be ambiguous: a
// MergeConflictError carrying both entry sets is returned and nothing is
// changed.
func (bm *BranchManager) MergeBranch(branchID, intoID string) error {
	src, ok := bm.branches[branchID]
	if !ok {
		return fmt.Errorf("branch not found: %s", branchID)
	}
	dst, ok := bm.branches[intoID]
	if !ok {
		return fmt.Errorf("branch not found: %s", intoID)
	}
	if src.ParentID == "" {
		return &InputError{Field: "branchId", Reason: "cannot merge the root branch"}
	}

	dstEffective, err := bm.Effective(intoID)
	if err != nil {
		return err
	}
	fork := forkIndex(dstEffective, src.ForkMessageID)
	if fork < 0 {
		return fmt.Errorf("fork message %s not in target branch %s", src.ForkMessageID, intoID)
	}

	if diverged := dstEffective[fork+1:]; len(diverged) > 0 {
		return &MergeConflictError{
			BranchID:      branchID,
			TargetID:      intoID,
			BranchEntries: append([]Entry(nil), src.Entries...),
			TargetEntries: append([]Entry(nil), diverged...),
		}
	}

	dst.Entries = append(dst.Entries, src.Entries...)
	src.Entries = nil
	src.Active = false
	if bm.activeID == branchID {
		dst.Active = true
		bm.activeID = intoID
	}
	return nil
}

// Export returns the full branch tree plus the active branch id, for
// persistence.
func (bm *BranchManager) Export() ([]Branch, string) {
	out := bm.List()
	return out, bm.activeID
}

// Import replaces the tree with persisted state. Returns an error if the
// snapshot has no branches or no resolvable active branch.
func (bm *BranchManager) Import(branches []Branch, activeID string) error {
	if len(branches) == 0 {
		return fmt.Errorf("empty branch snapshot")
	}
	m := make(map[string]*Branch, len(branches))
	rootID := ""
	for i := range branches {
		b := branches[i]
		m[b.ID] = &b
		if b.ParentID == "" {
			rootID = b.ID
		}
	}
	if rootID == "" {
		return fmt.Errorf("branch snapshot has no root")
	}
	if _, ok := m[activeID]; !ok {
		activeID = rootID
	}
	for id, b := range m {
		b.Active = id == activeID
	}
	bm.branches = m
	bm.rootID = rootID
	bm.activeID = activeID
	return nil
}

func forkIndex(entries []Entry, messageID string) int {
	for i, e := range entries {
		if e.Kind == EntryMessage && e.Message.ID == messageID {
			return i
		}
	}
	return -1
}

func jaccard(a []string, b map[string]bool) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	inter := 0
	union := len(b)
	seen := make(map[string]bool, len(a))
	for _, t := range a {
		if seen[t] {
			continue
		}
		seen[t] = true
		if b[t] {
			inter++
		} else {
			union++
		}
	}
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

func normalizeLabel(s string) string {
	return strings.ToLower(s)
}
