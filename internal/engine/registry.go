// Registry is the composition root's factory for per-conversation managers.
// There is deliberately no package-level singleton: the application owns one
// Registry and passes managers to whatever needs them.

package engine

import (
	"context"
	"sync"
)

// RegistryDeps are the shared collaborators every manager is built from.
type RegistryDeps struct {
	Config    Config
	Tokenizer Tokenizer
	Completer CompletionClient // nil disables generative summarization
	Extractor TopicExtractor
	Persister Persister // nil disables persistence
	Hooks     Hooks
}

// Registry hands out one Manager per (user, conversation) pair.
type Registry struct {
	deps RegistryDeps

	mu       sync.Mutex
	managers map[registryKey]*Manager
}

type registryKey struct {
	userID         string
	conversationID string
}

// NewRegistry creates a registry. Deps with a nil Tokenizer or Extractor get
// the defaults.
func NewRegistry(deps RegistryDeps) (*Registry, error) {
	if deps.Tokenizer == nil {
		deps.Tokenizer = GetTokenizerForModel(deps.Config.Model)
	}
	if deps.Extractor == nil {
		ext, err := NewAnalyzerExtractor()
		if err != nil {
			return nil, err
		}
		deps.Extractor = ext
	}
	return &Registry{
		deps:     deps,
		managers: make(map[registryKey]*Manager),
	}, nil
}

// Manager returns the manager for a conversation, creating and initializing
// it on first use.
func (r *Registry) Manager(ctx context.Context, userID, conversationID string) (*Manager, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := registryKey{userID, conversationID}
	if m, ok := r.managers[key]; ok {
		return m, nil
	}

	summarizer := NewSummarizer(r.deps.Completer, r.deps.Config.Model, r.deps.Tokenizer).WithHooks(r.deps.Hooks)
	m := NewManager(r.deps.Config, userID, conversationID, r.deps.Tokenizer, summarizer, r.deps.Extractor, r.deps.Persister, r.deps.Hooks)
	if err := m.Initialize(ctx, nil); err != nil {
		return nil, err
	}
	r.managers[key] = m
	return m, nil
}

// Release disposes one conversation's manager and forgets it.
func (r *Registry) Release(ctx context.Context, userID, conversationID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := registryKey{userID, conversationID}
	m, ok := r.managers[key]
	if !ok {
		return nil
	}
	delete(r.managers, key)
	return m.Dispose(ctx)
}

// DisposeAll disposes every open manager. Used at shutdown; each dispose is
// individually time-bounded, so this cannot hang on a dead backend.
func (r *Registry) DisposeAll(ctx context.Context) {
	r.mu.Lock()
	managers := make([]*Manager, 0, len(r.managers))
	for _, m := range r.managers {
		managers = append(managers, m)
	}
	r.managers = make(map[registryKey]*Manager)
	r.mu.Unlock()

	for _, m := range managers {
		_ = m.Dispose(ctx)
	}
}
