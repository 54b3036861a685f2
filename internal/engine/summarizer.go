// Summarizer compresses an ordered run of older messages into a single
// Summary. The generative path delegates to the completion service; the
// extractive path is local and deterministic, and is the guaranteed-success
// fallback. Summarization failure must never block new messages.

package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const summarizeSystem = `You compress prior chat history for a travel assistant. Preserve decisions, places, dates, amounts, and open questions. Omit pleasantries and repeated detail.`

// Confidence baselines per strategy. Generative summaries are trusted more
// than the frequency heuristic; callers compare against their quality floor.
const (
	extractiveConfidence = 0.45
	generativeConfidence = 0.85
)

// Summarizer produces summaries of message runs.
type Summarizer struct {
	llm       CompletionClient // nil disables the generative path
	model     string
	tokenizer Tokenizer
	retry     RetryPolicy
	timeout   time.Duration
	hooks     Hooks
}

// NewSummarizer creates a summarizer. llm may be nil, in which case the
// generative and hybrid strategies silently downgrade to extractive.
func NewSummarizer(llm CompletionClient, model string, tokenizer Tokenizer) *Summarizer {
	return &Summarizer{
		llm:       llm,
		model:     model,
		tokenizer: tokenizer,
		retry:     DefaultRetryPolicy(),
		timeout:   20 * time.Second,
	}
}

// WithHooks attaches observability hooks.
func (s *Summarizer) WithHooks(hooks Hooks) *Summarizer {
	s.hooks = hooks
	return s
}

// Summarize compresses msgs into one Summary. The caller is responsible for
// never including the active (most recent) turn in msgs; this function only
// sees a closed historical range.
//
// The returned Summary always satisfies Tokens < SourceTokens; if no strategy
// can achieve that, a SummaryRejectedError is returned and the caller should
// truncate instead.
func (s *Summarizer) Summarize(ctx context.Context, msgs []Message, targetRatio float64, strategy SummaryStrategy) (Summary, error) {
	if len(msgs) == 0 {
		return Summary{}, &InputError{Field: "messages", Reason: "nothing to summarize"}
	}
	if targetRatio <= 0 || targetRatio >= 1 {
		targetRatio = 0.3
	}

	sourceTokens := 0
	for _, m := range msgs {
		if m.Tokens > 0 {
			sourceTokens += m.Tokens
		} else {
			sourceTokens += EstimateTokens(m.Content) + perMessageOverhead
		}
	}
	targetTokens := int(float64(sourceTokens) * targetRatio)
	if targetTokens < 20 {
		targetTokens = 20
	}

	var text string
	var confidence float64
	used := strategy

	switch strategy {
	case StrategyExtractive:
		text = s.extractive(msgs, targetTokens)
		confidence = extractiveConfidence
	case StrategyGenerative:
		text, confidence, used = s.generativeOrFallback(ctx, msgs, targetTokens, RenderForSummary(msgs))
	case StrategyHybrid, "":
		// Extractive pre-filter trims the prompt, then the model polishes.
		prefiltered := s.extractive(msgs, targetTokens*3)
		text, confidence, used = s.generativeOrFallback(ctx, msgs, targetTokens, prefiltered)
		if used == StrategyGenerative {
			used = StrategyHybrid
			confidence = generativeConfidence + 0.05
		}
	default:
		return Summary{}, &InputError{Field: "strategy", Reason: fmt.Sprintf("unknown strategy: %q", strategy)}
	}

	summaryTokens := EstimateTokens(text) + perMessageOverhead
	if summaryTokens >= sourceTokens {
		// Retry the local path with a tight budget before giving up; a short
		// extraction of a short range can still come in over.
		text = s.extractive(msgs, sourceTokens/2)
		used = StrategyExtractive
		confidence = extractiveConfidence
		summaryTokens = EstimateTokens(text) + perMessageOverhead
	}
	if summaryTokens >= sourceTokens {
		return Summary{}, &SummaryRejectedError{SummaryTokens: summaryTokens, SourceTokens: sourceTokens}
	}

	return Summary{
		ID:               uuid.NewString(),
		FromID:           msgs[0].ID,
		ToID:             msgs[len(msgs)-1].ID,
		Text:             text,
		Tokens:           summaryTokens,
		SourceTokens:     sourceTokens,
		Strategy:         used,
		Confidence:       confidence,
		CompressionRatio: float64(summaryTokens) / float64(sourceTokens),
		CreatedAt:        time.Now(),
	}, nil
}

// generativeOrFallback runs the completion-service path with one retry, then
// downgrades to extractive. It never returns an error: extractive cannot fail.
func (s *Summarizer) generativeOrFallback(ctx context.Context, msgs []Message, targetTokens int, rendered string) (string, float64, SummaryStrategy) {
	if s.llm == nil {
		return s.extractive(msgs, targetTokens), extractiveConfidence, StrategyExtractive
	}

	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	req := CompletionRequest{
		Model: s.model,
		Entries: []CompletionEntry{
			{Role: RoleSystem, Content: summarizeSystem},
			{Role: RoleUser, Content: fmt.Sprintf("Summarize the following history in <= %d tokens, preserve facts and decisions:\n\n%s", targetTokens, rendered)},
		},
		MaxOutputTokens: targetTokens + targetTokens/4,
		Temperature:     0.1,
	}

	resp, err := RetryWithPolicy(callCtx, s.retry,
		func(ctx context.Context) (CompletionResponse, error) {
			return s.llm.Complete(ctx, req)
		},
		ClassifyCompletionError,
		func(attempt int, delay time.Duration, err error) {
			s.hooks.OnRetryAttempt(ctx, attempt, delay, err)
		},
	)
	if err != nil || strings.TrimSpace(resp.Text) == "" {
		s.hooks.OnSummarizeFallback(ctx, err)
		return s.extractive(msgs, targetTokens), extractiveConfidence, StrategyExtractive
	}

	return strings.TrimSpace(resp.Text), generativeConfidence, StrategyGenerative
}

// extractive selects the highest-scoring sentences, in original order, until
// the token budget is spent. Scoring is plain normalized term frequency, so
// the operation is local and deterministic.
func (s *Summarizer) extractive(msgs []Message, targetTokens int) string {
	type sentence struct {
		order int
		text  string
		score float64
	}

	// Term frequencies across the whole range.
	freq := make(map[string]int)
	var sentences []sentence
	order := 0
	for _, m := range msgs {
		for _, raw := range splitSentences(m.Content) {
			words := tokenizeWords(raw)
			for _, w := range words {
				freq[w]++
			}
			sentences = append(sentences, sentence{order: order, text: raw})
			order++
		}
	}
	if len(sentences) == 0 {
		return ""
	}

	for i := range sentences {
		words := tokenizeWords(sentences[i].text)
		if len(words) == 0 {
			continue
		}
		sum := 0
		for _, w := range words {
			sum += freq[w]
		}
		sentences[i].score = float64(sum) / float64(len(words))
	}

	// Pick best-scoring sentences; ties resolve to earlier ones so output is
	// stable for identical input.
	picked := make([]bool, len(sentences))
	budget := targetTokens
	for budget > 0 {
		best := -1
		for i, sen := range sentences {
			if picked[i] {
				continue
			}
			if best == -1 || sen.score > sentences[best].score {
				best = i
			}
		}
		if best == -1 {
			break
		}
		cost := EstimateTokens(sentences[best].text)
		if cost > budget && budget < targetTokens {
			break
		}
		picked[best] = true
		budget -= cost
	}

	var b strings.Builder
	for i, sen := range sentences {
		if !picked[i] {
			continue
		}
		if b.Len() > 0 {
			b.WriteString(" ")
		}
		b.WriteString(strings.TrimSpace(sen.text))
	}
	return b.String()
}

// RenderForSummary renders messages as role-tagged plain text for a
// summarization prompt.
func RenderForSummary(ms []Message) string {
	var b strings.Builder
	for _, m := range ms {
		b.WriteString("[" + string(m.Role) + "] ")
		b.WriteString(m.Content)
		b.WriteString("\n\n")
	}
	return b.String()
}

// GenerateTitle generates a short 3-5 word title for a conversation from its
// opening turns. Used when persisting a new conversation.
func (s *Summarizer) GenerateTitle(ctx context.Context, msgs []Message) (string, error) {
	if len(msgs) == 0 {
		return "New Conversation", nil
	}
	if s.llm == nil {
		return firstWords(msgs[0].Content, 5), nil
	}

	limit := 10
	if len(msgs) < limit {
		limit = len(msgs)
	}

	resp, err := s.llm.Complete(ctx, CompletionRequest{
		Model: s.model,
		Entries: []CompletionEntry{
			{Role: RoleSystem, Content: "Generate a short, concise title (3-5 words) for this conversation. Do not use quotes or punctuation."},
			{Role: RoleUser, Content: "History:\n" + RenderForSummary(msgs[:limit]) + "\nGenerate Title:"},
		},
		MaxOutputTokens: 20,
		Temperature:     0.3,
	})
	if err != nil {
		return firstWords(msgs[0].Content, 5), nil
	}
	return strings.TrimSpace(resp.Text), nil
}

func firstWords(text string, n int) string {
	words := strings.Fields(text)
	if len(words) > n {
		words = words[:n]
	}
	return strings.Join(words, " ")
}

func splitSentences(text string) []string {
	var out []string
	var cur strings.Builder
	for _, r := range text {
		cur.WriteRune(r)
		if r == '.' || r == '!' || r == '?' || r == '\n' {
			if s := strings.TrimSpace(cur.String()); s != "" {
				out = append(out, s)
			}
			cur.Reset()
		}
	}
	if s := strings.TrimSpace(cur.String()); s != "" {
		out = append(out, s)
	}
	return out
}

func tokenizeWords(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !('a' <= r && r <= 'z') && !('0' <= r && r <= '9')
	})
	var out []string
	for _, f := range fields {
		if len(f) >= 3 {
			out = append(out, f)
		}
	}
	return out
}
