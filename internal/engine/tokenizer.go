// Token counting interfaces and implementations. Estimates are heuristic:
// exact provider tokenization is not required, but estimates must be
// deterministic and monotonic so budget checks are a reliable safety margin.

package engine

import (
	"strings"
	"unicode/utf8"
)

// perMessageOverhead accounts for role markers and formatting the provider
// charges per message, independent of content length.
const perMessageOverhead = 4

// Tokenizer provides token counting for text.
// Different models use different tokenization schemes, so the model name is required.
type Tokenizer interface {
	// CountTokens returns the number of tokens in the given text for the specified model.
	// Returns an error if the input is not countable (e.g. binary content).
	CountTokens(text string, model string) (int, error)
}

// EstimateTokens provides a rough token count estimation.
// Uses a simple heuristic: ~4 characters per token for English text.
// Target accuracy is within ~15% of provider tokenization for natural
// language, which is the margin the settle cycle relies on.
func EstimateTokens(text string) int {
	if len(text) == 0 {
		return 0
	}

	charCount := len([]rune(text))

	// Whitespace-heavy text tokenizes shorter than the raw character count
	// suggests, so subtract-ish via a smaller divisor on whitespace.
	whitespaceCount := strings.Count(text, " ") + strings.Count(text, "\n") + strings.Count(text, "\t")

	estimated := (charCount / 4) + (whitespaceCount / 6)

	// Minimum of 1 token for non-empty text
	if estimated < 1 {
		return 1
	}

	return estimated
}

// DefaultTokenizer uses estimation as a fallback when no provider-specific
// tokenizer is available.
type DefaultTokenizer struct{}

// CountTokens implements Tokenizer using estimation.
func (t DefaultTokenizer) CountTokens(text string, model string) (int, error) {
	if !utf8.ValidString(text) {
		return 0, &InputError{Field: "text", Reason: "not valid UTF-8 text"}
	}
	return EstimateTokens(text), nil
}

// TokenBreakdown splits a message's cost into content and per-message overhead.
type TokenBreakdown struct {
	Content  int
	Overhead int
	Total    int
}

// CountMessageTokens counts tokens for a single message, including the
// provider-imposed per-message constant. Empty content still pays the
// overhead.
func CountMessageTokens(tokenizer Tokenizer, msg Message, model string) (TokenBreakdown, error) {
	content, err := tokenizer.CountTokens(msg.Content, model)
	if err != nil {
		return TokenBreakdown{}, err
	}
	return TokenBreakdown{
		Content:  content,
		Overhead: perMessageOverhead,
		Total:    content + perMessageOverhead,
	}, nil
}

// CountEntryTokens counts tokens for a window entry (message or summary).
func CountEntryTokens(tokenizer Tokenizer, e Entry, model string) (int, error) {
	content, err := tokenizer.CountTokens(e.Text(), model)
	if err != nil {
		return 0, err
	}
	return content + perMessageOverhead, nil
}

// FitResult reports whether a candidate context fits a model's limits.
type FitResult struct {
	Fits        bool
	TotalTokens int
	Limit       int
	Remaining   int
}

// CheckFits determines whether the given entries fit within the named model's
// context limit, including the fixed per-request overhead (system prompt,
// formatting) when includeSystemOverhead is set. It must flag an oversized
// context before submission, not after a provider rejection.
func CheckFits(tokenizer Tokenizer, entries []Entry, model string, includeSystemOverhead bool) (FitResult, error) {
	limits := GetModelLimits(model)

	total := 0
	if includeSystemOverhead {
		total += limits.RequestOverhead
	}
	for _, e := range entries {
		n, err := CountEntryTokens(tokenizer, e, model)
		if err != nil {
			return FitResult{}, err
		}
		total += n
	}

	remaining := limits.ContextTokens - total
	return FitResult{
		Fits:        total <= limits.ContextTokens,
		TotalTokens: total,
		Limit:       limits.ContextTokens,
		Remaining:   remaining,
	}, nil
}

// GetTokenizerForModel returns an appropriate tokenizer for the given model.
// Currently returns DefaultTokenizer (estimation) for all models; a
// provider-exact tokenizer can be slotted in per model family later.
func GetTokenizerForModel(model string) Tokenizer {
	return DefaultTokenizer{}
}
