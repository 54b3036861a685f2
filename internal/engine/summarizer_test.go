package engine

import (
	"context"
	"errors"
	"strings"
	"testing"
)

// MockLLM is a simple mock for the CompletionClient interface.
type MockLLM struct {
	Response string
	Err      error
	Calls    int
}

func (m *MockLLM) Complete(ctx context.Context, req CompletionRequest) (CompletionResponse, error) {
	m.Calls++
	if m.Err != nil {
		return CompletionResponse{}, m.Err
	}
	return CompletionResponse{Text: m.Response, FinishReason: "stop"}, nil
}

func travelHistory() []Message {
	contents := []string{
		"I want to plan a two week trip to Portugal in October. My budget is around 2000 euros total.",
		"For that budget you could split time between Lisbon and Porto. Flights in October are usually cheaper midweek.",
		"Lisbon sounds great. I care most about food and museums, not nightlife. Are there day trips worth doing?",
		"Sintra is the classic day trip from Lisbon, and Cascais is an easy coastal option. Both reachable by train.",
		"Let's say five nights in Lisbon with a Sintra day trip, then the rest in Porto. What about hotels?",
		"Mid-range hotels in Lisbon run 80 to 120 euros a night in October. Booking the Alfama area keeps you central.",
	}
	msgs := make([]Message, 0, len(contents))
	for i, c := range contents {
		role := RoleUser
		if i%2 == 1 {
			role = RoleAssistant
		}
		m := NewMessage(role, c)
		m.Tokens = EstimateTokens(c) + perMessageOverhead
		msgs = append(msgs, m)
	}
	return msgs
}

func TestSummarizeGenerative(t *testing.T) {
	mock := &MockLLM{Response: "User is planning a two week October trip to Portugal, 2000 euro budget, five nights in Lisbon plus Sintra day trip, rest in Porto."}
	s := NewSummarizer(mock, "test-model", DefaultTokenizer{})

	msgs := travelHistory()
	summary, err := s.Summarize(context.Background(), msgs, 0.3, StrategyGenerative)
	if err != nil {
		t.Fatalf("Summarize failed: %v", err)
	}

	if summary.Strategy != StrategyGenerative {
		t.Errorf("Strategy = %q, want %q", summary.Strategy, StrategyGenerative)
	}
	if summary.Confidence != generativeConfidence {
		t.Errorf("Confidence = %v, want %v", summary.Confidence, generativeConfidence)
	}
	if summary.FromID != msgs[0].ID || summary.ToID != msgs[len(msgs)-1].ID {
		t.Error("summary range ids do not match source messages")
	}
	if summary.Tokens >= summary.SourceTokens {
		t.Errorf("summary (%d tokens) not smaller than source (%d tokens)", summary.Tokens, summary.SourceTokens)
	}
	if summary.CompressionRatio <= 0 || summary.CompressionRatio >= 1 {
		t.Errorf("CompressionRatio = %v, want in (0, 1)", summary.CompressionRatio)
	}
}

func TestSummarizeFallsBackWhenLLMFails(t *testing.T) {
	mock := &MockLLM{Err: errors.New("invalid request: model not found")}
	s := NewSummarizer(mock, "test-model", DefaultTokenizer{})

	summary, err := s.Summarize(context.Background(), travelHistory(), 0.3, StrategyGenerative)
	if err != nil {
		t.Fatalf("Summarize failed: %v", err)
	}

	if summary.Strategy != StrategyExtractive {
		t.Errorf("Strategy = %q, want extractive fallback", summary.Strategy)
	}
	if summary.Confidence != extractiveConfidence {
		t.Errorf("fallback Confidence = %v, want %v", summary.Confidence, extractiveConfidence)
	}
	if summary.Text == "" {
		t.Error("extractive fallback produced empty text")
	}
}

func TestSummarizeNilClientDowngrades(t *testing.T) {
	s := NewSummarizer(nil, "test-model", DefaultTokenizer{})

	summary, err := s.Summarize(context.Background(), travelHistory(), 0.3, StrategyHybrid)
	if err != nil {
		t.Fatalf("Summarize failed: %v", err)
	}
	if summary.Strategy != StrategyExtractive {
		t.Errorf("Strategy = %q, want extractive when no client configured", summary.Strategy)
	}
}

func TestSummarizeExtractiveDeterministic(t *testing.T) {
	s := NewSummarizer(nil, "test-model", DefaultTokenizer{})
	msgs := travelHistory()

	first, err := s.Summarize(context.Background(), msgs, 0.3, StrategyExtractive)
	if err != nil {
		t.Fatalf("Summarize failed: %v", err)
	}
	second, err := s.Summarize(context.Background(), msgs, 0.3, StrategyExtractive)
	if err != nil {
		t.Fatalf("Summarize failed: %v", err)
	}
	if first.Text != second.Text {
		t.Errorf("extractive output not deterministic:\n%q\nvs\n%q", first.Text, second.Text)
	}
}

func TestSummarizeRejectsNotSmaller(t *testing.T) {
	// A model that pads its output larger than the tiny source range.
	mock := &MockLLM{Response: strings.Repeat("this summary is far longer than the source material ", 20)}
	s := NewSummarizer(mock, "test-model", DefaultTokenizer{})

	short := NewMessage(RoleUser, "ok")
	short.Tokens = EstimateTokens(short.Content) + perMessageOverhead

	_, err := s.Summarize(context.Background(), []Message{short}, 0.3, StrategyGenerative)
	if err == nil {
		t.Fatal("expected rejection for a summary not smaller than its source")
	}
	if !IsSummaryRejected(err) {
		t.Errorf("expected SummaryRejectedError, got %T: %v", err, err)
	}
}

func TestSummarizeEmptyRange(t *testing.T) {
	s := NewSummarizer(nil, "test-model", DefaultTokenizer{})
	_, err := s.Summarize(context.Background(), nil, 0.3, StrategyExtractive)
	if !IsInputError(err) {
		t.Errorf("expected InputError for empty range, got %v", err)
	}
}

func TestGenerateTitle(t *testing.T) {
	mock := &MockLLM{Response: "Portugal Trip Planning"}
	s := NewSummarizer(mock, "test-model", DefaultTokenizer{})

	title, err := s.GenerateTitle(context.Background(), travelHistory())
	if err != nil {
		t.Fatalf("GenerateTitle failed: %v", err)
	}
	if title != "Portugal Trip Planning" {
		t.Errorf("Expected title 'Portugal Trip Planning', got '%s'", title)
	}
}

func TestGenerateTitleWithoutClient(t *testing.T) {
	s := NewSummarizer(nil, "test-model", DefaultTokenizer{})

	title, err := s.GenerateTitle(context.Background(), travelHistory())
	if err != nil {
		t.Fatalf("GenerateTitle failed: %v", err)
	}
	if title == "" {
		t.Error("fallback title is empty")
	}

	title, err = s.GenerateTitle(context.Background(), nil)
	if err != nil {
		t.Fatalf("GenerateTitle failed: %v", err)
	}
	if title != "New Conversation" {
		t.Errorf("Expected 'New Conversation' for empty history, got '%s'", title)
	}
}
