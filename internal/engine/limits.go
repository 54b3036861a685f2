package engine

import "strings"

// ModelLimits describes a model's context capacity and the fixed per-request
// overhead (system prompt, formatting) the engine reserves on top of message
// tokens.
type ModelLimits struct {
	ContextTokens   int
	RequestOverhead int
}

// GetModelLimits returns the context limits for a specific model.
// Unknown models get a conservative default so budget checks stay safe.
func GetModelLimits(model string) ModelLimits {
	modelLower := strings.ToLower(model)

	switch {
	// Claude family (200k context). Leave headroom for safety.
	case strings.Contains(modelLower, "claude") || strings.Contains(modelLower, "sonnet") || strings.Contains(modelLower, "opus") || strings.Contains(modelLower, "haiku"):
		return ModelLimits{ContextTokens: 190000, RequestOverhead: 500}

	// GPT-4o (128k context)
	case strings.Contains(modelLower, "gpt-4o"):
		return ModelLimits{ContextTokens: 120000, RequestOverhead: 500}

	// GPT-4 classic (8k context)
	case strings.Contains(modelLower, "gpt-4"):
		return ModelLimits{ContextTokens: 7500, RequestOverhead: 400}

	// Kimi K2 (200k context)
	case strings.Contains(modelLower, "kimi"):
		return ModelLimits{ContextTokens: 190000, RequestOverhead: 500}

	// DeepSeek (64k safe assumption)
	case strings.Contains(modelLower, "deepseek"):
		return ModelLimits{ContextTokens: 60000, RequestOverhead: 400}
	}

	// Conservative default (16k context)
	return ModelLimits{ContextTokens: 15000, RequestOverhead: 400}
}
