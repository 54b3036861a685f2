package providers

import (
	"context"
	"fmt"

	openai "github.com/meguminnnnnnnnn/go-openai"

	"github.com/roamlabs/convoctx/internal/engine"
)

// OpenAIClient implements engine.CompletionClient against the OpenAI chat
// API or any OpenAI-compatible endpoint (Kimi, DeepSeek, local servers).
type OpenAIClient struct {
	client  *openai.Client
	model   string
	baseURL string
}

// NewOpenAIClient creates a new OpenAI client. baseURL may be empty for the
// official API.
func NewOpenAIClient(apiKey, modelName, baseURL string) (*OpenAIClient, error) {
	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}
	return &OpenAIClient{
		client:  openai.NewClientWithConfig(config),
		model:   modelName,
		baseURL: baseURL,
	}, nil
}

// Complete implements engine.CompletionClient.
func (c *OpenAIClient) Complete(ctx context.Context, req engine.CompletionRequest) (engine.CompletionResponse, error) {
	msgs := make([]openai.ChatCompletionMessage, 0, len(req.Entries))
	for _, e := range req.Entries {
		role := openai.ChatMessageRoleUser
		switch e.Role {
		case engine.RoleSystem:
			role = openai.ChatMessageRoleSystem
		case engine.RoleAssistant:
			role = openai.ChatMessageRoleAssistant
		}
		msgs = append(msgs, openai.ChatCompletionMessage{
			Role:    role,
			Content: e.Content,
		})
	}

	model := req.Model
	if model == "" {
		model = c.model
	}

	oreq := openai.ChatCompletionRequest{
		Model:    model,
		Messages: msgs,
	}
	if req.MaxOutputTokens > 0 {
		oreq.MaxTokens = req.MaxOutputTokens
	}
	if req.Temperature > 0 {
		oreq.Temperature = &req.Temperature
	}

	resp, err := c.client.CreateChatCompletion(ctx, oreq)
	if err != nil {
		return engine.CompletionResponse{}, err
	}
	if len(resp.Choices) == 0 {
		return engine.CompletionResponse{}, fmt.Errorf("empty response from completion service")
	}

	choice := resp.Choices[0]
	finishReason := "stop"
	if choice.FinishReason == openai.FinishReasonLength {
		finishReason = "length"
	} else if choice.FinishReason == openai.FinishReasonContentFilter {
		finishReason = "content_filter"
	}

	return engine.CompletionResponse{
		Text: choice.Message.Content,
		Usage: engine.Usage{
			Prompt:     resp.Usage.PromptTokens,
			Completion: resp.Usage.CompletionTokens,
			Total:      resp.Usage.TotalTokens,
		},
		FinishReason: finishReason,
	}, nil
}
