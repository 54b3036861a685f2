package providers

import (
	"context"

	anthropic "github.com/liushuangls/go-anthropic/v2"

	"github.com/roamlabs/convoctx/internal/engine"
)

// AnthropicClient implements engine.CompletionClient against the Anthropic
// Messages API.
type AnthropicClient struct {
	client *anthropic.Client
	model  string
}

// NewAnthropicClient creates a new Anthropic client.
func NewAnthropicClient(apiKey, modelName string) (*AnthropicClient, error) {
	return &AnthropicClient{
		client: anthropic.NewClient(apiKey),
		model:  modelName,
	}, nil
}

// Complete implements engine.CompletionClient.
func (c *AnthropicClient) Complete(ctx context.Context, req engine.CompletionRequest) (engine.CompletionResponse, error) {
	var systemParts []anthropic.MessageSystemPart
	var msgs []anthropic.Message

	for _, e := range req.Entries {
		switch e.Role {
		case engine.RoleSystem:
			systemParts = append(systemParts, anthropic.MessageSystemPart{
				Type: "text",
				Text: e.Content,
			})
		case engine.RoleUser:
			msgs = append(msgs, anthropic.Message{
				Role:    anthropic.RoleUser,
				Content: []anthropic.MessageContent{anthropic.NewTextMessageContent(e.Content)},
			})
		case engine.RoleAssistant:
			msgs = append(msgs, anthropic.Message{
				Role:    anthropic.RoleAssistant,
				Content: []anthropic.MessageContent{anthropic.NewTextMessageContent(e.Content)},
			})
		}
	}

	model := req.Model
	if model == "" {
		model = c.model
	}
	maxTokens := 4096
	if req.MaxOutputTokens > 0 {
		maxTokens = req.MaxOutputTokens
	}
	temperature := float32(0.1)
	if req.Temperature > 0 {
		temperature = req.Temperature
	}

	areq := anthropic.MessagesRequest{
		Model:       anthropic.Model(model),
		Messages:    msgs,
		MaxTokens:   maxTokens,
		Temperature: &temperature,
	}
	if len(systemParts) > 0 {
		areq.MultiSystem = systemParts
	}

	resp, err := c.client.CreateMessages(ctx, areq)
	if err != nil {
		return engine.CompletionResponse{}, err
	}

	var text string
	for _, block := range resp.Content {
		if block.Type == anthropic.MessagesContentTypeText && block.Text != nil {
			text += *block.Text
		}
	}

	finishReason := "stop"
	switch resp.StopReason {
	case "max_tokens":
		finishReason = "length"
	case "content_filtered":
		finishReason = "content_filter"
	}

	return engine.CompletionResponse{
		Text: text,
		Usage: engine.Usage{
			Prompt:     resp.Usage.InputTokens,
			Completion: resp.Usage.OutputTokens,
			Total:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
		FinishReason: finishReason,
	}, nil
}
