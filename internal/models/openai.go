package models

import (
	"context"
	"encoding/json"
	"fmt"

	gopenai "github.com/sashabaranov/go-openai"

	"github.com/scalyclaw/scalyclaw/pkg/types"
)

// OpenAIProvider implements Provider against OpenAI's chat completions API.
type OpenAIProvider struct {
	client       *gopenai.Client
	defaultModel string
}

var _ Provider = (*OpenAIProvider)(nil)

// OpenAIConfig configures OpenAIProvider.
type OpenAIConfig struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
}

// NewOpenAIProvider returns a configured OpenAIProvider.
func NewOpenAIProvider(cfg OpenAIConfig) (*OpenAIProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("models/openai: api key is required")
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = gopenai.GPT4o
	}
	clientCfg := gopenai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	return &OpenAIProvider{
		client:       gopenai.NewClientWithConfig(clientCfg),
		defaultModel: cfg.DefaultModel,
	}, nil
}

// Name returns "openai".
func (p *OpenAIProvider) Name() string { return "openai" }

// Chat sends one non-streaming chat completion request.
func (p *OpenAIProvider) Chat(ctx context.Context, req Request) (Response, error) {
	messages, err := convertChatMessages(req.System, req.Messages)
	if err != nil {
		return Response{}, fmt.Errorf("models/openai: convert messages: %w", err)
	}

	chatReq := gopenai.ChatCompletionRequest{
		Model:       p.defaultModel,
		Messages:    messages,
		Temperature: float32(req.Temperature),
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = convertChatTools(req.Tools)
	}

	resp, err := p.client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		return Response{}, fmt.Errorf("models/openai: request: %w", err)
	}
	if len(resp.Choices) == 0 {
		return Response{}, fmt.Errorf("models/openai: empty choices in response")
	}
	choice := resp.Choices[0]

	out := Response{
		Content:      choice.Message.Content,
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
		StopReason:   string(choice.FinishReason),
	}
	for _, tc := range choice.Message.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, types.ToolCall{
			ID:    tc.ID,
			Name:  tc.Function.Name,
			Input: json.RawMessage(tc.Function.Arguments),
		})
	}
	return out, nil
}

func convertChatMessages(system string, messages []types.Message) ([]gopenai.ChatCompletionMessage, error) {
	var result []gopenai.ChatCompletionMessage
	if system != "" {
		result = append(result, gopenai.ChatCompletionMessage{Role: gopenai.ChatMessageRoleSystem, Content: system})
	}

	for _, msg := range messages {
		switch msg.Role {
		case types.RoleSystem:
			result = append(result, gopenai.ChatCompletionMessage{Role: gopenai.ChatMessageRoleSystem, Content: msg.Content})
		case types.RoleTool:
			toolCallID, _ := msg.Metadata["toolCallId"].(string)
			result = append(result, gopenai.ChatCompletionMessage{
				Role:       gopenai.ChatMessageRoleTool,
				Content:    msg.Content,
				ToolCallID: toolCallID,
			})
		case types.RoleAssistant:
			out := gopenai.ChatCompletionMessage{Role: gopenai.ChatMessageRoleAssistant, Content: msg.Content}
			if calls, ok := msg.Metadata["toolCalls"].([]types.ToolCall); ok {
				for _, tc := range calls {
					out.ToolCalls = append(out.ToolCalls, gopenai.ToolCall{
						ID:   tc.ID,
						Type: gopenai.ToolTypeFunction,
						Function: gopenai.FunctionCall{
							Name:      tc.Name,
							Arguments: string(tc.Input),
						},
					})
				}
			}
			result = append(result, out)
		default:
			result = append(result, gopenai.ChatCompletionMessage{Role: gopenai.ChatMessageRoleUser, Content: msg.Content})
		}
	}
	return result, nil
}

func convertChatTools(tools []ToolDef) []gopenai.Tool {
	result := make([]gopenai.Tool, 0, len(tools))
	for _, tool := range tools {
		result = append(result, gopenai.Tool{
			Type: gopenai.ToolTypeFunction,
			Function: &gopenai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.Parameters,
			},
		})
	}
	return result
}
