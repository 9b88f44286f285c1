package models

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	bedrocktypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/scalyclaw/scalyclaw/pkg/types"
)

// BedrockProvider implements Provider against AWS Bedrock's Converse API.
type BedrockProvider struct {
	client       *bedrockruntime.Client
	defaultModel string
}

var _ Provider = (*BedrockProvider)(nil)

// BedrockConfig configures BedrockProvider.
type BedrockConfig struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	DefaultModel    string
}

// NewBedrockProvider returns a configured BedrockProvider.
func NewBedrockProvider(ctx context.Context, cfg BedrockConfig) (*BedrockProvider, error) {
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "anthropic.claude-3-sonnet-20240229-v1:0"
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("models/bedrock: load aws config: %w", err)
	}

	return &BedrockProvider{
		client:       bedrockruntime.NewFromConfig(awsCfg),
		defaultModel: cfg.DefaultModel,
	}, nil
}

// Name returns "bedrock".
func (p *BedrockProvider) Name() string { return "bedrock" }

// Chat sends one non-streaming Converse request.
func (p *BedrockProvider) Chat(ctx context.Context, req Request) (Response, error) {
	messages, err := p.convertMessages(req.Messages)
	if err != nil {
		return Response{}, fmt.Errorf("models/bedrock: convert messages: %w", err)
	}

	in := &bedrockruntime.ConverseInput{
		ModelId:  aws.String(p.defaultModel),
		Messages: messages,
	}
	if req.System != "" {
		in.System = []bedrocktypes.SystemContentBlock{
			&bedrocktypes.SystemContentBlockMemberText{Value: req.System},
		}
	}
	if req.MaxTokens > 0 {
		maxTokens := req.MaxTokens
		if maxTokens > math.MaxInt32 {
			maxTokens = math.MaxInt32
		}
		in.InferenceConfig = &bedrocktypes.InferenceConfiguration{
			MaxTokens: aws.Int32(int32(maxTokens)),
		}
	}
	if len(req.Tools) > 0 {
		toolConfig, err := p.convertTools(req.Tools)
		if err != nil {
			return Response{}, fmt.Errorf("models/bedrock: convert tools: %w", err)
		}
		in.ToolConfig = toolConfig
	}

	out, err := p.client.Converse(ctx, in)
	if err != nil {
		return Response{}, fmt.Errorf("models/bedrock: converse: %w", err)
	}

	resp := Response{StopReason: string(out.StopReason)}
	if out.Usage != nil {
		resp.InputTokens = int(aws.ToInt32(out.Usage.InputTokens))
		resp.OutputTokens = int(aws.ToInt32(out.Usage.OutputTokens))
	}

	msgOutput, ok := out.Output.(*bedrocktypes.ConverseOutputMemberMessage)
	if !ok {
		return resp, nil
	}

	var text strings.Builder
	for _, block := range msgOutput.Value.Content {
		switch b := block.(type) {
		case *bedrocktypes.ContentBlockMemberText:
			text.WriteString(b.Value)
		case *bedrocktypes.ContentBlockMemberToolUse:
			input, err := b.Value.Input.MarshalSmithyDocument()
			if err != nil {
				input = []byte("{}")
			}
			resp.ToolCalls = append(resp.ToolCalls, types.ToolCall{
				ID:    aws.ToString(b.Value.ToolUseId),
				Name:  aws.ToString(b.Value.Name),
				Input: input,
			})
		}
	}
	resp.Content = text.String()
	return resp, nil
}

func (p *BedrockProvider) convertMessages(messages []types.Message) ([]bedrocktypes.Message, error) {
	var result []bedrocktypes.Message
	for _, msg := range messages {
		if msg.Role == types.RoleSystem {
			continue
		}

		var content []bedrocktypes.ContentBlock
		if msg.Content != "" {
			content = append(content, &bedrocktypes.ContentBlockMemberText{Value: msg.Content})
		}

		if msg.Role == types.RoleTool {
			toolCallID, _ := msg.Metadata["toolCallId"].(string)
			content = append(content, &bedrocktypes.ContentBlockMemberToolResult{
				Value: bedrocktypes.ToolResultBlock{
					ToolUseId: aws.String(toolCallID),
					Content: []bedrocktypes.ToolResultContentBlock{
						&bedrocktypes.ToolResultContentBlockMemberText{Value: msg.Content},
					},
				},
			})
		}

		if calls, ok := msg.Metadata["toolCalls"].([]types.ToolCall); ok {
			for _, tc := range calls {
				var inputDoc any
				if err := json.Unmarshal(tc.Input, &inputDoc); err != nil {
					inputDoc = map[string]any{}
				}
				content = append(content, &bedrocktypes.ContentBlockMemberToolUse{
					Value: bedrocktypes.ToolUseBlock{
						ToolUseId: aws.String(tc.ID),
						Name:      aws.String(tc.Name),
						Input:     document.NewLazyDocument(inputDoc),
					},
				})
			}
		}

		if len(content) == 0 {
			continue
		}

		role := bedrocktypes.ConversationRoleUser
		if msg.Role == types.RoleAssistant {
			role = bedrocktypes.ConversationRoleAssistant
		}
		result = append(result, bedrocktypes.Message{Role: role, Content: content})
	}
	return result, nil
}

func (p *BedrockProvider) convertTools(tools []ToolDef) (*bedrocktypes.ToolConfiguration, error) {
	specs := make([]bedrocktypes.Tool, 0, len(tools))
	for _, tool := range tools {
		specs = append(specs, &bedrocktypes.ToolMemberToolSpec{
			Value: bedrocktypes.ToolSpecification{
				Name:        aws.String(tool.Name),
				Description: aws.String(tool.Description),
				InputSchema: &bedrocktypes.ToolInputSchemaMemberJson{
					Value: document.NewLazyDocument(tool.Parameters),
				},
			},
		})
	}
	return &bedrocktypes.ToolConfiguration{Tools: specs}, nil
}
