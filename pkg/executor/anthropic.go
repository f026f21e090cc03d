package executor

import (
	"context"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"conductor/pkg/proto"
)

const defaultAnthropicModel = "claude-sonnet-4-20250514"

// AnthropicExecutor runs generation tasks against the Anthropic API.
type AnthropicExecutor struct {
	client    anthropic.Client
	model     anthropic.Model
	maxTokens int64
}

// NewAnthropicExecutor creates an Anthropic-backed executor. An empty
// model selects the default.
func NewAnthropicExecutor(apiKey, model string, maxTokens int) *AnthropicExecutor {
	if model == "" {
		model = defaultAnthropicModel
	}
	return &AnthropicExecutor{
		client:    anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:     anthropic.Model(model),
		maxTokens: int64(maxTokens),
	}
}

func (a *AnthropicExecutor) Name() string { return "anthropic:" + string(a.model) }

func (a *AnthropicExecutor) Execute(ctx context.Context, req *proto.TaskRequest) (*proto.TaskResult, error) {
	prompt := BuildPrompt(req)

	resp, err := a.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     a.model,
		MaxTokens: a.maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return nil, err
	}

	var content string
	for i := range resp.Content {
		if block := resp.Content[i].AsText(); block.Text != "" {
			content += block.Text
		}
	}

	return resultFromContent(req.TaskName, content), nil
}
