package executor

import (
	"context"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"conductor/pkg/proto"
)

const defaultOpenAIModel = openai.ChatModelGPT4o

// OpenAIExecutor runs generation tasks against the OpenAI API.
type OpenAIExecutor struct {
	client    openai.Client
	model     openai.ChatModel
	maxTokens int64
}

// NewOpenAIExecutor creates an OpenAI-backed executor. An empty model
// selects the default.
func NewOpenAIExecutor(apiKey, model string, maxTokens int) *OpenAIExecutor {
	m := defaultOpenAIModel
	if model != "" {
		m = openai.ChatModel(model)
	}
	return &OpenAIExecutor{
		client:    openai.NewClient(option.WithAPIKey(apiKey)),
		model:     m,
		maxTokens: int64(maxTokens),
	}
}

func (o *OpenAIExecutor) Name() string { return "openai:" + string(o.model) }

func (o *OpenAIExecutor) Execute(ctx context.Context, req *proto.TaskRequest) (*proto.TaskResult, error) {
	prompt := BuildPrompt(req)

	resp, err := o.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:               o.model,
		MaxCompletionTokens: openai.Int(o.maxTokens),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(prompt),
		},
	})
	if err != nil {
		return nil, err
	}

	var content string
	if len(resp.Choices) > 0 {
		content = resp.Choices[0].Message.Content
	}

	return resultFromContent(req.TaskName, content), nil
}
