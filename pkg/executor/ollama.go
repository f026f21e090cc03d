package executor

import (
	"context"
	"net/http"
	"net/url"

	"github.com/ollama/ollama/api"

	"conductor/pkg/proto"
)

const (
	defaultOllamaHost  = "http://localhost:11434"
	defaultOllamaModel = "llama3.1"
)

// OllamaExecutor runs generation tasks against a local Ollama server.
type OllamaExecutor struct {
	client    *api.Client
	model     string
	maxTokens int
}

// NewOllamaExecutor creates an Ollama-backed executor. Empty host or
// model select the defaults.
func NewOllamaExecutor(hostURL, model string, maxTokens int) *OllamaExecutor {
	if hostURL == "" {
		hostURL = defaultOllamaHost
	}
	if model == "" {
		model = defaultOllamaModel
	}
	parsedURL, err := url.Parse(hostURL)
	if err != nil {
		parsedURL, _ = url.Parse(defaultOllamaHost)
	}
	return &OllamaExecutor{
		client:    api.NewClient(parsedURL, http.DefaultClient),
		model:     model,
		maxTokens: maxTokens,
	}
}

func (o *OllamaExecutor) Name() string { return "ollama:" + o.model }

func (o *OllamaExecutor) Execute(ctx context.Context, req *proto.TaskRequest) (*proto.TaskResult, error) {
	prompt := BuildPrompt(req)

	stream := false
	chatReq := &api.ChatRequest{
		Model: o.model,
		Messages: []api.Message{
			{Role: "user", Content: prompt},
		},
		Stream: &stream,
		Options: map[string]any{
			"num_predict": o.maxTokens,
		},
	}

	var response api.ChatResponse
	err := o.client.Chat(ctx, chatReq, func(resp api.ChatResponse) error {
		response = resp
		return nil
	})
	if err != nil {
		return nil, err
	}

	return resultFromContent(req.TaskName, response.Message.Content), nil
}
