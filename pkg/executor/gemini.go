package executor

import (
	"context"

	"google.golang.org/genai"

	"conductor/pkg/proto"
)

const defaultGeminiModel = "gemini-2.0-flash"

// GeminiExecutor runs generation tasks against the Google Gemini API.
// Client creation requires a context, so it is deferred to the first
// Execute call.
type GeminiExecutor struct {
	client    *genai.Client
	apiKey    string
	model     string
	maxTokens int32
}

// NewGeminiExecutor creates a Gemini-backed executor. An empty model
// selects the default.
func NewGeminiExecutor(apiKey, model string, maxTokens int) *GeminiExecutor {
	if model == "" {
		model = defaultGeminiModel
	}
	return &GeminiExecutor{
		apiKey:    apiKey,
		model:     model,
		maxTokens: int32(maxTokens),
	}
}

func (g *GeminiExecutor) Name() string { return "gemini:" + g.model }

func (g *GeminiExecutor) Execute(ctx context.Context, req *proto.TaskRequest) (*proto.TaskResult, error) {
	if g.client == nil {
		client, err := genai.NewClient(ctx, &genai.ClientConfig{
			APIKey:  g.apiKey,
			Backend: genai.BackendGeminiAPI,
		})
		if err != nil {
			return nil, err
		}
		g.client = client
	}

	prompt := BuildPrompt(req)
	contents := []*genai.Content{
		genai.NewContentFromText(prompt, genai.RoleUser),
	}
	cfg := &genai.GenerateContentConfig{
		MaxOutputTokens: g.maxTokens,
	}

	result, err := g.client.Models.GenerateContent(ctx, g.model, contents, cfg)
	if err != nil {
		return nil, err
	}

	return resultFromContent(req.TaskName, result.Text()), nil
}
