package ai

import (
	"context"
	"fmt"

	"google.golang.org/genai"

	"github.com/cyberq/chatbot/backend/internal/model/chat"
)

const defaultGeminiModel = "gemini-1.5-flash-latest"

type contentGenerator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// GeminiCompleter answers prompts with the Gemini API.
type GeminiCompleter struct {
	models contentGenerator
	model  string
}

// NewGeminiCompleter creates a Gemini API client for model.
func NewGeminiCompleter(ctx context.Context, apiKey, model string) (*GeminiCompleter, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini api key is required: %w", chat.ErrNotConfigured)
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}

	return newGeminiCompleter(client.Models, model), nil
}

func newGeminiCompleter(models contentGenerator, model string) *GeminiCompleter {
	if model == "" {
		model = defaultGeminiModel
	}
	return &GeminiCompleter{models: models, model: model}
}

// Complete sends prompt as the only content of the request.
func (g *GeminiCompleter) Complete(ctx context.Context, prompt string) (string, error) {
	resp, err := g.models.GenerateContent(ctx, g.model, genai.Text(prompt), nil)
	if err != nil {
		if credentialError(err) {
			return "", fmt.Errorf("gemini generate: %v: %w", err, chat.ErrNotConfigured)
		}
		return "", fmt.Errorf("gemini generate: %w", err)
	}
	if resp == nil {
		return "", fmt.Errorf("gemini generate: empty response")
	}
	return resp.Text(), nil
}
