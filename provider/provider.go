package provider

import (
	"context"
	"errors"
	"os"

	"github.com/deskhand/deskhand/config"
	openai_provider "github.com/deskhand/deskhand/provider/openai"
)

// Provider is the interface embedding and text-generation backends must satisfy.
type Provider interface {
	// CreateEmbedding returns one vector per input text, in input order.
	CreateEmbedding(ctx context.Context, texts []string) ([][]float32, error)
	// Complete generates a completion for the given system and user prompts.
	Complete(ctx context.Context, system, user string) (string, error)
}

// NewProvider creates a provider from configuration. The API key may come
// from config or the OPENAI_API_KEY environment variable.
func NewProvider(cfg config.ProviderConfig) (Provider, error) {
	switch cfg.Type {
	case "openai", "":
		apiKey := cfg.APIKey
		if apiKey == "" {
			apiKey = os.Getenv("OPENAI_API_KEY")
		}
		if apiKey == "" {
			return nil, errors.New("provider api_key not set and OPENAI_API_KEY empty")
		}
		return openai_provider.NewClient(
			apiKey,
			cfg.BaseURL,
			cfg.CompletionModel,
			cfg.EmbeddingModel,
			cfg.Timeout,
		), nil
	default:
		return nil, errors.New("unsupported provider type: " + cfg.Type)
	}
}
