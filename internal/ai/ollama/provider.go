package ollama

import (
	"strings"

	"github.com/kiranshivaraju/pvebatch/internal/ai/openai"
	"github.com/kiranshivaraju/pvebatch/internal/config"
)

// NewProvider returns a provider for Ollama's OpenAI-compatible endpoint.
// Ollama ignores the API key but the client requires one.
func NewProvider(cfg config.OllamaConfig) *openai.Provider {
	return openai.NewCompatible("ollama", strings.TrimSuffix(cfg.BaseURL, "/")+"/v1", "ollama", cfg.Model)
}
