package vllm

import (
	"strings"

	"github.com/kiranshivaraju/pvebatch/internal/ai/openai"
	"github.com/kiranshivaraju/pvebatch/internal/config"
)

// NewProvider returns a provider for a vLLM server's OpenAI-compatible endpoint.
func NewProvider(cfg config.VLLMConfig) *openai.Provider {
	return openai.NewCompatible("vllm", strings.TrimSuffix(cfg.BaseURL, "/")+"/v1", "EMPTY", cfg.Model)
}
