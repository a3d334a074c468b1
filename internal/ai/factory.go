package ai

import (
	"fmt"
	"slices"
	"strings"

	"github.com/kiranshivaraju/pvebatch/internal/ai/anthropic"
	"github.com/kiranshivaraju/pvebatch/internal/ai/ollama"
	"github.com/kiranshivaraju/pvebatch/internal/ai/openai"
	"github.com/kiranshivaraju/pvebatch/internal/ai/vllm"
	"github.com/kiranshivaraju/pvebatch/internal/config"
	"github.com/kiranshivaraju/pvebatch/pkg/models"
)

type constructor func(config.AIConfig) models.AIProvider

var constructors = map[string]constructor{
	"ollama":    func(c config.AIConfig) models.AIProvider { return ollama.NewProvider(c.Ollama) },
	"vllm":      func(c config.AIConfig) models.AIProvider { return vllm.NewProvider(c.VLLM) },
	"openai":    func(c config.AIConfig) models.AIProvider { return openai.NewProvider(c.OpenAI) },
	"anthropic": func(c config.AIConfig) models.AIProvider { return anthropic.NewProvider(c.Anthropic) },
}

// Providers lists the accepted AI_PROVIDER values in sorted order.
func Providers() []string {
	names := make([]string, 0, len(constructors))
	for name := range constructors {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// NewProvider builds the provider selected by cfg.Provider.
func NewProvider(cfg config.AIConfig) (models.AIProvider, error) {
	build, ok := constructors[cfg.Provider]
	if !ok {
		return nil, fmt.Errorf("unknown AI provider %q: must be one of %s",
			cfg.Provider, strings.Join(Providers(), ", "))
	}
	return build(cfg), nil
}
