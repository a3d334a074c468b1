package openai

import (
	"context"
	"errors"
	"fmt"

	"github.com/kiranshivaraju/pvebatch/internal/ai/aierr"
	"github.com/kiranshivaraju/pvebatch/internal/config"
	"github.com/kiranshivaraju/pvebatch/pkg/models"
	goopenai "github.com/sashabaranov/go-openai"
)

// Provider implements models.AIProvider over any OpenAI-compatible chat completions API.
type Provider struct {
	name   string
	model  string
	client *goopenai.Client
}

// NewProvider creates a provider for the OpenAI API.
func NewProvider(cfg config.OpenAIConfig) *Provider {
	return NewCompatible("openai", "", cfg.APIKey, cfg.Model)
}

// NewCompatible creates a provider for an OpenAI-compatible server at baseURL.
// An empty baseURL targets api.openai.com.
func NewCompatible(name, baseURL, apiKey, model string) *Provider {
	clientCfg := goopenai.DefaultConfig(apiKey)
	if baseURL != "" {
		clientCfg.BaseURL = baseURL
	}
	return &Provider{
		name:   name,
		model:  model,
		client: goopenai.NewClientWithConfig(clientCfg),
	}
}

func (p *Provider) Name() string { return p.name }

func (p *Provider) Complete(ctx context.Context, req models.CompletionRequest) (string, error) {
	chatReq := goopenai.ChatCompletionRequest{
		Model: p.model,
		Messages: []goopenai.ChatCompletionMessage{
			{Role: goopenai.ChatMessageRoleSystem, Content: req.System},
			{Role: goopenai.ChatMessageRoleUser, Content: req.Prompt},
		},
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}

	resp, err := p.client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		return "", classifyError(err)
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return "", fmt.Errorf("%w: no choices in response", aierr.ErrInvalidResponse)
	}
	return resp.Choices[0].Message.Content, nil
}

func classifyError(err error) error {
	var apiErr *goopenai.APIError
	if errors.As(err, &apiErr) {
		return aierr.FromStatus(apiErr.HTTPStatusCode, apiErr.Message)
	}
	var reqErr *goopenai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode != 0 {
		return aierr.FromStatus(reqErr.HTTPStatusCode, reqErr.Error())
	}
	return aierr.FromTransport(err)
}

var _ models.AIProvider = (*Provider)(nil)
