package llm

import (
	"github.com/guyuedumingx/chatSpace/internal/config"
	"github.com/sashabaranov/go-openai"
)

// NewClient creates a client for an OpenAI-compatible completion endpoint.
func NewClient(cfg config.LLMConfig) *openai.Client {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	return openai.NewClientWithConfig(clientCfg)
}
