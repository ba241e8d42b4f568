package llm

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/comigor/mioo-go/internal/config"
)

const defaultOllamaEndpoint = "http://localhost:11434"

// NewClient creates an OpenAI-compatible client for the configured provider
// and returns it together with the model name to request.
func NewClient(cfg config.LLMConfig) (*openai.Client, string, error) {
	var (
		oc    openai.ClientConfig
		model string
	)
	switch cfg.Provider {
	case config.ProviderArk:
		if cfg.Ark.APIKey == "" {
			return nil, "", fmt.Errorf("ark: api_key is required")
		}
		oc = openai.DefaultConfig(cfg.Ark.APIKey)
		if cfg.Ark.Endpoint != "" {
			oc.BaseURL = strings.TrimRight(cfg.Ark.Endpoint, "/")
		}
		model = cfg.Ark.Model
	case config.ProviderAzure:
		if cfg.Azure.APIKey == "" || cfg.Azure.Endpoint == "" {
			return nil, "", fmt.Errorf("azure: endpoint and api_key are required")
		}
		oc = openai.DefaultAzureConfig(cfg.Azure.APIKey, cfg.Azure.Endpoint)
		if cfg.Azure.APIVersion != "" {
			oc.APIVersion = cfg.Azure.APIVersion
		}
		deployment := cfg.Azure.Deployment
		oc.AzureModelMapperFunc = func(string) string { return deployment }
		model = deployment
	case config.ProviderOllama:
		endpoint := strings.TrimRight(cfg.Ollama.Endpoint, "/")
		if endpoint == "" {
			endpoint = defaultOllamaEndpoint
		}
		if !strings.HasSuffix(endpoint, "/v1") {
			endpoint += "/v1"
		}
		oc = openai.DefaultConfig("ollama")
		oc.BaseURL = endpoint
		model = cfg.Ollama.Model
	default:
		return nil, "", fmt.Errorf("%w: %q", config.ErrUnknownProvider, cfg.Provider)
	}
	if model == "" {
		return nil, "", fmt.Errorf("%s: model is required", cfg.Provider)
	}

	if cfg.RequestTimeoutSeconds > 0 {
		oc.HTTPClient = &http.Client{Timeout: time.Duration(cfg.RequestTimeoutSeconds * float64(time.Second))}
	}
	return openai.NewClientWithConfig(oc), model, nil
}
