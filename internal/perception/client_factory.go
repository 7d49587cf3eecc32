package perception

import (
	"fmt"
	"os"
)

// ProviderConfig holds the resolved provider, API key, and optional
// overrides. SOLVER_* env vars are the generic contract from the external
// interfaces list (a single text-completion endpoint); per-provider env
// vars let an operator pin a specific vendor without touching SOLVER_URL.
type ProviderConfig struct {
	Provider Provider
	APIKey   string
	Model    string
	BaseURL  string
}

// DetectProvider resolves which LLM provider to use from the environment.
// SOLVER_API_KEY plus SOLVER_URL/SOLVER_MODEL_ID takes precedence as the
// generic external contract (§6); absent that, per-provider keys are tried
// in a fixed precedence: OpenRouter > XAI > Gemini > OpenAI > Anthropic > ZAI.
func DetectProvider() (*ProviderConfig, error) {
	if key := os.Getenv("SOLVER_API_KEY"); key != "" {
		provider := ProviderZAI
		if p := os.Getenv("SOLVER_PROVIDER"); p != "" {
			provider = Provider(p)
		}
		return &ProviderConfig{
			Provider: provider,
			APIKey:   key,
			Model:    os.Getenv("SOLVER_MODEL_ID"),
			BaseURL:  os.Getenv("SOLVER_URL"),
		}, nil
	}

	providers := []struct {
		envVar   string
		provider Provider
	}{
		{"OPENROUTER_API_KEY", ProviderOpenRouter},
		{"XAI_API_KEY", ProviderXAI},
		{"GEMINI_API_KEY", ProviderGemini},
		{"OPENAI_API_KEY", ProviderOpenAI},
		{"ANTHROPIC_API_KEY", ProviderAnthropic},
		{"ZAI_API_KEY", ProviderZAI},
	}

	for _, p := range providers {
		if key := os.Getenv(p.envVar); key != "" {
			return &ProviderConfig{Provider: p.provider, APIKey: key}, nil
		}
	}

	return nil, fmt.Errorf("no LLM credentials found; set SOLVER_API_KEY or one of: ANTHROPIC_API_KEY, OPENAI_API_KEY, GEMINI_API_KEY, XAI_API_KEY, ZAI_API_KEY, OPENROUTER_API_KEY")
}

// NewClientFromEnv builds an LLM client from whatever provider DetectProvider resolves.
func NewClientFromEnv() (LLMClient, error) {
	cfg, err := DetectProvider()
	if err != nil {
		return nil, err
	}
	return NewClientFromConfig(cfg)
}

// NewClientFromConfig builds an LLM client for the resolved provider config.
func NewClientFromConfig(cfg *ProviderConfig) (LLMClient, error) {
	switch cfg.Provider {
	case ProviderAnthropic:
		client := NewAnthropicClient(cfg.APIKey)
		if cfg.Model != "" {
			client.SetModel(cfg.Model)
		}
		return client, nil

	case ProviderOpenAI:
		client := NewOpenAIClient(cfg.APIKey)
		if cfg.Model != "" {
			client.SetModel(cfg.Model)
		}
		return client, nil

	case ProviderGemini:
		client := NewGeminiClient(cfg.APIKey)
		if cfg.Model != "" {
			client.SetModel(cfg.Model)
		}
		return client, nil

	case ProviderXAI:
		client := NewXAIClient(cfg.APIKey)
		if cfg.Model != "" {
			client.SetModel(cfg.Model)
		}
		return client, nil

	case ProviderZAI:
		client := NewZAIClient(cfg.APIKey)
		if cfg.Model != "" {
			client.SetModel(cfg.Model)
		}
		return client, nil

	case ProviderOpenRouter:
		client := NewOpenRouterClient(cfg.APIKey)
		if cfg.Model != "" {
			client.SetModel(cfg.Model)
		}
		return client, nil

	default:
		return nil, fmt.Errorf("unknown provider: %s", cfg.Provider)
	}
}
