package llmclient

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/webpilot/api/schemas"
	"github.com/xkilldash9x/webpilot/internal/config"
)

// NewClient builds an LLMRouter whose fast and powerful tiers are the models named by
// DefaultFastModel and DefaultPowerfulModel. When both names refer to the same model a single
// client serves both tiers.
func NewClient(ctx context.Context, cfg config.AgentConfig, logger *zap.Logger) (schemas.LLMClient, error) {
	routerCfg := cfg.LLM

	fastCfg, ok := routerCfg.Models[routerCfg.DefaultFastModel]
	if !ok {
		return nil, fmt.Errorf("configuration for default fast model '%s' not found", routerCfg.DefaultFastModel)
	}
	powerfulCfg, ok := routerCfg.Models[routerCfg.DefaultPowerfulModel]
	if !ok {
		return nil, fmt.Errorf("configuration for default powerful model '%s' not found", routerCfg.DefaultPowerfulModel)
	}

	fastClient, err := newModelClient(ctx, fastCfg, routerCfg.APIKey, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize fast tier client (%s): %w", routerCfg.DefaultFastModel, err)
	}

	powerfulClient := fastClient
	if routerCfg.DefaultPowerfulModel != routerCfg.DefaultFastModel {
		powerfulClient, err = newModelClient(ctx, powerfulCfg, routerCfg.APIKey, logger)
		if err != nil {
			_ = fastClient.Close()
			return nil, fmt.Errorf("failed to initialize powerful tier client (%s): %w", routerCfg.DefaultPowerfulModel, err)
		}
	}

	return NewLLMRouter(logger, fastClient, powerfulClient)
}

func newModelClient(ctx context.Context, cfg config.LLMModelConfig, fallbackKey string, logger *zap.Logger) (schemas.LLMClient, error) {
	if cfg.APIKey == "" {
		cfg.APIKey = fallbackKey
	}

	switch cfg.Provider {
	case config.ProviderGemini, "":
		return NewGeminiClient(ctx, cfg, logger)
	case config.ProviderOpenAI:
		return NewOpenAIClient(cfg, logger)
	default:
		return nil, fmt.Errorf("unknown or unsupported LLM provider configured: '%s'. Supported: [%s, %s]",
			cfg.Provider, config.ProviderGemini, config.ProviderOpenAI)
	}
}
