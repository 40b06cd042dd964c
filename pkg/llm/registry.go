package llm

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/parley-ai/parley/pkg/models"
)

// Registry resolves ProviderConfig values to live provider clients and
// runs calls with one-shot fallback. Clients are cached per
// provider/endpoint/key combination.
type Registry struct {
	logger *slog.Logger

	mu    sync.Mutex
	cache map[string]Provider
}

// NewRegistry creates a provider registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		logger: logger.With("component", "llm-registry"),
		cache:  make(map[string]Provider),
	}
}

// Resolve returns a provider client for the config. The API key falls
// back to the <PROVIDER>_API_KEY environment variable when unset.
func (r *Registry) Resolve(cfg models.ProviderConfig) (Provider, error) {
	name := strings.ToLower(cfg.Provider)
	if name == "" {
		return nil, fmt.Errorf("provider name is required")
	}

	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = os.Getenv(strings.ToUpper(name) + "_API_KEY")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("no API key for provider %q (set %s_API_KEY)",
			name, strings.ToUpper(name))
	}

	key := name + "|" + cfg.BaseURL + "|" + apiKey
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.cache[key]; ok {
		return p, nil
	}

	var provider Provider
	switch name {
	case "openai":
		provider = NewOpenAIProvider(apiKey, cfg.BaseURL, r.logger)
	case "anthropic":
		provider = NewAnthropicProvider(apiKey, cfg.BaseURL, r.logger)
	default:
		return nil, fmt.Errorf("unknown provider %q", name)
	}
	r.cache[key] = provider
	return provider, nil
}

// Generate runs one call against the configured provider and drains the
// stream. The config's fallback provider, when set, is tried once after
// the primary fails.
func (r *Registry) Generate(ctx context.Context, cfg models.ProviderConfig, req *Request, onToken func(delta string)) (*Result, error) {
	result, err := r.generateOnce(ctx, cfg, req, onToken)
	if err == nil {
		return result, nil
	}
	if ctx.Err() != nil || cfg.FallbackProvider == nil {
		return nil, err
	}

	fb := *cfg.FallbackProvider
	r.logger.Warn("provider failed, trying fallback",
		"provider", cfg.Provider, "fallback", fb.Provider, "error", err)
	result, fbErr := r.generateOnce(ctx, fb, req, onToken)
	if fbErr != nil {
		return nil, fmt.Errorf("primary %s failed (%v); fallback %s failed: %w",
			cfg.Provider, err, fb.Provider, fbErr)
	}
	return result, nil
}

func (r *Registry) generateOnce(ctx context.Context, cfg models.ProviderConfig, req *Request, onToken func(delta string)) (*Result, error) {
	provider, err := r.Resolve(cfg)
	if err != nil {
		return nil, err
	}

	// Per-attempt copy: the fallback provider may use a different model
	// or sampling parameters.
	attempt := *req
	attempt.Model = cfg.Model
	if cfg.Temperature != nil {
		attempt.Temperature = cfg.Temperature
	}
	if cfg.MaxTokens > 0 {
		attempt.MaxTokens = cfg.MaxTokens
	}

	chunks, err := provider.Generate(ctx, &attempt)
	if err != nil {
		return nil, err
	}
	return Collect(ctx, provider.Name(), chunks, onToken)
}
