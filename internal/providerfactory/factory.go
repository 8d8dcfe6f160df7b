// internal/providerfactory/factory.go
package providerfactory

import (
	"context"
	"fmt"

	"github.com/mwiater/toolchat/internal/appconfig"
	"github.com/mwiater/toolchat/internal/logging"
	"github.com/mwiater/toolchat/internal/providers"
	"github.com/mwiater/toolchat/internal/providers/anthropic"
	"github.com/mwiater/toolchat/internal/providers/ollama"
	"github.com/mwiater/toolchat/internal/providers/ratelimit"
)

// NewModel selects and configures the generative-model backend named by the
// configuration. When modelRequestsPerMinute is set the backend is wrapped
// with an adaptive limiter.
func NewModel(ctx context.Context, cfg *appconfig.Config) (providers.Model, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config provided to provider factory")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var (
		model     providers.Model
		throttled func(error) bool
		err       error
	)
	opts := anthropic.Options{
		Model:       cfg.Model,
		MaxTokens:   cfg.OutputTokens(),
		Temperature: cfg.Temperature,
	}

	switch cfg.BackendName() {
	case appconfig.BackendAnthropic:
		model, err = anthropic.NewFromAPIKey(cfg.AnthropicAPIKey, opts)
		throttled = anthropic.IsRateLimited
	case appconfig.BackendBedrock:
		model, err = anthropic.NewBedrock(ctx, cfg.Region(), opts)
		throttled = anthropic.IsRateLimited
	case appconfig.BackendOllama:
		model = ollama.New(*cfg)
	default:
		return nil, fmt.Errorf("%w: unknown backend %q", appconfig.ErrConfiguration, cfg.Backend)
	}
	if err != nil {
		logging.LogEvent("model backend %s unavailable: %v", cfg.BackendName(), err)
		return nil, err
	}

	if cfg.ModelRequestsPerMin > 0 {
		model = ratelimit.New(cfg.ModelRequestsPerMin, throttled).Wrap(model)
		logging.LogEvent("model requests limited to %d/min", cfg.ModelRequestsPerMin)
	}

	logging.LogEvent("model backend ready: %s", model.Name())
	return model, nil
}
