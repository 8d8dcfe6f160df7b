package toolchat

import (
	"context"
	"errors"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/mwiater/toolchat/internal/appconfig"
	"github.com/mwiater/toolchat/internal/logging"
	"github.com/mwiater/toolchat/internal/orchestrator"
	"github.com/mwiater/toolchat/internal/providerfactory"
	"github.com/mwiater/toolchat/internal/registry"
)

var (
	// newModel builds the generative model from configuration.
	newModel = providerfactory.NewModel
	// loadServers reads the provider mapping.
	loadServers = appconfig.LoadServers
	// loadRegistry opens providers; nil means registry.Load.
	loadRegistry orchestrator.LoadFunc
)

// errNoConfig is returned when a command runs without PersistentPreRunE.
var errNoConfig = errors.New("configuration is not loaded")

// commandContext returns the command's context, cancelled on interrupt.
func commandContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return signal.NotifyContext(ctx, os.Interrupt)
}

// openSession builds the model and opens the providers named in the server
// config, honouring the configured connection scope.
func openSession(ctx context.Context) (*orchestrator.Session, error) {
	cfg := GetConfig()
	if cfg == nil {
		return nil, errNoConfig
	}
	servers, err := loadServers(cfg.ServerConfigPath())
	if err != nil {
		return nil, err
	}
	model, err := newModel(ctx, cfg)
	if err != nil {
		return nil, err
	}
	s, err := orchestrator.NewSession(ctx, orchestrator.SessionOptions{
		Config:  *cfg,
		Model:   model,
		Servers: servers,
		Load:    loadRegistry,
	})
	if err != nil {
		return nil, err
	}
	for _, st := range s.Statuses() {
		if st.Err != nil {
			logging.LogEvent("provider %s unavailable: %v", st.Name, st.Err)
		}
	}
	return s, nil
}

// openRegistry opens the providers without a model, for listing.
func openRegistry(ctx context.Context) (*registry.Registry, error) {
	cfg := GetConfig()
	if cfg == nil {
		return nil, errNoConfig
	}
	servers, err := loadServers(cfg.ServerConfigPath())
	if err != nil {
		return nil, err
	}
	load := loadRegistry
	if load == nil {
		load = registry.Load
	}
	return load(ctx, servers, registry.OptionsFromConfig(*cfg))
}
