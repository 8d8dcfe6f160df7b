// internal/providerfactory/factory_test.go
package providerfactory

import (
	"context"
	"errors"
	"testing"

	"github.com/mwiater/toolchat/internal/appconfig"
	"github.com/mwiater/toolchat/internal/providers/anthropic"
	"github.com/mwiater/toolchat/internal/providers/ollama"
)

func TestNewModelErrorsOnNilConfig(t *testing.T) {
	if _, err := NewModel(context.Background(), nil); err == nil {
		t.Fatal("expected error for nil config")
	}
}

func TestNewModelRejectsUnknownBackend(t *testing.T) {
	cfg := &appconfig.Config{Backend: "unsupported", Model: "m"}
	if _, err := NewModel(context.Background(), cfg); !errors.Is(err, appconfig.ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration, got %v", err)
	}
}

func TestNewModelRequiresModel(t *testing.T) {
	cfg := &appconfig.Config{Backend: appconfig.BackendOllama}
	if _, err := NewModel(context.Background(), cfg); !errors.Is(err, appconfig.ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration, got %v", err)
	}
}

func TestNewModelSelectsBackend(t *testing.T) {
	cases := []struct {
		name    string
		cfg     appconfig.Config
		check   func(any) bool
		display string
	}{
		{
			name:    "ollama",
			cfg:     appconfig.Config{Backend: appconfig.BackendOllama, Model: "llama3.2"},
			check:   func(m any) bool { _, ok := m.(*ollama.Provider); return ok },
			display: "ollama/llama3.2",
		},
		{
			name:    "anthropic default",
			cfg:     appconfig.Config{Model: "claude-3-5-haiku-latest", AnthropicAPIKey: "sk-test"},
			check:   func(m any) bool { _, ok := m.(*anthropic.Client); return ok },
			display: "anthropic/claude-3-5-haiku-latest",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := tc.cfg
			model, err := NewModel(context.Background(), &cfg)
			if err != nil {
				t.Fatalf("NewModel returned error: %v", err)
			}
			if !tc.check(model) {
				t.Fatalf("unexpected backend type %T", model)
			}
			if model.Name() != tc.display {
				t.Fatalf("unexpected name %q", model.Name())
			}
		})
	}
}

func TestNewModelWrapsWithLimiter(t *testing.T) {
	cfg := &appconfig.Config{Backend: appconfig.BackendOllama, Model: "llama3.2", ModelRequestsPerMin: 30}
	model, err := NewModel(context.Background(), cfg)
	if err != nil {
		t.Fatalf("NewModel returned error: %v", err)
	}
	if _, ok := model.(*ollama.Provider); ok {
		t.Fatal("expected the backend to be wrapped")
	}
	if model.Name() != "ollama/llama3.2" {
		t.Fatalf("wrapper should forward the name, got %q", model.Name())
	}
}
