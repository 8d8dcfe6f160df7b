package appconfig

import (
	"fmt"
	"io"
	"strings"
)

// ShowConfig prints the current configuration summary followed by the
// configured providers in registration order.
func ShowConfig(out io.Writer, file string, cfg Config, servers []ProviderConfig) {
	if file == "" {
		fmt.Fprintln(out, "No config file loaded (using defaults).")
	} else {
		fmt.Fprintf(out, "Config file: %s\n\n", file)
	}

	fmt.Fprintln(out, "Current configuration:")
	fmt.Fprintf(out, "  Backend:            %s\n", cfg.BackendName())
	fmt.Fprintf(out, "  Model:              %s\n", valueOrUnset(cfg.Model))
	fmt.Fprintf(out, "  Max Tokens:         %d\n", cfg.OutputTokens())
	fmt.Fprintf(out, "  Max Turns:          %d\n", cfg.TurnLimit())
	fmt.Fprintf(out, "  Request Timeout:    %s\n", cfg.RequestTimeout())
	fmt.Fprintf(out, "  Tool Timeout:       %s\n", cfg.ToolTimeout())
	fmt.Fprintf(out, "  Init Timeout:       %s\n", cfg.InitTimeout())
	fmt.Fprintf(out, "  Connection Scope:   %s\n", cfg.Scope())
	fmt.Fprintf(out, "  Parallel Dispatch:  %v\n", cfg.ParallelDispatch)
	fmt.Fprintf(out, "  Validate Arguments: %v\n", cfg.ValidateArguments)
	fmt.Fprintf(out, "  Debug:              %v\n", cfg.Debug)
	fmt.Fprintf(out, "  Log File:           %s\n", cfg.LogFilePath())
	switch cfg.BackendName() {
	case BackendBedrock:
		fmt.Fprintf(out, "  AWS Region:         %s\n", cfg.Region())
	case BackendOllama:
		fmt.Fprintf(out, "  Ollama URL:         %s\n", cfg.OllamaEndpoint())
	case BackendAnthropic:
		fmt.Fprintf(out, "  API Key:            %s\n", maskSecret(cfg.AnthropicAPIKey))
	}
	if cfg.ModelRequestsPerMin > 0 {
		fmt.Fprintf(out, "  Model Rate Limit:   %d/min\n", cfg.ModelRequestsPerMin)
	}

	fmt.Fprintf(out, "\nProviders (%s):\n", cfg.ServerConfigPath())
	if len(servers) == 0 {
		fmt.Fprintln(out, "  (none)")
		return
	}
	for _, s := range servers {
		status := ""
		if s.Disabled {
			status = " [disabled]"
		}
		fmt.Fprintf(out, "  - %s%s: %s %s (%s)\n", s.Name, status, s.Command, strings.Join(s.Args, " "), s.Framing)
	}
}

func valueOrUnset(v string) string {
	if strings.TrimSpace(v) == "" {
		return "(unset)"
	}
	return v
}

func maskSecret(v string) string {
	v = strings.TrimSpace(v)
	switch {
	case v == "":
		return "(unset)"
	case len(v) <= 8:
		return "********"
	default:
		return v[:4] + "..." + v[len(v)-4:]
	}
}
