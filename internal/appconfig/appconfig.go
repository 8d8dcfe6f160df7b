// Package appconfig manages loading and interpreting application configuration.
package appconfig

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	// DefaultServerConfigPath is where the provider mapping is read from when no path is configured.
	DefaultServerConfigPath = "server_config.json"
	// defaultRequestTimeout bounds a single generative-model request.
	defaultRequestTimeout = 120 * time.Second
	// defaultToolTimeout bounds a single tool invocation on a provider.
	defaultToolTimeout = 30 * time.Second
	// defaultInitTimeout bounds the launch + initialize handshake of a provider.
	defaultInitTimeout = 10 * time.Second
	// defaultMaxTurns caps model round-trips for one query.
	defaultMaxTurns = 16
	// defaultMaxTokens is the completion cap sent with every model request.
	defaultMaxTokens = 1024
	// defaultAWSRegion matches the region the Bedrock deployment lives in.
	defaultAWSRegion = "us-west-2"
	// defaultOllamaURL is the local Ollama endpoint.
	defaultOllamaURL = "http://localhost:11434"
)

// Model backends.
const (
	BackendAnthropic = "anthropic"
	BackendBedrock   = "bedrock"
	BackendOllama    = "ollama"
)

// Connection scopes.
const (
	// ScopeSession keeps provider connections open for the whole session.
	ScopeSession = "session"
	// ScopeQuery opens provider connections per query and releases them when it ends.
	ScopeQuery = "query"
)

// ErrConfiguration marks missing or malformed configuration. It is fatal at startup.
var ErrConfiguration = errors.New("configuration error")

// Config represents the top-level application configuration.
type Config struct {
	Backend               string  `mapstructure:"backend" json:"backend"`
	Model                 string  `mapstructure:"model" json:"model"`
	MaxTokens             int     `mapstructure:"maxTokens" json:"maxTokens"`
	Temperature           float64 `mapstructure:"temperature" json:"temperature,omitempty"`
	AnthropicAPIKey       string  `mapstructure:"anthropicApiKey" json:"-"`
	AWSRegion             string  `mapstructure:"awsRegion" json:"awsRegion,omitempty"`
	OllamaURL             string  `mapstructure:"ollamaUrl" json:"ollamaUrl,omitempty"`
	SystemPrompt          string  `mapstructure:"systemPrompt" json:"systemPrompt,omitempty"`
	ServerConfig          string  `mapstructure:"serverConfig" json:"serverConfig"`
	RequestTimeoutSeconds int     `mapstructure:"requestTimeout" json:"requestTimeout,omitempty"`
	ToolTimeoutSeconds    int     `mapstructure:"toolTimeout" json:"toolTimeout,omitempty"`
	InitTimeoutSeconds    int     `mapstructure:"initTimeout" json:"initTimeout,omitempty"`
	MaxTurns              int     `mapstructure:"maxTurns" json:"maxTurns,omitempty"`
	ModelRequestsPerMin   int     `mapstructure:"modelRequestsPerMinute" json:"modelRequestsPerMinute,omitempty"`
	ParallelDispatch      bool    `mapstructure:"parallelDispatch" json:"parallelDispatch"`
	ValidateArguments     bool    `mapstructure:"validateArguments" json:"validateArguments"`
	ConnectionScope       string  `mapstructure:"connectionScope" json:"connectionScope"`
	LogFile               string  `mapstructure:"logFile" json:"logFile,omitempty"`
	LogLevel              string  `mapstructure:"logLevel" json:"logLevel,omitempty"`
	Debug                 bool    `mapstructure:"debug" json:"debug"`
	ConfigPath            string  `mapstructure:"-" json:"-"`
}

// RequestTimeout returns the per-request model timeout, falling back to the default if not specified.
func (c Config) RequestTimeout() time.Duration {
	if c.RequestTimeoutSeconds <= 0 {
		return defaultRequestTimeout
	}
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

// ToolTimeout returns the per-invocation provider timeout.
func (c Config) ToolTimeout() time.Duration {
	if c.ToolTimeoutSeconds <= 0 {
		return defaultToolTimeout
	}
	return time.Duration(c.ToolTimeoutSeconds) * time.Second
}

// InitTimeout returns the timeout for launching and initializing one provider.
func (c Config) InitTimeout() time.Duration {
	if c.InitTimeoutSeconds <= 0 {
		return defaultInitTimeout
	}
	return time.Duration(c.InitTimeoutSeconds) * time.Second
}

// TurnLimit returns the configured maximum number of model turns per query.
func (c Config) TurnLimit() int {
	if c.MaxTurns <= 0 {
		return defaultMaxTurns
	}
	return c.MaxTurns
}

// OutputTokens returns the completion cap sent to the model.
func (c Config) OutputTokens() int {
	if c.MaxTokens <= 0 {
		return defaultMaxTokens
	}
	return c.MaxTokens
}

// BackendName returns the normalized model backend.
func (c Config) BackendName() string {
	if b := strings.ToLower(strings.TrimSpace(c.Backend)); b != "" {
		return b
	}
	return BackendAnthropic
}

// Region returns the AWS region used by the Bedrock backend.
func (c Config) Region() string {
	if r := strings.TrimSpace(c.AWSRegion); r != "" {
		return r
	}
	return defaultAWSRegion
}

// OllamaEndpoint returns the base URL of the Ollama host.
func (c Config) OllamaEndpoint() string {
	if u := strings.TrimRight(strings.TrimSpace(c.OllamaURL), "/"); u != "" {
		return u
	}
	return defaultOllamaURL
}

// ServerConfigPath returns the provider mapping file path.
func (c Config) ServerConfigPath() string {
	if p := strings.TrimSpace(c.ServerConfig); p != "" {
		return p
	}
	return DefaultServerConfigPath
}

// Scope returns the normalized connection scope.
func (c Config) Scope() string {
	if strings.EqualFold(strings.TrimSpace(c.ConnectionScope), ScopeQuery) {
		return ScopeQuery
	}
	return ScopeSession
}

// LogFilePath returns the path to the application log file, applying a default if not set.
func (c Config) LogFilePath() string {
	if path := c.LogFile; strings.TrimSpace(path) != "" {
		return path
	}
	return "toolchat.log"
}

// Validate reports settings that make startup impossible.
func (c Config) Validate() error {
	switch c.BackendName() {
	case BackendAnthropic, BackendBedrock, BackendOllama:
	default:
		return fmt.Errorf("%w: unknown backend %q", ErrConfiguration, c.Backend)
	}
	if strings.TrimSpace(c.Model) == "" {
		return fmt.Errorf("%w: model is required (set MODEL or --model)", ErrConfiguration)
	}
	if s := strings.TrimSpace(c.ConnectionScope); s != "" && !strings.EqualFold(s, ScopeSession) && !strings.EqualFold(s, ScopeQuery) {
		return fmt.Errorf("%w: unknown connectionScope %q", ErrConfiguration, c.ConnectionScope)
	}
	if c.MaxTokens < 0 {
		return fmt.Errorf("%w: maxTokens must not be negative", ErrConfiguration)
	}
	return nil
}
