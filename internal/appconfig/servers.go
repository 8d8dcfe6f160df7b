package appconfig

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/tidwall/gjson"
)

// Stdio framings understood by the provider transport.
const (
	FramingNDJSON        = "ndjson"
	FramingContentLength = "content-length"
)

// ProviderConfig describes how to launch one tool-provider process.
type ProviderConfig struct {
	Name     string            `json:"name"`
	Command  string            `json:"command"`
	Args     []string          `json:"args,omitempty"`
	Env      map[string]string `json:"env,omitempty"`
	Dir      string            `json:"cwd,omitempty"`
	Framing  string            `json:"framing,omitempty"`
	Disabled bool              `json:"disabled,omitempty"`
}

// Environ returns the child environment: the current process environment with
// the configured overrides applied on top.
func (p ProviderConfig) Environ() []string {
	env := os.Environ()
	for k, v := range p.Env {
		env = append(env, k+"="+v)
	}
	return env
}

// LoadServers reads the "mcpServers" mapping from path, preserving the order
// in which providers appear in the file.
func LoadServers(path string) ([]ProviderConfig, error) {
	if strings.TrimSpace(path) == "" {
		path = DefaultServerConfigPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: server config %q not found", ErrConfiguration, path)
		}
		return nil, fmt.Errorf("%w: read server config %q: %v", ErrConfiguration, path, err)
	}
	servers, err := ParseServers(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return servers, nil
}

// ParseServers decodes an mcpServers document.
func ParseServers(data []byte) ([]ProviderConfig, error) {
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("%w: server config is not valid JSON", ErrConfiguration)
	}
	root := gjson.GetBytes(data, "mcpServers")
	if !root.Exists() || !root.IsObject() {
		return nil, fmt.Errorf("%w: server config must contain an \"mcpServers\" object", ErrConfiguration)
	}

	var servers []ProviderConfig
	var parseErr error
	seen := make(map[string]struct{})
	root.ForEach(func(key, value gjson.Result) bool {
		cfg, err := parseServer(key.String(), value)
		if err != nil {
			parseErr = err
			return false
		}
		if _, dup := seen[cfg.Name]; dup {
			parseErr = fmt.Errorf("%w: provider %q is declared twice", ErrConfiguration, cfg.Name)
			return false
		}
		seen[cfg.Name] = struct{}{}
		servers = append(servers, cfg)
		return true
	})
	if parseErr != nil {
		return nil, parseErr
	}
	if len(servers) == 0 {
		return nil, fmt.Errorf("%w: no providers configured under \"mcpServers\"", ErrConfiguration)
	}
	return servers, nil
}

func parseServer(name string, value gjson.Result) (ProviderConfig, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return ProviderConfig{}, fmt.Errorf("%w: provider with empty name", ErrConfiguration)
	}
	if !value.IsObject() {
		return ProviderConfig{}, fmt.Errorf("%w: provider %q must be an object", ErrConfiguration, name)
	}

	cfg := ProviderConfig{
		Name:     name,
		Command:  strings.TrimSpace(value.Get("command").String()),
		Dir:      value.Get("cwd").String(),
		Disabled: value.Get("disabled").Bool(),
	}
	if cfg.Command == "" {
		return ProviderConfig{}, fmt.Errorf("%w: provider %q has no command", ErrConfiguration, name)
	}

	if args := value.Get("args"); args.Exists() {
		if !args.IsArray() {
			return ProviderConfig{}, fmt.Errorf("%w: provider %q args must be an array", ErrConfiguration, name)
		}
		for _, a := range args.Array() {
			cfg.Args = append(cfg.Args, a.String())
		}
	}

	if env := value.Get("env"); env.Exists() && env.Type != gjson.Null {
		if !env.IsObject() {
			return ProviderConfig{}, fmt.Errorf("%w: provider %q env must be an object", ErrConfiguration, name)
		}
		cfg.Env = make(map[string]string)
		env.ForEach(func(k, v gjson.Result) bool {
			cfg.Env[k.String()] = v.String()
			return true
		})
	}

	switch framing := strings.ToLower(strings.TrimSpace(value.Get("framing").String())); framing {
	case "", FramingNDJSON:
		cfg.Framing = FramingNDJSON
	case FramingContentLength:
		cfg.Framing = FramingContentLength
	default:
		return ProviderConfig{}, fmt.Errorf("%w: provider %q has unknown framing %q", ErrConfiguration, name, framing)
	}
	return cfg, nil
}
