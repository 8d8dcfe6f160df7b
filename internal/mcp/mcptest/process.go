package mcptest

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/mwiater/toolchat/internal/appconfig"
)

// Environment understood by ServeProcess.
const (
	EnvHelper  = "TOOLCHAT_MCPTEST_HELPER"
	EnvName    = "TOOLCHAT_MCPTEST_NAME"
	EnvTools   = "TOOLCHAT_MCPTEST_TOOLS"
	EnvFraming = "TOOLCHAT_MCPTEST_FRAMING"
	EnvMode    = "TOOLCHAT_MCPTEST_MODE"
)

// ModeExit makes the helper process exit before answering anything.
const ModeExit = "exit"

// ProcessConfig returns a provider config that re-runs the current test
// binary as an MCP server exposing echo tools with the given names. The
// test binary must call ServeProcess from TestMain.
func ProcessConfig(name, framing string, tools ...string) appconfig.ProviderConfig {
	if framing == "" {
		framing = appconfig.FramingNDJSON
	}
	return appconfig.ProviderConfig{
		Name:    name,
		Command: os.Args[0],
		Args:    []string{"-test.run=^$"},
		Framing: framing,
		Env: map[string]string{
			EnvHelper:  "1",
			EnvName:    name,
			EnvTools:   strings.Join(tools, ","),
			EnvFraming: framing,
		},
	}
}

// ServeProcess serves MCP on stdin/stdout and exits when the test binary was
// started through ProcessConfig. Otherwise it returns immediately.
func ServeProcess() {
	if os.Getenv(EnvHelper) != "1" {
		return
	}
	if os.Getenv(EnvMode) == ModeExit {
		fmt.Fprintln(os.Stderr, "mcptest: exiting on request")
		os.Exit(3)
	}

	var tools []Tool
	for _, name := range strings.Split(os.Getenv(EnvTools), ",") {
		if name = strings.TrimSpace(name); name != "" {
			tools = append(tools, Tool{Name: name, Description: "echoes its arguments", Handler: Echo})
		}
	}
	srv := NewServer(os.Getenv(EnvName), tools...)
	srv.Framing = os.Getenv(EnvFraming)
	if err := srv.Serve(context.Background(), os.Stdin, os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	os.Exit(0)
}
