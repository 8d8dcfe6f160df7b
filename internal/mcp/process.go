package mcp

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mwiater/toolchat/internal/appconfig"
	"github.com/mwiater/toolchat/internal/logging"
)

// closeGrace is how long a provider gets to exit after stdin closes before it is killed.
const closeGrace = 2 * time.Second

// Launch starts the provider process described by cfg and wraps its stdio in
// a Conn. The process outlives ctx; only Close stops it.
func Launch(ctx context.Context, cfg appconfig.ProviderConfig) (*Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(cfg.Command) == "" {
		return nil, fmt.Errorf("%w: provider %q has no command", appconfig.ErrConfiguration, cfg.Name)
	}

	cmd := exec.Command(cfg.Command, cfg.Args...)
	cmd.Env = cfg.Environ()
	cmd.Dir = cfg.Dir
	cmd.WaitDelay = closeGrace

	stderr := logging.Writer(logrus.Fields{"provider": cfg.Name, "stream": "stderr"})
	cmd.Stderr = stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		_ = stderr.Close()
		return nil, fmt.Errorf("provider %q stdin pipe: %w", cfg.Name, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		_ = stderr.Close()
		return nil, fmt.Errorf("provider %q stdout pipe: %w", cfg.Name, err)
	}

	if err := cmd.Start(); err != nil {
		_ = stderr.Close()
		logging.WithFields(logrus.Fields{"provider": cfg.Name}).Errorf("provider failed to start: %v", err)
		return nil, fmt.Errorf("start provider %q: %w", cfg.Name, err)
	}

	conn, err := NewConn(cfg.Name, cfg.Framing, stdout, stdin)
	if err != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		_ = stderr.Close()
		return nil, err
	}
	conn.stop = func() error {
		defer stderr.Close()
		return waitOrKill(cmd, closeGrace)
	}

	logging.WithFields(logrus.Fields{"provider": cfg.Name}).Infof("provider started: command=%s pid=%d framing=%s", cfg.Command, cmd.Process.Pid, cfg.Framing)
	return conn, nil
}

// waitOrKill waits for cmd to exit, killing it once grace elapses.
func waitOrKill(cmd *exec.Cmd, grace time.Duration) error {
	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()
	select {
	case err := <-done:
		return err
	case <-time.After(grace):
		_ = cmd.Process.Kill()
		if err := <-done; err != nil {
			return fmt.Errorf("killed after %s: %w", grace, err)
		}
		return nil
	}
}
