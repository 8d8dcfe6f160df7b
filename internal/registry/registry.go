// Package registry opens the configured tool providers, holds their
// connections for the life of a session or query, and supplies the catalog
// and dispatcher built from them.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/mwiater/toolchat/internal/appconfig"
	"github.com/mwiater/toolchat/internal/catalog"
	"github.com/mwiater/toolchat/internal/dispatch"
	"github.com/mwiater/toolchat/internal/logging"
	"github.com/mwiater/toolchat/internal/mcp"
)

// ErrNoProvidersAvailable is returned by Load when no configured provider
// could be opened.
var ErrNoProvidersAvailable = errors.New("no tool providers available")

const defaultInitTimeout = 10 * time.Second

// Status values reported for providers that have no live connection.
const (
	StatusDisabled = "disabled"
	StatusFailed   = "failed"
)

// Options tunes how providers are opened and invoked.
type Options struct {
	// InitTimeout bounds launch, initialize and the first tools/list of one
	// provider.
	InitTimeout time.Duration
	// Dispatch is passed to every dispatcher the registry builds.
	Dispatch dispatch.Options
	// Launch starts one provider. mcp.Launch when nil.
	Launch func(ctx context.Context, cfg appconfig.ProviderConfig) (*mcp.Conn, error)
}

// OptionsFromConfig maps the application timeouts and validation switch.
func OptionsFromConfig(cfg appconfig.Config) Options {
	return Options{
		InitTimeout: cfg.InitTimeout(),
		Dispatch: dispatch.Options{
			ToolTimeout:       cfg.ToolTimeout(),
			ValidateArguments: cfg.ValidateArguments,
		},
	}
}

// Status describes one configured provider.
type Status struct {
	Name   string
	State  string
	Server mcp.ServerInfo
	Tools  []string
	Err    error
}

// Registry owns the provider connections.
type Registry struct {
	opts Options

	mu         sync.RWMutex
	configs    []appconfig.ProviderConfig
	conns      []*mcp.Conn
	loadErrs   map[string]error
	catalog    *catalog.Catalog
	dispatcher *dispatch.Dispatcher

	shutdownOnce sync.Once
}

// Load opens every enabled provider concurrently. Results are kept in
// registration order. Providers that fail to open are reported through
// Statuses and left out of the catalog.
func Load(ctx context.Context, configs []appconfig.ProviderConfig, opts Options) (*Registry, error) {
	if opts.InitTimeout <= 0 {
		opts.InitTimeout = defaultInitTimeout
	}
	if opts.Launch == nil {
		opts.Launch = mcp.Launch
	}

	r := &Registry{
		opts:     opts,
		configs:  append([]appconfig.ProviderConfig(nil), configs...),
		loadErrs: make(map[string]error),
	}

	opened := make([]*mcp.Conn, len(configs))
	failures := make([]error, len(configs))
	var g errgroup.Group
	for i, cfg := range configs {
		if cfg.Disabled {
			logging.WithFields(logrus.Fields{"provider": cfg.Name}).Info("provider disabled; skipping")
			continue
		}
		g.Go(func() error {
			conn, err := r.open(ctx, cfg)
			if err != nil {
				failures[i] = err
				return nil
			}
			opened[i] = conn
			return nil
		})
	}
	_ = g.Wait()

	for i, cfg := range configs {
		if failures[i] != nil {
			r.loadErrs[cfg.Name] = failures[i]
			logging.WithFields(logrus.Fields{"provider": cfg.Name}).Errorf("provider unavailable: %v", failures[i])
		}
		if opened[i] != nil {
			r.conns = append(r.conns, opened[i])
		}
	}

	if err := ctx.Err(); err != nil {
		r.Shutdown()
		return nil, err
	}
	if len(r.conns) == 0 {
		r.Shutdown()
		return nil, fmt.Errorf("%w: %d configured, none started", ErrNoProvidersAvailable, len(configs))
	}

	r.rebuild()
	logging.LogEvent("registry ready: %d/%d providers, %d tools", len(r.conns), len(configs), r.catalog.Len())
	return r, nil
}

func (r *Registry) open(ctx context.Context, cfg appconfig.ProviderConfig) (*mcp.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, r.opts.InitTimeout)
	defer cancel()

	conn, err := r.opts.Launch(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if _, err := conn.Initialize(ctx); err != nil {
		_ = conn.Close()
		return nil, err
	}
	if _, err := conn.ListTools(ctx); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return conn, nil
}

// rebuild recomputes the catalog and dispatcher from the live connections.
func (r *Registry) rebuild() {
	r.mu.Lock()
	defer r.mu.Unlock()

	var live []*mcp.Conn
	for _, c := range r.conns {
		if c.State().Live() {
			live = append(live, c)
		}
	}
	conns := make([]dispatch.Connection, len(r.conns))
	for i, c := range r.conns {
		conns[i] = c
	}
	r.catalog = catalog.Build(live)
	r.dispatcher = dispatch.New(r.catalog, conns, r.opts.Dispatch)
}

// Catalog returns the current catalog.
func (r *Registry) Catalog() *catalog.Catalog {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.catalog
}

// Dispatcher returns a dispatcher bound to the current catalog.
func (r *Registry) Dispatcher() *dispatch.Dispatcher {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.dispatcher
}

// Connections returns the opened connections in registration order,
// including ones that have since failed.
func (r *Registry) Connections() []*mcp.Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*mcp.Conn, len(r.conns))
	copy(out, r.conns)
	return out
}

// Statuses reports every configured provider in registration order.
func (r *Registry) Statuses() []Status {
	r.mu.RLock()
	defer r.mu.RUnlock()

	byName := make(map[string]*mcp.Conn, len(r.conns))
	for _, c := range r.conns {
		byName[c.Name()] = c
	}
	out := make([]Status, 0, len(r.configs))
	for _, cfg := range r.configs {
		st := Status{Name: cfg.Name}
		switch conn, ok := byName[cfg.Name]; {
		case cfg.Disabled:
			st.State = StatusDisabled
		case ok:
			st.State = conn.State().String()
			st.Server = conn.ServerInfo()
			st.Err = conn.Err()
			for _, t := range conn.Tools() {
				st.Tools = append(st.Tools, t.Name)
			}
		default:
			st.State = StatusFailed
			st.Err = r.loadErrs[cfg.Name]
		}
		out = append(out, st)
	}
	return out
}

// Refresh re-lists tools on every live connection and rebuilds the catalog.
// Listing failures are logged; the affected provider keeps its previous tools
// unless its transport broke.
func (r *Registry) Refresh(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, conn := range r.Connections() {
		if !conn.State().Live() {
			continue
		}
		g.Go(func() error {
			lctx, cancel := context.WithTimeout(gctx, r.opts.InitTimeout)
			defer cancel()
			if _, err := conn.ListTools(lctx); err != nil {
				logging.WithFields(logrus.Fields{"provider": conn.Name()}).Warnf("refresh tools/list failed: %v", err)
			}
			return nil
		})
	}
	_ = g.Wait()
	r.rebuild()
	logging.LogEvent("registry refreshed: %d tools", r.Catalog().Len())
	return nil
}

// Shutdown closes every connection. Close failures are logged and never stop
// the remaining closes. It is safe to call more than once.
func (r *Registry) Shutdown() {
	r.shutdownOnce.Do(func() {
		for _, conn := range r.Connections() {
			if err := conn.Close(); err != nil {
				logging.WithFields(logrus.Fields{"provider": conn.Name()}).Warnf("provider close: %v", err)
			}
		}
		logging.LogEvent("registry shut down")
	})
}
