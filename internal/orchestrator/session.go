package orchestrator

import (
	"context"
	"errors"
	"sync"

	"github.com/mwiater/toolchat/internal/appconfig"
	"github.com/mwiater/toolchat/internal/logging"
	"github.com/mwiater/toolchat/internal/providers"
	"github.com/mwiater/toolchat/internal/registry"
)

// ErrSessionClosed is returned by Ask after Close.
var ErrSessionClosed = errors.New("session closed")

// LoadFunc opens a registry. registry.Load is used when nil.
type LoadFunc func(ctx context.Context, configs []appconfig.ProviderConfig, opts registry.Options) (*registry.Registry, error)

// Session holds everything a user conversation needs across queries: the
// model, the provider configuration and, in session scope, the open registry.
// Each Ask gets its own Orchestrator so history is never shared.
type Session struct {
	model   providers.Model
	servers []appconfig.ProviderConfig
	scope   string
	opts    Options
	regOpts registry.Options
	load    LoadFunc

	mu       sync.Mutex
	closed   bool
	registry *registry.Registry
	statuses []registry.Status
	inflight sync.WaitGroup
}

// SessionOptions assembles a Session.
type SessionOptions struct {
	Config  appconfig.Config
	Model   providers.Model
	Servers []appconfig.ProviderConfig
	Load    LoadFunc
}

// NewSession builds a session from configuration. In session scope the
// providers are opened now and held until Close.
func NewSession(ctx context.Context, so SessionOptions) (*Session, error) {
	if so.Model == nil {
		return nil, errors.New("session requires a model")
	}
	cfg := so.Config
	s := &Session{
		model:   so.Model,
		servers: so.Servers,
		scope:   cfg.Scope(),
		opts: Options{
			System:         cfg.SystemPrompt,
			MaxTokens:      cfg.OutputTokens(),
			Temperature:    cfg.Temperature,
			MaxTurns:       cfg.TurnLimit(),
			RequestTimeout: cfg.RequestTimeout(),
			Parallel:       cfg.ParallelDispatch,
		},
		regOpts: registry.OptionsFromConfig(cfg),
		load:    so.Load,
	}
	if s.load == nil {
		s.load = registry.Load
	}

	if s.scope == appconfig.ScopeSession {
		reg, err := s.load(ctx, s.servers, s.regOpts)
		if err != nil {
			return nil, err
		}
		s.registry = reg
		s.statuses = reg.Statuses()
	}
	logging.LogEvent("session ready: model=%s scope=%s providers=%d", s.model.Name(), s.scope, len(s.servers))
	return s, nil
}

// Ask runs one query with fresh history.
func (s *Session) Ask(ctx context.Context, query string) (Result, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return Result{}, ErrSessionClosed
	}
	s.inflight.Add(1)
	reg := s.registry
	s.mu.Unlock()
	defer s.inflight.Done()

	if reg == nil {
		var err error
		reg, err = s.load(ctx, s.servers, s.regOpts)
		if err != nil {
			return Result{}, err
		}
		defer reg.Shutdown()
		s.mu.Lock()
		s.statuses = reg.Statuses()
		s.mu.Unlock()
	}

	return New(s.model, reg.Catalog(), reg.Dispatcher(), s.opts).Run(ctx, query)
}

// Model returns the session's model.
func (s *Session) Model() providers.Model { return s.model }

// Scope returns the connection scope.
func (s *Session) Scope() string { return s.scope }

// Registry returns the held registry. It is nil in query scope.
func (s *Session) Registry() *registry.Registry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.registry
}

// Statuses reports the providers as of the held registry, or as of the last
// query in query scope.
func (s *Session) Statuses() []registry.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.registry != nil {
		return s.registry.Statuses()
	}
	return append([]registry.Status(nil), s.statuses...)
}

// Refresh re-lists tools on the held registry. It does nothing in query
// scope, where every query lists afresh.
func (s *Session) Refresh(ctx context.Context) error {
	reg := s.Registry()
	if reg == nil {
		return nil
	}
	return reg.Refresh(ctx)
}

// Close waits for in-flight queries and then releases the providers. It is
// safe to call more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.inflight.Wait()

	s.mu.Lock()
	reg := s.registry
	s.mu.Unlock()
	if reg != nil {
		reg.Shutdown()
	}
	logging.LogEvent("session closed")
	return nil
}
