// Package dispatch resolves the provider that owns a tool and invokes it,
// normalizing every result into an Outcome.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/xeipuuv/gojsonschema"

	"github.com/mwiater/toolchat/internal/catalog"
	"github.com/mwiater/toolchat/internal/logging"
	"github.com/mwiater/toolchat/internal/mcp"
)

const defaultToolTimeout = 30 * time.Second

// Connection is the provider surface the dispatcher needs. *mcp.Conn
// satisfies it.
type Connection interface {
	Name() string
	State() mcp.State
	ListTools(ctx context.Context) ([]mcp.Tool, error)
	CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallResult, error)
	MarkFailed(cause error)
}

// Options tunes invocation.
type Options struct {
	// ToolTimeout bounds each tools/list probe and tools/call.
	ToolTimeout time.Duration
	// ValidateArguments checks arguments against the tool's input schema
	// before calling the provider.
	ValidateArguments bool
}

// Outcome is the normalized result of one invocation.
type Outcome struct {
	Success  bool
	Provider string
	Payload  string
	Err      *Error
}

// Text is what the model sees: the payload on success, the classified error
// otherwise.
func (o Outcome) Text() string {
	if o.Success {
		return o.Payload
	}
	if o.Err != nil {
		return o.Err.Error()
	}
	return "unknown failure"
}

// Dispatcher routes invocations to provider connections.
type Dispatcher struct {
	conns   []Connection
	byName  map[string]Connection
	catalog *catalog.Catalog
	opts    Options

	mu      sync.Mutex
	schemas map[string]*gojsonschema.Schema
}

// New returns a dispatcher over conns in registration order. cat may be nil,
// in which case every invocation probes.
func New(cat *catalog.Catalog, conns []Connection, opts Options) *Dispatcher {
	if opts.ToolTimeout <= 0 {
		opts.ToolTimeout = defaultToolTimeout
	}
	byName := make(map[string]Connection, len(conns))
	for _, c := range conns {
		if _, dup := byName[c.Name()]; !dup {
			byName[c.Name()] = c
		}
	}
	return &Dispatcher{
		conns:   conns,
		byName:  byName,
		catalog: cat,
		opts:    opts,
		schemas: make(map[string]*gojsonschema.Schema),
	}
}

// Owner returns the live connection the routing table assigns to name.
func (d *Dispatcher) Owner(name string) (Connection, bool) {
	owner, ok := d.catalog.Owner(name)
	if !ok {
		return nil, false
	}
	conn, ok := d.byName[owner]
	if !ok || !conn.State().Live() {
		return nil, false
	}
	return conn, true
}

// Invoke runs the named tool. It never returns an error; failures are
// classified in the Outcome.
func (d *Dispatcher) Invoke(ctx context.Context, name string, args map[string]any) Outcome {
	log := logging.WithFields(logrus.Fields{"tool": name})

	routed, hasRoute := d.catalog.Owner(name)
	if hasRoute {
		if conn, ok := d.byName[routed]; ok && conn.State().Live() {
			var schema map[string]any
			if entry, ok := d.catalog.Lookup(name); ok {
				schema = entry.InputSchema
			}
			return d.invoke(ctx, conn, name, args, schema)
		}
		log.WithField("provider", routed).Warn("routed provider is not live; probing remaining providers")
	}

	var lastErr *Error
	for _, conn := range d.conns {
		if conn.Name() == routed || !conn.State().Live() {
			continue
		}
		tool, found, err := d.probe(ctx, conn, name)
		if err != nil {
			log.WithField("provider", conn.Name()).Warnf("probe failed: %v", err)
			continue
		}
		if !found {
			continue
		}
		out := d.invoke(ctx, conn, name, args, tool.InputSchema)
		if out.Success || out.Err.Kind == KindToolFailed || out.Err.Kind == KindInvalidArguments {
			return out
		}
		lastErr = out.Err
		log.WithField("provider", conn.Name()).Warnf("invocation failed while probing: %v", out.Err)
	}
	if lastErr != nil {
		return Outcome{Provider: lastErr.Provider, Err: lastErr}
	}

	notFound := &Error{Kind: KindToolNotFound, Tool: name}
	if hasRoute {
		notFound.Provider = routed
	}
	log.Warn(notFound.Error())
	return Outcome{Err: notFound}
}

func (d *Dispatcher) probe(ctx context.Context, conn Connection, name string) (mcp.Tool, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, d.opts.ToolTimeout)
	defer cancel()
	tools, err := conn.ListTools(ctx)
	if err != nil {
		return mcp.Tool{}, false, err
	}
	for _, t := range tools {
		if t.Name == name {
			return t, true, nil
		}
	}
	return mcp.Tool{}, false, nil
}

func (d *Dispatcher) invoke(ctx context.Context, conn Connection, name string, args map[string]any, schema map[string]any) Outcome {
	provider := conn.Name()
	log := logging.WithFields(logrus.Fields{"tool": name, "provider": provider})

	if d.opts.ValidateArguments {
		if err := d.validate(provider, name, schema, args); err != nil {
			e := &Error{Kind: KindInvalidArguments, Tool: name, Provider: provider, Cause: err}
			log.Warn(e.Error())
			return Outcome{Provider: provider, Err: e}
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, d.opts.ToolTimeout)
	defer cancel()

	start := time.Now()
	res, err := conn.CallTool(callCtx, name, args)
	log = log.WithField("elapsed", time.Since(start).Round(time.Millisecond))
	if err != nil {
		e := &Error{Kind: KindProviderInvocation, Tool: name, Provider: provider, Cause: err}
		if errors.Is(err, mcp.ErrTransport) {
			e.Kind = KindTransport
			if conn.State().Live() {
				conn.MarkFailed(err)
			}
			log.Errorf("transport failure: %v", err)
		} else {
			log.Warnf("invocation failed: %v", err)
		}
		return Outcome{Provider: provider, Err: e}
	}

	text := res.Text()
	if res.IsError {
		if text == "" {
			text = "no details"
		}
		e := &Error{Kind: KindToolFailed, Tool: name, Provider: provider, Cause: errors.New(text)}
		log.Warn(e.Error())
		return Outcome{Provider: provider, Err: e}
	}
	log.Info("tool call succeeded")
	return Outcome{Success: true, Provider: provider, Payload: text}
}

func (d *Dispatcher) validate(provider, name string, schema map[string]any, args map[string]any) error {
	if len(schema) == 0 {
		return nil
	}
	compiled, err := d.compiled(provider, name, schema)
	if err != nil {
		// Schemas gojsonschema cannot compile are not enforced.
		logging.WithFields(logrus.Fields{"tool": name, "provider": provider}).Warnf("skipping argument validation: %v", err)
		return nil
	}
	if args == nil {
		args = map[string]any{}
	}
	doc, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("encode arguments: %w", err)
	}
	result, err := compiled.Validate(gojsonschema.NewBytesLoader(doc))
	if err != nil {
		return fmt.Errorf("schema validation error: %w", err)
	}
	if result.Valid() {
		return nil
	}
	var errs []string
	for _, desc := range result.Errors() {
		errs = append(errs, desc.String())
	}
	return errors.New(strings.Join(errs, ", "))
}

func (d *Dispatcher) compiled(provider, name string, schema map[string]any) (*gojsonschema.Schema, error) {
	key := provider + "\x00" + name
	d.mu.Lock()
	defer d.mu.Unlock()
	if s, ok := d.schemas[key]; ok {
		return s, nil
	}
	s, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(schema))
	if err != nil {
		return nil, err
	}
	d.schemas[key] = s
	return s, nil
}
