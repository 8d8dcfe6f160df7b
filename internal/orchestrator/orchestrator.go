// Package orchestrator drives one query through alternating model turns and
// tool invocations until the model answers without requesting a tool.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/mwiater/toolchat/internal/catalog"
	"github.com/mwiater/toolchat/internal/dispatch"
	"github.com/mwiater/toolchat/internal/logging"
	"github.com/mwiater/toolchat/internal/providers"
)

// NoResponse is returned as the answer when the model produced no text.
const NoResponse = "No response generated."

const defaultMaxTurns = 16

var (
	// ErrModelUnavailable means a model request failed; the query is aborted.
	ErrModelUnavailable = errors.New("generative model unavailable")
	// ErrTurnLimitExceeded means the model kept requesting tools past the
	// configured number of turns.
	ErrTurnLimitExceeded = errors.New("turn limit exceeded")
	// ErrTransportFailure means a provider transport broke while a tool was
	// running; the query ends early with the text produced so far.
	ErrTransportFailure = errors.New("tool provider transport failure")
)

// State is a position in the query state machine.
type State int

const (
	StateAwaitingModel State = iota
	StateModelResponded
	StateExecutingOperations
	StateDone
)

func (s State) String() string {
	switch s {
	case StateAwaitingModel:
		return "awaiting_model"
	case StateModelResponded:
		return "model_responded"
	case StateExecutingOperations:
		return "executing_operations"
	case StateDone:
		return "done"
	default:
		return "unknown"
	}
}

// Invoker runs a tool by name. *dispatch.Dispatcher satisfies it.
type Invoker interface {
	Invoke(ctx context.Context, name string, args map[string]any) dispatch.Outcome
}

// Options tunes a query.
type Options struct {
	System         string
	MaxTokens      int
	Temperature    float64
	MaxTurns       int
	RequestTimeout time.Duration
	// Parallel runs the requests of one turn concurrently, one goroutine per
	// owning provider, each provider's requests in emission order.
	Parallel bool
}

// Call records one tool invocation made during a query.
type Call struct {
	Turn     int
	ID       string
	Name     string
	Provider string
	Success  bool
	Text     string
}

// Result is what a query produced.
type Result struct {
	// Text is the answer shown to the user.
	Text    string
	Turns   int
	Calls   []Call
	// History is the conversation as sent to the model. When a query ends
	// on a transport failure, requests that never ran keep their
	// OperationRequest without a matching OperationResult.
	History []providers.Message
}

// Orchestrator runs one query. It is not safe for concurrent use; create one
// per query.
type Orchestrator struct {
	model   providers.Model
	catalog *catalog.Catalog
	invoker Invoker
	opts    Options

	id      string
	state   State
	history []providers.Message
	texts   []string
	calls   []Call
	log     *logrus.Entry
}

// New returns an orchestrator. cat supplies the tool definitions sent to the
// model and the provider grouping used in parallel mode.
func New(model providers.Model, cat *catalog.Catalog, invoker Invoker, opts Options) *Orchestrator {
	if opts.MaxTurns <= 0 {
		opts.MaxTurns = defaultMaxTurns
	}
	id := uuid.NewString()
	return &Orchestrator{
		model:   model,
		catalog: cat,
		invoker: invoker,
		opts:    opts,
		id:      id,
		log:     logging.WithFields(logrus.Fields{"query": id}),
	}
}

// Run answers query. On ErrTransportFailure, ErrTurnLimitExceeded and
// cancellation the returned Result still carries the text produced so far.
func (o *Orchestrator) Run(ctx context.Context, query string) (Result, error) {
	o.history = []providers.Message{providers.UserText{Text: query}}
	o.texts = nil
	o.calls = nil
	o.state = StateAwaitingModel
	o.log.Infof("query started: %d tools available", o.catalog.Len())

	defs := o.catalog.Definitions()
	for turn := 1; ; turn++ {
		if turn > o.opts.MaxTurns {
			err := fmt.Errorf("%w: no final answer after %d model turns", ErrTurnLimitExceeded, o.opts.MaxTurns)
			o.log.Error(err)
			return o.result(turn-1, "❌ "+err.Error()), err
		}
		if err := ctx.Err(); err != nil {
			o.log.Warnf("query abandoned: %v", err)
			return o.result(turn-1, ""), err
		}

		o.transition(StateAwaitingModel, turn)
		resp, err := o.generate(ctx, defs)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				o.log.Warnf("query abandoned: %v", ctxErr)
				return o.result(turn, ""), ctxErr
			}
			err = fmt.Errorf("%w: %w", ErrModelUnavailable, err)
			o.log.Error(err)
			return o.result(turn, ""), err
		}
		o.transition(StateModelResponded, turn)

		o.texts = append(o.texts, resp.Text()...)
		requests := resp.Requests()
		o.history = append(o.history, resp.Blocks...)
		if len(requests) == 0 {
			o.transition(StateDone, turn)
			o.log.Infof("query finished after %d turns, %d tool calls", turn, len(o.calls))
			return o.result(turn, ""), nil
		}

		o.transition(StateExecutingOperations, turn)
		var fatal *dispatch.Error
		if o.opts.Parallel {
			fatal = o.executeParallel(ctx, turn, requests)
		} else {
			fatal = o.executeSequential(ctx, turn, requests)
		}
		if fatal != nil {
			err := fmt.Errorf("%w: %w", ErrTransportFailure, fatal)
			o.log.Error(err)
			return o.result(turn, "❌ "+fatal.Error()), err
		}
	}
}

func (o *Orchestrator) generate(ctx context.Context, defs []providers.ToolDefinition) (providers.Turn, error) {
	if o.opts.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.opts.RequestTimeout)
		defer cancel()
	}
	messages := make([]providers.Message, len(o.history))
	copy(messages, o.history)

	start := time.Now()
	resp, err := o.model.Generate(ctx, providers.Request{
		System:      o.opts.System,
		Messages:    messages,
		Tools:       defs,
		MaxTokens:   o.opts.MaxTokens,
		Temperature: o.opts.Temperature,
	})
	o.log.WithFields(logrus.Fields{
		"model":   o.model.Name(),
		"elapsed": time.Since(start).Round(time.Millisecond),
	}).Debugf("model call returned: err=%v", err)
	return resp, err
}

// executeSequential runs requests in emission order and stops at the first
// transport catastrophe.
func (o *Orchestrator) executeSequential(ctx context.Context, turn int, requests []providers.OperationRequest) *dispatch.Error {
	for _, req := range requests {
		out := o.invoker.Invoke(ctx, req.Name, req.Arguments)
		o.record(turn, req, out)
		if out.Err.Catastrophic() {
			return out.Err
		}
	}
	return nil
}

// executeParallel groups requests by owning provider. Each group runs in its
// own goroutine; every outcome that ran is folded into history in emission
// order once all groups are done. The first catastrophe is returned.
func (o *Orchestrator) executeParallel(ctx context.Context, turn int, requests []providers.OperationRequest) *dispatch.Error {
	outcomes := make([]*dispatch.Outcome, len(requests))

	var order []string
	groups := make(map[string][]int)
	for i, req := range requests {
		owner, _ := o.catalog.Owner(req.Name)
		if _, seen := groups[owner]; !seen {
			order = append(order, owner)
		}
		groups[owner] = append(groups[owner], i)
	}

	var g errgroup.Group
	for _, owner := range order {
		indexes := groups[owner]
		g.Go(func() error {
			for _, i := range indexes {
				out := o.invoker.Invoke(ctx, requests[i].Name, requests[i].Arguments)
				outcomes[i] = &out
				if out.Err.Catastrophic() {
					return nil
				}
			}
			return nil
		})
	}
	_ = g.Wait()

	var fatal *dispatch.Error
	for i, req := range requests {
		if outcomes[i] == nil {
			// Skipped because its provider's transport broke earlier in the group.
			continue
		}
		o.record(turn, req, *outcomes[i])
		if fatal == nil && outcomes[i].Err.Catastrophic() {
			fatal = outcomes[i].Err
		}
	}
	return fatal
}

func (o *Orchestrator) record(turn int, req providers.OperationRequest, out dispatch.Outcome) {
	result := providers.OperationResult{ID: req.ID, Name: req.Name, Success: out.Success}
	if out.Success {
		result.Payload = out.Payload
	} else {
		result.Error = out.Text()
	}
	o.history = append(o.history, result)
	o.calls = append(o.calls, Call{
		Turn:     turn,
		ID:       req.ID,
		Name:     req.Name,
		Provider: out.Provider,
		Success:  out.Success,
		Text:     out.Text(),
	})
	o.log.WithFields(logrus.Fields{
		"turn":     turn,
		"tool":     req.Name,
		"provider": out.Provider,
		"success":  out.Success,
	}).Info("operation result appended")
}

func (o *Orchestrator) transition(next State, turn int) {
	o.log.WithField("turn", turn).Debugf("state %s -> %s", o.state, next)
	o.state = next
}

// result assembles the answer: every text segment in emission order joined
// by a blank line, then an optional failure line.
func (o *Orchestrator) result(turns int, failure string) Result {
	var parts []string
	for _, t := range o.texts {
		if t = strings.TrimSpace(t); t != "" {
			parts = append(parts, t)
		}
	}
	text := strings.Join(parts, "\n\n")
	switch {
	case failure != "" && text != "":
		text += "\n\n" + failure
	case failure != "":
		text = failure
	case text == "":
		text = NoResponse
	}
	history := make([]providers.Message, len(o.history))
	copy(history, o.history)
	return Result{Text: text, Turns: turns, Calls: append([]Call(nil), o.calls...), History: history}
}

// State returns where the last Run stopped.
func (o *Orchestrator) State() State { return o.state }
