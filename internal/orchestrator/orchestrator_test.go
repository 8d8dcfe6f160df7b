package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mwiater/toolchat/internal/catalog"
	"github.com/mwiater/toolchat/internal/dispatch"
	"github.com/mwiater/toolchat/internal/mcp"
	"github.com/mwiater/toolchat/internal/mcp/mcptest"
	"github.com/mwiater/toolchat/internal/providers"
)

func TestMain(m *testing.M) {
	mcptest.ServeProcess()
	os.Exit(m.Run())
}

// scriptedModel replays one turn per Generate call and records the requests.
type scriptedModel struct {
	mu       sync.Mutex
	turns    []providers.Turn
	errs     map[int]error
	repeat   bool
	requests []providers.Request
}

func (m *scriptedModel) Name() string { return "scripted/test" }

func (m *scriptedModel) Generate(ctx context.Context, req providers.Request) (providers.Turn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := len(m.requests)
	m.requests = append(m.requests, req)
	if err := m.errs[i]; err != nil {
		return providers.Turn{}, err
	}
	if i >= len(m.turns) {
		if m.repeat && len(m.turns) > 0 {
			return m.turns[len(m.turns)-1], nil
		}
		return providers.Turn{}, fmt.Errorf("script exhausted at call %d", i)
	}
	return m.turns[i], nil
}

func (m *scriptedModel) calls() []providers.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]providers.Request(nil), m.requests...)
}

func text(s string) providers.AssistantText { return providers.AssistantText{Text: s} }

func request(id, name string, args map[string]any) providers.OperationRequest {
	return providers.OperationRequest{ID: id, Name: name, Arguments: args}
}

func turn(blocks ...providers.Message) providers.Turn { return providers.Turn{Blocks: blocks} }

type harness struct {
	catalog    *catalog.Catalog
	dispatcher *dispatch.Dispatcher
	conns      []*mcp.Conn
}

func newHarness(t *testing.T, servers ...*mcptest.Server) harness {
	t.Helper()
	var h harness
	for _, s := range servers {
		h.conns = append(h.conns, s.Connect(t, true))
	}
	h.catalog = catalog.Build(h.conns)
	conns := make([]dispatch.Connection, len(h.conns))
	for i, c := range h.conns {
		conns[i] = c
	}
	h.dispatcher = dispatch.New(h.catalog, conns, dispatch.Options{ToolTimeout: 2 * time.Second})
	return h
}

func (h harness) run(t *testing.T, model providers.Model, opts Options, query string) (Result, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return New(model, h.catalog, h.dispatcher, opts).Run(ctx, query)
}

func results(history []providers.Message) []providers.OperationResult {
	var out []providers.OperationResult
	for _, m := range history {
		if r, ok := m.(providers.OperationResult); ok {
			out = append(out, r)
		}
	}
	return out
}

func TestRunTextOnlyTurnSkipsDispatch(t *testing.T) {
	a := mcptest.NewServer("A", mcptest.Tool{Name: "opX"})
	h := newHarness(t, a)
	model := &scriptedModel{turns: []providers.Turn{turn(text("It is sunny."))}}

	o := New(model, h.catalog, h.dispatcher, Options{MaxTokens: 512, System: "be brief"})
	res, err := o.Run(context.Background(), "weather?")
	require.NoError(t, err)
	assert.Equal(t, "It is sunny.", res.Text)
	assert.Equal(t, 1, res.Turns)
	assert.Equal(t, StateDone, o.State())
	assert.Empty(t, a.Calls())

	reqs := model.calls()
	require.Len(t, reqs, 1)
	assert.Equal(t, 512, reqs[0].MaxTokens)
	assert.Equal(t, "be brief", reqs[0].System)
	require.Len(t, reqs[0].Tools, 1)
	assert.Equal(t, "opX", reqs[0].Tools[0].Name)
	assert.Equal(t, []providers.Message{providers.UserText{Text: "weather?"}}, reqs[0].Messages)
}

func TestRunRoutesAcrossProviders(t *testing.T) {
	a := mcptest.NewServer("A", mcptest.Tool{Name: "opX", Handler: mcptest.Text("x")})
	b := mcptest.NewServer("B", mcptest.Tool{Name: "opY", Handler: mcptest.Text("y result")})
	h := newHarness(t, a, b)
	model := &scriptedModel{turns: []providers.Turn{
		turn(request("c1", "opY", map[string]any{"k": 1})),
		turn(text("Y says y result.")),
	}}

	res, err := h.run(t, model, Options{}, "use Y")
	require.NoError(t, err)
	assert.Equal(t, "Y says y result.", res.Text)
	assert.Equal(t, []string{"opY"}, b.CallNames())
	assert.Empty(t, a.Calls())

	reqs := model.calls()
	require.Len(t, reqs, 2)
	second := reqs[1].Messages
	require.Len(t, second, 3)
	assert.Equal(t, request("c1", "opY", map[string]any{"k": 1}), second[1])
	assert.Equal(t, providers.OperationResult{ID: "c1", Name: "opY", Success: true, Payload: "y result"}, second[2])

	require.Len(t, res.Calls, 1)
	assert.Equal(t, "B", res.Calls[0].Provider)
}

func TestRunLogicalFailureDoesNotStopLaterRequests(t *testing.T) {
	a := mcptest.NewServer("A", mcptest.Tool{Name: "opX", Handler: mcptest.Fail("station offline")})
	b := mcptest.NewServer("B", mcptest.Tool{Name: "opY", Handler: mcptest.Text("ok")})
	h := newHarness(t, a, b)
	model := &scriptedModel{turns: []providers.Turn{
		turn(text("Checking both."), request("1", "opX", nil), request("2", "opY", nil)),
		turn(text("X failed but Y is ok.")),
	}}

	res, err := h.run(t, model, Options{}, "q")
	require.NoError(t, err)
	assert.Equal(t, "Checking both.\n\nX failed but Y is ok.", res.Text)

	got := results(res.History)
	require.Len(t, got, 2)
	assert.Equal(t, "1", got[0].ID)
	assert.False(t, got[0].Success)
	assert.Contains(t, got[0].Error, "station offline")
	assert.Equal(t, "2", got[1].ID)
	assert.True(t, got[1].Success)
	assert.Len(t, model.calls(), 2)
}

func TestRunUnknownToolIsFedBack(t *testing.T) {
	h := newHarness(t, mcptest.NewServer("A", mcptest.Tool{Name: "opX"}))
	model := &scriptedModel{turns: []providers.Turn{
		turn(request("1", "opW", nil)),
		turn(text("That tool does not exist.")),
	}}

	res, err := h.run(t, model, Options{}, "q")
	require.NoError(t, err)
	got := results(res.History)
	require.Len(t, got, 1)
	assert.False(t, got[0].Success)
	assert.Equal(t, `tool "opW" not found`, got[0].Error)
	assert.Equal(t, "That tool does not exist.", res.Text)
}

func TestRunTransportFailureEndsQuery(t *testing.T) {
	for _, parallel := range []bool{false, true} {
		t.Run(fmt.Sprintf("parallel=%v", parallel), func(t *testing.T) {
			a := mcptest.NewServer("A", mcptest.Tool{Name: "opX", Handler: mcptest.HangUp()})
			b := mcptest.NewServer("B", mcptest.Tool{Name: "opY", Handler: mcptest.Text("fine")})
			h := newHarness(t, a, b)
			model := &scriptedModel{turns: []providers.Turn{
				turn(text("Let me check."), request("1", "opX", nil), request("2", "opY", nil)),
				turn(text("never reached")),
			}}

			res, err := h.run(t, model, Options{Parallel: parallel}, "q")
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrTransportFailure)
			assert.ErrorIs(t, err, mcp.ErrTransport)
			assert.Len(t, model.calls(), 1, "no model call may follow a transport failure")
			assert.Contains(t, res.Text, "Let me check.\n\n❌ ")
			assert.NotContains(t, res.Text, "never reached")
			assert.Equal(t, mcp.StateFailed, h.conns[0].State())
			if !parallel {
				assert.Empty(t, b.Calls(), "requests after the failure must not run")
			}
		})
	}
}

func TestRunParallelRecordsEveryCompletedRequest(t *testing.T) {
	a := mcptest.NewServer("A", mcptest.Tool{Name: "opX", Handler: mcptest.HangUp()})
	b := mcptest.NewServer("B", mcptest.Tool{Name: "opY", Handler: mcptest.Text("fine")})
	h := newHarness(t, a, b)
	model := &scriptedModel{turns: []providers.Turn{
		turn(request("1", "opX", nil), request("2", "opY", nil)),
	}}

	res, err := h.run(t, model, Options{Parallel: true}, "q")
	require.ErrorIs(t, err, ErrTransportFailure)
	assert.Equal(t, []string{"opY"}, b.CallNames())

	require.Len(t, res.Calls, 2)
	assert.Equal(t, "opX", res.Calls[0].Name)
	assert.False(t, res.Calls[0].Success)
	assert.Equal(t, "opY", res.Calls[1].Name)
	assert.True(t, res.Calls[1].Success)

	got := results(res.History)
	require.Len(t, got, 2)
	assert.Equal(t, "1", got[0].ID)
	assert.Equal(t, "2", got[1].ID)
}

func TestRunSequentialEarlyExitLeavesLaterRequestsUnanswered(t *testing.T) {
	a := mcptest.NewServer("A", mcptest.Tool{Name: "opX", Handler: mcptest.HangUp()})
	b := mcptest.NewServer("B", mcptest.Tool{Name: "opY"})
	h := newHarness(t, a, b)
	model := &scriptedModel{turns: []providers.Turn{
		turn(request("1", "opX", nil), request("2", "opY", nil)),
	}}

	res, err := h.run(t, model, Options{}, "q")
	require.ErrorIs(t, err, ErrTransportFailure)
	require.Len(t, res.Calls, 1)
	assert.Equal(t, "opX", res.Calls[0].Name)

	var requested []string
	for _, m := range res.History {
		if r, ok := m.(providers.OperationRequest); ok {
			requested = append(requested, r.ID)
		}
	}
	assert.Equal(t, []string{"1", "2"}, requested)
	got := results(res.History)
	require.Len(t, got, 1)
	assert.Equal(t, "1", got[0].ID)
}

func TestRunModelFailure(t *testing.T) {
	h := newHarness(t, mcptest.NewServer("A", mcptest.Tool{Name: "opX"}))
	boom := errors.New("503 overloaded")
	model := &scriptedModel{errs: map[int]error{0: boom}}

	res, err := h.run(t, model, Options{}, "q")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrModelUnavailable)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, NoResponse, res.Text)
}

func TestRunTurnLimit(t *testing.T) {
	a := mcptest.NewServer("A", mcptest.Tool{Name: "opX"})
	h := newHarness(t, a)
	model := &scriptedModel{repeat: true, turns: []providers.Turn{turn(request("1", "opX", nil))}}

	res, err := h.run(t, model, Options{MaxTurns: 3}, "loop forever")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTurnLimitExceeded)
	assert.Len(t, model.calls(), 3)
	assert.Len(t, a.Calls(), 3)
	assert.Equal(t, 3, res.Turns)
	assert.Contains(t, res.Text, "turn limit exceeded")
}

func TestRunPlaceholderWhenNoText(t *testing.T) {
	h := newHarness(t, mcptest.NewServer("A", mcptest.Tool{Name: "opX"}))
	model := &scriptedModel{turns: []providers.Turn{turn(text("   "))}}

	res, err := h.run(t, model, Options{}, "q")
	require.NoError(t, err)
	assert.Equal(t, NoResponse, res.Text)
}

func TestRunCancelledBeforeStart(t *testing.T) {
	h := newHarness(t, mcptest.NewServer("A", mcptest.Tool{Name: "opX"}))
	model := &scriptedModel{turns: []providers.Turn{turn(text("hi"))}}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := New(model, h.catalog, h.dispatcher, Options{}).Run(ctx, "q")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, model.calls())
}

func TestRunParallelGroupsByProvider(t *testing.T) {
	bStarted := make(chan struct{})
	waitForB := func(ctx context.Context, _ map[string]any) (string, error) {
		select {
		case <-bStarted:
			return "a1", nil
		case <-time.After(time.Second):
			return "", errors.New("ran before provider B")
		}
	}
	a := mcptest.NewServer("A",
		mcptest.Tool{Name: "a1", Handler: waitForB},
		mcptest.Tool{Name: "a2", Handler: mcptest.Text("a2")},
	)
	b := mcptest.NewServer("B", mcptest.Tool{Name: "b1", Handler: func(context.Context, map[string]any) (string, error) {
		close(bStarted)
		return "b1", nil
	}})
	h := newHarness(t, a, b)
	model := &scriptedModel{turns: []providers.Turn{
		turn(request("1", "a1", nil), request("2", "b1", nil), request("3", "a2", nil)),
		turn(text("done")),
	}}

	res, err := h.run(t, model, Options{Parallel: true}, "q")
	require.NoError(t, err)
	got := results(res.History)
	require.Len(t, got, 3)
	for i, want := range []string{"a1", "b1", "a2"} {
		assert.Equal(t, want, got[i].Name, "results must follow emission order")
		assert.True(t, got[i].Success, got[i].Error)
	}
	assert.Equal(t, []string{"a1", "a2"}, a.CallNames(), "one provider's requests stay sequential")
}
