package mcp_test

import (
	"context"
	"errors"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mwiater/toolchat/internal/appconfig"
	"github.com/mwiater/toolchat/internal/mcp"
	"github.com/mwiater/toolchat/internal/mcp/mcptest"
)

func TestMain(m *testing.M) {
	mcptest.ServeProcess()
	os.Exit(m.Run())
}

func TestHandshakeListAndCall(t *testing.T) {
	for _, framing := range []string{appconfig.FramingNDJSON, appconfig.FramingContentLength} {
		t.Run(framing, func(t *testing.T) {
			srv := mcptest.NewServer("weather",
				mcptest.Tool{Name: "get_forecast", Description: "forecast", Handler: mcptest.Text("sunny")},
				mcptest.Tool{Name: "get_alerts", Description: "alerts"},
			)
			srv.Framing = framing
			conn := srv.Connect(t, false)

			if conn.State() != mcp.StateConnected {
				t.Fatalf("expected connected state, got %s", conn.State())
			}
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			info, err := conn.Initialize(ctx)
			if err != nil {
				t.Fatalf("Initialize: %v", err)
			}
			if info.Name != "weather" || info.ProtocolVersion != mcp.ProtocolVersion {
				t.Fatalf("unexpected server info: %+v", info)
			}
			if conn.State() != mcp.StateInitialized {
				t.Fatalf("expected initialized state, got %s", conn.State())
			}

			tools, err := conn.ListTools(ctx)
			if err != nil {
				t.Fatalf("ListTools: %v", err)
			}
			if len(tools) != 2 || tools[0].Name != "get_forecast" || tools[1].Name != "get_alerts" {
				t.Fatalf("unexpected tools: %+v", tools)
			}
			if len(conn.Tools()) != 2 {
				t.Fatalf("expected cached tools")
			}

			res, err := conn.CallTool(ctx, "get_forecast", map[string]any{"latitude": 37.7})
			if err != nil {
				t.Fatalf("CallTool: %v", err)
			}
			if res.IsError || res.Text() != "sunny" {
				t.Fatalf("unexpected result: %+v", res)
			}

			res, err = conn.CallTool(ctx, "get_alerts", map[string]any{"state": "CA"})
			if err != nil {
				t.Fatalf("CallTool echo: %v", err)
			}
			if res.Text() != `{"state":"CA"}` {
				t.Fatalf("expected echoed args, got %q", res.Text())
			}
			if got := strings.Join(srv.CallNames(), ","); got != "get_forecast,get_alerts" {
				t.Fatalf("unexpected calls: %s", got)
			}
		})
	}
}

func TestCallToolBeforeInitialize(t *testing.T) {
	conn := mcptest.NewServer("a", mcptest.Tool{Name: "x"}).Connect(t, false)
	if _, err := conn.CallTool(context.Background(), "x", nil); !errors.Is(err, mcp.ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized, got %v", err)
	}
}

func TestCallToolIsError(t *testing.T) {
	conn := mcptest.NewServer("a", mcptest.Tool{Name: "x", Handler: mcptest.Fail("city not found")}).Connect(t, true)

	res, err := conn.CallTool(context.Background(), "x", map[string]any{})
	if err != nil {
		t.Fatalf("tool failure must not be a call error: %v", err)
	}
	if !res.IsError || res.Text() != "city not found" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if conn.State() != mcp.StateInitialized {
		t.Fatalf("tool failure must not change state, got %s", conn.State())
	}
}

func TestCallToolRPCError(t *testing.T) {
	fault := func(context.Context, map[string]any) (string, error) {
		return "", &mcptest.Fault{Code: -32000, Message: "backend down"}
	}
	conn := mcptest.NewServer("a", mcptest.Tool{Name: "x", Handler: fault}).Connect(t, true)

	_, err := conn.CallTool(context.Background(), "x", nil)
	var rpcErr *mcp.RPCError
	if !errors.As(err, &rpcErr) {
		t.Fatalf("expected *RPCError, got %v", err)
	}
	if rpcErr.Code != -32000 || rpcErr.Message != "backend down" {
		t.Fatalf("unexpected rpc error: %+v", rpcErr)
	}
	if errors.Is(err, mcp.ErrTransport) {
		t.Fatalf("rpc error must not be a transport error")
	}
}

func TestCallToolTimeoutKeepsConnectionUsable(t *testing.T) {
	conn := mcptest.NewServer("a",
		mcptest.Tool{Name: "slow", Handler: mcptest.Block(300 * time.Millisecond)},
		mcptest.Tool{Name: "fast", Handler: mcptest.Text("ok")},
	).Connect(t, true)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := conn.CallTool(ctx, "slow", nil); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}

	res, err := conn.CallTool(context.Background(), "fast", nil)
	if err != nil {
		t.Fatalf("call after timeout: %v", err)
	}
	if res.Text() != "ok" {
		t.Fatalf("expected fast result, got %q", res.Text())
	}

	// The late reply for the timed-out call must be discarded, not matched to a later request.
	time.Sleep(350 * time.Millisecond)
	res, err = conn.CallTool(context.Background(), "fast", nil)
	if err != nil || res.Text() != "ok" {
		t.Fatalf("expected ok after late response, got %v %v", res, err)
	}
	if conn.State() != mcp.StateInitialized {
		t.Fatalf("expected initialized, got %s", conn.State())
	}
}

func TestHangUpFailsConnection(t *testing.T) {
	conn := mcptest.NewServer("a", mcptest.Tool{Name: "crash", Handler: mcptest.HangUp()}).Connect(t, true)

	_, err := conn.CallTool(context.Background(), "crash", nil)
	if !errors.Is(err, mcp.ErrTransport) {
		t.Fatalf("expected ErrTransport, got %v", err)
	}
	if conn.State() != mcp.StateFailed {
		t.Fatalf("expected failed state, got %s", conn.State())
	}
	if _, err := conn.ListTools(context.Background()); !errors.Is(err, mcp.ErrTransport) {
		t.Fatalf("expected ErrTransport after failure, got %v", err)
	}
}

func TestOversizedFrameFailsConnection(t *testing.T) {
	clientOut, serverOut := io.Pipe()
	_, clientIn := io.Pipe()
	conn, err := mcp.NewConn("big", appconfig.FramingContentLength, clientOut, clientIn)
	if err != nil {
		t.Fatalf("NewConn: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	go func() { _, _ = serverOut.Write([]byte("Content-Length: 9223372036854775807\r\n\r\n{}")) }()

	deadline := time.Now().Add(5 * time.Second)
	for conn.State() != mcp.StateFailed {
		if time.Now().After(deadline) {
			t.Fatalf("expected failed state, got %s", conn.State())
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err := conn.Err(); !errors.Is(err, mcp.ErrTransport) || !strings.Contains(err.Error(), "frame exceeds maximum size") {
		t.Fatalf("expected a transport error naming the frame size, got %v", err)
	}
}

func TestConcurrentCallsNeverOverlap(t *testing.T) {
	var inFlight, peak atomic.Int32
	slow := func(context.Context, map[string]any) (string, error) {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		return "done", nil
	}
	srv := mcptest.NewServer("a", mcptest.Tool{Name: "slow", Handler: slow})
	conn := srv.Connect(t, true)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	const callers = 8
	var wg sync.WaitGroup
	errs := make(chan error, callers+1)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := conn.CallTool(ctx, "slow", nil); err != nil {
				errs <- err
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		if _, err := conn.ListTools(ctx); err != nil {
			errs <- err
		}
	}()
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent request failed: %v", err)
	}

	if got := peak.Load(); got != 1 {
		t.Fatalf("expected at most one request in flight, saw %d", got)
	}
	if len(srv.Calls()) != callers {
		t.Fatalf("expected %d calls, got %d", callers, len(srv.Calls()))
	}
}

func TestMarkFailed(t *testing.T) {
	conn := mcptest.NewServer("a", mcptest.Tool{Name: "x"}).Connect(t, true)
	conn.MarkFailed(errors.New("observed broken pipe"))
	if conn.State() != mcp.StateFailed || conn.State().Live() {
		t.Fatalf("expected failed, got %s", conn.State())
	}
	if !errors.Is(conn.Err(), mcp.ErrTransport) {
		t.Fatalf("expected transport error, got %v", conn.Err())
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	conn := mcptest.NewServer("a", mcptest.Tool{Name: "x"}).Connect(t, true)
	if err := conn.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	_ = conn.Close()
	if conn.State() != mcp.StateClosed {
		t.Fatalf("expected closed, got %s", conn.State())
	}
	if _, err := conn.CallTool(context.Background(), "x", nil); !errors.Is(err, mcp.ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestLaunchHelperProcess(t *testing.T) {
	for _, framing := range []string{appconfig.FramingNDJSON, appconfig.FramingContentLength} {
		t.Run(framing, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			conn, err := mcp.Launch(ctx, mcptest.ProcessConfig("helper", framing, "echo", "ping_tool"))
			if err != nil {
				t.Fatalf("Launch: %v", err)
			}
			defer conn.Close()

			if _, err := conn.Initialize(ctx); err != nil {
				t.Fatalf("Initialize: %v", err)
			}
			tools, err := conn.ListTools(ctx)
			if err != nil {
				t.Fatalf("ListTools: %v", err)
			}
			if len(tools) != 2 || tools[0].Name != "echo" {
				t.Fatalf("unexpected tools: %+v", tools)
			}
			res, err := conn.CallTool(ctx, "echo", map[string]any{"q": "hi"})
			if err != nil {
				t.Fatalf("CallTool: %v", err)
			}
			if res.Text() != `{"q":"hi"}` {
				t.Fatalf("unexpected echo: %q", res.Text())
			}
			if err := conn.Close(); err != nil {
				t.Fatalf("Close: %v", err)
			}
		})
	}
}

func TestLaunchMissingBinary(t *testing.T) {
	_, err := mcp.Launch(context.Background(), appconfig.ProviderConfig{Name: "ghost", Command: "/nonexistent/toolchat-provider"})
	if err == nil {
		t.Fatal("expected launch error")
	}
}

func TestLaunchProcessThatExits(t *testing.T) {
	cfg := mcptest.ProcessConfig("flaky", "", "echo")
	cfg.Env[mcptest.EnvMode] = mcptest.ModeExit

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	conn, err := mcp.Launch(ctx, cfg)
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Initialize(ctx); !errors.Is(err, mcp.ErrTransport) {
		t.Fatalf("expected ErrTransport from exited provider, got %v", err)
	}
	if conn.State() != mcp.StateFailed {
		t.Fatalf("expected failed, got %s", conn.State())
	}
}
