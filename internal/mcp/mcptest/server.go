// Package mcptest provides an in-memory MCP tool provider for tests.
package mcptest

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mwiater/toolchat/internal/appconfig"
	"github.com/mwiater/toolchat/internal/mcp"
)

// ErrHangUp makes the server drop its transport mid-call, as a crashing
// provider would.
var ErrHangUp = errors.New("mcptest: hang up")

// Fault is returned by a Handler to answer with a JSON-RPC error object
// instead of a tool result.
type Fault struct {
	Code    int
	Message string
}

func (f *Fault) Error() string { return fmt.Sprintf("fault %d: %s", f.Code, f.Message) }

// Handler runs a tool. A plain error becomes an isError result.
type Handler func(ctx context.Context, args map[string]any) (string, error)

// Tool is one operation served by a Server.
type Tool struct {
	Name        string
	Description string
	InputSchema map[string]any
	Handler     Handler
}

// Call records one tools/call the server received.
type Call struct {
	Tool      string
	Arguments map[string]any
}

// Server is a scripted MCP provider.
type Server struct {
	Name    string
	Framing string

	mu        sync.Mutex
	tools     []Tool
	calls     []Call
	listCalls int
}

// NewServer returns a server exposing tools in the given order.
func NewServer(name string, tools ...Tool) *Server {
	return &Server{Name: name, Framing: appconfig.FramingNDJSON, tools: tools}
}

// SetTools replaces the advertised tools.
func (s *Server) SetTools(tools ...Tool) {
	s.mu.Lock()
	s.tools = tools
	s.mu.Unlock()
}

// Calls returns the tools/call requests received so far, in arrival order.
func (s *Server) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Call, len(s.calls))
	copy(out, s.calls)
	return out
}

// CallNames returns just the tool names from Calls.
func (s *Server) CallNames() []string {
	var names []string
	for _, c := range s.Calls() {
		names = append(names, c.Tool)
	}
	return names
}

// ListCalls reports how many times tools/list was served.
func (s *Server) ListCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listCalls
}

// Serve answers requests read from r until r is exhausted, ctx ends, or a
// handler hangs up. Both ends are closed on return.
func (s *Server) Serve(ctx context.Context, r io.ReadCloser, w io.WriteCloser) error {
	defer w.Close()
	var wg sync.WaitGroup
	defer wg.Wait()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	fr := &frameIO{framing: s.Framing, r: bufio.NewReader(r), w: bufio.NewWriter(w)}
	var hangOnce sync.Once
	hangUp := func() {
		hangOnce.Do(func() {
			_ = w.Close()
			_ = r.Close()
		})
	}

	for {
		frame, err := fr.read()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, os.ErrClosed) {
				return nil
			}
			return err
		}
		var req request
		if err := json.Unmarshal(frame, &req); err != nil {
			return fmt.Errorf("mcptest: bad frame: %w", err)
		}
		if len(req.ID) == 0 {
			continue
		}

		switch req.Method {
		case "initialize":
			_ = fr.write(result(req.ID, map[string]any{
				"protocolVersion": mcp.ProtocolVersion,
				"serverInfo":      map[string]any{"name": s.Name, "version": "test"},
				"capabilities":    map[string]any{"tools": map[string]any{}},
			}))
		case "ping":
			_ = fr.write(result(req.ID, map[string]any{}))
		case "tools/list":
			_ = fr.write(result(req.ID, map[string]any{"tools": s.listing()}))
		case "tools/call":
			var p struct {
				Name      string         `json:"name"`
				Arguments map[string]any `json:"arguments"`
			}
			if err := json.Unmarshal(req.Params, &p); err != nil {
				_ = fr.write(failure(req.ID, -32602, "invalid params"))
				continue
			}
			tool, ok := s.record(p.Name, p.Arguments)
			if !ok {
				_ = fr.write(failure(req.ID, -32602, "unknown tool: "+p.Name))
				continue
			}
			wg.Add(1)
			go func(id json.RawMessage, args map[string]any) {
				defer wg.Done()
				text, err := tool.Handler(ctx, args)
				var fault *Fault
				switch {
				case errors.Is(err, ErrHangUp):
					hangUp()
				case errors.As(err, &fault):
					_ = fr.write(failure(id, fault.Code, fault.Message))
				case err != nil:
					_ = fr.write(result(id, map[string]any{
						"content": []map[string]any{{"type": "text", "text": err.Error()}},
						"isError": true,
					}))
				default:
					_ = fr.write(result(id, map[string]any{
						"content": []map[string]any{{"type": "text", "text": text}},
					}))
				}
			}(req.ID, p.Arguments)
		default:
			_ = fr.write(failure(req.ID, -32601, "method not found: "+req.Method))
		}
	}
}

// Connect serves s over in-memory pipes and returns a client connection.
// If initialize is set the handshake and an initial tools/list are done.
func (s *Server) Connect(t testing.TB, initialize bool) *mcp.Conn {
	t.Helper()

	clientOut, serverOut := io.Pipe()
	serverIn, clientIn := io.Pipe()

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan struct{})
	go func() {
		defer close(served)
		_ = s.Serve(ctx, serverIn, serverOut)
	}()

	conn, err := mcp.NewConn(s.Name, s.Framing, clientOut, clientIn)
	if err != nil {
		cancel()
		t.Fatalf("mcptest: new conn: %v", err)
	}
	t.Cleanup(func() {
		_ = conn.Close()
		cancel()
		<-served
	})

	if initialize {
		ictx, icancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer icancel()
		if _, err := conn.Initialize(ictx); err != nil {
			t.Fatalf("mcptest: initialize %s: %v", s.Name, err)
		}
		if _, err := conn.ListTools(ictx); err != nil {
			t.Fatalf("mcptest: tools/list %s: %v", s.Name, err)
		}
	}
	return conn
}

func (s *Server) listing() []map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listCalls++
	out := make([]map[string]any, 0, len(s.tools))
	for _, t := range s.tools {
		entry := map[string]any{"name": t.Name, "description": t.Description}
		if t.InputSchema != nil {
			entry["inputSchema"] = t.InputSchema
		} else {
			entry["inputSchema"] = map[string]any{"type": "object"}
		}
		out = append(out, entry)
	}
	return out
}

func (s *Server) record(name string, args map[string]any) (Tool, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, Call{Tool: name, Arguments: args})
	for _, t := range s.tools {
		if t.Name == name {
			if t.Handler == nil {
				t.Handler = Echo
			}
			return t, true
		}
	}
	return Tool{}, false
}

// Echo returns its arguments as JSON.
func Echo(_ context.Context, args map[string]any) (string, error) {
	data, err := json.Marshal(args)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Text returns a handler that always answers with text.
func Text(text string) Handler {
	return func(context.Context, map[string]any) (string, error) { return text, nil }
}

// Fail returns a handler whose result carries isError.
func Fail(message string) Handler {
	return func(context.Context, map[string]any) (string, error) { return "", errors.New(message) }
}

// HangUp returns a handler that kills the transport.
func HangUp() Handler {
	return func(context.Context, map[string]any) (string, error) { return "", ErrHangUp }
}

// Block returns a handler that waits until the server stops or d elapses.
func Block(d time.Duration) Handler {
	return func(ctx context.Context, _ map[string]any) (string, error) {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(d):
			return "late", nil
		}
	}
}

type request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func result(id json.RawMessage, v any) response {
	return response{JSONRPC: "2.0", ID: id, Result: v}
}

func failure(id json.RawMessage, code int, msg string) response {
	return response{JSONRPC: "2.0", ID: id, Error: &rpcError{Code: code, Message: msg}}
}

type frameIO struct {
	framing string
	r       *bufio.Reader
	mu      sync.Mutex
	w       *bufio.Writer
}

func (f *frameIO) read() ([]byte, error) {
	if f.framing != appconfig.FramingContentLength {
		for {
			line, err := f.r.ReadBytes('\n')
			if line = bytes.TrimSpace(line); len(line) > 0 {
				return line, nil
			}
			if err != nil {
				return nil, err
			}
		}
	}

	length := -1
	for {
		line, err := f.r.ReadString('\n')
		if err != nil {
			return nil, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if length < 0 {
				continue
			}
			break
		}
		if i := strings.IndexByte(line, ':'); i >= 0 && strings.EqualFold(strings.TrimSpace(line[:i]), "content-length") {
			if _, err := fmt.Sscanf(strings.TrimSpace(line[i+1:]), "%d", &length); err != nil {
				return nil, fmt.Errorf("invalid Content-Length: %v", err)
			}
		}
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(f.r, body); err != nil {
		return nil, err
	}
	return body, nil
}

func (f *frameIO) write(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.framing == appconfig.FramingContentLength {
		if _, err := fmt.Fprintf(f.w, "Content-Length: %d\r\n\r\n", len(data)); err != nil {
			return err
		}
		if _, err := f.w.Write(data); err != nil {
			return err
		}
	} else {
		if _, err := f.w.Write(append(data, '\n')); err != nil {
			return err
		}
	}
	return f.w.Flush()
}
