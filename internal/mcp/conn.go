// Package mcp is a client for tool providers that speak the Model Context
// Protocol (JSON-RPC 2.0) over a child process's stdio.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/mwiater/toolchat/internal/logging"
)

const (
	// ProtocolVersion is the MCP revision requested during initialize.
	ProtocolVersion = "2024-11-05"
	// ClientName identifies toolchat to providers.
	ClientName = "toolchat"
	// ClientVersion is reported alongside ClientName.
	ClientVersion = "0.1.0"
)

var (
	// ErrTransport marks a broken stdio transport: EOF, broken pipe, process
	// exit or an undecodable frame. A connection that reports it is Failed.
	ErrTransport = errors.New("provider transport failure")
	// ErrClosed is returned by calls on a connection that was closed.
	ErrClosed = fmt.Errorf("%w: connection closed", ErrTransport)
	// ErrNotInitialized is returned by tool calls made before Initialize.
	ErrNotInitialized = errors.New("provider connection not initialized")
)

// State is the lifecycle position of a Conn.
type State int32

const (
	StateConnected State = iota
	StateInitialized
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateInitialized:
		return "initialized"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Live reports whether a connection in this state may be routed to.
func (s State) Live() bool { return s == StateInitialized }

// ServerInfo is what a provider reported from initialize.
type ServerInfo struct {
	ProtocolVersion string `json:"protocolVersion"`
	Name            string `json:"name"`
	Version         string `json:"version"`
}

// Tool describes one operation a provider offers.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"inputSchema,omitempty"`
}

type wireTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"inputSchema,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// Content is one part of a tools/call result.
type Content struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	Data     string `json:"data,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

// CallResult is the decoded result of tools/call.
type CallResult struct {
	Content           []Content       `json:"content"`
	IsError           bool            `json:"isError,omitempty"`
	StructuredContent json.RawMessage `json:"structuredContent,omitempty"`
}

// Text flattens the result into a single string: text parts joined by
// newlines, falling back to structured content, then to a JSON dump.
func (r *CallResult) Text() string {
	if r == nil {
		return ""
	}
	var parts []string
	for _, c := range r.Content {
		switch c.Type {
		case "text", "":
			if c.Text != "" {
				parts = append(parts, c.Text)
			}
		default:
			if data, err := json.Marshal(c); err == nil {
				parts = append(parts, string(data))
			}
		}
	}
	if len(parts) > 0 {
		return strings.Join(parts, "\n")
	}
	if len(r.StructuredContent) > 0 {
		return string(r.StructuredContent)
	}
	return ""
}

// Conn is one live transport to one provider process. Calls are
// single-flight; a reader goroutine matches responses to requests by id.
type Conn struct {
	name   string
	codec  codec
	stdin  io.Closer
	stdout io.Closer
	stop   func() error

	callMu sync.Mutex

	mu      sync.Mutex
	state   State
	failure error
	seq     int64
	pending map[string]chan reply
	server  ServerInfo
	tools   []Tool

	broken    chan struct{}
	breakOnce sync.Once
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// NewConn wraps an already-running provider's stdout/stdin. The reader
// goroutine starts immediately.
func NewConn(name, framing string, stdout io.ReadCloser, stdin io.WriteCloser) (*Conn, error) {
	cd, err := newCodec(framing, stdout, stdin)
	if err != nil {
		return nil, fmt.Errorf("provider %q: %w", name, err)
	}
	c := &Conn{
		name:    name,
		codec:   cd,
		stdin:   stdin,
		stdout:  stdout,
		state:   StateConnected,
		pending: make(map[string]chan reply),
		broken:  make(chan struct{}),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Name returns the configured provider name.
func (c *Conn) Name() string { return c.name }

// State returns the current lifecycle state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Err returns why the connection is unusable, or nil.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case StateFailed:
		return c.failure
	case StateClosed:
		return ErrClosed
	default:
		return nil
	}
}

// ServerInfo returns what the provider reported from initialize.
func (c *Conn) ServerInfo() ServerInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.server
}

// Tools returns the descriptors from the most recent ListTools.
func (c *Conn) Tools() []Tool {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Tool, len(c.tools))
	copy(out, c.tools)
	return out
}

// Initialize performs the initialize handshake and sends
// notifications/initialized.
func (c *Conn) Initialize(ctx context.Context) (ServerInfo, error) {
	if st := c.State(); st != StateConnected {
		if err := c.Err(); err != nil {
			return ServerInfo{}, err
		}
		return ServerInfo{}, fmt.Errorf("initialize %q: connection is %s", c.name, st)
	}

	params := map[string]any{
		"protocolVersion": ProtocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo": map[string]any{
			"name":    ClientName,
			"version": ClientVersion,
		},
	}
	raw, err := c.call(ctx, "initialize", params, "")
	if err != nil {
		return ServerInfo{}, fmt.Errorf("mcp initialize %q: %w", c.name, err)
	}

	var result struct {
		ProtocolVersion string `json:"protocolVersion"`
		ServerInfo      struct {
			Name    string `json:"name"`
			Version string `json:"version"`
		} `json:"serverInfo"`
	}
	if len(raw) > 0 && string(raw) != "null" {
		if err := json.Unmarshal(raw, &result); err != nil {
			return ServerInfo{}, fmt.Errorf("decode initialize result from %q: %w", c.name, err)
		}
	}
	if err := c.notify("notifications/initialized", nil); err != nil {
		return ServerInfo{}, err
	}

	info := ServerInfo{
		ProtocolVersion: result.ProtocolVersion,
		Name:            result.ServerInfo.Name,
		Version:         result.ServerInfo.Version,
	}
	c.mu.Lock()
	if c.state == StateConnected {
		c.state = StateInitialized
	}
	c.server = info
	c.mu.Unlock()

	c.logger().Infof("provider initialized: server=%s version=%s protocol=%s", info.Name, info.Version, info.ProtocolVersion)
	return info, nil
}

// ListTools asks the provider for its tools, following pagination cursors,
// and caches the result.
func (c *Conn) ListTools(ctx context.Context) ([]Tool, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}

	var tools []Tool
	cursor := ""
	for {
		var params any
		if cursor != "" {
			params = map[string]any{"cursor": cursor}
		}
		raw, err := c.call(ctx, "tools/list", params, "")
		if err != nil {
			return nil, fmt.Errorf("tools/list on %q: %w", c.name, err)
		}
		var page struct {
			Tools      []wireTool `json:"tools"`
			NextCursor string     `json:"nextCursor,omitempty"`
		}
		if err := json.Unmarshal(raw, &page); err != nil {
			return nil, fmt.Errorf("decode tools/list from %q: %w", c.name, err)
		}
		for _, t := range page.Tools {
			if strings.TrimSpace(t.Name) == "" {
				c.logger().Warn("ignoring tool without a name")
				continue
			}
			schema := t.InputSchema
			if schema == nil {
				schema = t.Parameters
			}
			tools = append(tools, Tool{Name: t.Name, Description: t.Description, InputSchema: schema})
		}
		if page.NextCursor == "" || page.NextCursor == cursor {
			break
		}
		cursor = page.NextCursor
	}

	c.mu.Lock()
	c.tools = tools
	c.mu.Unlock()
	return tools, nil
}

// CallTool invokes a named tool. A JSON-RPC error comes back as *RPCError; a
// broken transport wraps ErrTransport; a tool-level failure is reported via
// CallResult.IsError with a nil error.
func (c *Conn) CallTool(ctx context.Context, name string, args map[string]any) (*CallResult, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}
	if args == nil {
		args = map[string]any{}
	}
	raw, err := c.call(ctx, "tools/call", map[string]any{"name": name, "arguments": args}, name)
	if err != nil {
		return nil, fmt.Errorf("tools/call %s on %q: %w", name, c.name, err)
	}
	var result CallResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("decode tools/call result from %q: %w", c.name, err)
	}
	return &result, nil
}

// MarkFailed moves the connection to Failed. Routing skips it afterwards.
func (c *Conn) MarkFailed(cause error) {
	_ = c.fail(cause)
}

// Close closes stdin, stops the process (if any) and releases the transport.
// It is safe to call more than once.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		if c.state != StateFailed {
			c.state = StateClosed
		}
		c.mu.Unlock()
		c.breakOnce.Do(func() { close(c.broken) })

		var firstErr error
		if c.stdin != nil {
			if err := c.stdin.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		if c.stop != nil {
			if err := c.stop(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		if c.stdout != nil {
			_ = c.stdout.Close()
		}
		c.closeErr = firstErr
	})
	return c.closeErr
}

func (c *Conn) ready() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case StateInitialized:
		return nil
	case StateFailed:
		return c.failure
	case StateClosed:
		return ErrClosed
	default:
		return ErrNotInitialized
	}
}

func (c *Conn) call(ctx context.Context, method string, params any, tool string) (json.RawMessage, error) {
	c.callMu.Lock()
	defer c.callMu.Unlock()

	if err := c.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.seq++
	id := c.seq
	key := strconv.FormatInt(id, 10)
	ch := make(chan reply, 1)
	c.pending[key] = ch
	c.mu.Unlock()

	data, err := json.Marshal(jsonrpcRequest{JSONRPC: jsonrpcVersion, ID: &id, Method: method, Params: params})
	if err != nil {
		c.forget(key)
		return nil, fmt.Errorf("encode %s: %w", method, err)
	}
	logging.LogRequest("TOOLCHAT->MCP", c.name, "", label(method, tool), data)

	if err := c.codec.WriteFrame(data); err != nil {
		c.forget(key)
		return nil, c.fail(fmt.Errorf("write %s: %w", method, err))
	}

	select {
	case r := <-ch:
		return c.unwrap(method, tool, r)
	case <-c.broken:
		c.forget(key)
		select {
		case r := <-ch:
			return c.unwrap(method, tool, r)
		default:
		}
		return nil, c.Err()
	case <-ctx.Done():
		c.forget(key)
		return nil, fmt.Errorf("%s on %q: %w", method, c.name, ctx.Err())
	}
}

func (c *Conn) unwrap(method, tool string, r reply) (json.RawMessage, error) {
	logging.LogRequest("MCP->TOOLCHAT", c.name, "", label(method, tool), r.raw)
	if r.err != nil {
		return nil, r.err
	}
	return r.result, nil
}

func (c *Conn) notify(method string, params any) error {
	data, err := json.Marshal(jsonrpcRequest{JSONRPC: jsonrpcVersion, Method: method, Params: params})
	if err != nil {
		return fmt.Errorf("encode %s: %w", method, err)
	}
	logging.LogRequest("TOOLCHAT->MCP", c.name, "", method, data)
	if err := c.codec.WriteFrame(data); err != nil {
		return c.fail(fmt.Errorf("write %s: %w", method, err))
	}
	return nil
}

func (c *Conn) forget(key string) {
	c.mu.Lock()
	delete(c.pending, key)
	c.mu.Unlock()
}

func (c *Conn) readLoop() {
	defer close(c.done)
	for {
		frame, err := c.codec.ReadFrame()
		if err != nil {
			_ = c.fail(fmt.Errorf("read: %w", err))
			return
		}
		var env envelope
		if err := json.Unmarshal(frame, &env); err != nil {
			_ = c.fail(fmt.Errorf("undecodable frame: %w", err))
			return
		}
		switch {
		case env.isResponse():
			c.deliver(env, frame)
		case normalizeID(env.ID) != "":
			c.answer(env)
		default:
			c.logger().Debugf("notification from provider: %s", env.Method)
		}
	}
}

func (c *Conn) deliver(env envelope, raw []byte) {
	key := normalizeID(env.ID)
	c.mu.Lock()
	ch, ok := c.pending[key]
	if ok {
		delete(c.pending, key)
	}
	c.mu.Unlock()
	if !ok {
		c.logger().Debugf("dropping response for unknown or expired request id %q", key)
		return
	}
	ch <- reply{result: env.Result, err: env.Error, raw: raw}
}

// answer replies to requests the provider initiates. Only ping is supported.
func (c *Conn) answer(env envelope) {
	resp := jsonrpcResponse{JSONRPC: jsonrpcVersion, ID: env.ID}
	if env.Method == "ping" {
		resp.Result = map[string]any{}
	} else {
		resp.Error = &RPCError{Code: codeMethodNotFound, Message: "method not found: " + env.Method}
	}
	data, err := json.Marshal(resp)
	if err != nil {
		return
	}
	if err := c.codec.WriteFrame(data); err != nil {
		_ = c.fail(fmt.Errorf("write reply to %s: %w", env.Method, err))
	}
}

func (c *Conn) fail(cause error) error {
	c.mu.Lock()
	switch c.state {
	case StateClosed:
		c.mu.Unlock()
		return ErrClosed
	case StateFailed:
		err := c.failure
		c.mu.Unlock()
		return err
	}
	err := fmt.Errorf("%w: provider %q: %v", ErrTransport, c.name, cause)
	c.state = StateFailed
	c.failure = err
	c.mu.Unlock()

	c.breakOnce.Do(func() { close(c.broken) })
	c.logger().Warnf("provider connection failed: %v", cause)
	return err
}

func (c *Conn) logger() *logrus.Entry {
	return logging.WithFields(logrus.Fields{"provider": c.name})
}

func label(method, tool string) string {
	if strings.TrimSpace(tool) != "" {
		return tool
	}
	return method
}
