package mcphub

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Shared test doubles for the package: a scriptable dialer and connection so
// connection-manager and manager behavior can be exercised without real
// transports.

type fakeConn struct {
	mu      sync.Mutex
	tools   []*mcp.Tool
	listErr error
	callFn  func(ctx context.Context, name string, args any) (*mcp.CallToolResult, error)
	closed  atomic.Bool
}

func (c *fakeConn) ListTools(ctx context.Context) ([]*mcp.Tool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.listErr != nil {
		return nil, c.listErr
	}
	return c.tools, nil
}

func (c *fakeConn) CallTool(ctx context.Context, name string, args any) (*mcp.CallToolResult, error) {
	if c.callFn != nil {
		return c.callFn(ctx, name, args)
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: "ok:" + name}},
	}, nil
}

func (c *fakeConn) Close() error {
	c.closed.Store(true)
	return nil
}

func (c *fakeConn) setListErr(err error) {
	c.mu.Lock()
	c.listErr = err
	c.mu.Unlock()
}

// fakeDialer scripts dial outcomes per server id. failuresBefore makes the
// first N dials for an id fail before one succeeds.
type fakeDialer struct {
	mu            sync.Mutex
	tools         map[string][]*mcp.Tool
	failuresLeft  map[string]int
	dialCounts    map[string]int
	conns         map[string]*fakeConn
	dialErr       error
	blockUntil    chan struct{} // when set, Dial waits on this
	inflightDials atomic.Int32
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{
		tools:        make(map[string][]*mcp.Tool),
		failuresLeft: make(map[string]int),
		dialCounts:   make(map[string]int),
		conns:        make(map[string]*fakeConn),
	}
}

func (d *fakeDialer) Dial(ctx context.Context, cfg ServerConfig) (Conn, error) {
	d.inflightDials.Add(1)
	defer d.inflightDials.Add(-1)

	if d.blockUntil != nil {
		select {
		case <-d.blockUntil:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.dialCounts[cfg.ID]++
	if d.dialErr != nil {
		return nil, d.dialErr
	}
	if n := d.failuresLeft[cfg.ID]; n > 0 {
		d.failuresLeft[cfg.ID] = n - 1
		return nil, fmt.Errorf("dial %s: connection refused", cfg.ID)
	}
	conn := &fakeConn{tools: d.tools[cfg.ID]}
	d.conns[cfg.ID] = conn
	return conn, nil
}

func (d *fakeDialer) dials(id string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dialCounts[id]
}

func (d *fakeDialer) conn(id string) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[id]
}

func tool(name string) *mcp.Tool {
	return &mcp.Tool{Name: name, Description: "test tool " + name}
}

func toolList(names ...string) []*mcp.Tool {
	out := make([]*mcp.Tool, 0, len(names))
	for _, n := range names {
		out = append(out, tool(n))
	}
	return out
}

func testServer(id string, opts ...func(*ServerConfig)) ServerConfig {
	sc := ServerConfig{
		ID:   id,
		Name: "Server " + id,
		Transport: TransportConfig{
			Type: TransportHTTP,
			URL:  "http://" + id + ".test/mcp",
		},
	}
	for _, opt := range opts {
		opt(&sc)
	}
	return sc
}

func testHubConfig(servers ...ServerConfig) *HubConfig {
	off := false
	cfg := DefaultHubConfig()
	cfg.Servers = servers
	cfg.Defaults.AutoConnect = &off
	cfg.Defaults.RetryDelayMS = 1
	return cfg
}

var errDialRefused = errors.New("connection refused")
