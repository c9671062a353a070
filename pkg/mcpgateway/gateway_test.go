package mcpgateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/jacksonkasi1/tiger-schema-sub001/pkg/mcphub"
)

type stubConn struct {
	tools []*mcp.Tool
}

func (c *stubConn) ListTools(ctx context.Context) ([]*mcp.Tool, error) {
	return c.tools, nil
}

func (c *stubConn) CallTool(ctx context.Context, name string, args any) (*mcp.CallToolResult, error) {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: "echo:" + name}},
	}, nil
}

func (c *stubConn) Close() error { return nil }

type stubDialer struct {
	tools map[string][]*mcp.Tool
}

func (d *stubDialer) Dial(ctx context.Context, cfg mcphub.ServerConfig) (mcphub.Conn, error) {
	return &stubConn{tools: d.tools[cfg.ID]}, nil
}

func newTestHub(t *testing.T, dialer *stubDialer, ids ...string) *mcphub.Manager {
	t.Helper()
	off := false
	cfg := mcphub.DefaultHubConfig()
	cfg.Defaults.AutoConnect = &off
	for _, id := range ids {
		cfg.Servers = append(cfg.Servers, mcphub.ServerConfig{
			ID:   id,
			Name: "Server " + id,
			Transport: mcphub.TransportConfig{
				Type: mcphub.TransportHTTP,
				URL:  "http://" + id + ".test/mcp",
			},
		})
	}

	hub := mcphub.NewManager(&mcphub.ManagerOptions{Dialer: dialer})
	ctx := context.Background()
	if err := hub.Initialize(ctx, "", cfg); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	t.Cleanup(func() { _ = hub.Shutdown(context.Background()) })
	return hub
}

func connectClient(t *testing.T, url string) *mcp.ClientSession {
	t.Helper()
	client := mcp.NewClient(&mcp.Implementation{Name: "gateway-test", Version: "0.0.1"}, nil)
	session, err := client.Connect(context.Background(), &mcp.StreamableClientTransport{
		Endpoint: url + "/mcp",
	}, nil)
	if err != nil {
		t.Fatalf("client connect: %v", err)
	}
	t.Cleanup(func() { _ = session.Close() })
	return session
}

func toolNames(t *testing.T, session *mcp.ClientSession) map[string]bool {
	t.Helper()
	res, err := session.ListTools(context.Background(), nil)
	if err != nil {
		t.Fatalf("ListTools: %v", err)
	}
	names := make(map[string]bool, len(res.Tools))
	for _, tool := range res.Tools {
		names[tool.Name] = true
	}
	return names
}

func TestGatewayRoundTrip(t *testing.T) {
	d := &stubDialer{tools: map[string][]*mcp.Tool{
		"pg":   {{Name: "query", Description: "run sql", InputSchema: &jsonschema.Schema{Type: "object"}}},
		"docs": {{Name: "search", Description: "search docs", InputSchema: &jsonschema.Schema{Type: "object"}}},
	}}
	hub := newTestHub(t, d, "pg", "docs")
	ctx := context.Background()
	if _, err := hub.ConnectAll(ctx); err != nil {
		t.Fatal(err)
	}

	g, err := NewGateway(hub, nil)
	if err != nil {
		t.Fatalf("NewGateway: %v", err)
	}
	t.Cleanup(g.Close)

	ts := httptest.NewServer(g.Handler())
	t.Cleanup(ts.Close)

	session := connectClient(t, ts.URL)
	names := toolNames(t, session)
	for _, want := range []string{"pg__query", "docs__search"} {
		if !names[want] {
			t.Errorf("missing tool %q in %v", want, names)
		}
	}

	res, err := session.CallTool(ctx, &mcp.CallToolParams{
		Name:      "pg__query",
		Arguments: map[string]any{"sql": "select 1"},
	})
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	text, ok := res.Content[0].(*mcp.TextContent)
	if !ok || text.Text != "echo:query" {
		t.Errorf("result = %+v", res.Content)
	}
}

func TestGatewayMirrorsDisconnect(t *testing.T) {
	d := &stubDialer{tools: map[string][]*mcp.Tool{
		"pg":   {{Name: "query", InputSchema: &jsonschema.Schema{Type: "object"}}},
		"docs": {{Name: "search", InputSchema: &jsonschema.Schema{Type: "object"}}},
	}}
	hub := newTestHub(t, d, "pg", "docs")
	ctx := context.Background()
	if _, err := hub.ConnectAll(ctx); err != nil {
		t.Fatal(err)
	}

	g, err := NewGateway(hub, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(g.Close)
	ts := httptest.NewServer(g.Handler())
	t.Cleanup(ts.Close)

	if err := hub.Disconnect(ctx, "docs"); err != nil {
		t.Fatal(err)
	}

	session := connectClient(t, ts.URL)
	names := toolNames(t, session)
	if names["docs__search"] {
		t.Error("disconnected server's tool still exposed")
	}
	if !names["pg__query"] {
		t.Error("remaining server's tool lost")
	}

	// Reconnect brings it back.
	if err := hub.Connect(ctx, "docs"); err != nil {
		t.Fatal(err)
	}
	names = toolNames(t, session)
	if !names["docs__search"] {
		t.Error("reconnected server's tool not re-exposed")
	}
}

func TestGatewayStatusRoutes(t *testing.T) {
	d := &stubDialer{tools: map[string][]*mcp.Tool{
		"pg": {{Name: "query", InputSchema: &jsonschema.Schema{Type: "object"}}},
	}}
	hub := newTestHub(t, d, "pg")
	ctx := context.Background()
	if _, err := hub.ConnectAll(ctx); err != nil {
		t.Fatal(err)
	}

	g, err := NewGateway(hub, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(g.Close)
	ts := httptest.NewServer(g.Handler())
	t.Cleanup(ts.Close)

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("healthz status = %d", resp.StatusCode)
	}
	var health map[string]int
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		t.Fatalf("decode healthz: %v", err)
	}
	if health["connected"] != 1 || health["tools"] != 1 {
		t.Errorf("healthz = %v", health)
	}

	resp, err = http.Get(ts.URL + "/servers")
	if err != nil {
		t.Fatalf("servers: %v", err)
	}
	defer resp.Body.Close()
	var views []serverView
	if err := json.NewDecoder(resp.Body).Decode(&views); err != nil {
		t.Fatalf("decode servers: %v", err)
	}
	if len(views) != 1 || views[0].ID != "pg" || views[0].Status != "connected" {
		t.Errorf("servers = %+v", views)
	}
}

func TestGatewayHealthzDegraded(t *testing.T) {
	d := &stubDialer{tools: map[string][]*mcp.Tool{"pg": {{Name: "query", InputSchema: &jsonschema.Schema{Type: "object"}}}}}
	hub := newTestHub(t, d, "pg")

	g, err := NewGateway(hub, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(g.Close)
	ts := httptest.NewServer(g.Handler())
	t.Cleanup(ts.Close)

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503 with nothing connected", resp.StatusCode)
	}
}

func TestGatewayRejectsUninitializedHub(t *testing.T) {
	if _, err := NewGateway(nil, nil); err == nil {
		t.Error("nil manager accepted")
	}

	hub := mcphub.NewManager(nil)
	if _, err := NewGateway(hub, nil); err == nil {
		t.Error("uninitialized manager accepted")
	}
}

func TestGatewayCORSPreflight(t *testing.T) {
	d := &stubDialer{tools: map[string][]*mcp.Tool{}}
	hub := newTestHub(t, d)

	g, err := NewGateway(hub, &Options{AllowedOrigins: []string{"https://editor.example.com"}})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(g.Close)
	ts := httptest.NewServer(g.Handler())
	t.Cleanup(ts.Close)

	req, _ := http.NewRequest(http.MethodOptions, ts.URL+"/mcp", nil)
	req.Header.Set("Origin", "https://editor.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "https://editor.example.com" {
		t.Errorf("allow-origin = %q", got)
	}

	req, _ = http.NewRequest(http.MethodOptions, ts.URL+"/mcp", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("foreign origin allowed: %q", got)
	}
}
