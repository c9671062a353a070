package mcphub

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

func connectInstance(t *testing.T, r *Registry, id string, tools ...*mcp.Tool) *fakeConn {
	t.Helper()
	conn := &fakeConn{tools: tools}
	r.UpdateServerStatus(context.Background(), id, StatusConnected, &StatusUpdate{
		Conn:  conn,
		Tools: tools,
	})
	return conn
}

func TestRegistryInitializeSkipsDisabled(t *testing.T) {
	off := false
	r := NewRegistry(nil)
	r.Initialize(testHubConfig(
		testServer("on"),
		testServer("off", func(sc *ServerConfig) { sc.Enabled = &off }),
	))

	if _, ok := r.Server("on"); !ok {
		t.Error("enabled server missing")
	}
	if _, ok := r.Server("off"); ok {
		t.Error("disabled server should not be registered at all")
	}
}

func TestRegistryDuplicateRegisterIsNoOp(t *testing.T) {
	r := NewRegistry(nil)
	r.RegisterServer(testServer("a"))
	r.RegisterServer(testServer("a", func(sc *ServerConfig) { sc.Name = "Other" }))

	state, _ := r.Server("a")
	if state.Config.Name != "Server a" {
		t.Errorf("duplicate register replaced config: %q", state.Config.Name)
	}
	if n := len(r.AllServers()); n != 1 {
		t.Errorf("servers = %d, want 1", n)
	}
}

func TestRegistryStatusTransitions(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry(nil)
	r.RegisterServer(testServer("a"))

	conn := connectInstance(t, r, "a", tool("t1"), tool("t2"))
	state, _ := r.Server("a")
	if state.Status != StatusConnected {
		t.Fatalf("status = %s", state.Status)
	}
	if state.ConnectedAt.IsZero() {
		t.Error("ConnectedAt not stamped")
	}
	if state.ToolCount != 2 {
		t.Errorf("tool count = %d, want 2", state.ToolCount)
	}

	failure := errors.New("boom")
	r.UpdateServerStatus(ctx, "a", StatusError, &StatusUpdate{Err: failure})
	state, _ = r.Server("a")
	if state.Status != StatusError || !errors.Is(state.LastError, failure) {
		t.Errorf("error transition not recorded: %+v", state)
	}
	if state.ToolCount != 0 {
		t.Error("tools should be cleared on error")
	}
	if got, _, ok := r.connFor("a"); ok || got != nil {
		t.Error("connFor should fail after error")
	}

	connectInstance(t, r, "a", tool("t1"))
	state, _ = r.Server("a")
	if state.LastError != nil {
		t.Error("reconnect should clear last error")
	}
	_ = conn
}

func TestRegistryUnknownIDsAreNoOps(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry(nil)

	r.UpdateServerStatus(ctx, "ghost", StatusConnected, nil)
	r.UnregisterServer(ctx, "ghost")
	r.TouchServer("ghost")

	if n := len(r.AllServers()); n != 0 {
		t.Errorf("servers = %d, want 0", n)
	}
}

func TestRegistryUnregisterDisconnectsFirst(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry(nil)
	var disconnected []string
	var mu sync.Mutex
	r.setDisconnector(func(ctx context.Context, id string) error {
		mu.Lock()
		disconnected = append(disconnected, id)
		mu.Unlock()
		return nil
	})

	r.RegisterServer(testServer("a"))
	connectInstance(t, r, "a", tool("t"))
	r.UnregisterServer(ctx, "a")

	if len(disconnected) != 1 || disconnected[0] != "a" {
		t.Errorf("disconnector calls = %v", disconnected)
	}
	if _, ok := r.Server("a"); ok {
		t.Error("server still registered")
	}
}

func TestRegistryToolNamespacing(t *testing.T) {
	r := NewRegistry(nil)
	r.RegisterServer(testServer("pg"))
	r.RegisterServer(testServer("gh", func(sc *ServerConfig) { sc.ToolNamespace = "github_" }))
	connectInstance(t, r, "pg", tool("query"), tool("explain"))
	connectInstance(t, r, "gh", tool("query"))

	tools := r.AllTools()
	for _, want := range []string{"pg__query", "pg__explain", "github_query"} {
		if _, ok := tools[want]; !ok {
			t.Errorf("missing exposed tool %q (have %d tools)", want, len(tools))
		}
	}

	exposed := tools["pg__query"]
	if exposed.Meta[metaKeyServerID] != "pg" || exposed.Meta[metaKeyRawName] != "query" {
		t.Errorf("origin metadata missing: %v", exposed.Meta)
	}

	origin, ok := r.ResolveTool("github_query")
	if !ok || origin.ServerID != "gh" || origin.RawName != "query" {
		t.Errorf("ResolveTool = %+v, %v", origin, ok)
	}
	if _, ok := r.ResolveTool("nope__query"); ok {
		t.Error("unknown exposed name should not resolve")
	}
}

func TestRegistryToolCollisionLastWriteWins(t *testing.T) {
	r := NewRegistry(nil)
	// Same explicit namespace on both servers forces a collision.
	r.RegisterServer(testServer("alpha", func(sc *ServerConfig) { sc.ToolNamespace = "db_" }))
	r.RegisterServer(testServer("beta", func(sc *ServerConfig) { sc.ToolNamespace = "db_" }))
	connectInstance(t, r, "alpha", tool("query"))
	connectInstance(t, r, "beta", tool("query"))

	tools := r.AllTools()
	if len(tools) != 1 {
		t.Fatalf("tools = %d, want 1 after collision", len(tools))
	}
	if tools["db_query"].Meta[metaKeyServerID] != "beta" {
		t.Errorf("collision winner = %v, want beta", tools["db_query"].Meta[metaKeyServerID])
	}

	origin, ok := r.ResolveTool("db_query")
	if !ok || origin.ServerID != "beta" {
		t.Errorf("ResolveTool should match assembly winner, got %+v", origin)
	}
}

func TestRegistryToolsFromServersSubset(t *testing.T) {
	r := NewRegistry(nil)
	r.RegisterServer(testServer("a"))
	r.RegisterServer(testServer("b"))
	r.RegisterServer(testServer("c"))
	connectInstance(t, r, "a", tool("one"))
	connectInstance(t, r, "b", tool("two"))
	// c stays disconnected.

	tools := r.ToolsFromServers([]string{"a", "c", "ghost"})
	if len(tools) != 1 {
		t.Fatalf("tools = %d, want 1", len(tools))
	}
	if _, ok := tools["a__one"]; !ok {
		t.Error("a__one missing")
	}
}

func TestRegistryCloneDoesNotMutateOriginal(t *testing.T) {
	r := NewRegistry(nil)
	r.RegisterServer(testServer("a"))
	orig := tool("query")
	connectInstance(t, r, "a", orig)

	tools := r.AllTools()
	tools["a__query"].Description = "mutated"
	tools["a__query"].Meta["extra"] = true

	if orig.Name != "query" || orig.Description != "test tool query" {
		t.Errorf("original tool mutated: %+v", orig)
	}
	if orig.Meta != nil {
		t.Errorf("original Meta mutated: %v", orig.Meta)
	}
}

func TestRegistryFilters(t *testing.T) {
	r := NewRegistry(nil)
	r.RegisterServer(testServer("pg", func(sc *ServerConfig) {
		sc.Tags = []string{"postgres", "schema"}
		sc.Capabilities = []string{"tools"}
	}))
	r.RegisterServer(testServer("docs", func(sc *ServerConfig) {
		sc.Tags = []string{"docs"}
	}))
	connectInstance(t, r, "pg", tool("t"))

	if got := r.ServersByTag("postgres"); len(got) != 1 || got[0].Config.ID != "pg" {
		t.Errorf("ServersByTag(postgres) = %v", got)
	}
	if got := r.ServersByCapability("tools"); len(got) != 1 || got[0].Config.ID != "pg" {
		t.Errorf("ServersByCapability(tools) = %v", got)
	}
	if got := r.ConnectedServers(); len(got) != 1 || got[0].Config.ID != "pg" {
		t.Errorf("ConnectedServers = %v", got)
	}
	if got := r.AllServers(); len(got) != 2 {
		t.Errorf("AllServers = %d, want 2", len(got))
	}
}

func TestEventBusHookErrorsAndPanicsAreIsolated(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry(nil)
	r.RegisterServer(testServer("a"))

	var calls []EventType
	var mu sync.Mutex
	r.On(EventAfterConnect, func(ctx context.Context, ev Event) error {
		panic("hook gone wrong")
	})
	r.On(EventAfterConnect, func(ctx context.Context, ev Event) error {
		return errors.New("hook error")
	})
	sub := r.On(EventAfterConnect, func(ctx context.Context, ev Event) error {
		mu.Lock()
		calls = append(calls, ev.Type)
		mu.Unlock()
		return nil
	})

	connectInstance(t, r, "a", tool("t"))
	if len(calls) != 1 {
		t.Fatalf("surviving hook calls = %d, want 1", len(calls))
	}

	r.Off(EventAfterConnect, sub)
	r.UpdateServerStatus(ctx, "a", StatusDisconnected, nil)
	connectInstance(t, r, "a", tool("t"))
	if len(calls) != 1 {
		t.Errorf("hook fired after Off: %d calls", len(calls))
	}
}
