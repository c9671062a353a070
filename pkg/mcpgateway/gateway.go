package mcpgateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/cors"

	"github.com/jacksonkasi1/tiger-schema-sub001/pkg/mcphub"
)

// Gateway exposes a Streamable MCP server that fronts every server managed by
// an mcphub.Manager under a single HTTP endpoint. Tool registrations mirror
// the hub: whenever a server connects, disconnects, or errors, the gateway's
// exposed tool set is resynchronized from the hub's namespaced catalogue.
type Gateway struct {
	hub  *mcphub.Manager
	opts Options

	server        *mcp.Server
	streamHandler *mcp.StreamableHTTPHandler
	httpHandler   http.Handler

	serverMu sync.Mutex
	exposed  map[string]struct{}

	httpServerMu sync.Mutex
	httpServer   *http.Server

	subs []subscription
}

type subscription struct {
	event mcphub.EventType
	id    mcphub.Subscription
}

// NewGateway builds a Gateway, mirrors the hub's current tool catalogue, and
// subscribes to lifecycle events so the mirror stays current.
func NewGateway(hub *mcphub.Manager, opts *Options) (*Gateway, error) {
	if hub == nil {
		return nil, fmt.Errorf("mcpgateway: manager is required")
	}
	if !hub.Initialized() {
		return nil, fmt.Errorf("mcpgateway: manager is not initialized")
	}
	options := opts.withDefaults()
	g := &Gateway{
		hub:     hub,
		opts:    options,
		exposed: make(map[string]struct{}),
	}

	g.server = mcp.NewServer(options.Implementation, &mcp.ServerOptions{
		HasTools: true,
	})
	g.streamHandler = mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
		return g.server
	}, &options.Streamable)
	g.httpHandler = g.mountHandler()

	for _, et := range []mcphub.EventType{
		mcphub.EventAfterConnect,
		mcphub.EventAfterDisconnect,
		mcphub.EventError,
	} {
		id := hub.On(et, func(ctx context.Context, ev mcphub.Event) error {
			g.syncTools()
			return nil
		})
		g.subs = append(g.subs, subscription{event: et, id: id})
	}

	g.syncTools()
	return g, nil
}

// Handler exposes the HTTP handler that serves the Streamable endpoint plus
// the gateway's status routes, with CORS applied.
func (g *Gateway) Handler() http.Handler {
	return g.httpHandler
}

// ListenAndServe runs an HTTP server until the provided context is cancelled
// or the server stops.
func (g *Gateway) ListenAndServe(ctx context.Context) error {
	g.httpServerMu.Lock()
	if g.httpServer != nil {
		srv := g.httpServer
		g.httpServerMu.Unlock()
		return fmt.Errorf("mcpgateway: server already running on %s", srv.Addr)
	}
	srv := &http.Server{Addr: g.opts.Addr, Handler: g.Handler()}
	g.httpServer = srv
	g.httpServerMu.Unlock()
	defer func() {
		g.httpServerMu.Lock()
		if g.httpServer == srv {
			g.httpServer = nil
		}
		g.httpServerMu.Unlock()
	}()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), g.opts.SyncTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// Shutdown stops the embedded HTTP server if it is running.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.httpServerMu.Lock()
	srv := g.httpServer
	g.httpServer = nil
	g.httpServerMu.Unlock()
	if srv == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return srv.Shutdown(ctx)
}

// Close detaches the gateway's lifecycle subscriptions from the hub. The hub
// itself keeps running.
func (g *Gateway) Close() {
	for _, sub := range g.subs {
		g.hub.Off(sub.event, sub.id)
	}
	g.subs = nil
}

// syncTools reconciles the MCP server's registered tools with the hub's
// current namespaced catalogue. Names no longer present are removed; new
// names are added with a proxy handler.
func (g *Gateway) syncTools() {
	current := g.hub.Tools()

	g.serverMu.Lock()
	defer g.serverMu.Unlock()

	var removed []string
	for name := range g.exposed {
		if _, ok := current[name]; !ok {
			removed = append(removed, name)
			delete(g.exposed, name)
		}
	}
	if len(removed) > 0 {
		g.server.RemoveTools(removed...)
	}

	added := 0
	for name, tool := range current {
		if _, ok := g.exposed[name]; ok {
			continue
		}
		g.exposed[name] = struct{}{}
		g.server.AddTool(tool, g.makeToolHandler(name))
		added++
	}

	if len(removed) > 0 || added > 0 {
		g.opts.Logger.Info("gateway tools synchronized",
			"exposed", len(g.exposed), "added", added, "removed", len(removed))
	}
}

// makeToolHandler proxies a downstream tool call to the hub, which resolves
// the namespaced name back to the owning server.
func (g *Gateway) makeToolHandler(exposed string) mcp.ToolHandler {
	return func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var args any
		if req.Params != nil {
			args = req.Params.Arguments
		}
		return g.hub.CallTool(ctx, exposed, args)
	}
}

func (g *Gateway) mountHandler() http.Handler {
	path := g.opts.Path
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	mux := http.NewServeMux()
	mux.Handle(path, g.streamHandler)
	if !strings.HasSuffix(path, "/") {
		mux.Handle(path+"/", g.streamHandler)
	}
	mux.HandleFunc("GET /healthz", g.handleHealthz)
	mux.HandleFunc("GET /servers", g.handleServers)

	c := cors.New(cors.Options{
		AllowedOrigins: g.opts.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type", "Mcp-Session-Id", "Mcp-Protocol-Version", "Last-Event-Id"},
		ExposedHeaders: []string{"Mcp-Session-Id"},
	})
	return c.Handler(mux)
}

func (g *Gateway) handleHealthz(w http.ResponseWriter, r *http.Request) {
	stats := g.hub.Stats()
	w.Header().Set("Content-Type", "application/json")
	if stats.TotalServers > 0 && stats.ConnectedServers == 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(map[string]any{
		"servers":   stats.TotalServers,
		"connected": stats.ConnectedServers,
		"tools":     stats.TotalTools,
	})
}

// serverView is the JSON shape of one hub server on the status route.
type serverView struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Status      string    `json:"status"`
	ToolCount   int       `json:"tool_count"`
	LastError   string    `json:"last_error,omitempty"`
	ConnectedAt time.Time `json:"connected_at,omitzero"`
}

func (g *Gateway) handleServers(w http.ResponseWriter, r *http.Request) {
	stats := g.hub.Stats()
	views := make([]serverView, 0, len(stats.Servers))
	for _, state := range stats.Servers {
		v := serverView{
			ID:          state.Config.ID,
			Name:        state.Config.Name,
			Status:      string(state.Status),
			ToolCount:   state.ToolCount,
			ConnectedAt: state.ConnectedAt,
		}
		if state.LastError != nil {
			v.LastError = state.LastError.Error()
		}
		views = append(views, v)
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(views)
}
