package mcphub

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Manager is the single entry point applications integrate against. It owns a
// registry, a connection manager, and a router, and exposes the orchestration
// surface as one coherent API. Construct one Manager per process and share it;
// there is no package-level singleton.
type Manager struct {
	logger *slog.Logger
	dialer Dialer
	policy *RouterPolicy

	mu          sync.RWMutex
	initialized bool
	cfg         *HubConfig
	cfgPath     string

	registry *Registry
	conns    *ConnectionManager
	router   *Router
}

// ManagerOptions configures a Manager. All fields are optional.
type ManagerOptions struct {
	// Logger receives structured lifecycle and routing logs; nil means
	// slog.Default().
	Logger *slog.Logger
	// Dialer overrides how server connections are established; nil selects
	// the SDK-backed dialer.
	Dialer Dialer
	// Policy overrides the router's keyword and scoring policy.
	Policy *RouterPolicy
}

// Stats is a point-in-time summary of the hub for status surfaces.
type Stats struct {
	TotalServers     int
	ConnectedServers int
	TotalTools       int
	Servers          []ServerState
}

// NewManager constructs an uninitialized Manager. Call Initialize before any
// other method.
func NewManager(opts *ManagerOptions) *Manager {
	m := &Manager{}
	if opts != nil {
		m.logger = opts.Logger
		m.dialer = opts.Dialer
		m.policy = opts.Policy
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	if m.dialer == nil {
		m.dialer = &SDKDialer{}
	}
	return m
}

// Initialize loads configuration and builds the hub. Precedence: an explicit
// cfg wins over configPath, which wins over built-in defaults. When
// auto-connect is enabled, registered servers are dialed concurrently before
// Initialize returns; individual connection failures are logged, not fatal.
// Initializing an already initialized Manager is a warning no-op.
func (m *Manager) Initialize(ctx context.Context, configPath string, cfg *HubConfig) error {
	m.mu.Lock()
	if m.initialized {
		m.mu.Unlock()
		m.logger.Warn("manager already initialized, ignoring")
		return nil
	}

	if cfg != nil {
		if err := cfg.Validate(); err != nil {
			m.mu.Unlock()
			return err
		}
	} else {
		loaded, err := LoadConfig(configPath)
		if err != nil {
			m.mu.Unlock()
			return err
		}
		cfg = loaded
	}

	m.cfg = cfg
	m.cfgPath = configPath
	m.registry = NewRegistry(m.logger)
	m.conns = NewConnectionManager(m.registry, m.dialer, cfg, m.logger)
	m.router = NewRouter(m.registry, m.policy, m.logger)
	m.registry.Initialize(cfg)
	// Mark initialized before auto-connect so event hooks observing the
	// manager see a usable instance.
	m.initialized = true
	m.mu.Unlock()

	m.logger.Info("hub initialized",
		"servers", len(m.registry.AllServers()),
		"auto_connect", cfg.autoConnect())

	if cfg.autoConnect() {
		for id, err := range m.conns.ConnectAll(ctx) {
			if err != nil {
				m.logger.Warn("auto-connect failed", "server", id, "error", err)
			}
		}
	}
	return nil
}

// Initialized reports whether Initialize has completed. Integrations built on
// top of the manager (the gateway) refuse to attach to an uninitialized one.
func (m *Manager) Initialized() bool {
	return m.ensureInitialized() == nil
}

func (m *Manager) ensureInitialized() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.initialized {
		return fmt.Errorf("mcphub: manager not initialized")
	}
	return nil
}

// connections and config read the swappable components under the lock;
// Reload replaces them.
func (m *Manager) connections() *ConnectionManager {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.conns
}

func (m *Manager) config() *HubConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// Connect dials one registered server.
func (m *Manager) Connect(ctx context.Context, id string) error {
	if err := m.ensureInitialized(); err != nil {
		return err
	}
	return m.connections().Connect(ctx, id)
}

// ConnectAll dials all (or the given) registered servers concurrently and
// returns the per-server outcomes.
func (m *Manager) ConnectAll(ctx context.Context, ids ...string) (map[string]error, error) {
	if err := m.ensureInitialized(); err != nil {
		return nil, err
	}
	return m.connections().ConnectAll(ctx, ids...), nil
}

// Disconnect tears down one server connection.
func (m *Manager) Disconnect(ctx context.Context, id string) error {
	if err := m.ensureInitialized(); err != nil {
		return err
	}
	return m.connections().Disconnect(ctx, id)
}

// DisconnectAll tears down every connection concurrently.
func (m *Manager) DisconnectAll(ctx context.Context) error {
	if err := m.ensureInitialized(); err != nil {
		return err
	}
	return m.connections().DisconnectAll(ctx)
}

// RegisterServer adds a server at runtime. With connect true it is dialed
// immediately; the connection outcome is returned but the registration itself
// never fails.
func (m *Manager) RegisterServer(ctx context.Context, cfg ServerConfig, connect bool) error {
	if err := m.ensureInitialized(); err != nil {
		return err
	}
	m.registry.RegisterServer(cfg)
	if connect && cfg.IsEnabled() {
		return m.connections().Connect(ctx, cfg.ID)
	}
	return nil
}

// UnregisterServer disconnects (if needed) and removes a server.
func (m *Manager) UnregisterServer(ctx context.Context, id string) error {
	if err := m.ensureInitialized(); err != nil {
		return err
	}
	m.registry.UnregisterServer(ctx, id)
	return nil
}

// GetToolsForRequest routes the request and, when the decision is to expose
// servers, assembles the namespaced tool map from them. Routing never fails;
// the zero-tools outcome is an ordinary result.
func (m *Manager) GetToolsForRequest(ctx context.Context, reqCtx RequestContext) (*ToolsResult, error) {
	if err := m.ensureInitialized(); err != nil {
		return nil, err
	}

	decision := m.router.Route(reqCtx)
	m.logger.Info("request routed",
		"request_id", decision.RequestID,
		"use_mcp", decision.UseMCP,
		"servers", decision.PreferredServers,
		"reason", decision.Reason,
		"confidence", decision.Confidence)

	result := &ToolsResult{Decision: decision, UseMCP: decision.UseMCP}
	if !decision.UseMCP {
		result.Tools = map[string]*mcp.Tool{}
		return result, nil
	}
	result.Tools = m.registry.ToolsFromServers(decision.PreferredServers)
	return result, nil
}

// Tools returns the namespaced tool map across every connected server.
func (m *Manager) Tools() map[string]*mcp.Tool {
	if err := m.ensureInitialized(); err != nil {
		return map[string]*mcp.Tool{}
	}
	return m.registry.AllTools()
}

// CallTool invokes an exposed (namespaced) tool on its owning server, stamps
// the server's last-used time, and emits a tool-call event.
func (m *Manager) CallTool(ctx context.Context, exposed string, args any) (*mcp.CallToolResult, error) {
	if err := m.ensureInitialized(); err != nil {
		return nil, err
	}

	origin, ok := m.registry.ResolveTool(exposed)
	if !ok {
		return nil, fmt.Errorf("mcphub: unknown tool %q", exposed)
	}
	conn, sc, ok := m.registry.connFor(origin.ServerID)
	if !ok {
		return nil, fmt.Errorf("mcphub: server %q not connected", origin.ServerID)
	}

	callCtx, cancel := context.WithTimeout(ctx, m.config().timeout(sc))
	defer cancel()
	res, err := conn.CallTool(callCtx, origin.RawName, args)
	m.registry.TouchServer(origin.ServerID)
	m.registry.emit(ctx, Event{
		ServerID:   origin.ServerID,
		ServerName: sc.Name,
		Type:       EventToolCall,
		Data:       map[string]any{"tool": origin.RawName, "exposed": exposed},
		Err:        err,
	})
	if err != nil {
		return nil, fmt.Errorf("mcphub: call %s on %s: %w", origin.RawName, origin.ServerID, err)
	}
	return res, nil
}

// CleanMessage strips routing directives from a message before it reaches the
// downstream model.
func (m *Manager) CleanMessage(message string) string {
	return CleanMessage(message)
}

// Server returns the snapshot for one server id.
func (m *Manager) Server(id string) (ServerState, bool) {
	if err := m.ensureInitialized(); err != nil {
		return ServerState{}, false
	}
	return m.registry.Server(id)
}

// Stats summarizes the hub for status and debugging surfaces.
func (m *Manager) Stats() Stats {
	if err := m.ensureInitialized(); err != nil {
		return Stats{}
	}
	servers := m.registry.AllServers()
	s := Stats{TotalServers: len(servers), Servers: servers}
	for _, state := range servers {
		if state.Status == StatusConnected {
			s.ConnectedServers++
			s.TotalTools += state.ToolCount
		}
	}
	return s
}

// On subscribes a lifecycle hook; Off removes it.
func (m *Manager) On(event EventType, fn Hook) Subscription {
	if err := m.ensureInitialized(); err != nil {
		return 0
	}
	return m.registry.On(event, fn)
}

// Off removes a hook registered with On.
func (m *Manager) Off(event EventType, id Subscription) {
	if err := m.ensureInitialized(); err != nil {
		return
	}
	m.registry.Off(event, id)
}

// HealthCheck probes every connected server once and returns the per-server
// outcomes.
func (m *Manager) HealthCheck(ctx context.Context) (map[string]error, error) {
	if err := m.ensureInitialized(); err != nil {
		return nil, err
	}
	return m.connections().HealthCheckOnce(ctx), nil
}

// Reload disconnects everything and rebuilds the hub, from the given config
// or, when cfg is nil, by re-reading the configuration the Manager was
// initialized with. Reconnects per the (new) auto-connect setting.
func (m *Manager) Reload(ctx context.Context, cfg *HubConfig) error {
	if err := m.ensureInitialized(); err != nil {
		return err
	}

	if cfg != nil {
		if err := cfg.Validate(); err != nil {
			return err
		}
	} else {
		loaded, err := LoadConfig(m.cfgPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}

	if err := m.connections().Cleanup(ctx); err != nil {
		m.logger.Warn("cleanup during reload", "error", err)
	}

	m.mu.Lock()
	m.cfg = cfg
	m.registry.clear()
	m.conns = NewConnectionManager(m.registry, m.dialer, cfg, m.logger)
	m.registry.Initialize(cfg)
	m.mu.Unlock()

	m.logger.Info("hub reloaded", "servers", len(m.registry.AllServers()))

	if cfg.autoConnect() {
		for id, err := range m.connections().ConnectAll(ctx) {
			if err != nil {
				m.logger.Warn("reconnect after reload failed", "server", id, "error", err)
			}
		}
	}
	return nil
}

// Shutdown disconnects every server, stops health checking, and returns the
// Manager to its uninitialized state.
func (m *Manager) Shutdown(ctx context.Context) error {
	if err := m.ensureInitialized(); err != nil {
		return err
	}
	err := m.connections().Cleanup(ctx)

	m.mu.Lock()
	m.registry.clear()
	m.initialized = false
	m.mu.Unlock()

	m.logger.Info("hub shut down")
	return err
}
