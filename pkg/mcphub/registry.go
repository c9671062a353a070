package mcphub

import (
	"context"
	"log/slog"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

const (
	metaKeyServerID = "mcphub.server_id"
	metaKeyRawName  = "mcphub.raw_name"
)

// Registry is the authoritative in-memory store of server instances and their
// connection state. All status transitions funnel through UpdateServerStatus;
// reads hand out immutable snapshots. Unknown-id operations degrade to no-ops
// with a warning so one bad server id never aborts the broader request flow.
type Registry struct {
	mu      sync.RWMutex
	servers map[string]*serverInstance

	bus    *eventBus
	logger *slog.Logger

	// disconnector lets UnregisterServer tear down a live connection without
	// the registry depending on the connection manager.
	disconnector func(ctx context.Context, id string) error
}

// StatusUpdate carries the optional payload accompanying a status transition.
type StatusUpdate struct {
	Conn     Conn
	Tools    []*mcp.Tool
	Metadata *ServerMetadata
	Err      error
}

// NewRegistry constructs an empty registry. A nil logger falls back to
// slog.Default().
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		servers: make(map[string]*serverInstance),
		bus:     newEventBus(logger),
		logger:  logger,
	}
}

// Initialize populates the registry from configuration. Servers with
// enabled:false are never stored, not merely hidden.
func (r *Registry) Initialize(cfg *HubConfig) {
	for _, sc := range cfg.Servers {
		if !sc.IsEnabled() {
			r.logger.Debug("skipping disabled server", "server", sc.ID)
			continue
		}
		r.RegisterServer(sc)
	}
}

// RegisterServer adds a new instance in state disconnected. Registering an id
// that already exists is a no-op with a warning, never an error.
func (r *Registry) RegisterServer(cfg ServerConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.servers[cfg.ID]; ok {
		r.logger.Warn("server already registered, ignoring", "server", cfg.ID)
		return
	}
	r.servers[cfg.ID] = &serverInstance{
		config: cfg,
		status: StatusDisconnected,
	}
	r.logger.Info("server registered", "server", cfg.ID, "name", cfg.Name)
}

// UnregisterServer removes an instance, disconnecting it first if connected.
// Unknown ids are a warning, not an error.
func (r *Registry) UnregisterServer(ctx context.Context, id string) {
	r.mu.Lock()
	inst, ok := r.servers[id]
	if !ok {
		r.mu.Unlock()
		r.logger.Warn("unregister of unknown server", "server", id)
		return
	}
	connected := inst.status == StatusConnected
	disconnector := r.disconnector
	r.mu.Unlock()

	if connected && disconnector != nil {
		if err := disconnector(ctx, id); err != nil {
			r.logger.Warn("disconnect before unregister failed", "server", id, "error", err)
		}
	}

	r.mu.Lock()
	delete(r.servers, id)
	r.mu.Unlock()
	r.logger.Info("server unregistered", "server", id)
}

// setDisconnector wires the connection manager's disconnect path so that
// unregistering a connected server tears the connection down first.
func (r *Registry) setDisconnector(fn func(ctx context.Context, id string) error) {
	r.mu.Lock()
	r.disconnector = fn
	r.mu.Unlock()
}

// clear removes every instance without firing events; callers are expected to
// have disconnected everything already (Reload, Shutdown).
func (r *Registry) clear() {
	r.mu.Lock()
	r.servers = make(map[string]*serverInstance)
	r.mu.Unlock()
}

// UpdateServerStatus is the only path by which a server's status changes.
// Transitioning into connected stamps ConnectedAt and fires after-connect;
// transitioning into error records the error and fires the error event.
func (r *Registry) UpdateServerStatus(ctx context.Context, id string, status Status, upd *StatusUpdate) {
	r.mu.Lock()
	inst, ok := r.servers[id]
	if !ok {
		r.mu.Unlock()
		r.logger.Warn("status update for unknown server", "server", id, "status", string(status))
		return
	}

	prev := inst.status
	inst.status = status

	switch status {
	case StatusConnected:
		inst.connectedAt = time.Now()
		inst.lastError = nil
		if upd != nil {
			inst.conn = upd.Conn
			inst.tools = indexTools(upd.Tools)
			inst.metadata = upd.Metadata
		}
	case StatusError, StatusTimeout:
		inst.conn = nil
		inst.tools = nil
		if upd != nil {
			inst.lastError = upd.Err
		}
	case StatusDisconnected:
		inst.conn = nil
		inst.tools = nil
	}
	name := inst.config.Name
	r.mu.Unlock()

	r.logger.Debug("server status changed",
		"server", id, "from", string(prev), "to", string(status))

	switch status {
	case StatusConnected:
		r.emit(ctx, Event{ServerID: id, ServerName: name, Type: EventAfterConnect})
	case StatusError, StatusTimeout:
		var err error
		if upd != nil {
			err = upd.Err
		}
		r.emit(ctx, Event{ServerID: id, ServerName: name, Type: EventError, Err: err})
	}
}

// TouchServer stamps the last-used time, typically after a tool call.
func (r *Registry) TouchServer(id string) {
	r.mu.Lock()
	if inst, ok := r.servers[id]; ok {
		inst.lastUsedAt = time.Now()
	}
	r.mu.Unlock()
}

// On subscribes a hook to a lifecycle event and returns a handle for Off.
func (r *Registry) On(event EventType, fn Hook) Subscription {
	return r.bus.on(event, fn)
}

// Off removes a previously registered hook.
func (r *Registry) Off(event EventType, id Subscription) {
	r.bus.off(event, id)
}

func (r *Registry) emit(ctx context.Context, ev Event) {
	r.bus.emit(ctx, ev)
}

// Server returns a snapshot of one instance.
func (r *Registry) Server(id string) (ServerState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.servers[id]
	if !ok {
		return ServerState{}, false
	}
	return inst.snapshot(), true
}

// AllServers returns snapshots of every registered instance, ordered by id.
func (r *Registry) AllServers() []ServerState {
	return r.serversWhere(func(*serverInstance) bool { return true })
}

// ConnectedServers returns snapshots of instances currently connected.
func (r *Registry) ConnectedServers() []ServerState {
	return r.serversWhere(func(inst *serverInstance) bool {
		return inst.status == StatusConnected
	})
}

// ServersByTag returns connected-or-not instances carrying the given tag.
func (r *Registry) ServersByTag(tag string) []ServerState {
	return r.serversWhere(func(inst *serverInstance) bool {
		return slices.Contains(inst.config.Tags, tag)
	})
}

// ServersByCapability returns instances declaring the named capability.
func (r *Registry) ServersByCapability(name string) []ServerState {
	return r.serversWhere(func(inst *serverInstance) bool {
		return slices.Contains(inst.config.Capabilities, name)
	})
}

func (r *Registry) serversWhere(keep func(*serverInstance) bool) []ServerState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ServerState, 0, len(r.servers))
	for _, id := range r.sortedIDsLocked() {
		if inst := r.servers[id]; keep(inst) {
			out = append(out, inst.snapshot())
		}
	}
	return out
}

// AllTools assembles the namespaced tool map across every connected server.
func (r *Registry) AllTools() map[string]*mcp.Tool {
	return r.ToolsFromServers(nil)
}

// ToolsFromServers assembles the namespaced tool map limited to the given
// server ids; nil means all. Only connected instances contribute. Name
// collisions across servers are resolved last-write-wins in id order, with a
// warning naming both servers.
func (r *Registry) ToolsFromServers(ids []string) map[string]*mcp.Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	selected := ids
	if selected == nil {
		selected = r.sortedIDsLocked()
	}

	out := make(map[string]*mcp.Tool)
	owners := make(map[string]string)
	for _, id := range selected {
		inst, ok := r.servers[id]
		if !ok || inst.status != StatusConnected {
			continue
		}
		ns := effectiveNamespace(inst.config)
		rawNames := make([]string, 0, len(inst.tools))
		for raw := range inst.tools {
			rawNames = append(rawNames, raw)
		}
		sort.Strings(rawNames)
		for _, raw := range rawNames {
			exposed := ns + raw
			if prev, clash := owners[exposed]; clash {
				r.logger.Warn("tool name collision, last write wins",
					"tool", exposed, "previous_server", prev, "server", id)
			}
			owners[exposed] = id
			out[exposed] = cloneTool(inst.tools[raw], exposed, id)
		}
	}
	return out
}

// ResolveTool maps an exposed tool name back to its owning server and raw
// name. Only connected servers resolve.
func (r *Registry) ResolveTool(exposed string) (ToolOrigin, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	// Scan in id order so resolution matches tool-map assembly under
	// collisions (the later writer wins both).
	var origin ToolOrigin
	found := false
	for _, id := range r.sortedIDsLocked() {
		inst := r.servers[id]
		if inst.status != StatusConnected {
			continue
		}
		ns := effectiveNamespace(inst.config)
		for raw := range inst.tools {
			if ns+raw == exposed {
				origin = ToolOrigin{ServerID: id, RawName: raw}
				found = true
			}
		}
	}
	return origin, found
}

// connFor returns the live connection handle for a connected server.
func (r *Registry) connFor(id string) (Conn, ServerConfig, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.servers[id]
	if !ok || inst.status != StatusConnected || inst.conn == nil {
		return nil, ServerConfig{}, false
	}
	return inst.conn, inst.config, true
}

func (r *Registry) sortedIDsLocked() []string {
	ids := make([]string, 0, len(r.servers))
	for id := range r.servers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (inst *serverInstance) snapshot() ServerState {
	var meta *ServerMetadata
	if inst.metadata != nil {
		m := *inst.metadata
		meta = &m
	}
	return ServerState{
		Config:      inst.config,
		Status:      inst.status,
		LastError:   inst.lastError,
		ConnectedAt: inst.connectedAt,
		LastUsedAt:  inst.lastUsedAt,
		ToolCount:   len(inst.tools),
		Metadata:    meta,
	}
}

// effectiveNamespace returns the prefix applied to every tool name from a
// server: the configured namespace, or "<id>__" when none is set.
func effectiveNamespace(cfg ServerConfig) string {
	if cfg.ToolNamespace != "" {
		return cfg.ToolNamespace
	}
	return cfg.ID + "__"
}

func indexTools(tools []*mcp.Tool) map[string]*mcp.Tool {
	out := make(map[string]*mcp.Tool, len(tools))
	for _, t := range tools {
		if t == nil || t.Name == "" {
			continue
		}
		out[t.Name] = t
	}
	return out
}

func cloneTool(tool *mcp.Tool, exposed, serverID string) *mcp.Tool {
	clone := *tool
	clone.Name = exposed
	meta := maps.Clone(tool.Meta)
	if meta == nil {
		meta = make(map[string]any, 2)
	}
	meta[metaKeyServerID] = serverID
	meta[metaKeyRawName] = tool.Name
	clone.Meta = meta
	return &clone
}
