package mcphub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// ConnectionManager turns registered-but-unconnected servers into connected
// ones with a working tool catalogue, and keeps them that way. It owns every
// retry budget, timeout, and health-check ticker; the registry only records
// the outcomes.
type ConnectionManager struct {
	registry *Registry
	dialer   Dialer
	cfg      *HubConfig
	logger   *slog.Logger

	mu       sync.Mutex
	inflight map[string]*connectOp
	health   map[string]chan struct{}
}

// connectOp is one in-flight attempt sequence. Concurrent Connect calls for
// the same id wait on done and share err instead of starting a second
// sequence.
type connectOp struct {
	done chan struct{}
	err  error
}

// NewConnectionManager wires a connection manager to its registry and dialer.
func NewConnectionManager(registry *Registry, dialer Dialer, cfg *HubConfig, logger *slog.Logger) *ConnectionManager {
	if logger == nil {
		logger = slog.Default()
	}
	cm := &ConnectionManager{
		registry: registry,
		dialer:   dialer,
		cfg:      cfg,
		logger:   logger,
		inflight: make(map[string]*connectOp),
		health:   make(map[string]chan struct{}),
	}
	registry.setDisconnector(cm.Disconnect)
	return cm
}

// Connect establishes a connection for the given server id, running up to the
// configured number of attempts with a fixed inter-attempt delay. When an
// attempt sequence for the id is already in flight, the call waits for it and
// returns its outcome rather than starting a second sequence.
func (cm *ConnectionManager) Connect(ctx context.Context, id string) error {
	state, ok := cm.registry.Server(id)
	if !ok {
		return fmt.Errorf("mcphub: unknown server %q", id)
	}
	if state.Status == StatusConnected {
		return nil
	}

	cm.mu.Lock()
	if op, running := cm.inflight[id]; running {
		cm.mu.Unlock()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-op.done:
			return op.err
		}
	}
	op := &connectOp{done: make(chan struct{})}
	cm.inflight[id] = op
	cm.mu.Unlock()

	op.err = cm.runAttempts(ctx, state.Config)

	cm.mu.Lock()
	delete(cm.inflight, id)
	cm.mu.Unlock()
	close(op.done)
	return op.err
}

func (cm *ConnectionManager) runAttempts(ctx context.Context, sc ServerConfig) error {
	id := sc.ID
	cm.registry.emit(ctx, Event{ServerID: id, ServerName: sc.Name, Type: EventBeforeConnect})
	cm.registry.UpdateServerStatus(ctx, id, StatusConnecting, nil)

	budget := cm.cfg.retryAttempts(sc)
	timeout := cm.cfg.timeout(sc)
	delay := cm.cfg.retryDelay()

	var lastErr error
	for attempt := 1; attempt <= budget; attempt++ {
		conn, tools, err := cm.attemptOnce(ctx, sc, timeout)
		if err == nil {
			cm.registry.UpdateServerStatus(ctx, id, StatusConnected, &StatusUpdate{
				Conn:     conn,
				Tools:    tools,
				Metadata: deriveMetadata(sc, tools),
			})
			cm.startHealthLoop(id)
			cm.logger.Info("server connected",
				"server", id, "tools", len(tools), "attempt", attempt)
			return nil
		}
		lastErr = err
		cm.logger.Warn("connection attempt failed",
			"server", id, "attempt", attempt, "of", budget, "error", err)
		if attempt < budget {
			if err := sleepCtx(ctx, delay); err != nil {
				lastErr = err
				break
			}
		}
	}

	status := StatusError
	if errors.Is(lastErr, context.DeadlineExceeded) {
		status = StatusTimeout
	}
	cm.registry.UpdateServerStatus(ctx, id, status, &StatusUpdate{Err: lastErr})
	return fmt.Errorf("mcphub: connect %s failed after %d attempts: %w", id, budget, lastErr)
}

// attemptOnce performs one attempt: establish the transport, then list tools.
// Each step is independently bounded by the server's timeout; exceeding either
// bound is an ordinary failure for this attempt, not a crash.
func (cm *ConnectionManager) attemptOnce(ctx context.Context, sc ServerConfig, timeout time.Duration) (Conn, []*mcp.Tool, error) {
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	conn, err := cm.dialer.Dial(dialCtx, sc)
	cancel()
	if err != nil {
		return nil, nil, err
	}

	listCtx, cancel := context.WithTimeout(ctx, timeout)
	tools, err := conn.ListTools(listCtx)
	cancel()
	if err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("list tools: %w", err)
	}
	return conn, tools, nil
}

// ConnectAll fans Connect out over all (or the given subset of) registered
// servers concurrently. Failures are isolated per server; the result maps
// each attempted id to its outcome.
func (cm *ConnectionManager) ConnectAll(ctx context.Context, ids ...string) map[string]error {
	if len(ids) == 0 {
		for _, state := range cm.registry.AllServers() {
			ids = append(ids, state.Config.ID)
		}
	}

	results := make(map[string]error, len(ids))
	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			err := cm.Connect(ctx, id)
			mu.Lock()
			results[id] = err
			mu.Unlock()
		}(id)
	}
	wg.Wait()
	return results
}

// Disconnect cancels the server's health-check ticker, releases its transport
// handle, and resets registry state to disconnected.
func (cm *ConnectionManager) Disconnect(ctx context.Context, id string) error {
	cm.stopHealthLoop(id)

	state, ok := cm.registry.Server(id)
	if !ok {
		cm.logger.Warn("disconnect of unknown server", "server", id)
		return nil
	}
	if state.Status != StatusConnected {
		cm.registry.UpdateServerStatus(ctx, id, StatusDisconnected, nil)
		return nil
	}

	cm.registry.emit(ctx, Event{ServerID: id, ServerName: state.Config.Name, Type: EventBeforeDisconnect})

	var closeErr error
	if conn, _, ok := cm.registry.connFor(id); ok {
		closeErr = conn.Close()
	}
	cm.registry.UpdateServerStatus(ctx, id, StatusDisconnected, nil)
	cm.registry.emit(ctx, Event{ServerID: id, ServerName: state.Config.Name, Type: EventAfterDisconnect})

	cm.logger.Info("server disconnected", "server", id)
	return closeErr
}

// DisconnectAll disconnects every registered server concurrently.
func (cm *ConnectionManager) DisconnectAll(ctx context.Context) error {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, state := range cm.registry.AllServers() {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if err := cm.Disconnect(ctx, id); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", id, err))
				mu.Unlock()
			}
		}(state.Config.ID)
	}
	wg.Wait()
	return errors.Join(errs...)
}

// Cleanup stops every health-check ticker, then disconnects every server.
// This is the designated shutdown path.
func (cm *ConnectionManager) Cleanup(ctx context.Context) error {
	cm.mu.Lock()
	for id, stop := range cm.health {
		close(stop)
		delete(cm.health, id)
	}
	cm.mu.Unlock()
	return cm.DisconnectAll(ctx)
}

// HealthCheckOnce sweeps every connected server once, verifying it still
// exposes a non-empty tool catalogue. The result maps server ids to their
// failure, with nil for healthy servers.
func (cm *ConnectionManager) HealthCheckOnce(ctx context.Context) map[string]error {
	results := make(map[string]error)
	for _, state := range cm.registry.ConnectedServers() {
		id := state.Config.ID
		results[id] = cm.probe(ctx, id, state.Config)
	}
	return results
}

func (cm *ConnectionManager) probe(ctx context.Context, id string, sc ServerConfig) error {
	conn, _, ok := cm.registry.connFor(id)
	if !ok {
		return fmt.Errorf("mcphub: server %q not connected", id)
	}
	listCtx, cancel := context.WithTimeout(ctx, cm.cfg.timeout(sc))
	defer cancel()
	tools, err := conn.ListTools(listCtx)
	if err != nil {
		return err
	}
	if len(tools) == 0 {
		return fmt.Errorf("mcphub: server %q returned an empty tool catalogue", id)
	}
	return nil
}

// startHealthLoop begins the periodic re-verification for a connected server.
// Any previous loop for the id is stopped first so reconnects never leak
// tickers.
func (cm *ConnectionManager) startHealthLoop(id string) {
	interval := cm.cfg.healthInterval()
	stop := make(chan struct{})

	cm.mu.Lock()
	if prev, ok := cm.health[id]; ok {
		close(prev)
	}
	cm.health[id] = stop
	cm.mu.Unlock()

	go cm.healthLoop(id, interval, stop)
}

func (cm *ConnectionManager) stopHealthLoop(id string) {
	cm.mu.Lock()
	if stop, ok := cm.health[id]; ok {
		close(stop)
		delete(cm.health, id)
	}
	cm.mu.Unlock()
}

// removeHealthEntry clears the side-table entry when the loop exits on its
// own (connectivity loss), without double-closing the stop channel.
func (cm *ConnectionManager) removeHealthEntry(id string, stop chan struct{}) {
	cm.mu.Lock()
	if cur, ok := cm.health[id]; ok && cur == stop {
		delete(cm.health, id)
	}
	cm.mu.Unlock()
}

func (cm *ConnectionManager) healthLoop(id string, interval time.Duration, stop chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			state, ok := cm.registry.Server(id)
			if !ok || state.Status != StatusConnected {
				cm.removeHealthEntry(id, stop)
				return
			}
			ctx := context.Background()
			if err := cm.probe(ctx, id, state.Config); err != nil {
				cm.logger.Warn("health check failed, reconnecting",
					"server", id, "error", err)
				if conn, _, ok := cm.registry.connFor(id); ok {
					_ = conn.Close()
				}
				cm.registry.UpdateServerStatus(ctx, id, StatusError, &StatusUpdate{Err: err})
				cm.removeHealthEntry(id, stop)
				// Self-heal: a successful reconnect starts a fresh loop.
				if err := cm.Connect(ctx, id); err != nil {
					cm.logger.Warn("self-heal reconnect failed", "server", id, "error", err)
				}
				return
			}
		}
	}
}

func deriveMetadata(sc ServerConfig, tools []*mcp.Tool) *ServerMetadata {
	return &ServerMetadata{
		Description:  sc.Description,
		Version:      sc.Version,
		ToolCount:    len(tools),
		Capabilities: append([]string(nil), sc.Capabilities...),
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
