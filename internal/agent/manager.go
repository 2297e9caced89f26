// Package agent implements the agent lifecycle manager: it owns the set of
// managed agents, their finite-state machines, timelines, pending permissions
// and subscribers, and enforces ACP semantics against the adapter contract.
package agent

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kodymullinsx/paseo-sub005/internal/acp"
	"github.com/kodymullinsx/paseo-sub005/internal/common/logger"
	"github.com/kodymullinsx/paseo-sub005/internal/events/bus"
	"github.com/kodymullinsx/paseo-sub005/pkg/api"
)

// Bus subjects for directory change fan-out.
const (
	SubjectDirectory = "agents.directory"

	DirectoryEventUpserted = "agent.upserted"
	DirectoryEventRemoved  = "agent.removed"
)

// removalDelay keeps a killed agent readable briefly so late subscribers can
// still observe the final status.
const removalDelay = 100 * time.Millisecond

// Config holds manager tunables. The kill grace period lives with the
// adapter factory, which owns child termination.
type Config struct {
	TurnTimeout     time.Duration
	ShutdownTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.TurnTimeout <= 0 {
		c.TurnTimeout = 10 * time.Minute
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 30 * time.Second
	}
}

// CreateAgentParams are the inputs for CreateAgent.
type CreateAgentParams struct {
	Provider      api.ProviderOptions
	Cwd           string
	Title         string
	InitialPrompt *api.Prompt
	InitialMode   string
	Labels        map[string]string
}

// managedAgent is one agent and everything the manager owns for it. All
// mutation goes through mu; subscriber callbacks are invoked synchronously
// under it to preserve per-agent ordering, so callbacks must only enqueue.
type managedAgent struct {
	id string

	mu       sync.Mutex
	record   Record
	state    agentState
	timeline timeline
	pending  map[string]*pendingPermission

	subscribers map[string]func(api.TimelineUpdate)

	// pendingSessionMode is an initial mode held until initialization
	// completes, then applied.
	pendingSessionMode string

	// permWaiters are single-consumer signals for WaitForPermissionRequest.
	permWaiters map[string]chan *api.PermissionRequest

	// turnSeq guards turn-completion races: a finished turn only applies its
	// transition when no newer prompt has superseded it.
	turnSeq    uint64
	turnDone   chan struct{}
	turnCancel context.CancelFunc
}

// Manager owns all agents. Per-agent operations serialize on the agent's
// lock; cross-agent operations are independent.
type Manager struct {
	logger  *logger.Logger
	store   *Store
	factory acp.Factory
	bus     bus.EventBus
	cfg     Config

	mu           sync.RWMutex
	agents       map[string]*managedAgent
	shuttingDown bool
}

// NewManager creates a manager. The bus is optional; when set, directory
// changes are published on SubjectDirectory.
func NewManager(store *Store, factory acp.Factory, eventBus bus.EventBus, cfg Config, log *logger.Logger) *Manager {
	cfg.applyDefaults()
	return &Manager{
		logger:  log.WithFields(zap.String("component", "agent_manager")),
		store:   store,
		factory: factory,
		bus:     eventBus,
		cfg:     cfg,
		agents:  make(map[string]*managedAgent),
	}
}

// Initialize loads persisted agents as uninitialized. No adapters are
// spawned. Unreadable records were already skipped by the store with a
// structured log.
func (m *Manager) Initialize(ctx context.Context) error {
	records, err := m.store.Load()
	if err != nil {
		return fmt.Errorf("failed to load persisted agents: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range records {
		m.agents[rec.ID] = newManagedAgent(rec)
	}
	m.logger.Info("loaded persisted agents", zap.Int("count", len(records)))
	return nil
}

func newManagedAgent(rec Record) *managedAgent {
	return &managedAgent{
		id:          rec.ID,
		record:      rec,
		state:       agentState{tag: stateUninitialized},
		pending:     make(map[string]*pendingPermission),
		subscribers: make(map[string]func(api.TimelineUpdate)),
		permWaiters: make(map[string]chan *api.PermissionRequest),
	}
}

// CreateAgent validates the cwd, persists the record, and optionally kicks
// off an initial prompt in the background.
func (m *Manager) CreateAgent(ctx context.Context, params CreateAgentParams) (string, error) {
	if !acp.ValidProvider(acp.Provider(params.Provider.Provider)) {
		return "", fmt.Errorf("%w: %q", ErrUnknownProvider, params.Provider.Provider)
	}
	if err := checkCwd(params.Cwd); err != nil {
		return "", err
	}

	m.mu.Lock()
	if m.shuttingDown {
		m.mu.Unlock()
		return "", ErrShuttingDown
	}

	now := time.Now().UTC()
	rec := Record{
		ID:             uuid.New().String(),
		Title:          params.Title,
		Cwd:            params.Cwd,
		Provider:       params.Provider,
		CreatedAt:      now,
		LastActivityAt: now,
		Labels:         params.Labels,
	}
	if params.Provider.Claude != nil {
		rec.PersistedSessionID = params.Provider.Claude.SessionID
	}

	a := newManagedAgent(rec)
	a.pendingSessionMode = params.InitialMode
	m.agents[rec.ID] = a
	m.mu.Unlock()

	// Record is persisted before returning.
	if err := m.store.Upsert(rec); err != nil {
		m.mu.Lock()
		delete(m.agents, rec.ID)
		m.mu.Unlock()
		return "", fmt.Errorf("failed to persist agent: %w", err)
	}

	m.publishDirectory(DirectoryEventUpserted, m.infoLocked(a))
	m.logger.Info("created agent",
		zap.String("agent_id", rec.ID),
		zap.String("provider", string(rec.Provider.Provider)),
		zap.String("cwd", rec.Cwd))

	if params.InitialPrompt != nil {
		prompt := *params.InitialPrompt
		go func() {
			if err := m.SendPrompt(context.Background(), rec.ID, prompt, SendPromptOptions{
				SessionMode: params.InitialMode,
			}); err != nil {
				m.logger.Warn("initial prompt failed",
					zap.String("agent_id", rec.ID),
					zap.Error(err))
			}
		}()
	}

	return rec.ID, nil
}

func checkCwd(cwd string) error {
	info, err := os.Stat(cwd)
	if err != nil || !info.IsDir() {
		return fmt.Errorf("%w: %s", ErrCwdInaccessible, cwd)
	}
	if _, err := os.ReadDir(cwd); err != nil {
		return fmt.Errorf("%w: %s", ErrCwdInaccessible, cwd)
	}
	return nil
}

// ListAgents returns a snapshot of all managed agents.
func (m *Manager) ListAgents() []api.AgentInfo {
	m.mu.RLock()
	agents := make([]*managedAgent, 0, len(m.agents))
	for _, a := range m.agents {
		agents = append(agents, a)
	}
	m.mu.RUnlock()

	infos := make([]api.AgentInfo, 0, len(agents))
	for _, a := range agents {
		infos = append(infos, m.infoLocked(a))
	}
	return infos
}

// GetAgentInfo returns the current snapshot for one agent.
func (m *Manager) GetAgentInfo(agentID string) (api.AgentInfo, error) {
	a, err := m.lookup(agentID)
	if err != nil {
		return api.AgentInfo{}, err
	}
	return m.infoLocked(a), nil
}

// SubscribeToUpdates registers a callback fired synchronously on every
// recorded update. Back pressure is the subscriber's responsibility; the
// returned function unsubscribes and is idempotent.
func (m *Manager) SubscribeToUpdates(agentID string, callback func(api.TimelineUpdate)) (func(), error) {
	a, err := m.lookup(agentID)
	if err != nil {
		return nil, err
	}

	subID := uuid.New().String()
	a.mu.Lock()
	a.subscribers[subID] = callback
	a.mu.Unlock()

	return func() {
		a.mu.Lock()
		delete(a.subscribers, subID)
		a.mu.Unlock()
	}, nil
}

// SubscribeWithSnapshot captures the timeline snapshot and registers the
// subscriber under one hold of the agent lock: every update lands either in
// the snapshot or in the callback stream, never both.
func (m *Manager) SubscribeWithSnapshot(agentID string, callback func(api.TimelineUpdate)) (api.AgentTimelineResponse, func(), error) {
	a, err := m.lookup(agentID)
	if err != nil {
		return api.AgentTimelineResponse{}, nil, err
	}

	subID := uuid.New().String()
	a.mu.Lock()
	snapshot := api.AgentTimelineResponse{
		Agent:   m.buildInfo(a),
		Updates: a.timeline.snapshot(),
	}
	a.subscribers[subID] = callback
	a.mu.Unlock()

	return snapshot, func() {
		a.mu.Lock()
		delete(a.subscribers, subID)
		a.mu.Unlock()
	}, nil
}

// KillAgent persists current state, transitions to killed, terminates the
// child (graceful then forced), and removes the agent from the in-memory set
// shortly after so late subscribers can still read the final status.
func (m *Manager) KillAgent(ctx context.Context, agentID string) error {
	a, err := m.lookup(agentID)
	if err != nil {
		return err
	}

	a.mu.Lock()
	if a.state.tag == stateKilled {
		a.mu.Unlock()
		return nil
	}

	rec := a.record
	runtime := a.state.runtime
	if a.turnCancel != nil {
		a.turnCancel()
	}

	a.turnSeq++
	m.transitionLocked(a, agentState{tag: stateKilled}, "")
	m.cancelPendingPermissionsLocked(a)
	m.closeTurnLocked(a)
	a.mu.Unlock()

	// Persist before teardown so restart sees the record.
	if err := m.store.Upsert(rec); err != nil {
		m.logger.Warn("failed to persist agent on kill",
			zap.String("agent_id", agentID), zap.Error(err))
	}

	if runtime != nil {
		go func() {
			if err := runtime.Adapter.Close(); err != nil {
				m.logger.Warn("adapter close failed",
					zap.String("agent_id", agentID), zap.Error(err))
			}
		}()
	}

	go func() {
		time.Sleep(removalDelay)
		m.mu.Lock()
		delete(m.agents, agentID)
		m.mu.Unlock()
	}()

	m.logger.Info("killed agent", zap.String("agent_id", agentID))
	return nil
}

// DeleteAgent kills the agent and removes its persisted record.
func (m *Manager) DeleteAgent(ctx context.Context, agentID string) error {
	if err := m.KillAgent(ctx, agentID); err != nil {
		return err
	}
	if err := m.store.Remove(agentID); err != nil {
		return fmt.Errorf("failed to remove agent record: %w", err)
	}

	m.publishDirectoryRemoved(agentID)
	m.logger.Info("deleted agent", zap.String("agent_id", agentID))
	return nil
}

// Shutdown waits for processing agents up to the configured deadline,
// persists state, and terminates children gracefully (forced after the grace
// period inside the adapters).
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.shuttingDown = true
	agents := make([]*managedAgent, 0, len(m.agents))
	for _, a := range m.agents {
		agents = append(agents, a)
	}
	m.mu.Unlock()

	deadline, cancel := context.WithTimeout(ctx, m.cfg.ShutdownTimeout)
	defer cancel()

	g, gctx := errgroup.WithContext(deadline)
	for _, a := range agents {
		a := a
		g.Go(func() error {
			m.awaitTurn(gctx, a)

			a.mu.Lock()
			rec := a.record
			runtime := a.state.runtime
			m.cancelPendingPermissionsLocked(a)
			a.mu.Unlock()

			if err := m.store.Upsert(rec); err != nil {
				m.logger.Warn("failed to persist agent on shutdown",
					zap.String("agent_id", a.id), zap.Error(err))
			}
			if runtime != nil {
				_ = runtime.Adapter.Close()
			}
			return nil
		})
	}
	_ = g.Wait()

	if err := m.store.Close(); err != nil {
		return err
	}
	m.logger.Info("agent manager shut down", zap.Int("agents", len(agents)))
	return nil
}

// awaitTurn blocks until the agent leaves processing or ctx fires.
func (m *Manager) awaitTurn(ctx context.Context, a *managedAgent) {
	for {
		a.mu.Lock()
		tag := a.state.tag
		done := a.turnDone
		a.mu.Unlock()

		if tag != stateProcessing || done == nil {
			return
		}
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
	}
}

// lookup finds a managed agent by id.
func (m *Manager) lookup(agentID string) (*managedAgent, error) {
	m.mu.RLock()
	a, ok := m.agents[agentID]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	return a, nil
}

// infoLocked builds the wire snapshot for an agent, taking its lock.
func (m *Manager) infoLocked(a *managedAgent) api.AgentInfo {
	a.mu.Lock()
	defer a.mu.Unlock()
	return m.buildInfo(a)
}

// buildInfo requires a.mu held.
func (m *Manager) buildInfo(a *managedAgent) api.AgentInfo {
	info := api.AgentInfo{
		ID:             a.record.ID,
		Title:          a.record.Title,
		Cwd:            a.record.Cwd,
		Provider:       a.record.Provider,
		Status:         a.state.status(),
		Labels:         a.record.Labels,
		CreatedAt:      a.record.CreatedAt,
		LastActivityAt: a.record.LastActivityAt,
	}
	if a.state.stopReason != "" {
		info.StopReason = string(a.state.stopReason)
	}
	if a.state.lastError != nil {
		info.LastError = a.state.lastError.Error()
	}
	if rt := a.state.runtime; rt != nil {
		info.CurrentModeID = rt.CurrentModeID
		info.AvailableModes = apiModes(rt.AvailableModes)
	}
	return info
}

// appendAndEmitLocked appends to the timeline and fans the enriched update
// out to subscribers. Requires a.mu held.
func (m *Manager) appendAndEmitLocked(a *managedAgent, update api.TimelineUpdate) api.TimelineUpdate {
	update.AgentID = a.id
	enriched := a.timeline.append(update)
	for _, cb := range a.subscribers {
		cb(enriched)
	}
	return enriched
}

// transitionLocked applies a state transition and records a status_change
// update. Requires a.mu held.
func (m *Manager) transitionLocked(a *managedAgent, next agentState, stopReason acp.StopReason) {
	// Runtime survives transitions unless the next state explicitly drops it.
	if next.runtime == nil && next.tag != stateKilled && next.tag != stateUninitialized {
		next.runtime = a.state.runtime
	}
	next.stopReason = stopReason
	a.state = next
	a.record.LastActivityAt = time.Now().UTC()

	update := api.TimelineUpdate{
		Type:       api.UpdateStatusChange,
		Status:     next.status(),
		StopReason: string(stopReason),
	}
	if next.lastError != nil {
		update.Error = next.lastError.Error()
	}
	m.appendAndEmitLocked(a, update)
}

// closeTurnLocked signals turn completion to waiters. Requires a.mu held.
func (m *Manager) closeTurnLocked(a *managedAgent) {
	if a.turnDone != nil {
		close(a.turnDone)
		a.turnDone = nil
	}
	// Permission waiters with no pending request learn the turn ended.
	for id, ch := range a.permWaiters {
		close(ch)
		delete(a.permWaiters, id)
	}
}

func (m *Manager) publishDirectory(eventType string, info api.AgentInfo) {
	if m.bus == nil {
		return
	}
	evt := bus.NewEvent(eventType, "agent_manager", map[string]interface{}{
		"agent": info,
	})
	if err := m.bus.Publish(context.Background(), SubjectDirectory, evt); err != nil {
		m.logger.Warn("failed to publish directory event", zap.Error(err))
	}
}

func (m *Manager) publishDirectoryRemoved(agentID string) {
	if m.bus == nil {
		return
	}
	evt := bus.NewEvent(DirectoryEventRemoved, "agent_manager", map[string]interface{}{
		"agent_id": agentID,
	})
	if err := m.bus.Publish(context.Background(), SubjectDirectory, evt); err != nil {
		m.logger.Warn("failed to publish directory event", zap.Error(err))
	}
}
