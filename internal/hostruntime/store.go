package hostruntime

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/kodymullinsx/paseo-sub005/internal/common/logger"
)

// RefreshFunc fetches the agent directory from one daemon, binding the
// server-side subscription id so the same subscription resumes across
// reconnects.
type RefreshFunc func(ctx context.Context, serverID, subscriptionID string) error

// Store manages one controller per configured host and bootstraps the agent
// directory exactly once per server on its first online transition.
type Store struct {
	factory ClientFactory
	probe   ProbeFunc
	refresh RefreshFunc
	cfg     Config
	logger  *logger.Logger

	mu          sync.Mutex
	controllers map[string]*Controller
	unsubs      map[string]func()

	// trackMu guards state touched from controller snapshot callbacks,
	// which run under the controller's own lock. Nothing under trackMu may
	// call back into a controller or take mu.
	trackMu      sync.Mutex
	online       map[string]bool
	bootstrapped map[string]bool
	globalSubs   map[string]func(Snapshot)

	group singleflight.Group
}

// NewStore creates a host runtime store. refresh may be nil when directory
// sync is not wanted.
func NewStore(factory ClientFactory, probe ProbeFunc, refresh RefreshFunc, cfg Config, log *logger.Logger) *Store {
	return &Store{
		factory:      factory,
		probe:        probe,
		refresh:      refresh,
		cfg:          cfg,
		logger:       log.WithFields(zap.String("component", "host_runtime_store")),
		controllers:  make(map[string]*Controller),
		unsubs:       make(map[string]func()),
		online:       make(map[string]bool),
		bootstrapped: make(map[string]bool),
		globalSubs:   make(map[string]func(Snapshot)),
	}
}

// SyncHosts reconciles the controller set against the given profiles: new
// ids start, existing ids re-select on their updated candidates, removed
// ids stop.
func (s *Store) SyncHosts(ctx context.Context, profiles []HostProfile) {
	wanted := make(map[string]HostProfile, len(profiles))
	for _, p := range profiles {
		if p.ServerID != "" {
			wanted[p.ServerID] = p
		}
	}

	var started []*Controller
	var updated []struct {
		ctrl    *Controller
		profile HostProfile
	}
	var stopped []*Controller

	s.mu.Lock()
	for id, profile := range wanted {
		if ctrl, ok := s.controllers[id]; ok {
			updated = append(updated, struct {
				ctrl    *Controller
				profile HostProfile
			}{ctrl, profile})
			continue
		}
		ctrl := NewController(profile, s.factory, s.probe, s.cfg, s.logger)
		s.controllers[id] = ctrl
		s.unsubs[id] = ctrl.Subscribe(s.observer(ctx, ctrl))
		started = append(started, ctrl)
	}
	for id, ctrl := range s.controllers {
		if _, ok := wanted[id]; ok {
			continue
		}
		stopped = append(stopped, ctrl)
		if unsub := s.unsubs[id]; unsub != nil {
			unsub()
		}
		delete(s.controllers, id)
		delete(s.unsubs, id)
	}
	s.mu.Unlock()

	for _, ctrl := range stopped {
		ctrl.Stop()
		s.trackMu.Lock()
		delete(s.online, ctrl.serverID)
		s.trackMu.Unlock()
	}
	for _, u := range updated {
		u.ctrl.UpdateProfile(ctx, u.profile)
	}
	for _, ctrl := range started {
		ctrl.Start(ctx)
	}
}

// observer runs under the controller's lock on every snapshot; it records
// online transitions and hands the first one per server to the bootstrap
// goroutine.
func (s *Store) observer(ctx context.Context, ctrl *Controller) func(Snapshot) {
	return func(snap Snapshot) {
		s.trackMu.Lock()
		wasOnline := s.online[snap.ServerID]
		s.online[snap.ServerID] = snap.IsOnline()
		needsBootstrap := snap.IsOnline() && !wasOnline && !s.bootstrapped[snap.ServerID] && s.refresh != nil
		subs := make([]func(Snapshot), 0, len(s.globalSubs))
		for _, cb := range s.globalSubs {
			subs = append(subs, cb)
		}
		s.trackMu.Unlock()

		for _, cb := range subs {
			cb(snap)
		}

		if needsBootstrap {
			go s.bootstrap(ctx, ctrl)
		}
	}
}

// bootstrap performs the exactly-once first directory fetch for a server.
// Concurrent online transitions collapse into one in-flight call; a failed
// bootstrap is logged and retried on the next online transition.
func (s *Store) bootstrap(ctx context.Context, ctrl *Controller) {
	serverID := ctrl.serverID
	_, _, _ = s.group.Do("bootstrap:"+serverID, func() (interface{}, error) {
		s.trackMu.Lock()
		done := s.bootstrapped[serverID]
		s.trackMu.Unlock()
		if done {
			return nil, nil
		}

		ctrl.BeginDirectoryRefresh()
		err := s.refresh(ctx, serverID, "app:"+serverID)
		ctrl.CompleteDirectoryRefresh(err)
		if err != nil {
			s.logger.Warn("agent directory bootstrap failed",
				zap.String("server_id", serverID), zap.Error(err))
			return nil, err
		}

		s.trackMu.Lock()
		s.bootstrapped[serverID] = true
		s.trackMu.Unlock()
		return nil, nil
	})
}

// RefreshAgentDirectory re-fetches the directory for one server.
func (s *Store) RefreshAgentDirectory(ctx context.Context, serverID string) error {
	s.mu.Lock()
	ctrl, ok := s.controllers[serverID]
	s.mu.Unlock()
	if !ok || s.refresh == nil {
		return nil
	}

	ctrl.BeginDirectoryRefresh()
	err := s.refresh(ctx, serverID, "app:"+serverID)
	ctrl.CompleteDirectoryRefresh(err)
	return err
}

// RefreshAllAgentDirectories re-fetches every server's directory.
func (s *Store) RefreshAllAgentDirectories(ctx context.Context) {
	for _, serverID := range s.serverIDs() {
		if err := s.RefreshAgentDirectory(ctx, serverID); err != nil {
			s.logger.Warn("agent directory refresh failed",
				zap.String("server_id", serverID), zap.Error(err))
		}
	}
}

// RunProbeCycleNow triggers a probe cycle for the given servers, or all of
// them when none are named.
func (s *Store) RunProbeCycleNow(ctx context.Context, serverIDs ...string) {
	if len(serverIDs) == 0 {
		serverIDs = s.serverIDs()
	}
	var wg sync.WaitGroup
	for _, id := range serverIDs {
		s.mu.Lock()
		ctrl, ok := s.controllers[id]
		s.mu.Unlock()
		if !ok {
			continue
		}
		wg.Add(1)
		go func(ctrl *Controller) {
			defer wg.Done()
			ctrl.RunProbeCycleNow(ctx)
		}(ctrl)
	}
	wg.Wait()
}

// Controller returns the controller for a server id.
func (s *Store) Controller(serverID string) (*Controller, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ctrl, ok := s.controllers[serverID]
	return ctrl, ok
}

// Snapshots returns the current snapshot for every controller.
func (s *Store) Snapshots() []Snapshot {
	s.mu.Lock()
	ctrls := make([]*Controller, 0, len(s.controllers))
	for _, ctrl := range s.controllers {
		ctrls = append(ctrls, ctrl)
	}
	s.mu.Unlock()

	out := make([]Snapshot, 0, len(ctrls))
	for _, ctrl := range ctrls {
		out = append(out, ctrl.Snapshot())
	}
	return out
}

// Subscribe registers a global snapshot callback across all controllers.
// Callbacks run on controller publication paths and must only enqueue.
func (s *Store) Subscribe(callback func(Snapshot)) func() {
	id := uuid.New().String()
	s.trackMu.Lock()
	s.globalSubs[id] = callback
	s.trackMu.Unlock()
	return func() {
		s.trackMu.Lock()
		delete(s.globalSubs, id)
		s.trackMu.Unlock()
	}
}

// Stop stops every controller.
func (s *Store) Stop() {
	s.mu.Lock()
	ctrls := make([]*Controller, 0, len(s.controllers))
	for id, ctrl := range s.controllers {
		ctrls = append(ctrls, ctrl)
		if unsub := s.unsubs[id]; unsub != nil {
			unsub()
		}
		delete(s.controllers, id)
		delete(s.unsubs, id)
	}
	s.mu.Unlock()

	for _, ctrl := range ctrls {
		ctrl.Stop()
	}
}

func (s *Store) serverIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.controllers))
	for id := range s.controllers {
		ids = append(ids, id)
	}
	return ids
}
