package agent

import (
	"context"
	"fmt"
	"sync"

	"github.com/kodymullinsx/paseo-sub005/internal/acp"
)

// fakeAdapter is a scriptable in-process Adapter for manager tests.
type fakeAdapter struct {
	mu          sync.Mutex
	handler     acp.PermissionHandler
	updates     chan acp.SessionUpdate
	done        chan struct{}
	sessionID   string
	modes       []acp.Mode
	currentMode string
	modeHistory []string
	closed      bool

	initErr error
	loadErr error

	// promptFn scripts one turn; when nil the turn ends immediately.
	promptFn func(ctx context.Context, f *fakeAdapter, blocks []acp.ContentBlock) (acp.StopReason, error)

	// cancelled is signalled on every Cancel call.
	cancelled chan struct{}
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{
		updates:   make(chan acp.SessionUpdate, 64),
		done:      make(chan struct{}),
		sessionID: "sess-1",
		cancelled: make(chan struct{}, 8),
	}
}

func (f *fakeAdapter) factory() acp.Factory {
	return func(provider acp.Provider, cwd string) (acp.Adapter, error) {
		return f, nil
	}
}

func (f *fakeAdapter) Initialize(ctx context.Context, caps acp.ClientCapabilities) error {
	return f.initErr
}

func (f *fakeAdapter) NewSession(ctx context.Context, cwd string) (*acp.SessionInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &acp.SessionInfo{
		SessionID:      f.sessionID,
		CurrentModeID:  f.currentMode,
		AvailableModes: f.modes,
	}, nil
}

func (f *fakeAdapter) LoadSession(ctx context.Context, sessionID, cwd string) (*acp.SessionInfo, error) {
	if f.loadErr != nil {
		return nil, f.loadErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return &acp.SessionInfo{
		SessionID:      sessionID,
		CurrentModeID:  f.currentMode,
		AvailableModes: f.modes,
	}, nil
}

func (f *fakeAdapter) Prompt(ctx context.Context, sessionID string, blocks []acp.ContentBlock) (acp.StopReason, error) {
	f.mu.Lock()
	fn := f.promptFn
	f.mu.Unlock()
	if fn == nil {
		return acp.StopReasonEndTurn, nil
	}
	return fn(ctx, f, blocks)
}

func (f *fakeAdapter) Cancel(ctx context.Context, sessionID string) error {
	select {
	case f.cancelled <- struct{}{}:
	default:
	}
	return nil
}

func (f *fakeAdapter) SetSessionMode(ctx context.Context, sessionID, modeID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.currentMode = modeID
	f.modeHistory = append(f.modeHistory, modeID)
	return nil
}

func (f *fakeAdapter) Updates() <-chan acp.SessionUpdate { return f.updates }

func (f *fakeAdapter) SetPermissionHandler(h acp.PermissionHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handler = h
}

func (f *fakeAdapter) permissionHandler() acp.PermissionHandler {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handler
}

func (f *fakeAdapter) Done() <-chan struct{} { return f.done }

func (f *fakeAdapter) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	close(f.done)
	close(f.updates)
	return nil
}

// exit simulates an unexpected child death.
func (f *fakeAdapter) exit() {
	_ = f.Close()
}

func (f *fakeAdapter) emit(u acp.SessionUpdate) error {
	select {
	case f.updates <- u:
		return nil
	default:
		return fmt.Errorf("updates channel full")
	}
}
