package agent

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kodymullinsx/paseo-sub005/internal/acp"
	"github.com/kodymullinsx/paseo-sub005/internal/common/logger"
	"github.com/kodymullinsx/paseo-sub005/pkg/api"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      "debug",
		Format:     "console",
		OutputPath: "stderr",
	})
	require.NoError(t, err)
	return log
}

func newTestManager(t *testing.T, factory acp.Factory) *Manager {
	t.Helper()
	log := newTestLogger(t)
	store, err := NewStore(t.TempDir(), log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	m := NewManager(store, factory, nil, Config{
		TurnTimeout:     5 * time.Second,
		ShutdownTimeout: 2 * time.Second,
	}, log)
	require.NoError(t, m.Initialize(context.Background()))
	return m
}

func createTestAgent(t *testing.T, m *Manager) string {
	t.Helper()
	id, err := m.CreateAgent(context.Background(), CreateAgentParams{
		Provider: api.ProviderOptions{Provider: api.ProviderClaude},
		Cwd:      t.TempDir(),
		Title:    "test agent",
	})
	require.NoError(t, err)
	return id
}

// recorder collects timeline updates from a subscription.
type recorder struct {
	mu      sync.Mutex
	updates []api.TimelineUpdate
}

func (r *recorder) record(u api.TimelineUpdate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, u)
}

func (r *recorder) snapshot() []api.TimelineUpdate {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]api.TimelineUpdate, len(r.updates))
	copy(out, r.updates)
	return out
}

func (r *recorder) typesSeen() []string {
	var types []string
	for _, u := range r.snapshot() {
		types = append(types, u.Type)
	}
	return types
}

func TestCreateAgentValidatesInputs(t *testing.T) {
	m := newTestManager(t, newFakeAdapter().factory())

	_, err := m.CreateAgent(context.Background(), CreateAgentParams{
		Provider: api.ProviderOptions{Provider: "nonsense"},
		Cwd:      t.TempDir(),
	})
	assert.ErrorIs(t, err, ErrUnknownProvider)

	_, err = m.CreateAgent(context.Background(), CreateAgentParams{
		Provider: api.ProviderOptions{Provider: api.ProviderClaude},
		Cwd:      "/does/not/exist",
	})
	assert.ErrorIs(t, err, ErrCwdInaccessible)
}

func TestCreateAgentStartsUninitialized(t *testing.T) {
	m := newTestManager(t, newFakeAdapter().factory())
	id := createTestAgent(t, m)

	info, err := m.GetAgentInfo(id)
	require.NoError(t, err)
	assert.Equal(t, api.AgentStatusUninitialized, info.Status)

	agents := m.ListAgents()
	require.Len(t, agents, 1)
	assert.Equal(t, id, agents[0].ID)
}

func TestInitializeAndGetTimelineSpawnsAdapter(t *testing.T) {
	fake := newFakeAdapter()
	fake.modes = []acp.Mode{{ID: "default", Name: "Default"}, {ID: "plan", Name: "Plan"}}
	fake.currentMode = "default"

	m := newTestManager(t, fake.factory())
	id := createTestAgent(t, m)

	resp, err := m.InitializeAndGetTimeline(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, api.AgentStatusReady, resp.Agent.Status)
	assert.Equal(t, "default", resp.Agent.CurrentModeID)
	assert.Len(t, resp.Agent.AvailableModes, 2)
}

func TestConcurrentInitializationSharesOneAdapter(t *testing.T) {
	var spawns int
	var mu sync.Mutex
	fake := newFakeAdapter()
	factory := func(provider acp.Provider, cwd string) (acp.Adapter, error) {
		mu.Lock()
		spawns++
		mu.Unlock()
		return fake, nil
	}

	m := newTestManager(t, factory)
	id := createTestAgent(t, m)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.InitializeAndGetTimeline(context.Background(), id)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, spawns)
}

func TestSendPromptCompletesTurn(t *testing.T) {
	fake := newFakeAdapter()
	fake.promptFn = func(ctx context.Context, f *fakeAdapter, blocks []acp.ContentBlock) (acp.StopReason, error) {
		require.NoError(t, f.emit(acp.SessionUpdate{Type: acp.UpdateTypeMessageChunk, Text: "hello "}))
		require.NoError(t, f.emit(acp.SessionUpdate{Type: acp.UpdateTypeMessageChunk, Text: "world"}))
		return acp.StopReasonEndTurn, nil
	}

	m := newTestManager(t, fake.factory())
	id := createTestAgent(t, m)

	require.NoError(t, m.SendPrompt(context.Background(), id, api.Prompt{Text: "hi"}, SendPromptOptions{}))

	resp, err := m.WaitForFinish(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, api.AgentStatusCompleted, resp.Status)
	assert.Equal(t, string(acp.StopReasonEndTurn), resp.StopReason)

	// Streamed chunks share a message id; the user chunk has its own.
	require.Eventually(t, func() bool {
		tl, err := m.GetTimeline(id)
		require.NoError(t, err)
		chunks := 0
		for _, u := range tl.Updates {
			if u.Type == api.UpdateAgentMessageChunk {
				chunks++
			}
		}
		return chunks == 2
	}, time.Second, 10*time.Millisecond)

	tl, err := m.GetTimeline(id)
	require.NoError(t, err)
	var userID string
	var agentIDs []string
	for _, u := range tl.Updates {
		switch u.Type {
		case api.UpdateUserMessageChunk:
			userID = u.MessageID
		case api.UpdateAgentMessageChunk:
			agentIDs = append(agentIDs, u.MessageID)
		}
	}
	require.Len(t, agentIDs, 2)
	assert.NotEmpty(t, userID)
	assert.Equal(t, agentIDs[0], agentIDs[1])
	assert.NotEqual(t, userID, agentIDs[0])
}

func TestSendPromptRejectsEmptyPrompt(t *testing.T) {
	m := newTestManager(t, newFakeAdapter().factory())
	id := createTestAgent(t, m)

	err := m.SendPrompt(context.Background(), id, api.Prompt{Text: "   "}, SendPromptOptions{})
	assert.ErrorIs(t, err, ErrEmptyPrompt)
}

func TestCancelledTurnReturnsToReady(t *testing.T) {
	started := make(chan struct{})
	fake := newFakeAdapter()
	fake.promptFn = func(ctx context.Context, f *fakeAdapter, blocks []acp.ContentBlock) (acp.StopReason, error) {
		close(started)
		select {
		case <-f.cancelled:
			return acp.StopReasonCancelled, nil
		case <-ctx.Done():
			return acp.StopReasonOther, ctx.Err()
		}
	}

	m := newTestManager(t, fake.factory())
	id := createTestAgent(t, m)

	require.NoError(t, m.SendPrompt(context.Background(), id, api.Prompt{Text: "go"}, SendPromptOptions{}))
	<-started
	require.NoError(t, m.CancelTurn(context.Background(), id))

	resp, err := m.WaitForFinish(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, api.AgentStatusReady, resp.Status)
	assert.Equal(t, string(acp.StopReasonCancelled), resp.StopReason)
}

func TestSecondPromptCancelsInFlightTurn(t *testing.T) {
	turns := make(chan struct{}, 2)
	fake := newFakeAdapter()
	fake.promptFn = func(ctx context.Context, f *fakeAdapter, blocks []acp.ContentBlock) (acp.StopReason, error) {
		turns <- struct{}{}
		select {
		case <-f.cancelled:
			return acp.StopReasonCancelled, nil
		case <-time.After(50 * time.Millisecond):
			return acp.StopReasonEndTurn, nil
		}
	}

	m := newTestManager(t, fake.factory())
	id := createTestAgent(t, m)

	require.NoError(t, m.SendPrompt(context.Background(), id, api.Prompt{Text: "first"}, SendPromptOptions{}))
	<-turns
	require.NoError(t, m.SendPrompt(context.Background(), id, api.Prompt{Text: "second"}, SendPromptOptions{}))

	resp, err := m.WaitForFinish(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, api.AgentStatusCompleted, resp.Status)

	tl, err := m.GetTimeline(id)
	require.NoError(t, err)
	users := 0
	for _, u := range tl.Updates {
		if u.Type == api.UpdateUserMessageChunk {
			users++
		}
	}
	assert.Equal(t, 2, users)
}

func TestPermissionFlowSelected(t *testing.T) {
	fake := newFakeAdapter()
	fake.promptFn = func(ctx context.Context, f *fakeAdapter, blocks []acp.ContentBlock) (acp.StopReason, error) {
		resp, err := f.permissionHandler()(ctx, &acp.PermissionRequest{
			SessionID:  f.sessionID,
			ToolCallID: "tc-1",
			Title:      "Run tests",
			Options: []acp.PermissionOption{
				{OptionID: "allow", Name: "Allow", Kind: "allow_once"},
				{OptionID: "deny", Name: "Deny", Kind: "reject_once"},
			},
		})
		if err != nil {
			return acp.StopReasonOther, err
		}
		if resp.Cancelled || resp.OptionID != "allow" {
			return acp.StopReasonRefusal, nil
		}
		return acp.StopReasonEndTurn, nil
	}

	m := newTestManager(t, fake.factory())
	id := createTestAgent(t, m)

	rec := &recorder{}
	unsub, err := m.SubscribeToUpdates(id, rec.record)
	require.NoError(t, err)
	defer unsub()

	require.NoError(t, m.SendPrompt(context.Background(), id, api.Prompt{Text: "test"}, SendPromptOptions{}))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	perm, err := m.WaitForPermissionRequest(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, perm)
	assert.Equal(t, "Run tests", perm.Title)

	require.NoError(t, m.RespondToPermission(context.Background(), id, perm.RequestID, "allow"))

	// A second response for the same request is a no-op error.
	err = m.RespondToPermission(context.Background(), id, perm.RequestID, "deny")
	assert.ErrorIs(t, err, ErrPermissionNotFound)

	resp, err := m.WaitForFinish(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, api.AgentStatusCompleted, resp.Status)

	types := rec.typesSeen()
	assert.Contains(t, types, api.UpdatePermissionRequest)
	assert.Contains(t, types, api.UpdatePermissionResolved)
}

func TestNewPromptCancelsPendingPermission(t *testing.T) {
	firstTurn := make(chan struct{})
	fake := newFakeAdapter()
	fake.promptFn = func(ctx context.Context, f *fakeAdapter, blocks []acp.ContentBlock) (acp.StopReason, error) {
		select {
		case <-firstTurn:
			// Second turn ends immediately.
			return acp.StopReasonEndTurn, nil
		default:
		}
		close(firstTurn)
		resp, err := f.permissionHandler()(ctx, &acp.PermissionRequest{
			SessionID: f.sessionID,
			Title:     "Write file",
			Options:   []acp.PermissionOption{{OptionID: "allow", Name: "Allow", Kind: "allow_once"}},
		})
		if err != nil {
			return acp.StopReasonOther, err
		}
		if resp.Cancelled {
			return acp.StopReasonCancelled, nil
		}
		return acp.StopReasonEndTurn, nil
	}

	m := newTestManager(t, fake.factory())
	id := createTestAgent(t, m)

	rec := &recorder{}
	unsub, err := m.SubscribeToUpdates(id, rec.record)
	require.NoError(t, err)
	defer unsub()

	require.NoError(t, m.SendPrompt(context.Background(), id, api.Prompt{Text: "first"}, SendPromptOptions{}))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	perm, err := m.WaitForPermissionRequest(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, perm)

	require.NoError(t, m.SendPrompt(context.Background(), id, api.Prompt{Text: "second"}, SendPromptOptions{}))

	resp, err := m.WaitForFinish(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, api.AgentStatusCompleted, resp.Status)

	// The cancelled resolution must be recorded before the second user chunk.
	resolvedIdx, secondUserIdx := -1, -1
	users := 0
	for i, u := range rec.snapshot() {
		switch u.Type {
		case api.UpdatePermissionResolved:
			if resolvedIdx == -1 {
				resolvedIdx = i
				require.NotNil(t, u.Resolution)
				assert.Equal(t, api.PermissionOutcomeCancelled, u.Resolution.Outcome)
			}
		case api.UpdateUserMessageChunk:
			users++
			if users == 2 {
				secondUserIdx = i
			}
		}
	}
	require.GreaterOrEqual(t, resolvedIdx, 0)
	require.GreaterOrEqual(t, secondUserIdx, 0)
	assert.Less(t, resolvedIdx, secondUserIdx)
}

func TestKillAgentCancelsPendingPermission(t *testing.T) {
	fake := newFakeAdapter()
	fake.promptFn = func(ctx context.Context, f *fakeAdapter, blocks []acp.ContentBlock) (acp.StopReason, error) {
		resp, err := f.permissionHandler()(ctx, &acp.PermissionRequest{
			SessionID: f.sessionID,
			Title:     "Delete branch",
			Options:   []acp.PermissionOption{{OptionID: "allow", Name: "Allow", Kind: "allow_once"}},
		})
		if err != nil {
			return acp.StopReasonOther, err
		}
		if resp.Cancelled {
			return acp.StopReasonCancelled, nil
		}
		return acp.StopReasonEndTurn, nil
	}

	m := newTestManager(t, fake.factory())
	id := createTestAgent(t, m)

	rec := &recorder{}
	unsub, err := m.SubscribeToUpdates(id, rec.record)
	require.NoError(t, err)
	defer unsub()

	require.NoError(t, m.SendPrompt(context.Background(), id, api.Prompt{Text: "go"}, SendPromptOptions{}))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	perm, err := m.WaitForPermissionRequest(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, perm)

	require.NoError(t, m.KillAgent(context.Background(), id))

	resolved := false
	killed := false
	for _, u := range rec.snapshot() {
		if u.Type == api.UpdatePermissionResolved {
			resolved = true
		}
		if u.Type == api.UpdateStatusChange && u.Status == api.AgentStatusKilled {
			killed = true
		}
	}
	assert.True(t, resolved)
	assert.True(t, killed)

	// The agent disappears from the directory shortly after.
	require.Eventually(t, func() bool {
		_, err := m.GetAgentInfo(id)
		return err != nil
	}, time.Second, 10*time.Millisecond)
}

func TestDeleteAgentRemovesRecord(t *testing.T) {
	log := newTestLogger(t)
	dir := t.TempDir()
	store, err := NewStore(dir, log)
	require.NoError(t, err)

	fake := newFakeAdapter()
	m := NewManager(store, fake.factory(), nil, Config{}, log)
	require.NoError(t, m.Initialize(context.Background()))

	cwd := t.TempDir()
	id, err := m.CreateAgent(context.Background(), CreateAgentParams{
		Provider: api.ProviderOptions{Provider: api.ProviderClaude},
		Cwd:      cwd,
	})
	require.NoError(t, err)

	require.NoError(t, m.DeleteAgent(context.Background(), id))
	require.NoError(t, store.Close())

	store2, err := NewStore(dir, log)
	require.NoError(t, err)
	defer store2.Close()
	records, err := store2.Load()
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestSetSessionModeRejectsUnknownMode(t *testing.T) {
	fake := newFakeAdapter()
	fake.modes = []acp.Mode{{ID: "default", Name: "Default"}}
	fake.currentMode = "default"

	m := newTestManager(t, fake.factory())
	id := createTestAgent(t, m)

	err := m.SetSessionMode(context.Background(), id, "warp-speed")
	assert.ErrorIs(t, err, ErrUnknownMode)

	require.NoError(t, m.SetSessionMode(context.Background(), id, "default"))
}

func TestAdapterExitFailsAgent(t *testing.T) {
	fake := newFakeAdapter()
	m := newTestManager(t, fake.factory())
	id := createTestAgent(t, m)

	_, err := m.InitializeAndGetTimeline(context.Background(), id)
	require.NoError(t, err)

	fake.exit()

	require.Eventually(t, func() bool {
		info, err := m.GetAgentInfo(id)
		return err == nil && info.Status == api.AgentStatusFailed
	}, time.Second, 10*time.Millisecond)

	// Prompting a failed agent is rejected.
	err = m.SendPrompt(context.Background(), id, api.Prompt{Text: "hi"}, SendPromptOptions{})
	assert.ErrorIs(t, err, ErrAgentFailed)
}

func TestWaitForPermissionRequestReturnsNilWhenIdle(t *testing.T) {
	m := newTestManager(t, newFakeAdapter().factory())
	id := createTestAgent(t, m)

	perm, err := m.WaitForPermissionRequest(context.Background(), id)
	require.NoError(t, err)
	assert.Nil(t, perm)
}

func chunkTexts(updates []api.TimelineUpdate) []string {
	var out []string
	for _, u := range updates {
		if u.Type == api.UpdateAgentMessageChunk {
			out = append(out, u.Text)
		}
	}
	return out
}

func TestMidTurnSubscribeSplitsSnapshotAndStream(t *testing.T) {
	emitted := make(chan struct{})
	release := make(chan struct{})
	fake := newFakeAdapter()
	fake.promptFn = func(ctx context.Context, f *fakeAdapter, blocks []acp.ContentBlock) (acp.StopReason, error) {
		require.NoError(t, f.emit(acp.SessionUpdate{Type: acp.UpdateTypeMessageChunk, Text: "before"}))
		close(emitted)
		select {
		case <-release:
		case <-ctx.Done():
			return acp.StopReasonOther, ctx.Err()
		}
		require.NoError(t, f.emit(acp.SessionUpdate{Type: acp.UpdateTypeMessageChunk, Text: "after"}))
		return acp.StopReasonEndTurn, nil
	}

	m := newTestManager(t, fake.factory())
	id := createTestAgent(t, m)

	require.NoError(t, m.SendPrompt(context.Background(), id, api.Prompt{Text: "go"}, SendPromptOptions{}))
	<-emitted

	// The first chunk must land in the timeline before the subscription does.
	require.Eventually(t, func() bool {
		tl, err := m.GetTimeline(id)
		require.NoError(t, err)
		for _, text := range chunkTexts(tl.Updates) {
			if text == "before" {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)

	rec := &recorder{}
	snapshot, unsub, err := m.SubscribeWithSnapshot(id, rec.record)
	require.NoError(t, err)
	defer unsub()

	snapTexts := chunkTexts(snapshot.Updates)
	assert.Contains(t, snapTexts, "before")
	assert.NotContains(t, snapTexts, "after")

	close(release)
	_, err = m.WaitForFinish(context.Background(), id)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		for _, text := range chunkTexts(rec.snapshot()) {
			if text == "after" {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)

	streamed := chunkTexts(rec.snapshot())
	assert.NotContains(t, streamed, "before")

	// Every chunk shows up exactly once across snapshot and stream.
	tl, err := m.GetTimeline(id)
	require.NoError(t, err)
	combined := append(append([]string{}, snapTexts...), streamed...)
	assert.ElementsMatch(t, chunkTexts(tl.Updates), combined)
}

func TestPersistedAgentsReloadAsUninitialized(t *testing.T) {
	log := newTestLogger(t)
	dir := t.TempDir()
	cwd := t.TempDir()

	store, err := NewStore(dir, log)
	require.NoError(t, err)
	m := NewManager(store, newFakeAdapter().factory(), nil, Config{}, log)
	require.NoError(t, m.Initialize(context.Background()))

	id, err := m.CreateAgent(context.Background(), CreateAgentParams{
		Provider: api.ProviderOptions{Provider: api.ProviderClaude},
		Cwd:      cwd,
		Title:    "survivor",
	})
	require.NoError(t, err)
	require.NoError(t, store.Close())

	store2, err := NewStore(dir, log)
	require.NoError(t, err)
	defer store2.Close()
	m2 := NewManager(store2, newFakeAdapter().factory(), nil, Config{}, log)
	require.NoError(t, m2.Initialize(context.Background()))

	info, err := m2.GetAgentInfo(id)
	require.NoError(t, err)
	assert.Equal(t, api.AgentStatusUninitialized, info.Status)
	assert.Equal(t, "survivor", info.Title)
}
