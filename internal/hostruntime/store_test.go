package hostruntime

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type refreshRecorder struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (r *refreshRecorder) refresh(ctx context.Context, serverID, subscriptionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, serverID+"/"+subscriptionID)
	return r.err
}

func (r *refreshRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func newTestStore(t *testing.T, probes *probeTable, rec *refreshRecorder) (*Store, *fakeFactory) {
	t.Helper()
	factory := &fakeFactory{}
	store := NewStore(factory.factory, probes.probe, rec.refresh, Config{}, newRuntimeTestLogger())
	t.Cleanup(store.Stop)
	return store, factory
}

func TestSyncHostsStartsAndStopsControllers(t *testing.T) {
	probes := newProbeTable(map[string]int{directID: 15, relayID: 40})
	store, factory := newTestStore(t, probes, &refreshRecorder{})

	store.SyncHosts(context.Background(), []HostProfile{testProfile()})

	ctrl, ok := store.Controller("srv_test")
	require.True(t, ok)
	require.Eventually(t, func() bool {
		return ctrl.Snapshot().ConnectionStatus == StatusOnline
	}, 2*time.Second, 10*time.Millisecond)

	store.SyncHosts(context.Background(), nil)
	_, ok = store.Controller("srv_test")
	assert.False(t, ok)
	assert.Equal(t, 1, factory.client(0).closeCount())
}

func TestDirectoryBootstrapRunsOnceOnFirstOnline(t *testing.T) {
	probes := newProbeTable(map[string]int{directID: 15, relayID: 40})
	rec := &refreshRecorder{}
	store, _ := newTestStore(t, probes, rec)

	store.SyncHosts(context.Background(), []HostProfile{testProfile()})

	ctrl, ok := store.Controller("srv_test")
	require.True(t, ok)
	require.Eventually(t, func() bool {
		return ctrl.Snapshot().AgentDirectoryStatus == DirectoryReady
	}, 2*time.Second, 10*time.Millisecond)

	require.Equal(t, 1, rec.count())
	rec.mu.Lock()
	assert.Equal(t, "srv_test/app:srv_test", rec.calls[0])
	rec.mu.Unlock()

	// A reconnect does not re-run the bootstrap.
	probes.set(directID, -1)
	store.RunProbeCycleNow(context.Background(), "srv_test")
	require.Eventually(t, func() bool {
		return ctrl.Snapshot().ActiveConnectionID == relayID &&
			ctrl.Snapshot().ConnectionStatus == StatusOnline
	}, 2*time.Second, 10*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, rec.count())
}

func TestFailedBootstrapRetriesOnNextOnline(t *testing.T) {
	probes := newProbeTable(map[string]int{directID: 15, relayID: 40})
	rec := &refreshRecorder{err: assert.AnError}
	store, _ := newTestStore(t, probes, rec)

	store.SyncHosts(context.Background(), []HostProfile{testProfile()})

	ctrl, ok := store.Controller("srv_test")
	require.True(t, ok)
	require.Eventually(t, func() bool {
		return ctrl.Snapshot().AgentDirectoryStatus == DirectoryErrorBeforeLoad
	}, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, 1, rec.count())

	// Next offline -> online transition retries the bootstrap.
	rec.mu.Lock()
	rec.err = nil
	rec.mu.Unlock()

	probes.set(directID, -1)
	store.RunProbeCycleNow(context.Background(), "srv_test")
	require.Eventually(t, func() bool {
		return ctrl.Snapshot().AgentDirectoryStatus == DirectoryReady
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 2, rec.count())
}

func TestRefreshAllAgentDirectories(t *testing.T) {
	probes := newProbeTable(map[string]int{directID: 15, relayID: 40})
	rec := &refreshRecorder{}
	store, _ := newTestStore(t, probes, rec)

	store.SyncHosts(context.Background(), []HostProfile{testProfile()})
	ctrl, _ := store.Controller("srv_test")
	require.Eventually(t, func() bool {
		return ctrl.Snapshot().AgentDirectoryStatus == DirectoryReady
	}, 2*time.Second, 10*time.Millisecond)
	before := rec.count()

	store.RefreshAllAgentDirectories(context.Background())
	assert.Equal(t, before+1, rec.count())
	assert.Equal(t, DirectoryReady, ctrl.Snapshot().AgentDirectoryStatus)
}
