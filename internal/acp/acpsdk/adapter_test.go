package acpsdk

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	acp "github.com/coder/acp-go-sdk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	acpcontract "github.com/kodymullinsx/paseo-sub005/internal/acp"
	"github.com/kodymullinsx/paseo-sub005/internal/common/logger"
)

func newAdapterTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      "error",
		Format:     "console",
		OutputPath: "stderr",
	})
	require.NoError(t, err)
	return log
}

// newUnspawnedAdapter builds an adapter whose child is never started, so
// Close exercises only the channel teardown path.
func newUnspawnedAdapter(t *testing.T) *Adapter {
	t.Helper()
	a, err := New(acpcontract.ProviderClaude, t.TempDir(), 0, newAdapterTestLogger(t))
	require.NoError(t, err)
	return a
}

// messageChunkNotification builds the notification the way an agent sends it
// over the wire; the SDK unmarshals on the sessionUpdate discriminator.
func messageChunkNotification(t *testing.T, sessionID, text string) acp.SessionNotification {
	t.Helper()
	raw := fmt.Sprintf(`{"sessionId":%q,"update":{"sessionUpdate":"agent_message_chunk","content":{"type":"text","text":%q}}}`,
		sessionID, text)
	var n acp.SessionNotification
	require.NoError(t, json.Unmarshal([]byte(raw), &n))
	return n
}

func TestConvertNotificationMessageChunk(t *testing.T) {
	update := convertNotification(messageChunkNotification(t, "sess-1", "hello"))
	require.NotNil(t, update)
	assert.Equal(t, acpcontract.UpdateTypeMessageChunk, update.Type)
	assert.Equal(t, "sess-1", update.SessionID)
	assert.Equal(t, "hello", update.Text)
}

func TestKillGraceConfiguration(t *testing.T) {
	a := newUnspawnedAdapter(t)
	assert.Equal(t, defaultKillGrace, a.killGrace)

	factory := Factory(newAdapterTestLogger(t), 2*time.Second)
	adapter, err := factory(acpcontract.ProviderClaude, t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, adapter.(*Adapter).killGrace)
}

func TestCloseDoesNotRaceInFlightNotifications(t *testing.T) {
	a := newUnspawnedAdapter(t)
	n := messageChunkNotification(t, "sess-1", "chunk")

	drained := make(chan struct{})
	go func() {
		defer close(drained)
		for range a.Updates() {
		}
	}()

	stop := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
					a.handleNotification(n)
				}
			}
		}()
	}

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, a.Close())
	close(stop)
	wg.Wait()

	select {
	case <-drained:
	case <-time.After(time.Second):
		t.Fatal("updates channel never closed")
	}

	// Late notifications and a second Close are no-ops.
	a.handleNotification(n)
	require.NoError(t, a.Close())
}
