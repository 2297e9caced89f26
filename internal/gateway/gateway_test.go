package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kodymullinsx/paseo-sub005/internal/agent"
	"github.com/kodymullinsx/paseo-sub005/internal/common/logger"
	"github.com/kodymullinsx/paseo-sub005/internal/events/bus"
	"github.com/kodymullinsx/paseo-sub005/internal/terminal"
	"github.com/kodymullinsx/paseo-sub005/pkg/api"
)

func newGatewayTestLogger() *logger.Logger {
	log, _ := logger.NewLogger(logger.LoggingConfig{
		Level:  "error",
		Format: "console",
	})
	return log
}

func newTestGateway(t *testing.T) *Gateway {
	t.Helper()
	return NewGateway(nil, nil, bus.NewMemoryEventBus(newGatewayTestLogger()), ServerInfo{
		ServerID:           "srv_test",
		Version:            "0.0.0-test",
		DaemonPublicKeyB64: "cGs=",
	}, newGatewayTestLogger())
}

// newDetachedClient builds a client that is never connected to a socket;
// tests read outbound frames straight from the send channel.
func newDetachedClient(gw *Gateway) *Client {
	return NewClient("conn-test", nil, gw.hub, gw, newGatewayTestLogger())
}

// nextMessage decodes the next outbound frame or fails.
func nextMessage(t *testing.T, c *Client) *api.Message {
	t.Helper()
	select {
	case data := <-c.send:
		var msg api.Message
		require.NoError(t, json.Unmarshal(data, &msg))
		return &msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for outbound message")
		return nil
	}
}

func TestErrorCodeMapping(t *testing.T) {
	cases := []struct {
		err  error
		code string
	}{
		{agent.ErrAgentNotFound, api.ErrorCodeUnknownAgent},
		{fmt.Errorf("wrapped: %w", agent.ErrAgentNotFound), api.ErrorCodeUnknownAgent},
		{terminal.ErrUnknownTerminal, api.ErrorCodeUnknownTerminal},
		{terminal.ErrUnknownStream, api.ErrorCodeNotFound},
		{agent.ErrPermissionNotFound, api.ErrorCodeNotFound},
		{agent.ErrUnknownProvider, api.ErrorCodeInvalidArgument},
		{agent.ErrCwdInaccessible, api.ErrorCodeInvalidArgument},
		{agent.ErrEmptyPrompt, api.ErrorCodeInvalidArgument},
		{agent.ErrUnknownMode, api.ErrorCodeInvalidArgument},
		{terminal.ErrUnknownKey, api.ErrorCodeInvalidArgument},
		{agent.ErrAgentKilled, api.ErrorCodePrecondition},
		{agent.ErrAgentFailed, api.ErrorCodePrecondition},
		{agent.ErrShuttingDown, api.ErrorCodePrecondition},
		{context.DeadlineExceeded, api.ErrorCodeTimeout},
		{errors.New("anything else"), api.ErrorCodeInternal},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.code, errorCode(tc.err), "for %v", tc.err)
	}
}

func TestSubscriptionDeliversInOrderAfterStart(t *testing.T) {
	gw := newTestGateway(t)
	client := newDetachedClient(gw)

	sub := newSubscription("s1", api.EventAgentUpdate, client)

	for i := 0; i < 3; i++ {
		ev, err := api.NewEvent(api.EventAgentUpdate, api.TimelineUpdate{
			Type: api.UpdateAgentMessageChunk,
			Text: fmt.Sprintf("chunk-%d", i),
		})
		require.NoError(t, err)
		sub.push(ev)
	}

	snap, err := api.NewEvent(api.EventAgentSnapshot, api.AgentTimelineResponse{})
	require.NoError(t, err)
	sub.prepend(snap)
	sub.start()

	first := nextMessage(t, client)
	assert.Equal(t, api.EventAgentSnapshot, first.Action)

	for i := 0; i < 3; i++ {
		msg := nextMessage(t, client)
		var upd api.TimelineUpdate
		require.NoError(t, msg.ParsePayload(&upd))
		assert.Equal(t, fmt.Sprintf("chunk-%d", i), upd.Text)
	}

	sub.drop()
}

func TestSubscriptionCoalescesStatusOnOverflow(t *testing.T) {
	gw := newTestGateway(t)
	client := newDetachedClient(gw)

	sub := newSubscription("s1", api.EventAgentUpdate, client)

	statusEvent := func(status api.AgentStatus) *api.Message {
		ev, err := api.NewEvent(api.EventAgentUpdate, api.TimelineUpdate{
			Type:    api.UpdateStatusChange,
			AgentID: "a1",
			Status:  status,
		})
		require.NoError(t, err)
		return ev
	}

	for i := 0; i < subQueueCap; i++ {
		sub.push(statusEvent(api.AgentStatusProcessing))
	}

	// One more identical status coalesces into the tail instead of
	// overflowing.
	sub.push(statusEvent(api.AgentStatusProcessing))

	sub.mu.Lock()
	queued := len(sub.queue)
	dropped := sub.dropped
	sub.mu.Unlock()
	assert.Equal(t, subQueueCap, queued)
	assert.False(t, dropped)
}

func TestSubscriptionOverflowDropsAndNotifiesClient(t *testing.T) {
	gw := newTestGateway(t)
	client := newDetachedClient(gw)

	sub := newSubscription("s1", api.EventAgentUpdate, client)
	require.True(t, client.addAgentSub("s1", sub))

	chunkEvent := func(i int) *api.Message {
		ev, err := api.NewEvent(api.EventAgentUpdate, api.TimelineUpdate{
			Type: api.UpdateAgentMessageChunk,
			Text: fmt.Sprintf("chunk-%d", i),
		})
		require.NoError(t, err)
		return ev
	}

	for i := 0; i < subQueueCap+1; i++ {
		sub.push(chunkEvent(i))
	}

	sub.mu.Lock()
	dropped := sub.dropped
	sub.mu.Unlock()
	assert.True(t, dropped)

	// The binding is gone and the client got a resource_exhausted error.
	client.mu.Lock()
	_, bound := client.agentSubs["s1"]
	client.mu.Unlock()
	assert.False(t, bound)

	msg := nextMessage(t, client)
	assert.Equal(t, api.MessageTypeError, msg.Type)
	var errPayload api.ErrorPayload
	require.NoError(t, msg.ParsePayload(&errPayload))
	assert.Equal(t, api.ErrorCodeResourceExhausted, errPayload.Code)
}

func TestSubscriptionDropIsIdempotent(t *testing.T) {
	gw := newTestGateway(t)
	sub := newSubscription("s1", api.EventAgentUpdate, newDetachedClient(gw))
	sub.start()
	sub.drop()
	sub.drop()

	ev, err := api.NewEvent(api.EventAgentUpdate, api.TimelineUpdate{Type: api.UpdateAgentMessageChunk})
	require.NoError(t, err)
	sub.push(ev)

	sub.mu.Lock()
	assert.Nil(t, sub.queue)
	sub.mu.Unlock()
}

func TestPingHandler(t *testing.T) {
	gw := newTestGateway(t)

	req, err := api.NewRequest("r1", api.ActionPing, nil)
	require.NoError(t, err)

	resp, err := gw.dispatcher.Dispatch(context.Background(), req)
	require.NoError(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, api.MessageTypeResponse, resp.Type)

	var ping api.PingResponse
	require.NoError(t, resp.ParsePayload(&ping))
	assert.Equal(t, "srv_test", ping.ServerID)
	assert.False(t, ping.Time.IsZero())
}

func TestUnknownActionReturnsError(t *testing.T) {
	gw := newTestGateway(t)

	req, err := api.NewRequest("r1", "no_such_action", nil)
	require.NoError(t, err)

	resp, err := gw.dispatcher.Dispatch(context.Background(), req)
	require.NoError(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, api.MessageTypeError, resp.Type)

	var errPayload api.ErrorPayload
	require.NoError(t, resp.ParsePayload(&errPayload))
	assert.Equal(t, api.ErrorCodeUnknownAction, errPayload.Code)
}

func TestClientInfoExchange(t *testing.T) {
	gw := newTestGateway(t)
	client := newDetachedClient(gw)

	req, err := api.NewRequest("r1", api.ActionGetClientInfo, api.ClientHello{
		ClientID:          "app-1",
		RuntimeGeneration: 7,
		ProtocolVersion:   1,
	})
	require.NoError(t, err)

	client.handleClientInfo(req)

	resp := nextMessage(t, client)
	assert.Equal(t, api.MessageTypeResponse, resp.Type)

	var info api.ClientInfoResponse
	require.NoError(t, resp.ParsePayload(&info))
	assert.Equal(t, "srv_test", info.ServerID)
	assert.Equal(t, "cGs=", info.DaemonPublicKeyB64)
	assert.Equal(t, protocolVersion, info.ProtocolVersion)

	client.mu.Lock()
	assert.Equal(t, "app-1", client.clientID)
	assert.Equal(t, uint64(7), client.runtimeGeneration)
	client.mu.Unlock()
}

func TestDirectoryBridgeBroadcastsDeltas(t *testing.T) {
	gw := newTestGateway(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go gw.Run(ctx)

	client := newDetachedClient(gw)
	gw.hub.Register(client)

	info := api.AgentInfo{ID: "a1", Cwd: "/tmp", Status: api.AgentStatusReady}
	evt := bus.NewEvent(agent.DirectoryEventUpserted, "agent_manager", map[string]interface{}{
		"agent": info,
	})
	require.NoError(t, gw.bus.Publish(context.Background(), agent.SubjectDirectory, evt))

	msg := nextMessage(t, client)
	assert.Equal(t, api.EventAgentDirectoryDelta, msg.Action)

	var delta api.AgentDirectoryEvent
	require.NoError(t, msg.ParsePayload(&delta))
	require.Len(t, delta.Upserted, 1)
	assert.Equal(t, "a1", delta.Upserted[0].ID)
	assert.Empty(t, delta.RemovedIDs)

	removed := bus.NewEvent(agent.DirectoryEventRemoved, "agent_manager", map[string]interface{}{
		"agent_id": "a1",
	})
	require.NoError(t, gw.bus.Publish(context.Background(), agent.SubjectDirectory, removed))

	msg = nextMessage(t, client)
	var removal api.AgentDirectoryEvent
	require.NoError(t, msg.ParsePayload(&removal))
	assert.Equal(t, []string{"a1"}, removal.RemovedIDs)
}

func TestTeardownIsIdempotent(t *testing.T) {
	gw := newTestGateway(t)
	client := newDetachedClient(gw)

	cancelled := 0
	sub := newSubscription("s1", api.EventAgentUpdate, client)
	sub.cancel = func() { cancelled++ }
	require.True(t, client.addAgentSub("s1", sub))

	client.teardown()
	client.teardown()

	assert.Equal(t, 1, cancelled)
	assert.False(t, client.addAgentSub("s2", newSubscription("s2", api.EventAgentUpdate, client)))
}
