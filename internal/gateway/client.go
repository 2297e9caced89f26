package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kodymullinsx/paseo-sub005/internal/common/logger"
	"github.com/kodymullinsx/paseo-sub005/pkg/api"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 512 * 1024
)

// Client represents a single WebSocket connection. Identity (clientID and
// runtimeGeneration) is established by the get_client_info exchange.
type Client struct {
	ID      string
	conn    *websocket.Conn
	hub     *Hub
	gateway *Gateway
	send    chan []byte

	mu                sync.Mutex
	clientID          string
	runtimeGeneration uint64
	agentSubs         map[string]*subscription
	terminalSubs      map[string]*subscription
	streams           map[string]*subscription
	torn              bool

	logger *logger.Logger
}

// NewClient creates a new WebSocket client.
func NewClient(id string, conn *websocket.Conn, hub *Hub, gw *Gateway, log *logger.Logger) *Client {
	return &Client{
		ID:           id,
		conn:         conn,
		hub:          hub,
		gateway:      gw,
		send:         make(chan []byte, 256),
		agentSubs:    make(map[string]*subscription),
		terminalSubs: make(map[string]*subscription),
		streams:      make(map[string]*subscription),
		logger:       log.WithFields(zap.String("conn_id", id)),
	}
}

// ReadPump pumps messages from the WebSocket connection into the dispatcher.
func (c *Client) ReadPump(ctx context.Context) {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Error("WebSocket read error", zap.Error(err))
			}
			break
		}

		var msg api.Message
		if err := json.Unmarshal(message, &msg); err != nil {
			c.logger.Error("Failed to parse message", zap.Error(err))
			c.sendError("", "", api.ErrorCodeInvalidArgument, "invalid message format")
			continue
		}

		c.handleMessage(ctx, &msg)
	}
}

// handleMessage processes an incoming message. Subscription and stream
// actions bind to this connection and are handled here; everything else goes
// through the dispatcher.
func (c *Client) handleMessage(ctx context.Context, msg *api.Message) {
	c.logger.Debug("Received message",
		zap.String("action", msg.Action),
		zap.String("id", msg.ID))

	switch msg.Action {
	case api.ActionGetClientInfo:
		c.handleClientInfo(msg)
		return
	case api.ActionSubscribeAgent:
		c.handleSubscribeAgent(ctx, msg)
		return
	case api.ActionUnsubscribeAgent:
		c.handleUnsubscribeAgent(msg)
		return
	case api.ActionAttachTerminalStream:
		c.handleAttachTerminalStream(msg)
		return
	case api.ActionDetachTerminalStream:
		c.handleDetachTerminalStream(msg)
		return
	case api.ActionSubscribeTerminals:
		c.handleSubscribeTerminals(msg)
		return
	case api.ActionUnsubscribeTerminals:
		c.handleUnsubscribeTerminals(msg)
		return
	}

	// Dispatched handlers may block for a long time (wait_for_finish, lazy
	// init inside send_prompt), so each request runs on its own goroutine;
	// replies serialize through the send channel. Keeping the read loop free
	// is what lets respond_to_permission land while a turn is in flight.
	go func() {
		response, err := c.hub.dispatcher.Dispatch(ctx, msg)
		if err != nil {
			c.logger.Error("Handler error",
				zap.String("action", msg.Action),
				zap.Error(err))
			c.sendError(msg.ID, msg.Action, errorCode(err), err.Error())
			return
		}
		if response != nil {
			c.sendMessage(response)
		}
	}()
}

// handleClientInfo performs the identity exchange.
func (c *Client) handleClientInfo(msg *api.Message) {
	var hello api.ClientHello
	if err := msg.ParsePayload(&hello); err != nil {
		c.sendError(msg.ID, msg.Action, api.ErrorCodeInvalidArgument, "invalid payload: "+err.Error())
		return
	}

	c.mu.Lock()
	c.clientID = hello.ClientID
	c.runtimeGeneration = hello.RuntimeGeneration
	c.mu.Unlock()

	resp, err := api.NewResponse(msg.ID, msg.Action, c.gateway.clientInfo())
	if err != nil {
		c.sendError(msg.ID, msg.Action, api.ErrorCodeInternal, err.Error())
		return
	}
	c.sendMessage(resp)
}

// addAgentSub registers an agent subscription. Returns false when the
// subscription id is already bound.
func (c *Client) addAgentSub(key string, sub *subscription) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.torn {
		return false
	}
	if _, exists := c.agentSubs[key]; exists {
		return false
	}
	c.agentSubs[key] = sub
	return true
}

func (c *Client) removeAgentSub(key string) *subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	sub := c.agentSubs[key]
	delete(c.agentSubs, key)
	return sub
}

func (c *Client) addTerminalSub(cwd string, sub *subscription) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.torn {
		return false
	}
	if _, exists := c.terminalSubs[cwd]; exists {
		return false
	}
	c.terminalSubs[cwd] = sub
	return true
}

func (c *Client) removeTerminalSub(cwd string) *subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	sub := c.terminalSubs[cwd]
	delete(c.terminalSubs, cwd)
	return sub
}

func (c *Client) addStream(streamID string, sub *subscription) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.torn {
		return false
	}
	c.streams[streamID] = sub
	return true
}

func (c *Client) removeStream(streamID string) *subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	sub := c.streams[streamID]
	delete(c.streams, streamID)
	return sub
}

// dropSubscription is invoked by an overflowing subscription queue: the
// binding is cancelled and the client told to re-subscribe.
func (c *Client) dropSubscription(sub *subscription) {
	if sub.cancel != nil {
		sub.cancel()
	}

	c.mu.Lock()
	for key, s := range c.agentSubs {
		if s == sub {
			delete(c.agentSubs, key)
		}
	}
	for key, s := range c.terminalSubs {
		if s == sub {
			delete(c.terminalSubs, key)
		}
	}
	for key, s := range c.streams {
		if s == sub {
			delete(c.streams, key)
		}
	}
	c.mu.Unlock()

	c.logger.Warn("subscription queue overflow, dropping",
		zap.String("subscription_id", sub.id),
		zap.String("action", sub.action))
	c.sendError("", sub.action, api.ErrorCodeResourceExhausted,
		"subscription queue overflow, re-subscribe to resume")
}

// teardown cancels all subscriptions and streams. Called once when the
// connection unregisters.
func (c *Client) teardown() {
	c.mu.Lock()
	if c.torn {
		c.mu.Unlock()
		return
	}
	c.torn = true
	subs := make([]*subscription, 0, len(c.agentSubs)+len(c.terminalSubs)+len(c.streams))
	for _, s := range c.agentSubs {
		subs = append(subs, s)
	}
	for _, s := range c.terminalSubs {
		subs = append(subs, s)
	}
	for _, s := range c.streams {
		subs = append(subs, s)
	}
	c.agentSubs = make(map[string]*subscription)
	c.terminalSubs = make(map[string]*subscription)
	c.streams = make(map[string]*subscription)
	c.mu.Unlock()

	for _, s := range subs {
		if s.cancel != nil {
			s.cancel()
		}
		s.drop()
	}
}

// sendMessage sends a message to the client.
func (c *Client) sendMessage(msg *api.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		c.logger.Error("Failed to marshal message", zap.Error(err))
		return
	}

	select {
	case c.send <- data:
	default:
		c.logger.Warn("Client send buffer full")
	}
}

func (c *Client) sendError(id, action, code, message string) {
	msg, err := api.NewError(id, action, code, message, nil)
	if err != nil {
		c.logger.Error("Failed to create error message", zap.Error(err))
		return
	}
	c.sendMessage(msg)
}

// WritePump pumps messages from the hub to the WebSocket connection.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the channel
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			// Batch additional queued messages
			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
