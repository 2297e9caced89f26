package hostruntime

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kodymullinsx/paseo-sub005/internal/common/logger"
	"github.com/kodymullinsx/paseo-sub005/pkg/api"
)

const (
	wsRequestTimeout = 15 * time.Second
	probeTimeout     = 3 * time.Second
)

// ErrClientClosed is returned by requests on a closed client.
var ErrClientClosed = errors.New("client closed")

// WSClient is the concrete WebSocket transport to a daemon. It implements
// Client and adds request/response correlation plus an event callback.
type WSClient struct {
	url      string
	serverID string
	clientID string
	logger   *logger.Logger

	states chan ClientState

	mu           sync.Mutex
	conn         *websocket.Conn
	pending      map[string]chan *api.Message
	closed       bool
	statesClosed bool
	reading      bool
	generation   uint64
	onEvent      func(*api.Message)
}

// NewWebSocketFactory returns a ClientFactory producing WSClients. The
// clientID is the stable identity presented on every connection.
func NewWebSocketFactory(clientID string, log *logger.Logger) ClientFactory {
	return func(serverID string, cand Candidate) (Client, error) {
		return NewWSClient(candidateURL(cand, serverID), serverID, clientID, log), nil
	}
}

// candidateURL derives the dial URL: direct candidates use plain ws on the
// LAN, relay candidates use wss with the server id routing the tunnel.
func candidateURL(cand Candidate, serverID string) string {
	if cand.Kind == KindRelay {
		return fmt.Sprintf("wss://%s/ws?serverId=%s", cand.Endpoint, serverID)
	}
	return fmt.Sprintf("ws://%s/ws", cand.Endpoint)
}

// NewWSClient creates a client for one dial URL. Connect performs the dial
// and identity exchange.
func NewWSClient(url, serverID, clientID string, log *logger.Logger) *WSClient {
	return &WSClient{
		url:      url,
		serverID: serverID,
		clientID: clientID,
		logger:   log.WithFields(zap.String("component", "ws_client"), zap.String("url", url)),
		states:   make(chan ClientState, 8),
		pending:  make(map[string]chan *api.Message),
	}
}

// SetEventHandler installs a callback for unsolicited event frames. Must be
// called before Connect.
func (c *WSClient) SetEventHandler(handler func(*api.Message)) {
	c.mu.Lock()
	c.onEvent = handler
	c.mu.Unlock()
}

// States implements Client.
func (c *WSClient) States() <-chan ClientState {
	return c.states
}

// Connect dials the daemon and performs the get_client_info exchange. On
// success an online state is emitted and the read loop starts.
func (c *WSClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClientClosed
	}
	c.generation++
	c.mu.Unlock()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("connect failed: %w", err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return ErrClientClosed
	}
	c.conn = conn
	c.reading = true
	c.mu.Unlock()

	go c.readLoop(conn)

	hello := api.ClientHello{
		ClientID:          c.clientID,
		RuntimeGeneration: c.currentGeneration(),
		ProtocolVersion:   1,
	}
	resp, err := c.Request(ctx, api.ActionGetClientInfo, hello)
	if err != nil {
		c.Close()
		return fmt.Errorf("identity exchange failed: %w", err)
	}
	var info api.ClientInfoResponse
	if err := resp.ParsePayload(&info); err != nil {
		c.Close()
		return fmt.Errorf("identity exchange failed: %w", err)
	}
	if c.serverID != "" && info.ServerID != "" && info.ServerID != c.serverID {
		c.Close()
		return fmt.Errorf("connect failed: server identity mismatch: got %s want %s", info.ServerID, c.serverID)
	}

	c.pushState(ClientState{Online: true})
	return nil
}

// Request sends one request frame and waits for its correlated response.
// Error frames surface as errors carrying the wire code.
func (c *WSClient) Request(ctx context.Context, action string, payload interface{}) (*api.Message, error) {
	msg, err := api.NewRequest(uuid.New().String(), action, payload)
	if err != nil {
		return nil, err
	}

	ch := make(chan *api.Message, 1)
	c.mu.Lock()
	if c.closed || c.conn == nil {
		c.mu.Unlock()
		return nil, ErrClientClosed
	}
	c.pending[msg.ID] = ch
	conn := c.conn
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, msg.ID)
		c.mu.Unlock()
	}()

	data, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	err = conn.WriteMessage(websocket.TextMessage, data)
	c.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("transport error: %w", err)
	}

	timer := time.NewTimer(wsRequestTimeout)
	defer timer.Stop()
	select {
	case resp, ok := <-ch:
		if !ok || resp == nil {
			return nil, ErrClientClosed
		}
		if resp.Type == api.MessageTypeError {
			var ep api.ErrorPayload
			_ = resp.ParsePayload(&ep)
			return nil, fmt.Errorf("%s: %s", ep.Code, ep.Message)
		}
		return resp, nil
	case <-timer.C:
		return nil, fmt.Errorf("request timeout: %s", action)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *WSClient) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.handleDisconnect(err)
			return
		}
		// The write pump batches frames newline-separated; the decoder
		// consumes successive values.
		dec := json.NewDecoder(bytes.NewReader(data))
		for dec.More() {
			var msg api.Message
			if decodeErr := dec.Decode(&msg); decodeErr != nil {
				c.logger.Warn("failed to decode frame", zap.Error(decodeErr))
				break
			}
			c.dispatch(&msg)
		}
	}
}

func (c *WSClient) dispatch(msg *api.Message) {
	if msg.ID != "" {
		c.mu.Lock()
		ch, ok := c.pending[msg.ID]
		c.mu.Unlock()
		if ok {
			ch <- msg
			return
		}
	}

	c.mu.Lock()
	handler := c.onEvent
	c.mu.Unlock()
	if handler != nil && msg.Type == api.MessageTypeEvent {
		handler(msg)
	}
}

func (c *WSClient) handleDisconnect(err error) {
	c.mu.Lock()
	wasClosed := c.closed
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	c.mu.Unlock()

	if wasClosed {
		c.pushState(ClientState{Online: false, Reason: "client closed"})
	} else {
		c.pushState(ClientState{Online: false, Reason: err.Error()})
	}

	c.mu.Lock()
	c.statesClosed = true
	c.mu.Unlock()
	close(c.states)
}

func (c *WSClient) pushState(st ClientState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.statesClosed {
		return
	}
	select {
	case c.states <- st:
	default:
	}
}

func (c *WSClient) currentGeneration() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generation
}

// Close implements Client; idempotent. When the read loop is running it owns
// the states channel and closes it on disconnect; otherwise Close must close
// it here, or watchers ranging States would leak.
func (c *WSClient) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	closeStates := !c.reading && !c.statesClosed
	if closeStates {
		c.statesClosed = true
	}
	c.mu.Unlock()

	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		conn.Close()
	}
	if closeStates {
		close(c.states)
	}
}

// HTTPProbe measures RTT against the daemon's health endpoint. Probes are
// side-effect free; unavailability is a result, not an error.
func HTTPProbe(ctx context.Context, cand Candidate) ProbeResult {
	scheme := "http"
	if cand.Kind == KindRelay {
		scheme = "https"
	}
	url := fmt.Sprintf("%s://%s/healthz", scheme, cand.Endpoint)

	pctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(pctx, http.MethodGet, url, nil)
	if err != nil {
		return ProbeResult{}
	}

	start := time.Now()
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return ProbeResult{}
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return ProbeResult{}
	}
	return ProbeResult{Available: true, LatencyMs: int(time.Since(start).Milliseconds())}
}
