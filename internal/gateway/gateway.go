package gateway

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kodymullinsx/paseo-sub005/internal/agent"
	"github.com/kodymullinsx/paseo-sub005/internal/common/logger"
	"github.com/kodymullinsx/paseo-sub005/internal/events/bus"
	"github.com/kodymullinsx/paseo-sub005/internal/terminal"
	"github.com/kodymullinsx/paseo-sub005/pkg/api"
)

const protocolVersion = 1

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		// Clients reach the daemon over the LAN or the relay; browser
		// origins carry no authority here.
		return true
	},
}

// ServerInfo identifies this daemon instance to connecting clients.
type ServerInfo struct {
	ServerID           string
	Version            string
	DaemonPublicKeyB64 string
}

// Gateway owns the WebSocket surface: connection lifecycle, request
// dispatch, subscription fan-out, and the directory broadcast bridge.
type Gateway struct {
	manager    *agent.Manager
	mux        *terminal.Multiplexer
	bus        bus.EventBus
	info       ServerInfo
	dispatcher *api.Dispatcher
	hub        *Hub
	logger     *logger.Logger

	busSub bus.Subscription
}

// NewGateway wires the manager and multiplexer behind the WebSocket API.
func NewGateway(manager *agent.Manager, mux *terminal.Multiplexer, eventBus bus.EventBus, info ServerInfo, log *logger.Logger) *Gateway {
	dispatcher := api.NewDispatcher()
	gw := &Gateway{
		manager:    manager,
		mux:        mux,
		bus:        eventBus,
		info:       info,
		dispatcher: dispatcher,
		hub:        NewHub(dispatcher, log),
		logger:     log.WithFields(zap.String("component", "gateway")),
	}
	gw.registerAgentHandlers()
	gw.registerTerminalHandlers()
	gw.registerRuntimeHandlers()
	return gw
}

// Run starts the hub loop and the directory broadcast bridge. Blocks until
// the context is cancelled.
func (g *Gateway) Run(ctx context.Context) {
	if g.bus != nil {
		sub, err := g.bus.Subscribe(agent.SubjectDirectory, g.handleDirectoryEvent)
		if err != nil {
			g.logger.Error("failed to subscribe to directory events", zap.Error(err))
		} else {
			g.busSub = sub
		}
	}

	g.hub.Run(ctx)

	if g.busSub != nil {
		_ = g.busSub.Unsubscribe()
	}
}

// SetupRoutes registers the WebSocket endpoint.
func (g *Gateway) SetupRoutes(router *gin.Engine) {
	router.GET("/ws", g.handleWebSocket)
}

// ClientCount reports the number of connected clients.
func (g *Gateway) ClientCount() int {
	return g.hub.ClientCount()
}

func (g *Gateway) handleWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		g.logger.Error("WebSocket upgrade failed", zap.Error(err))
		return
	}

	client := NewClient(uuid.New().String(), conn, g.hub, g, g.logger)
	g.hub.Register(client)

	// The request context dies when this handler returns; the hijacked
	// connection outlives it, so handlers get a per-connection context
	// cancelled only when the read loop ends.
	connCtx, cancel := context.WithCancel(context.Background())

	go client.WritePump()
	go func() {
		defer cancel()
		client.ReadPump(connCtx)
	}()
}

// clientInfo is the daemon's half of the get_client_info exchange.
func (g *Gateway) clientInfo() api.ClientInfoResponse {
	return api.ClientInfoResponse{
		ServerID:           g.info.ServerID,
		Version:            g.info.Version,
		DaemonPublicKeyB64: g.info.DaemonPublicKeyB64,
		ProtocolVersion:    protocolVersion,
	}
}

// handleDirectoryEvent turns bus directory events into agent_directory_delta
// broadcasts. Bus data survives a JSON round trip on the NATS backend, so
// payloads are re-decoded rather than type-asserted.
func (g *Gateway) handleDirectoryEvent(ctx context.Context, evt *bus.Event) error {
	delta := api.AgentDirectoryEvent{}

	switch evt.Type {
	case agent.DirectoryEventUpserted:
		raw, err := json.Marshal(evt.Data["agent"])
		if err != nil {
			return err
		}
		var info api.AgentInfo
		if err := json.Unmarshal(raw, &info); err != nil {
			return err
		}
		delta.Upserted = []api.AgentInfo{info}

	case agent.DirectoryEventRemoved:
		id, _ := evt.Data["agent_id"].(string)
		if id == "" {
			return nil
		}
		delta.RemovedIDs = []string{id}

	default:
		return nil
	}

	msg, err := api.NewEvent(api.EventAgentDirectoryDelta, delta)
	if err != nil {
		return err
	}
	g.hub.Broadcast(msg)
	return nil
}
