// Package daemon assembles the paseo daemon: configuration, identity,
// persistence, the agent manager, the terminal multiplexer, the event bus,
// and the WebSocket gateway behind one HTTP server.
package daemon

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kodymullinsx/paseo-sub005/internal/acp/acpsdk"
	"github.com/kodymullinsx/paseo-sub005/internal/agent"
	"github.com/kodymullinsx/paseo-sub005/internal/common/config"
	"github.com/kodymullinsx/paseo-sub005/internal/common/logger"
	"github.com/kodymullinsx/paseo-sub005/internal/events/bus"
	"github.com/kodymullinsx/paseo-sub005/internal/gateway"
	"github.com/kodymullinsx/paseo-sub005/internal/pairing"
	"github.com/kodymullinsx/paseo-sub005/internal/terminal"
	"github.com/kodymullinsx/paseo-sub005/internal/tracing"
)

// Version is stamped at build time.
var Version = "dev"

const shutdownDrain = 5 * time.Second

// Daemon is the assembled server.
type Daemon struct {
	cfg      *config.Config
	logger   *logger.Logger
	identity *pairing.Identity

	store    *agent.Store
	manager  *agent.Manager
	mux      *terminal.Multiplexer
	eventBus bus.EventBus
	gateway  *gateway.Gateway
	router   *gin.Engine
}

// New builds a daemon from configuration. Nothing is listening yet; Run
// starts the server.
func New(cfg *config.Config, log *logger.Logger) (*Daemon, error) {
	identity, err := pairing.LoadOrCreateIdentity(cfg.Home)
	if err != nil {
		return nil, fmt.Errorf("failed to load identity: %w", err)
	}

	store, err := agent.NewStore(cfg.Home, log)
	if err != nil {
		return nil, fmt.Errorf("failed to open agent store: %w", err)
	}

	var eventBus bus.EventBus
	if cfg.NATS.URL != "" {
		eventBus, err = bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			return nil, fmt.Errorf("failed to connect event bus: %w", err)
		}
	} else {
		eventBus = bus.NewMemoryEventBus(log)
	}

	manager := agent.NewManager(store, acpsdk.Factory(log, cfg.Agent.KillGracePeriod), eventBus, agent.Config{
		TurnTimeout:     cfg.Agent.TurnTimeout,
		ShutdownTimeout: cfg.Agent.ShutdownTimeout,
	}, log)

	mux := terminal.NewMultiplexer(terminal.Config{
		ScrollbackBytes: cfg.Terminal.ScrollbackBytes,
	}, log)

	gw := gateway.NewGateway(manager, mux, eventBus, gateway.ServerInfo{
		ServerID:           identity.ServerID,
		Version:            Version,
		DaemonPublicKeyB64: identity.PublicKeyB64(),
	}, log)

	d := &Daemon{
		cfg:      cfg,
		logger:   log.WithFields(zap.String("component", "daemon")),
		identity: identity,
		store:    store,
		manager:  manager,
		mux:      mux,
		eventBus: eventBus,
		gateway:  gw,
	}
	d.router = d.buildRouter()
	return d, nil
}

func (d *Daemon) buildRouter() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	d.gateway.SetupRoutes(router)
	router.GET("/healthz", d.handleHealth)
	router.GET("/pairing", d.handlePairing)
	return router
}

func (d *Daemon) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"server_id": d.identity.ServerID,
		"version":   Version,
		"clients":   d.gateway.ClientCount(),
	})
}

// handlePairing serves the offer a fresh client needs. The v1 offer carries
// direct endpoint hints derived from the listen address.
func (d *Daemon) handlePairing(c *gin.Context) {
	var offer pairing.Offer
	if c.Query("v") == "1" {
		offer = pairing.NewOfferV1(d.identity, d.cfg.Relay.Endpoint, d.directEndpoints())
	} else {
		offer = pairing.NewOfferV2(d.identity, d.cfg.Relay.Endpoint)
	}

	url, err := pairing.PairingURL("app.paseo.sh", offer)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"server_id": d.identity.ServerID,
		"url":       url,
		"offer":     offer,
	})
}

// directEndpoints derives the LAN endpoints advertised in v1 offers from
// PASEO_LISTEN and PASEO_PRIMARY_LAN_IP.
func (d *Daemon) directEndpoints() []string {
	listen := d.cfg.Server.Listen
	if d.cfg.Server.PrimaryLANIP == "" {
		return []string{listen}
	}
	_, port := splitHostPort(listen)
	return []string{d.cfg.Server.PrimaryLANIP + ":" + port}
}

func splitHostPort(addr string) (string, string) {
	for i := len(addr) - 1; i >= 0; i-- {
		if addr[i] == ':' {
			return addr[:i], addr[i+1:]
		}
	}
	return addr, "6767"
}

// Run starts the daemon and blocks until a shutdown signal or a fatal
// server error. Shutdown drains in order: HTTP accept loop, gateway,
// manager (bounded by its own deadline), terminals, bus.
func (d *Daemon) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := tracing.Init(ctx, tracingEndpoint(d.cfg)); err != nil {
		d.logger.Warn("tracing disabled", zap.Error(err))
	}

	if err := d.manager.Initialize(ctx); err != nil {
		return fmt.Errorf("failed to initialize agent manager: %w", err)
	}

	// Hijacked WebSocket connections are exempt from these timeouts; they
	// only bound the plain HTTP endpoints.
	server := &http.Server{
		Addr:         d.cfg.Server.Listen,
		Handler:      d.router,
		ReadTimeout:  time.Duration(d.cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(d.cfg.Server.WriteTimeout) * time.Second,
	}

	gwCtx, gwCancel := context.WithCancel(context.Background())
	defer gwCancel()

	g, runCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		d.gateway.Run(gwCtx)
		return nil
	})

	g.Go(func() error {
		d.logger.Info("daemon listening",
			zap.String("addr", d.cfg.Server.Listen),
			zap.String("server_id", d.identity.ServerID))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-runCtx.Done()
		d.logger.Info("shutting down")

		drainCtx, cancel := context.WithTimeout(context.Background(), shutdownDrain)
		defer cancel()
		if err := server.Shutdown(drainCtx); err != nil {
			d.logger.Warn("server drain failed", zap.Error(err))
		}

		gwCancel()

		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), d.cfg.Agent.ShutdownTimeout)
		defer cancelShutdown()
		if err := d.manager.Shutdown(shutdownCtx); err != nil {
			d.logger.Warn("agent manager shutdown incomplete", zap.Error(err))
		}

		d.mux.Shutdown()
		d.eventBus.Close()

		traceCtx, cancelTrace := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancelTrace()
		_ = tracing.Shutdown(traceCtx)
		return nil
	})

	return g.Wait()
}

func tracingEndpoint(cfg *config.Config) string {
	if !cfg.Tracing.Enabled {
		return ""
	}
	return cfg.Tracing.Endpoint
}
