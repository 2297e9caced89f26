// paseo is the thin client launcher: it builds a host profile from flags
// or a pairing URL, runs the host runtime against it, and prints connection
// snapshots as they change. Rendering beyond that belongs to the apps.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/kodymullinsx/paseo-sub005/internal/common/logger"
	"github.com/kodymullinsx/paseo-sub005/internal/hostruntime"
	"github.com/kodymullinsx/paseo-sub005/internal/pairing"
	"github.com/kodymullinsx/paseo-sub005/pkg/api"
)

func main() {
	var (
		host      = flag.String("host", "", "direct daemon endpoint (host:port)")
		offerURL  = flag.String("offer", "", "pairing URL from the daemon")
		serverID  = flag.String("server-id", "", "expected server id (optional with --host)")
		format    = flag.String("format", "text", "output format: text or json")
		logLevel  = flag.String("log-level", "warn", "log level")
		probeSecs = flag.Int("probe-interval", 10, "probe interval in seconds")
	)
	flag.Parse()

	log, err := logger.NewLogger(logger.LoggingConfig{Level: *logLevel, Format: "console"})
	if err != nil {
		fmt.Fprintf(os.Stderr, "paseo: %v\n", err)
		os.Exit(1)
	}

	profile, err := buildProfile(*host, *offerURL, *serverID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "paseo: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clientID := "cli-" + uuid.New().String()
	factory := hostruntime.NewWebSocketFactory(clientID, log)

	// The refresh callback runs only after a controller goes online, well
	// after the store exists; capturing the variable is safe.
	var st *hostruntime.Store
	refresh := func(ctx context.Context, serverID, subscriptionID string) error {
		return fetchDirectory(ctx, st, serverID, subscriptionID)
	}
	st = hostruntime.NewStore(factory, hostruntime.HTTPProbe, refresh, hostruntime.Config{
		ProbeInterval: time.Duration(*probeSecs) * time.Second,
	}, log)

	unsub := st.Subscribe(func(snap hostruntime.Snapshot) {
		go printSnapshot(*format, snap)
	})
	defer unsub()

	st.SyncHosts(ctx, []hostruntime.HostProfile{profile})
	defer st.Stop()

	<-ctx.Done()
}

func buildProfile(host, offerURL, serverID string) (hostruntime.HostProfile, error) {
	if offerURL != "" {
		offer, err := pairing.ParsePairingURL(offerURL)
		if err != nil {
			return hostruntime.HostProfile{}, err
		}
		profile := hostruntime.HostProfile{
			ServerID:        offer.ServerID,
			DirectEndpoints: offer.Endpoints,
		}
		if offer.Relay.Endpoint != "" {
			profile.Relay = &hostruntime.RelayInfo{
				Endpoint:           offer.Relay.Endpoint,
				DaemonPublicKeyB64: offer.DaemonPublicKeyB64,
			}
		}
		if host != "" {
			profile.DirectEndpoints = append(profile.DirectEndpoints, host)
		}
		return profile, nil
	}

	if host == "" {
		return hostruntime.HostProfile{}, fmt.Errorf("either --host or --offer is required")
	}
	id := serverID
	if id == "" {
		id = "srv_" + strings.ReplaceAll(host, ":", "_")
	}
	return hostruntime.HostProfile{
		ServerID:        id,
		DirectEndpoints: []string{host},
	}, nil
}

// fetchDirectory performs the directory bootstrap over the active client.
func fetchDirectory(ctx context.Context, st *hostruntime.Store, serverID, subscriptionID string) error {
	ctrl, ok := st.Controller(serverID)
	if !ok {
		return fmt.Errorf("unknown server %s", serverID)
	}
	snap := ctrl.Snapshot()
	ws, ok := snap.Client.(*hostruntime.WSClient)
	if !ok || ws == nil {
		return fmt.Errorf("server %s has no active client", serverID)
	}

	resp, err := ws.Request(ctx, api.ActionFetchAgents, api.AgentDirectoryEvent{
		SubscriptionID: subscriptionID,
	})
	if err != nil {
		return err
	}
	var directory api.AgentDirectoryEvent
	if err := resp.ParsePayload(&directory); err != nil {
		return err
	}
	fmt.Printf("agents on %s: %d\n", serverID, len(directory.Agents))
	return nil
}

func printSnapshot(format string, snap hostruntime.Snapshot) {
	if format == "json" {
		out := map[string]interface{}{
			"server_id":         snap.ServerID,
			"connection_status": snap.ConnectionStatus,
			"active_connection": snap.ActiveConnectionID,
			"client_generation": snap.ClientGeneration,
			"directory_status":  snap.AgentDirectoryStatus,
			"last_error":        snap.LastError,
		}
		data, err := json.Marshal(out)
		if err != nil {
			return
		}
		fmt.Println(string(data))
		return
	}

	line := fmt.Sprintf("%s  %-10s  via=%s  gen=%d  dir=%s",
		snap.ServerID, snap.ConnectionStatus, snap.ActiveConnectionID,
		snap.ClientGeneration, snap.AgentDirectoryStatus)
	if snap.LastError != "" {
		line += "  err=" + snap.LastError
	}
	fmt.Println(line)
}
