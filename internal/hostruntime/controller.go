package hostruntime

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kodymullinsx/paseo-sub005/internal/common/logger"
)

// Adaptive switch design constants: an alternative must beat the active
// candidate by at least the advantage, on this many consecutive cycles,
// before the controller abandons a working connection.
const (
	switchLatencyAdvantageMs = 40
	switchConsecutiveCycles  = 3
)

// Config holds controller tunables.
type Config struct {
	// ProbeInterval drives the periodic probe loop. Zero disables it;
	// probes then run only through RunProbeCycleNow.
	ProbeInterval time.Duration

	// ConnectTimeout bounds a single connect attempt.
	ConnectTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
}

type stateTag int

const (
	tagIdle stateTag = iota
	tagBooting
	tagConnecting
	tagOnline
	tagOffline
	tagError
)

// Controller drives transport selection for one daemon. All mutation goes
// through mu; subscriber callbacks run synchronously under it to preserve
// snapshot order, so callbacks must only enqueue.
type Controller struct {
	serverID string
	factory  ClientFactory
	probe    ProbeFunc
	cfg      Config
	logger   *logger.Logger

	mu         sync.Mutex
	profile    HostProfile
	candidates []Candidate
	snap       Snapshot
	tag        stateTag

	// probeRequestVersion tags each cycle; results apply only when no newer
	// cycle has been applied, so overlapping probes cannot regress state.
	probeRequestVersion uint64
	appliedProbeVersion uint64

	// switchRequestVersion guards in-flight switches: a newer switch
	// abandons any older attempt at its next checkpoint.
	switchRequestVersion uint64

	client           Client
	clientGeneration uint64

	// Hysteresis counter for the adaptive switch.
	switchCandidateID string
	switchStreak      int

	subs       map[string]func(Snapshot)
	stopped    bool
	loopCancel context.CancelFunc
}

// NewController creates a controller for one host profile. Start begins
// probing and connecting.
func NewController(profile HostProfile, factory ClientFactory, probe ProbeFunc, cfg Config, log *logger.Logger) *Controller {
	cfg.applyDefaults()
	return &Controller{
		serverID:   profile.ServerID,
		factory:    factory,
		probe:      probe,
		cfg:        cfg,
		logger:     log.WithFields(zap.String("component", "host_runtime"), zap.String("server_id", profile.ServerID)),
		profile:    profile,
		candidates: profile.Candidates(),
		snap: Snapshot{
			ServerID:             profile.ServerID,
			ConnectionStatus:     StatusIdle,
			ProbeByConnectionID:  make(map[string]ProbeResult),
			AgentDirectoryStatus: DirectoryIdle,
		},
		subs: make(map[string]func(Snapshot)),
	}
}

// Start runs the first probe cycle, selects a candidate, and begins the
// periodic probe loop when configured. The first connect is in flight when
// Start returns.
func (c *Controller) Start(ctx context.Context) {
	c.mu.Lock()
	if c.stopped || c.tag != tagIdle {
		c.mu.Unlock()
		return
	}
	c.tag = tagBooting
	c.snap.ConnectionStatus = StatusConnecting
	c.publishLocked()
	c.mu.Unlock()

	c.RunProbeCycleNow(ctx)

	// Nothing probed available: fall back to the preferred candidate or the
	// first one and let connect report the failure.
	c.mu.Lock()
	fallback := ""
	if c.tag == tagBooting {
		if c.profile.PreferredConnectionID != "" {
			fallback = c.profile.PreferredConnectionID
		} else if len(c.candidates) > 0 {
			fallback = c.candidates[0].ID
		}
	}
	c.mu.Unlock()
	if fallback != "" {
		c.switchToConnection(ctx, fallback, 0)
	}

	if c.cfg.ProbeInterval > 0 {
		loopCtx, cancel := context.WithCancel(ctx)
		c.mu.Lock()
		if c.stopped {
			c.mu.Unlock()
			cancel()
			return
		}
		c.loopCancel = cancel
		c.mu.Unlock()
		go c.probeLoop(loopCtx)
	}
}

func (c *Controller) probeLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.ProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.RunProbeCycleNow(ctx)
		}
	}
}

// Stop closes the active client and freezes the controller offline.
func (c *Controller) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	if c.loopCancel != nil {
		c.loopCancel()
	}
	cli := c.client
	c.client = nil
	c.tag = tagOffline
	c.snap.ConnectionStatus = StatusOffline
	c.snap.Client = nil
	c.publishLocked()
	c.mu.Unlock()

	if cli != nil {
		cli.Close()
	}
}

// Snapshot returns the current snapshot.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snap.clone()
}

// Subscribe registers a snapshot callback, invoked on every publication.
// Returns an idempotent unsubscribe.
func (c *Controller) Subscribe(callback func(Snapshot)) func() {
	id := uuid.New().String()
	c.mu.Lock()
	c.subs[id] = callback
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
	}
}

// UpdateProfile replaces the candidate set; a fresh probe cycle re-selects.
func (c *Controller) UpdateProfile(ctx context.Context, profile HostProfile) {
	c.mu.Lock()
	c.profile = profile
	c.candidates = profile.Candidates()
	c.switchCandidateID = ""
	c.switchStreak = 0
	c.mu.Unlock()
	c.RunProbeCycleNow(ctx)
}

// RunProbeCycleNow measures every candidate in parallel and applies the
// results. Results from a cycle older than the last applied one are dropped.
func (c *Controller) RunProbeCycleNow(ctx context.Context) {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.probeRequestVersion++
	version := c.probeRequestVersion
	cands := make([]Candidate, len(c.candidates))
	copy(cands, c.candidates)
	c.mu.Unlock()

	results := make([]ProbeResult, len(cands))
	var wg sync.WaitGroup
	for i := range cands {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = c.probe(ctx, cands[i])
		}(i)
	}
	wg.Wait()

	c.applyProbeResults(ctx, version, cands, results)
}

func (c *Controller) applyProbeResults(ctx context.Context, version uint64, cands []Candidate, results []ProbeResult) {
	c.mu.Lock()
	if c.stopped || version <= c.appliedProbeVersion {
		c.mu.Unlock()
		return
	}
	c.appliedProbeVersion = version

	byID := make(map[string]ProbeResult, len(cands))
	for i := range cands {
		byID[cands[i].ID] = results[i]
		c.snap.ProbeByConnectionID[cands[i].ID] = results[i]
	}

	target := c.selectLocked(byID)
	c.publishLocked()
	c.mu.Unlock()

	if target != "" {
		c.switchToConnection(ctx, target, version)
	}
}

// selectLocked applies the selection policy and returns the candidate to
// switch to, or empty to stay put.
func (c *Controller) selectLocked(byID map[string]ProbeResult) string {
	best := ""
	bestLat := 0
	for _, cand := range c.candidates {
		pr, ok := byID[cand.ID]
		if !ok || !pr.Available {
			continue
		}
		if best == "" || pr.LatencyMs < bestLat {
			best = cand.ID
			bestLat = pr.LatencyMs
		}
	}
	if best == "" {
		return ""
	}

	active := c.snap.ActiveConnectionID
	activeLive := active != "" && (c.tag == tagOnline || c.tag == tagConnecting)

	if !activeLive {
		// Startup or recovery. The preferred candidate wins only when no
		// strictly faster one exists.
		if pref := c.profile.PreferredConnectionID; pref != "" {
			if pr, ok := byID[pref]; ok && pr.Available && pr.LatencyMs <= bestLat {
				return pref
			}
		}
		return best
	}

	activePr, ok := byID[active]
	if !ok || !activePr.Available {
		// Immediate failover resets the hysteresis counter.
		c.switchCandidateID = ""
		c.switchStreak = 0
		return best
	}

	if best == active {
		c.switchCandidateID = ""
		c.switchStreak = 0
		return ""
	}

	if activePr.LatencyMs-bestLat >= switchLatencyAdvantageMs {
		if c.switchCandidateID == best {
			c.switchStreak++
		} else {
			c.switchCandidateID = best
			c.switchStreak = 1
		}
		if c.switchStreak >= switchConsecutiveCycles {
			c.switchCandidateID = ""
			c.switchStreak = 0
			return best
		}
		return ""
	}

	// Counter-example: the advantage collapsed.
	c.switchCandidateID = ""
	c.switchStreak = 0
	return ""
}

// switchToConnection moves the controller onto a candidate. A zero
// expectedProbeVersion skips the staleness guard. Any newer switch or probe
// abandons this attempt at its next checkpoint; a client created by an
// abandoned attempt is closed.
func (c *Controller) switchToConnection(ctx context.Context, candidateID string, expectedProbeVersion uint64) {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.switchRequestVersion++
	myVersion := c.switchRequestVersion

	if expectedProbeVersion != 0 && expectedProbeVersion < c.appliedProbeVersion {
		c.mu.Unlock()
		return
	}

	var cand *Candidate
	for i := range c.candidates {
		if c.candidates[i].ID == candidateID {
			copied := c.candidates[i]
			cand = &copied
			break
		}
	}
	if cand == nil {
		c.logger.Warn("switch requested for unknown candidate", zap.String("candidate_id", candidateID))
		c.mu.Unlock()
		return
	}

	if c.snap.ActiveConnectionID == candidateID && (c.tag == tagOnline || c.tag == tagConnecting) {
		c.mu.Unlock()
		return
	}

	prev := c.client
	c.client = nil
	c.mu.Unlock()

	if prev != nil {
		prev.Close()
	}

	cli, err := c.factory(c.serverID, *cand)

	c.mu.Lock()
	if c.stopped || myVersion != c.switchRequestVersion {
		c.mu.Unlock()
		if err == nil && cli != nil {
			cli.Close()
		}
		return
	}
	if err != nil {
		c.tag = tagError
		c.snap.ConnectionStatus = StatusError
		c.snap.LastError = ReasonConnectFailed + ": " + err.Error()
		c.publishLocked()
		c.mu.Unlock()
		return
	}

	c.clientGeneration++
	gen := c.clientGeneration
	c.client = cli
	c.snap.ActiveConnectionID = cand.ID
	c.snap.ActiveConnection = cand
	c.snap.Client = cli
	c.tag = tagConnecting
	c.snap.ConnectionStatus = StatusConnecting
	c.snap.LastError = ""
	c.publishLocked()
	c.mu.Unlock()

	c.logger.Info("switching connection",
		zap.String("candidate_id", cand.ID),
		zap.Uint64("client_generation", gen))

	go c.watchClient(cli, gen)
	go c.connect(ctx, cli, gen)
}

func (c *Controller) connect(ctx context.Context, cli Client, gen uint64) {
	cctx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()

	err := cli.Connect(cctx)
	if err == nil {
		// The client's status stream drives the online transition.
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	// Superseded attempts and stale failures never override newer state.
	if c.stopped || gen != c.clientGeneration || c.tag == tagOnline {
		return
	}
	reason := classifyReason(err.Error())
	if reason == ReasonUnknown {
		reason = ReasonConnectFailed
	}
	c.tag = tagError
	c.snap.ConnectionStatus = StatusError
	c.snap.LastError = reason + ": " + err.Error()
	c.publishLocked()
}

// watchClient forwards one client's status stream into snapshots until the
// stream closes or the client is superseded.
func (c *Controller) watchClient(cli Client, gen uint64) {
	for st := range cli.States() {
		c.mu.Lock()
		if c.stopped || gen != c.clientGeneration {
			c.mu.Unlock()
			return
		}
		if st.Online {
			c.tag = tagOnline
			c.snap.ConnectionStatus = StatusOnline
			c.snap.LastError = ""
			c.snap.LastOnlineAt = time.Now().UTC()
		} else {
			reason := classifyReason(st.Reason)
			switch reason {
			case ReasonClientClosed, ReasonDisposed:
				c.tag = tagOffline
				c.snap.ConnectionStatus = StatusOffline
			default:
				c.tag = tagError
				c.snap.ConnectionStatus = StatusError
				c.snap.LastError = reason + ": " + st.Reason
			}
		}
		c.publishLocked()
		c.mu.Unlock()
	}
}

// BeginDirectoryRefresh marks the directory as loading; the status depends
// on whether a load has ever succeeded.
func (c *Controller) BeginDirectoryRefresh() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.snap.HasEverLoadedAgentDirectory {
		c.snap.AgentDirectoryStatus = DirectoryRevalidating
	} else {
		c.snap.AgentDirectoryStatus = DirectoryInitialLoading
	}
	c.snap.AgentDirectoryError = ""
	c.publishLocked()
}

// CompleteDirectoryRefresh records the outcome of a directory fetch.
func (c *Controller) CompleteDirectoryRefresh(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err == nil {
		c.snap.AgentDirectoryStatus = DirectoryReady
		c.snap.AgentDirectoryError = ""
		c.snap.HasEverLoadedAgentDirectory = true
	} else if c.snap.HasEverLoadedAgentDirectory {
		c.snap.AgentDirectoryStatus = DirectoryErrorAfterReady
		c.snap.AgentDirectoryError = err.Error()
	} else {
		c.snap.AgentDirectoryStatus = DirectoryErrorBeforeLoad
		c.snap.AgentDirectoryError = err.Error()
	}
	c.publishLocked()
}

func (c *Controller) publishLocked() {
	c.snap.ClientGeneration = c.clientGeneration
	snap := c.snap.clone()
	for _, callback := range c.subs {
		callback(snap)
	}
}
