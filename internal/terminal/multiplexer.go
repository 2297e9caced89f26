package terminal

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kodymullinsx/paseo-sub005/internal/common/logger"
	"github.com/kodymullinsx/paseo-sub005/pkg/api"
)

// Config holds multiplexer tunables.
type Config struct {
	ScrollbackBytes int
}

// Multiplexer owns the terminal pool. Terminals are keyed by id and indexed
// by cwd; list subscriptions notify per-cwd membership changes.
type Multiplexer struct {
	logger *logger.Logger
	cfg    Config

	mu        sync.Mutex
	terminals map[string]*Terminal
	byCwd     map[string]map[string]*Terminal
	streams   map[string]*stream
	listSubs  map[string]map[string]func([]api.TerminalInfo)
	nameSeq   map[string]int
	closed    bool
}

// stream is one attachment of a client to a terminal.
type stream struct {
	id       string
	terminal *Terminal
}

// NewMultiplexer creates an empty terminal pool.
func NewMultiplexer(cfg Config, log *logger.Logger) *Multiplexer {
	if cfg.ScrollbackBytes <= 0 {
		cfg.ScrollbackBytes = 200 * 1024
	}
	return &Multiplexer{
		logger:    log.WithFields(zap.String("component", "terminal_mux")),
		cfg:       cfg,
		terminals: make(map[string]*Terminal),
		byCwd:     make(map[string]map[string]*Terminal),
		streams:   make(map[string]*stream),
		listSubs:  make(map[string]map[string]func([]api.TerminalInfo)),
		nameSeq:   make(map[string]int),
	}
}

// List returns the terminals bound to cwd, oldest first.
func (m *Multiplexer) List(cwd string) []api.TerminalInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listLocked(cwd)
}

func (m *Multiplexer) listLocked(cwd string) []api.TerminalInfo {
	infos := make([]api.TerminalInfo, 0, len(m.byCwd[cwd]))
	for _, t := range m.byCwd[cwd] {
		infos = append(infos, api.TerminalInfo{
			ID:        t.id,
			Cwd:       t.cwd,
			Name:      t.name,
			CreatedAt: t.createdAt,
		})
	}
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].CreatedAt.Equal(infos[j].CreatedAt) {
			return infos[i].ID < infos[j].ID
		}
		return infos[i].CreatedAt.Before(infos[j].CreatedAt)
	})
	return infos
}

// Create spawns a new terminal in cwd. The terminal is listed before the
// call returns.
func (m *Multiplexer) Create(cwd string) (api.TerminalInfo, error) {
	info, err := os.Stat(cwd)
	if err != nil || !info.IsDir() {
		return api.TerminalInfo{}, fmt.Errorf("cwd is not accessible: %s", cwd)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return api.TerminalInfo{}, fmt.Errorf("multiplexer is shut down")
	}
	m.nameSeq[cwd]++
	name := fmt.Sprintf("%s %d", filepath.Base(cwd), m.nameSeq[cwd])
	m.mu.Unlock()

	id := uuid.New().String()
	t, err := startTerminal(id, cwd, name, m.cfg.ScrollbackBytes, m.handleExit, m.logger)
	if err != nil {
		return api.TerminalInfo{}, err
	}

	m.mu.Lock()
	m.terminals[id] = t
	if m.byCwd[cwd] == nil {
		m.byCwd[cwd] = make(map[string]*Terminal)
	}
	m.byCwd[cwd][id] = t
	m.mu.Unlock()

	m.notifyListChanged(cwd)
	return api.TerminalInfo{ID: id, Cwd: cwd, Name: name, CreatedAt: t.createdAt}, nil
}

// Kill terminates a terminal gracefully, forcing after the grace period.
// Exit cleanup (stream exit events, list notification) runs via handleExit.
func (m *Multiplexer) Kill(terminalID string) error {
	m.mu.Lock()
	t, ok := m.terminals[terminalID]
	m.mu.Unlock()
	if !ok {
		return ErrUnknownTerminal
	}
	t.stop()
	return nil
}

// Resize applies a PTY resize.
func (m *Multiplexer) Resize(terminalID string, rows, cols int) error {
	m.mu.Lock()
	t, ok := m.terminals[terminalID]
	m.mu.Unlock()
	if !ok {
		return ErrUnknownTerminal
	}
	return t.Resize(rows, cols)
}

// Attach registers a stream on a terminal, returning the stream id, the
// scrollback snapshot at attach time, and the live event channel. The
// channel closes on detach or terminal exit.
func (m *Multiplexer) Attach(terminalID string) (string, []byte, <-chan StreamEvent, error) {
	m.mu.Lock()
	t, ok := m.terminals[terminalID]
	m.mu.Unlock()
	if !ok {
		return "", nil, nil, ErrUnknownTerminal
	}

	streamID := uuid.New().String()
	snapshot, events, err := t.attach(streamID)
	if err != nil {
		return "", nil, nil, ErrUnknownTerminal
	}

	m.mu.Lock()
	m.streams[streamID] = &stream{id: streamID, terminal: t}
	m.mu.Unlock()
	return streamID, snapshot, events, nil
}

// Detach removes a stream. Idempotent.
func (m *Multiplexer) Detach(streamID string) {
	m.mu.Lock()
	s, ok := m.streams[streamID]
	if ok {
		delete(m.streams, streamID)
	}
	m.mu.Unlock()

	if ok {
		s.terminal.detach(streamID)
	}
}

// TerminalIDForStream resolves the terminal a stream is attached to.
func (m *Multiplexer) TerminalIDForStream(streamID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.streams[streamID]
	if !ok {
		return "", false
	}
	return s.terminal.id, true
}

// WriteStream sends raw bytes to the stream's terminal.
func (m *Multiplexer) WriteStream(streamID string, data []byte) error {
	m.mu.Lock()
	s, ok := m.streams[streamID]
	m.mu.Unlock()
	if !ok {
		return ErrUnknownStream
	}
	_, err := s.terminal.Write(data)
	return err
}

// WriteStreamKey encodes a structured key event and sends it to the
// stream's terminal.
func (m *Multiplexer) WriteStreamKey(streamID string, key api.TerminalKey) error {
	data, err := EncodeKey(key)
	if err != nil {
		return err
	}
	return m.WriteStream(streamID, data)
}

// SubscribeList registers a callback for terminal membership changes in cwd.
// The returned function unsubscribes.
func (m *Multiplexer) SubscribeList(cwd string, callback func([]api.TerminalInfo)) func() {
	subID := uuid.New().String()

	m.mu.Lock()
	if m.listSubs[cwd] == nil {
		m.listSubs[cwd] = make(map[string]func([]api.TerminalInfo))
	}
	m.listSubs[cwd][subID] = callback
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if subs, ok := m.listSubs[cwd]; ok {
			delete(subs, subID)
			if len(subs) == 0 {
				delete(m.listSubs, cwd)
			}
		}
	}
}

// Shutdown stops every terminal.
func (m *Multiplexer) Shutdown() {
	m.mu.Lock()
	m.closed = true
	terminals := make([]*Terminal, 0, len(m.terminals))
	for _, t := range m.terminals {
		terminals = append(terminals, t)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, t := range terminals {
		wg.Add(1)
		go func(t *Terminal) {
			defer wg.Done()
			t.stop()
		}(t)
	}
	wg.Wait()
	m.logger.Info("terminal multiplexer shut down", zap.Int("terminals", len(terminals)))
}

// handleExit removes a dead terminal from the pool and notifies list
// subscribers. Stream subscribers already received their exit events.
func (m *Multiplexer) handleExit(t *Terminal) {
	m.mu.Lock()
	delete(m.terminals, t.id)
	if group, ok := m.byCwd[t.cwd]; ok {
		delete(group, t.id)
		if len(group) == 0 {
			delete(m.byCwd, t.cwd)
		}
	}
	for id, s := range m.streams {
		if s.terminal == t {
			delete(m.streams, id)
		}
	}
	m.mu.Unlock()

	m.notifyListChanged(t.cwd)
}

func (m *Multiplexer) notifyListChanged(cwd string) {
	m.mu.Lock()
	infos := m.listLocked(cwd)
	callbacks := make([]func([]api.TerminalInfo), 0, len(m.listSubs[cwd]))
	for _, cb := range m.listSubs[cwd] {
		callbacks = append(callbacks, cb)
	}
	m.mu.Unlock()

	for _, cb := range callbacks {
		cb(infos)
	}
}
