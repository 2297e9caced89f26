package agent

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/kodymullinsx/paseo-sub005/internal/common/logger"
)

// storeFileName is the append-only agent log under $PASEO_HOME.
const storeFileName = "agents.jsonl"

// compactionGarbageRatio triggers a rewrite when more than this fraction of
// log lines are superseded.
const compactionGarbageRatio = 0.5

// storeEntry is one line of the append-only log. Deleted marks a tombstone.
// Unknown fields in persisted records are tolerated on read.
type storeEntry struct {
	Record
	Deleted bool `json:"deleted,omitempty"`
}

// Store persists agent records as an append-only JSON log with
// upsert-by-id semantics. Writes are serialized through a single writer
// goroutine; Load replays the log with last-record-wins.
type Store struct {
	path   string
	logger *logger.Logger

	mu      sync.Mutex
	writeCh chan writeReq
	done    chan struct{}
	closed  bool
}

type writeReq struct {
	entry storeEntry
	errCh chan error
}

// NewStore opens (or creates) the agent store under dir.
func NewStore(dir string, log *logger.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}
	s := &Store{
		path:    filepath.Join(dir, storeFileName),
		logger:  log.WithFields(zap.String("component", "agent_store")),
		writeCh: make(chan writeReq, 64),
		done:    make(chan struct{}),
	}
	go s.writeLoop()
	return s, nil
}

// Load replays the log and returns the live records. Unreadable lines are
// skipped with a structured log, never a failure. When the garbage ratio is
// high the log is compacted in place.
func (s *Store) Load() ([]Record, error) {
	f, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open agent store: %w", err)
	}
	defer f.Close()

	live := make(map[string]Record)
	order := []string{}
	totalLines := 0

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		totalLines++

		var entry storeEntry
		if err := json.Unmarshal(line, &entry); err != nil {
			s.logger.Warn("skipping unreadable agent record",
				zap.Int("line", totalLines),
				zap.Error(err))
			continue
		}
		if entry.ID == "" {
			s.logger.Warn("skipping agent record without id", zap.Int("line", totalLines))
			continue
		}

		if entry.Deleted {
			delete(live, entry.ID)
			continue
		}
		if _, seen := live[entry.ID]; !seen {
			order = append(order, entry.ID)
		}
		live[entry.ID] = entry.Record
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan agent store: %w", err)
	}

	records := make([]Record, 0, len(live))
	for _, id := range order {
		if rec, ok := live[id]; ok {
			records = append(records, rec)
		}
	}

	if totalLines > 0 && float64(totalLines-len(records)) > compactionGarbageRatio*float64(totalLines) {
		if err := s.compact(records); err != nil {
			s.logger.Warn("agent store compaction failed", zap.Error(err))
		}
	}

	return records, nil
}

// Upsert appends the record. Repeated upserts of the same record are
// idempotent from the reader's perspective (last record wins).
func (s *Store) Upsert(rec Record) error {
	return s.write(storeEntry{Record: rec})
}

// Remove appends a tombstone for the agent id.
func (s *Store) Remove(id string) error {
	return s.write(storeEntry{Record: Record{ID: id}, Deleted: true})
}

// Close stops the writer goroutine after draining queued writes.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.writeCh)
	s.mu.Unlock()

	<-s.done
	return nil
}

func (s *Store) write(entry storeEntry) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("agent store is closed")
	}
	req := writeReq{entry: entry, errCh: make(chan error, 1)}
	s.writeCh <- req
	s.mu.Unlock()

	return <-req.errCh
}

func (s *Store) writeLoop() {
	defer close(s.done)

	for req := range s.writeCh {
		req.errCh <- s.appendEntry(req.entry)
	}
}

func (s *Store) appendEntry(entry storeEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal agent record: %w", err)
	}

	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open agent store: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to append agent record: %w", err)
	}
	return nil
}

// compact rewrites the log to contain only live records. Runs during Load,
// before the writer receives any traffic for the new process.
func (s *Store) compact(records []Record) error {
	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}

	w := bufio.NewWriter(f)
	for _, rec := range records {
		data, err := json.Marshal(storeEntry{Record: rec})
		if err != nil {
			f.Close()
			return err
		}
		if _, err := w.Write(append(data, '\n')); err != nil {
			f.Close()
			return err
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}

	s.logger.Info("compacted agent store", zap.Int("records", len(records)))
	return os.Rename(tmp, s.path)
}
