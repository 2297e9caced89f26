// Package terminal implements the PTY multiplexer: a pool of shell terminals
// keyed by working directory, each with capped scrollback and attachable byte
// streams.
package terminal

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/creack/pty"
	"go.uber.org/zap"

	"github.com/kodymullinsx/paseo-sub005/internal/common/logger"
)

// stopTimeout bounds the graceful exit window before the shell is killed.
const stopTimeout = 5 * time.Second

// subscriberBuffer is the per-stream event queue depth. A subscriber that
// falls this far behind is force-detached; re-attaching yields a fresh
// gap-free snapshot.
const subscriberBuffer = 256

// StreamEvent is one delivery on an attached stream: output bytes, or the
// terminal's exit.
type StreamEvent struct {
	Data []byte
	Exit bool
}

// Terminal is one PTY-backed shell. Output ordering is preserved: scrollback
// append and subscriber delivery happen under one lock, so an attach sees a
// snapshot plus live tail with no gaps or duplicates.
type Terminal struct {
	id        string
	cwd       string
	name      string
	createdAt time.Time

	logger        *logger.Logger
	scrollbackCap int
	onExit        func(*Terminal)

	pty *os.File
	cmd *exec.Cmd

	mu          sync.Mutex
	scrollback  []byte
	subscribers map[string]chan StreamEvent
	running     bool
	stopping    bool
	rows, cols  int

	doneCh chan struct{}
}

func startTerminal(id, cwd, name string, scrollbackCap int, onExit func(*Terminal), log *logger.Logger) (*Terminal, error) {
	shell, args := detectShell()

	t := &Terminal{
		id:            id,
		cwd:           cwd,
		name:          name,
		createdAt:     time.Now().UTC(),
		logger:        log.WithFields(zap.String("terminal_id", id)),
		scrollbackCap: scrollbackCap,
		onExit:        onExit,
		subscribers:   make(map[string]chan StreamEvent),
		rows:          24,
		cols:          80,
		doneCh:        make(chan struct{}),
	}

	t.cmd = exec.Command(shell, args...)
	t.cmd.Dir = cwd
	t.cmd.Env = buildShellEnv(cwd)

	var err error
	t.pty, err = pty.StartWithSize(t.cmd, &pty.Winsize{Rows: 24, Cols: 80})
	if err != nil {
		return nil, fmt.Errorf("failed to start PTY: %w", err)
	}
	t.running = true

	t.logger.Info("terminal started",
		zap.String("shell", shell),
		zap.String("cwd", cwd),
		zap.Int("pid", t.cmd.Process.Pid))

	go t.readOutput()
	go t.waitForExit()
	return t, nil
}

// detectShell returns the user's shell and login args.
func detectShell() (string, []string) {
	if shell := os.Getenv("SHELL"); shell != "" {
		return shell, []string{"-l"}
	}
	for _, sh := range []string{"/bin/bash", "/bin/zsh", "/bin/sh"} {
		if _, err := os.Stat(sh); err == nil {
			return sh, []string{"-l"}
		}
	}
	return "/bin/sh", nil
}

func buildShellEnv(cwd string) []string {
	env := os.Environ()
	env = append(env, "PWD="+cwd)
	env = append(env, "TERM=xterm-256color")
	return env
}

// Write sends raw input bytes to the PTY.
func (t *Terminal) Write(data []byte) (int, error) {
	t.mu.Lock()
	running := t.running
	p := t.pty
	t.mu.Unlock()

	if !running || p == nil {
		return 0, fmt.Errorf("terminal not running")
	}
	return p.Write(data)
}

// Resize applies a new PTY size. Idempotent for equal sizes.
func (t *Terminal) Resize(rows, cols int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.running || t.pty == nil {
		return fmt.Errorf("terminal not running")
	}
	if rows == t.rows && cols == t.cols {
		return nil
	}
	if err := pty.Setsize(t.pty, &pty.Winsize{Rows: uint16(rows), Cols: uint16(cols)}); err != nil {
		return fmt.Errorf("failed to resize PTY: %w", err)
	}
	t.rows, t.cols = rows, cols
	return nil
}

// attach registers a subscriber and returns the scrollback snapshot taken at
// the same instant, so the snapshot and subsequent events form a contiguous
// byte stream.
func (t *Terminal) attach(streamID string) ([]byte, <-chan StreamEvent, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.running {
		return nil, nil, fmt.Errorf("terminal not running")
	}

	snapshot := make([]byte, len(t.scrollback))
	copy(snapshot, t.scrollback)

	ch := make(chan StreamEvent, subscriberBuffer)
	t.subscribers[streamID] = ch
	return snapshot, ch, nil
}

// detach removes a subscriber. Safe to call after exit.
func (t *Terminal) detach(streamID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if ch, ok := t.subscribers[streamID]; ok {
		delete(t.subscribers, streamID)
		close(ch)
	}
}

// stop terminates the shell: close the PTY (SIGHUP), then force-kill after
// the grace period.
func (t *Terminal) stop() {
	t.mu.Lock()
	if !t.running || t.stopping {
		t.mu.Unlock()
		<-t.doneCh
		return
	}
	t.stopping = true
	p := t.pty
	t.mu.Unlock()

	if p != nil {
		_ = p.Close()
	}

	select {
	case <-t.doneCh:
	case <-time.After(stopTimeout):
		t.logger.Warn("terminal stop timeout, force killing")
		if t.cmd != nil && t.cmd.Process != nil {
			_ = t.cmd.Process.Kill()
		}
		<-t.doneCh
	}
}

func (t *Terminal) readOutput() {
	buf := make([]byte, 4096)
	for {
		n, err := t.pty.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			t.broadcast(data)
		}
		if err != nil {
			if err != io.EOF {
				t.logger.Debug("terminal read error", zap.Error(err))
			}
			return
		}
	}
}

// broadcast appends to scrollback and delivers to subscribers under one
// lock. A subscriber whose queue is full is force-detached rather than
// handed a gap.
func (t *Terminal) broadcast(data []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.scrollback = append(t.scrollback, data...)
	if len(t.scrollback) > t.scrollbackCap {
		t.scrollback = t.scrollback[len(t.scrollback)-t.scrollbackCap:]
	}

	for id, ch := range t.subscribers {
		select {
		case ch <- StreamEvent{Data: data}:
		default:
			t.logger.Warn("terminal subscriber too slow, detaching",
				zap.String("stream_id", id))
			delete(t.subscribers, id)
			close(ch)
		}
	}
}

func (t *Terminal) waitForExit() {
	if t.cmd != nil {
		_ = t.cmd.Wait()
	}

	t.mu.Lock()
	t.running = false
	for id, ch := range t.subscribers {
		select {
		case ch <- StreamEvent{Exit: true}:
		default:
		}
		delete(t.subscribers, id)
		close(ch)
	}
	t.mu.Unlock()

	close(t.doneCh)
	t.logger.Info("terminal exited")

	if t.onExit != nil {
		t.onExit(t)
	}
}
