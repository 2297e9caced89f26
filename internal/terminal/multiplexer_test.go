package terminal

import (
	"bytes"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tuzig/vt10x"

	"github.com/kodymullinsx/paseo-sub005/internal/common/logger"
	"github.com/kodymullinsx/paseo-sub005/pkg/api"
)

func newMuxTestLogger() *logger.Logger {
	log, _ := logger.NewLogger(logger.LoggingConfig{
		Level:  "error",
		Format: "console",
	})
	return log
}

func newTestMux(t *testing.T) *Multiplexer {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("PTY tests require a Unix platform")
	}
	t.Setenv("SHELL", "/bin/sh")

	m := NewMultiplexer(Config{ScrollbackBytes: 64 * 1024}, newMuxTestLogger())
	t.Cleanup(m.Shutdown)
	return m
}

// drain collects stream events until the channel closes or the timeout
// elapses, returning concatenated output and whether an exit was seen.
func drain(events <-chan StreamEvent, timeout time.Duration) ([]byte, bool) {
	var buf bytes.Buffer
	exit := false
	deadline := time.After(timeout)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return buf.Bytes(), exit
			}
			if ev.Exit {
				exit = true
			}
			buf.Write(ev.Data)
		case <-deadline:
			return buf.Bytes(), exit
		}
	}
}

func TestCreateListsTerminalImmediately(t *testing.T) {
	m := newTestMux(t)
	cwd := t.TempDir()

	info, err := m.Create(cwd)
	require.NoError(t, err)
	assert.NotEmpty(t, info.ID)
	assert.NotEmpty(t, info.Name)

	list := m.List(cwd)
	require.Len(t, list, 1)
	assert.Equal(t, info.ID, list[0].ID)

	assert.Empty(t, m.List(t.TempDir()))
}

func TestCreateRejectsBadCwd(t *testing.T) {
	m := newTestMux(t)
	_, err := m.Create("/does/not/exist")
	assert.Error(t, err)
}

func TestAttachSnapshotPlusTailHasNoGaps(t *testing.T) {
	m := newTestMux(t)
	cwd := t.TempDir()

	info, err := m.Create(cwd)
	require.NoError(t, err)

	// First attachment drives the shell and collects all output.
	s1, snap1, ev1, err := m.Attach(info.ID)
	require.NoError(t, err)
	defer m.Detach(s1)

	require.NoError(t, m.WriteStream(s1, []byte("echo paseo-marker-one\n")))

	require.Eventually(t, func() bool {
		out, _ := drainNonBlocking(ev1)
		snap1 = append(snap1, out...)
		return strings.Contains(string(snap1), "paseo-marker-one")
	}, 5*time.Second, 50*time.Millisecond)

	// A late attachment must see the marker in its snapshot-plus-tail view.
	s2, snap2, ev2, err := m.Attach(info.ID)
	require.NoError(t, err)
	defer m.Detach(s2)

	require.NoError(t, m.WriteStream(s2, []byte("echo paseo-marker-two\n")))

	collected := append([]byte(nil), snap2...)
	require.Eventually(t, func() bool {
		out, _ := drainNonBlocking(ev2)
		collected = append(collected, out...)
		full := string(collected)
		return strings.Contains(full, "paseo-marker-one") && strings.Contains(full, "paseo-marker-two")
	}, 5*time.Second, 50*time.Millisecond)
}

// drainNonBlocking pulls whatever is queued without waiting.
func drainNonBlocking(events <-chan StreamEvent) ([]byte, bool) {
	var buf bytes.Buffer
	exit := false
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return buf.Bytes(), exit
			}
			if ev.Exit {
				exit = true
			}
			buf.Write(ev.Data)
		default:
			return buf.Bytes(), exit
		}
	}
}

func TestKillDeliversExitAndRemovesTerminal(t *testing.T) {
	m := newTestMux(t)
	cwd := t.TempDir()

	info, err := m.Create(cwd)
	require.NoError(t, err)

	var listMu sync.Mutex
	var lastList []api.TerminalInfo
	notified := make(chan struct{}, 4)
	unsub := m.SubscribeList(cwd, func(infos []api.TerminalInfo) {
		listMu.Lock()
		lastList = infos
		listMu.Unlock()
		select {
		case notified <- struct{}{}:
		default:
		}
	})
	defer unsub()

	_, _, events, err := m.Attach(info.ID)
	require.NoError(t, err)

	require.NoError(t, m.Kill(info.ID))

	_, sawExit := drain(events, 5*time.Second)
	assert.True(t, sawExit)

	require.Eventually(t, func() bool {
		listMu.Lock()
		defer listMu.Unlock()
		return lastList != nil && len(lastList) == 0
	}, 5*time.Second, 50*time.Millisecond)

	// The terminal is gone: new attachments fail.
	_, _, _, err = m.Attach(info.ID)
	assert.ErrorIs(t, err, ErrUnknownTerminal)

	err = m.Kill(info.ID)
	assert.ErrorIs(t, err, ErrUnknownTerminal)
}

func TestResizeIsIdempotent(t *testing.T) {
	m := newTestMux(t)
	info, err := m.Create(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, m.Resize(info.ID, 40, 120))
	require.NoError(t, m.Resize(info.ID, 40, 120))
	require.NoError(t, m.Resize(info.ID, 24, 80))

	assert.ErrorIs(t, m.Resize("nope", 24, 80), ErrUnknownTerminal)
}

func TestStreamKeyRoundTripThroughEmulator(t *testing.T) {
	m := newTestMux(t)
	info, err := m.Create(t.TempDir())
	require.NoError(t, err)

	streamID, snapshot, events, err := m.Attach(info.ID)
	require.NoError(t, err)
	defer m.Detach(streamID)

	require.NoError(t, m.WriteStream(streamID, []byte("echo vt-check")))
	require.NoError(t, m.WriteStreamKey(streamID, api.TerminalKey{Key: "Enter"}))

	term := vt10x.New(vt10x.WithSize(80, 24))
	_, _ = term.Write(snapshot)

	require.Eventually(t, func() bool {
		out, _ := drainNonBlocking(events)
		_, _ = term.Write(out)
		return strings.Contains(screenText(term), "vt-check")
	}, 5*time.Second, 50*time.Millisecond)
}

// screenText flattens the emulator screen into a single string.
func screenText(term vt10x.Terminal) string {
	var sb strings.Builder
	for row := 0; row < 24; row++ {
		for col := 0; col < 80; col++ {
			g := term.Cell(col, row)
			if g.Char == 0 {
				sb.WriteRune(' ')
			} else {
				sb.WriteRune(g.Char)
			}
		}
		sb.WriteRune('\n')
	}
	return sb.String()
}

func TestDetachIsIdempotent(t *testing.T) {
	m := newTestMux(t)
	info, err := m.Create(t.TempDir())
	require.NoError(t, err)

	streamID, _, _, err := m.Attach(info.ID)
	require.NoError(t, err)

	m.Detach(streamID)
	m.Detach(streamID)

	assert.ErrorIs(t, m.WriteStream(streamID, []byte("x")), ErrUnknownStream)
}
