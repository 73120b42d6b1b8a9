// Package termattach binds a pseudo-terminal to a frame's named
// multiplexer session through its per-frame control socket, and emits
// data/exit/error signals back to its owner (the home tunnel client).
package termattach

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
)

// DetachKeys names the tmux command (detach-client) used for a graceful
// detach; Close runs that command directly rather than sending keys.
const DetachKeys = "detach-client"

// CloseGracePeriod bounds how long Close waits for a graceful detach
// before escalating to SIGTERM.
const CloseGracePeriod = 3 * time.Second

// ErrChannelExists is returned by Open when channelID is already attached.
var ErrChannelExists = errors.New("termattach: channel already open")

// ErrChannelNotFound is returned by Write/Resize/Close for an unknown
// channelID.
var ErrChannelNotFound = errors.New("termattach: channel not found")

// Signals is the set of callbacks an Adapter's owner registers to receive
// session events.
type Signals struct {
	OnData  func(channelID string, data []byte)
	OnExit  func(channelID string, code *int)
	OnError func(channelID string, err error)
}

// Session is one live PTY bound to a multiplexer session.
type Session struct {
	ChannelID   string
	FrameID     string
	SocketPath  string
	SessionName string
	Cols, Rows  int

	pty *os.File
	cmd *exec.Cmd

	// done is closed exactly once, by waitExit, after cmd.Wait returns.
	// Close and CloseAll must never call cmd.Wait themselves — exec.Cmd
	// forbids more than one concurrent/subsequent Wait call on the same
	// process — so they block on done instead.
	done chan struct{}

	mu     sync.Mutex
	closed bool
}

// Adapter manages the set of live terminal sessions for one home agent
// process. At most one session exists per channel id at a time.
type Adapter struct {
	mu       sync.Mutex
	sessions map[string]*Session
	signals  Signals
	logger   *slog.Logger
}

// New creates a terminal attach adapter that reports events through
// signals.
func New(signals Signals, logger *slog.Logger) *Adapter {
	return &Adapter{
		sessions: make(map[string]*Session),
		signals:  signals,
		logger:   logger,
	}
}

// Open spawns a PTY attached to the named multiplexer session via
// socketPath. A second Open for the same channelID is rejected without
// disturbing the existing session.
func (a *Adapter) Open(channelID, frameID, socketPath, sessionName string, cols, rows int) (*Session, error) {
	a.mu.Lock()
	if _, exists := a.sessions[channelID]; exists {
		a.mu.Unlock()
		return nil, ErrChannelExists
	}
	a.mu.Unlock()

	cmd := exec.Command("tmux", "-S", socketPath, "attach-session", "-t", sessionName)
	ptyFile, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: uint16(rows), Cols: uint16(cols)})
	if err != nil {
		return nil, fmt.Errorf("attach pty to session %s: %w", sessionName, err)
	}

	sess := &Session{
		ChannelID:   channelID,
		FrameID:     frameID,
		SocketPath:  socketPath,
		SessionName: sessionName,
		Cols:        cols,
		Rows:        rows,
		pty:         ptyFile,
		cmd:         cmd,
		done:        make(chan struct{}),
	}

	a.mu.Lock()
	if _, exists := a.sessions[channelID]; exists {
		a.mu.Unlock()
		ptyFile.Close()
		_ = cmd.Process.Kill()
		return nil, ErrChannelExists
	}
	a.sessions[channelID] = sess
	a.mu.Unlock()

	go a.pumpOutput(sess)
	go a.waitExit(sess)

	return sess, nil
}

func (a *Adapter) pumpOutput(sess *Session) {
	buf := make([]byte, 4096)
	for {
		n, err := sess.pty.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			if a.signals.OnData != nil {
				a.signals.OnData(sess.ChannelID, data)
			}
		}
		if err != nil {
			return
		}
	}
}

func (a *Adapter) waitExit(sess *Session) {
	err := sess.cmd.Wait()
	close(sess.done)

	a.mu.Lock()
	delete(a.sessions, sess.ChannelID)
	a.mu.Unlock()

	sess.mu.Lock()
	sess.closed = true
	sess.mu.Unlock()
	sess.pty.Close()

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code := exitErr.ExitCode()
			if a.signals.OnExit != nil {
				a.signals.OnExit(sess.ChannelID, &code)
			}
			return
		}
		if a.signals.OnError != nil {
			a.signals.OnError(sess.ChannelID, err)
		}
		return
	}
	if a.signals.OnExit != nil {
		a.signals.OnExit(sess.ChannelID, nil)
	}
}

// Write sends bytes to the PTY for channelID.
func (a *Adapter) Write(channelID string, data []byte) error {
	sess, err := a.get(channelID)
	if err != nil {
		return err
	}
	if _, err := sess.pty.Write(data); err != nil {
		return fmt.Errorf("write to channel %s: %w", channelID, err)
	}
	return nil
}

// Resize resizes both the host PTY and the remote multiplexer session;
// the PTY alone (SIGWINCH) is not sufficient because the multiplexer
// tracks its own pane geometry independent of the attaching terminal.
func (a *Adapter) Resize(channelID string, cols, rows int) error {
	sess, err := a.get(channelID)
	if err != nil {
		return err
	}

	if resizeErr := pty.Setsize(sess.pty, &pty.Winsize{Rows: uint16(rows), Cols: uint16(cols)}); resizeErr != nil {
		return fmt.Errorf("resize pty for channel %s: %w", channelID, resizeErr)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	cmd := exec.CommandContext(ctx, "tmux", "-S", sess.SocketPath, "resize-window", "-t", sess.SessionName,
		"-x", fmt.Sprintf("%d", cols), "-y", fmt.Sprintf("%d", rows))
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("resize multiplexer session %s: %w: %s", sess.SessionName, err, stderr.String())
	}

	sess.mu.Lock()
	sess.Cols, sess.Rows = cols, rows
	sess.mu.Unlock()
	return nil
}

// Close detaches the session gracefully, escalating to SIGTERM after
// CloseGracePeriod if the process has not exited.
func (a *Adapter) Close(channelID string) error {
	sess, err := a.get(channelID)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	detachCmd := exec.CommandContext(ctx, "tmux", "-S", sess.SocketPath, "detach-client", "-s", sess.SessionName)
	_ = detachCmd.Run()

	select {
	case <-sess.done:
		return nil
	case <-time.After(CloseGracePeriod):
		if sess.cmd.Process != nil {
			_ = sess.cmd.Process.Signal(syscall.SIGTERM)
		}
		// waitExit's own cmd.Wait, already in flight, observes the exit
		// and closes sess.done; nothing further to wait on here.
		return nil
	}
}

// CloseAll closes every open channel.
func (a *Adapter) CloseAll() {
	a.mu.Lock()
	channels := make([]string, 0, len(a.sessions))
	for id := range a.sessions {
		channels = append(channels, id)
	}
	a.mu.Unlock()

	for _, id := range channels {
		_ = a.Close(id)
	}
}

func (a *Adapter) get(channelID string) (*Session, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	sess, ok := a.sessions[channelID]
	if !ok {
		return nil, ErrChannelNotFound
	}
	return sess, nil
}

// OpenChannels returns the ids of every currently attached channel, for
// diagnostics.
func (a *Adapter) OpenChannels() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	ids := make([]string, 0, len(a.sessions))
	for id := range a.sessions {
		ids = append(ids, id)
	}
	return ids
}
