package session

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/creack/pty"
	"github.com/google/uuid"
	"golang.org/x/sys/unix"
)

const (
	DefaultCols            = 80
	DefaultRows            = 30
	DefaultScrollbackBytes = 64 * 1024

	readBufSize = 4096
	// drainTimeout bounds how long the reaper waits for the PTY reader to
	// hit EOF after the shell exits.
	drainTimeout = 2 * time.Second
)

// Manager owns the shell processes behind terminal sessions. Each session
// has exactly one process and at most one output subscriber.
type Manager struct {
	mu              sync.RWMutex
	sessions        map[string]*managedSession
	maxSessions     int
	scrollbackBytes int
	logger          *slog.Logger
}

type managedSession struct {
	Session *Session
	cmd     *exec.Cmd
	ptmx    *os.File

	writeMu    sync.Mutex
	scrollback *RingBuffer
	queue      *outputQueue
	output     chan []byte

	subscribed bool
	readerDone chan struct{}
	released   chan struct{}
	done       chan struct{}
	killOnce   sync.Once
}

// Stream is the output side of a session as seen by its single subscriber.
// Output is closed after the last byte has been delivered; Done is closed
// once the process has been reaped.
type Stream struct {
	Output <-chan []byte
	Done   <-chan struct{}
}

// NewManager creates a new session manager.
func NewManager(maxSessions, scrollbackBytes int, logger *slog.Logger) *Manager {
	if scrollbackBytes <= 0 {
		scrollbackBytes = DefaultScrollbackBytes
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Manager{
		sessions:        make(map[string]*managedSession),
		maxSessions:     maxSessions,
		scrollbackBytes: scrollbackBytes,
		logger:          logger,
	}
}

// DefaultShell returns $SHELL when it is executable, otherwise the first of
// /bin/bash and /bin/sh found on the system.
func DefaultShell() string {
	if sh := os.Getenv("SHELL"); sh != "" {
		if path, err := exec.LookPath(sh); err == nil {
			return path
		}
	}
	for _, candidate := range []string{"/bin/bash", "/bin/sh"} {
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}
	return "sh"
}

// Create spawns a shell attached to a new PTY.
func (m *Manager) Create(opts Options) (*Session, error) {
	if opts.Shell == "" {
		opts.Shell = DefaultShell()
	}
	if opts.Cols == 0 || opts.Rows == 0 {
		opts.Cols, opts.Rows = DefaultCols, DefaultRows
	}
	if opts.WorkDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			home = "/"
		}
		opts.WorkDir = home
	}

	info, err := os.Stat(opts.WorkDir)
	if err != nil {
		return nil, fmt.Errorf("%w: working directory does not exist: %s", ErrSpawnFailed, opts.WorkDir)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: path is not a directory: %s", ErrSpawnFailed, opts.WorkDir)
	}

	binaryPath, err := exec.LookPath(opts.Shell)
	if err != nil {
		return nil, fmt.Errorf("%w: shell %q not found: %v", ErrSpawnFailed, opts.Shell, err)
	}

	m.mu.Lock()
	if m.liveCountLocked() >= m.maxSessions {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w (%d)", ErrLimitReached, m.maxSessions)
	}

	id := uuid.New().String()
	sess := &Session{
		ID:        id,
		State:     StateCreating,
		Shell:     binaryPath,
		WorkDir:   opts.WorkDir,
		Cols:      opts.Cols,
		Rows:      opts.Rows,
		CreatedAt: time.Now().UTC(),
	}
	// Reserve the slot before spawning so concurrent creates respect the limit.
	ms := &managedSession{Session: sess}
	m.sessions[id] = ms
	m.mu.Unlock()

	cmd := exec.Command(binaryPath, opts.Args...)
	cmd.Dir = opts.WorkDir
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")
	cmd.Env = append(cmd.Env, opts.Env...)

	// StartWithSize puts the child in its own session with the PTY as its
	// controlling terminal, so the process group id equals the pid.
	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: opts.Cols, Rows: opts.Rows})
	if err != nil {
		m.mu.Lock()
		delete(m.sessions, id)
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: start %s: %v", ErrSpawnFailed, binaryPath, err)
	}

	m.mu.Lock()
	ms.cmd = cmd
	ms.ptmx = ptmx
	ms.scrollback = NewRingBuffer(m.scrollbackBytes)
	ms.queue = newOutputQueue()
	ms.output = make(chan []byte)
	ms.readerDone = make(chan struct{})
	ms.released = make(chan struct{})
	ms.done = make(chan struct{})
	sess.PID = cmd.Process.Pid
	sess.State = StateActive
	snapshot := *sess
	m.mu.Unlock()

	m.logger.Info("session started",
		"session_id", id,
		"shell", binaryPath,
		"pid", snapshot.PID,
		"cols", opts.Cols,
		"rows", opts.Rows,
	)

	go m.readOutput(ms)
	go m.forwardOutput(ms)
	go m.waitForExit(ms)

	return &snapshot, nil
}

func (m *Manager) liveCountLocked() int {
	count := 0
	for _, ms := range m.sessions {
		if ms.Session.State != StateTerminated {
			count++
		}
	}
	return count
}

// readOutput copies PTY output into the scrollback and the output queue
// until the PTY reports EOF or EIO.
func (m *Manager) readOutput(ms *managedSession) {
	defer close(ms.readerDone)
	defer ms.queue.close()

	buf := make([]byte, readBufSize)
	for {
		n, err := ms.ptmx.Read(buf)
		if n > 0 {
			ms.scrollback.Write(buf[:n])
			ms.queue.push(buf[:n])
		}
		if err != nil {
			// EIO is how Linux reports that the slave side closed.
			if !errors.Is(err, io.EOF) && !errors.Is(err, unix.EIO) && !errors.Is(err, os.ErrClosed) {
				m.logger.Warn("pty read error", "session_id", ms.Session.ID, "error", err)
			}
			return
		}
	}
}

// forwardOutput hands queued chunks to the subscriber in order.
func (m *Manager) forwardOutput(ms *managedSession) {
	defer close(ms.output)
	for {
		chunk, ok := ms.queue.pop()
		if !ok {
			return
		}
		select {
		case ms.output <- chunk:
		case <-ms.released:
			return
		}
	}
}

// waitForExit reaps the shell, collects the exit code and releases the PTY.
func (m *Manager) waitForExit(ms *managedSession) {
	err := ms.cmd.Wait()

	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
	}

	// Background jobs left in the shell's process group would otherwise
	// keep the PTY slave open and the session alive.
	killGroup(ms.cmd.Process.Pid)

	select {
	case <-ms.readerDone:
	case <-time.After(drainTimeout):
	}
	ms.ptmx.Close()

	m.mu.Lock()
	ms.Session.State = StateTerminated
	ms.Session.ExitCode = exitCode
	m.mu.Unlock()

	m.logger.Info("session exited", "session_id", ms.Session.ID, "exit_code", exitCode)
	close(ms.done)
}

func killGroup(pid int) {
	if pid <= 0 {
		return
	}
	// Negative pid addresses the whole process group.
	if err := unix.Kill(-pid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
		unix.Kill(pid, unix.SIGKILL)
	}
}

func (m *Manager) lookup(id string) (*managedSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ms, ok := m.sessions[id]
	if !ok || ms.ptmx == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return ms, nil
}

// Get returns a snapshot of a session by ID.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ms, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	snapshot := *ms.Session
	return &snapshot, nil
}

// List returns snapshots of all sessions.
func (m *Manager) List() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*Session, 0, len(m.sessions))
	for _, ms := range m.sessions {
		snapshot := *ms.Session
		result = append(result, &snapshot)
	}
	return result
}

// Write forwards raw input bytes to the shell in call order.
func (m *Manager) Write(id string, data []byte) error {
	ms, err := m.lookup(id)
	if err != nil {
		return err
	}
	if m.terminated(ms) {
		return fmt.Errorf("%w: %s", ErrTerminated, id)
	}

	ms.writeMu.Lock()
	defer ms.writeMu.Unlock()
	if _, err := ms.ptmx.Write(data); err != nil {
		return fmt.Errorf("write to session %s: %w", id, err)
	}
	return nil
}

// Resize propagates a new geometry to the PTY. A zero dimension is ignored.
func (m *Manager) Resize(id string, cols, rows uint16) error {
	if cols == 0 || rows == 0 {
		return nil
	}
	ms, err := m.lookup(id)
	if err != nil {
		return err
	}
	if m.terminated(ms) {
		return fmt.Errorf("%w: %s", ErrTerminated, id)
	}

	if err := pty.Setsize(ms.ptmx, &pty.Winsize{Cols: cols, Rows: rows}); err != nil {
		return fmt.Errorf("resize session %s: %w", id, err)
	}

	m.mu.Lock()
	ms.Session.Cols = cols
	ms.Session.Rows = rows
	m.mu.Unlock()

	m.logger.Debug("session resized", "session_id", id, "cols", cols, "rows", rows)
	return nil
}

// Size reads the geometry the shell currently sees on its terminal.
func (m *Manager) Size(id string) (Size, error) {
	ms, err := m.lookup(id)
	if err != nil {
		return Size{}, err
	}
	ws, err := pty.GetsizeFull(ms.ptmx)
	if err != nil {
		return Size{}, fmt.Errorf("read size of session %s: %w", id, err)
	}
	return Size{Cols: ws.Cols, Rows: ws.Rows}, nil
}

// Subscribe attaches the single output consumer of a session.
func (m *Manager) Subscribe(id string) (*Stream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ms, ok := m.sessions[id]
	if !ok || ms.ptmx == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if ms.subscribed {
		return nil, fmt.Errorf("session %s already has a subscriber", id)
	}
	ms.subscribed = true
	return &Stream{Output: ms.output, Done: ms.done}, nil
}

// Scrollback returns the most recent output of a session.
func (m *Manager) Scrollback(id string) ([]byte, error) {
	ms, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	return ms.scrollback.Bytes(), nil
}

// Pending reports output bytes queued but not yet taken by the subscriber.
func (m *Manager) Pending(id string) (int, error) {
	ms, err := m.lookup(id)
	if err != nil {
		return 0, err
	}
	return ms.queue.pending(), nil
}

// Kill terminates a session's process group immediately and releases the
// PTY. Killing a terminated session is a no-op.
func (m *Manager) Kill(id string) error {
	ms, err := m.lookup(id)
	if err != nil {
		return err
	}

	ms.killOnce.Do(func() {
		close(ms.released)
		if !m.terminated(ms) {
			killGroup(ms.cmd.Process.Pid)
			m.logger.Info("session killed", "session_id", id)
		}
		ms.ptmx.Close()
	})
	return nil
}

// Remove kills a session and forgets it once it has been reaped.
func (m *Manager) Remove(id string) {
	ms, err := m.lookup(id)
	if err != nil {
		return
	}
	m.Kill(id)
	go func() {
		<-ms.done
		m.mu.Lock()
		delete(m.sessions, id)
		m.mu.Unlock()
	}()
}

// Done returns a channel closed once the session's process has been reaped.
func (m *Manager) Done(id string) (<-chan struct{}, error) {
	ms, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	return ms.done, nil
}

func (m *Manager) terminated(ms *managedSession) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return ms.Session.State == StateTerminated
}

// Shutdown kills every live session and waits for them to be reaped.
func (m *Manager) Shutdown() {
	m.mu.RLock()
	ids := make([]string, 0, len(m.sessions))
	for id, ms := range m.sessions {
		if ms.ptmx != nil {
			ids = append(ids, id)
		}
	}
	m.mu.RUnlock()

	for _, id := range ids {
		m.Kill(id)
	}
	for _, id := range ids {
		if done, err := m.Done(id); err == nil {
			select {
			case <-done:
			case <-time.After(drainTimeout):
				m.logger.Warn("session did not exit in time", "session_id", id)
			}
		}
	}
}
