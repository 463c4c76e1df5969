// Package shellexec runs one-shot commands for the HTTP command endpoint.
// Every exec session keeps its own working directory and environment, so
// a cd in one session never affects another.
package shellexec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"
)

const (
	DefaultTimeout = 30 * time.Second
	DefaultIdleTTL = 30 * time.Minute

	maxOutput = 1 << 20
)

var ErrEmptyCommand = errors.New("empty command")

// Session is the state that persists between commands.
type Session struct {
	ID       string
	Cwd      string
	Env      map[string]string
	LastUsed time.Time
}

// Result is the outcome of one command.
type Result struct {
	SessionID string
	Output    string
	Cwd       string
	ExitCode  int
}

// Store holds exec sessions keyed by ID.
type Store struct {
	mu       sync.Mutex
	sessions map[string]*Session
	shell    string
	timeout  time.Duration
	idleTTL  time.Duration
	now      func() time.Time
	logger   *slog.Logger
}

// NewStore creates a store that runs commands with shell -c.
func NewStore(shell string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Store{
		sessions: make(map[string]*Session),
		shell:    shell,
		timeout:  DefaultTimeout,
		idleTTL:  DefaultIdleTTL,
		now:      time.Now,
		logger:   logger,
	}
}

// SetTimeout changes the per-command deadline.
func (s *Store) SetTimeout(d time.Duration) {
	s.mu.Lock()
	s.timeout = d
	s.mu.Unlock()
}

// Len returns the number of live exec sessions.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// session returns the session for id, creating one when id is empty or
// unknown. The returned copy is safe to use without the lock.
func (s *Store) session(id string) Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for sid, sess := range s.sessions {
		if now.Sub(sess.LastUsed) > s.idleTTL {
			delete(s.sessions, sid)
		}
	}

	sess, ok := s.sessions[id]
	if !ok {
		home, err := os.UserHomeDir()
		if err != nil {
			home = "/"
		}
		sess = &Session{ID: uuid.New().String(), Cwd: home, Env: make(map[string]string)}
		s.sessions[sess.ID] = sess
	}
	sess.LastUsed = now

	cp := *sess
	cp.Env = make(map[string]string, len(sess.Env))
	for k, v := range sess.Env {
		cp.Env[k] = v
	}
	return cp
}

func (s *Store) update(id string, fn func(*Session)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[id]; ok {
		fn(sess)
	}
}

// Exec runs cmd in the session id. An empty or unknown id starts a new
// session whose ID is reported in the result.
func (s *Store) Exec(ctx context.Context, id, cmd string) (*Result, error) {
	cmd = strings.TrimSpace(cmd)
	if cmd == "" {
		return nil, ErrEmptyCommand
	}
	sess := s.session(id)

	if cmd == "cd" || strings.HasPrefix(cmd, "cd ") {
		return s.changeDir(sess, strings.TrimSpace(strings.TrimPrefix(cmd, "cd"))), nil
	}
	if strings.HasPrefix(cmd, "export ") && !strings.ContainsAny(cmd, ";&|`$") {
		if res, ok := s.export(sess, strings.TrimSpace(strings.TrimPrefix(cmd, "export "))); ok {
			return res, nil
		}
	}

	s.mu.Lock()
	timeout := s.timeout
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	c := exec.CommandContext(ctx, s.shell, "-c", cmd)
	c.Dir = sess.Cwd
	c.Env = os.Environ()
	for k, v := range sess.Env {
		c.Env = append(c.Env, k+"="+v)
	}
	// Own process group so a timeout takes down the whole pipeline.
	c.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	c.Cancel = func() error {
		return unix.Kill(-c.Process.Pid, unix.SIGKILL)
	}
	c.WaitDelay = time.Second

	var out limitedBuffer
	out.limit = maxOutput
	c.Stdout = &out
	c.Stderr = &out

	err := c.Run()
	res := &Result{SessionID: sess.ID, Cwd: sess.Cwd, Output: out.String()}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case ctx.Err() == context.DeadlineExceeded:
		res.ExitCode = -1
		res.Output += fmt.Sprintf("command timed out after %s\n", timeout)
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitCode()
	default:
		return nil, fmt.Errorf("run command: %w", err)
	}

	s.logger.Info("exec command", "exec_session", sess.ID, "cwd", sess.Cwd, "exit_code", res.ExitCode)
	return res, nil
}

func (s *Store) changeDir(sess Session, target string) *Result {
	res := &Result{SessionID: sess.ID, Cwd: sess.Cwd}

	switch {
	case target == "" || target == "~":
		home, err := os.UserHomeDir()
		if err != nil {
			home = "/"
		}
		target = home
	case strings.HasPrefix(target, "~/"):
		home, _ := os.UserHomeDir()
		target = filepath.Join(home, target[2:])
	}

	next := target
	if !filepath.IsAbs(next) {
		next = filepath.Join(sess.Cwd, next)
	}
	next = filepath.Clean(next)

	info, err := os.Stat(next)
	if err != nil || !info.IsDir() {
		res.Output = fmt.Sprintf("cd: %s: No such file or directory\n", target)
		res.ExitCode = 1
		return res
	}

	s.update(sess.ID, func(live *Session) { live.Cwd = next })
	res.Cwd = next
	return res
}

// export handles the simple "export KEY=VALUE" form. Anything else falls
// through to the shell, where it has no lasting effect.
func (s *Store) export(sess Session, assignment string) (*Result, bool) {
	key, value, ok := strings.Cut(assignment, "=")
	if !ok || key == "" || strings.ContainsAny(key, " \t") {
		return nil, false
	}
	value = strings.Trim(value, `"'`)
	s.update(sess.ID, func(live *Session) { live.Env[key] = value })
	return &Result{SessionID: sess.ID, Cwd: sess.Cwd}, true
}

// limitedBuffer keeps the first limit bytes and discards the rest.
type limitedBuffer struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	room := b.limit - b.buf.Len()
	if room <= 0 {
		b.truncated = true
		return len(p), nil
	}
	if len(p) > room {
		b.buf.Write(p[:room])
		b.truncated = true
		return len(p), nil
	}
	return b.buf.Write(p)
}

func (b *limitedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.truncated {
		return b.buf.String() + "\n[output truncated]\n"
	}
	return b.buf.String()
}
