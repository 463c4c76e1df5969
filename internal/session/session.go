package session

import (
	"errors"
	"time"
)

// State represents the lifecycle state of a session.
type State string

const (
	StateCreating   State = "creating"
	StateActive     State = "active"
	StateTerminated State = "terminated"
)

var (
	ErrNotFound     = errors.New("session not found")
	ErrTerminated   = errors.New("session terminated")
	ErrLimitReached = errors.New("maximum session limit reached")
	ErrSpawnFailed  = errors.New("shell spawn failed")
)

// Session holds metadata and state for a single shell attached to a PTY.
type Session struct {
	ID        string    `json:"id"`
	State     State     `json:"state"`
	Shell     string    `json:"shell"`
	WorkDir   string    `json:"workDir"`
	Cols      uint16    `json:"cols"`
	Rows      uint16    `json:"rows"`
	PID       int       `json:"pid"`
	ExitCode  int       `json:"exitCode"`
	CreatedAt time.Time `json:"createdAt"`
}

// Options controls how a shell is spawned.
type Options struct {
	// Shell is the program to run. Empty means DefaultShell().
	Shell string
	Args  []string
	// WorkDir defaults to the user's home directory.
	WorkDir string
	// Env is appended to the inherited server environment.
	Env  []string
	Cols uint16
	Rows uint16
}

// Size is a terminal geometry in character cells.
type Size struct {
	Cols uint16 `json:"cols"`
	Rows uint16 `json:"rows"`
}
