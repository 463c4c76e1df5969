//go:build unix

package terminal

import (
	"os"
	"os/signal"

	"golang.org/x/sys/unix"
	"golang.org/x/term"
)

// LocalSize reads the geometry of a local terminal and reports SIGWINCH.
type LocalSize struct {
	fd      int
	sigs    chan os.Signal
	changes chan struct{}
	stop    chan struct{}
}

// WatchLocalSize starts listening for window changes on fd.
func WatchLocalSize(fd int) *LocalSize {
	l := &LocalSize{
		fd:      fd,
		sigs:    make(chan os.Signal, 1),
		changes: make(chan struct{}, 1),
		stop:    make(chan struct{}),
	}
	signal.Notify(l.sigs, unix.SIGWINCH)
	go func() {
		for {
			select {
			case <-l.sigs:
				// Coalesce bursts; only the latest size matters.
				select {
				case l.changes <- struct{}{}:
				default:
				}
			case <-l.stop:
				return
			}
		}
	}()
	return l
}

func (l *LocalSize) Size() (int, int, error) {
	return term.GetSize(l.fd)
}

func (l *LocalSize) Changes() <-chan struct{} { return l.changes }

// Stop unregisters the signal handler.
func (l *LocalSize) Stop() {
	signal.Stop(l.sigs)
	close(l.stop)
}
