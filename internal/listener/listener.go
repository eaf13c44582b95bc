// Package listener owns the Unix-domain stream socket the master accepts
// worker connections on: bind, listen with a backlog equal to the worker
// count, non-blocking poll for a pending connection, accept, and teardown.
// The backlog argument is recorded in a debug log line only; the socket
// listens with the system default backlog.
package listener

import (
	"errors"
	"fmt"
	"net"
	"os"
	"runtime"
	"syscall"
	"time"

	"github.com/divvyrun/divvy/internal/logger"
)

// Listener wraps a *net.UnixListener bound to a filesystem path, owning
// that path's lifecycle: removed before bind (clearing a stale socket
// file left by a prior crashed run) and removed again on Stop.
type Listener struct {
	path string
	ln   *net.UnixListener
}

// Start unlinks any stale socket at path, binds a new Unix stream socket
// there, and begins listening. The backlog argument (conventionally the
// worker count) is only logged: the listen queue depth is the system
// default chosen by net.ListenUnix, not backlog.
func Start(path string, backlog int) (*Listener, error) {
	if c, err := net.Dial("unix", path); err == nil {
		c.Close()
		return nil, fmt.Errorf("listener: socket %q already in use", path)
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("listener: cannot remove stale socket %q: %w", path, err)
	}

	addr, err := net.ResolveUnixAddr("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listener: cannot resolve %q: %w", path, err)
	}

	// Sockets inherit the process umask; widen it briefly so workers
	// (which may run as a different effective uid in some deployments)
	// can always connect.
	runtime.LockOSThread()
	oldMask := syscall.Umask(0111)
	ln, err := net.ListenUnix("unix", addr)
	syscall.Umask(oldMask)
	runtime.UnlockOSThread()
	if err != nil {
		return nil, fmt.Errorf("listener: cannot bind %q: %w", path, err)
	}

	// net.ListenUnix's backlog is the system default; the net package
	// doesn't expose listen(2)'s backlog parameter, so the requested
	// backlog is not applied to the socket. It is recorded for
	// diagnostics only.
	logger.Debugf("listener: bound %q with intended backlog %d", path, backlog)

	return &Listener{path: path, ln: ln}, nil
}

// PollPending does a bounded, non-blocking-ish check for a pending
// connection: it arms a deadline on the listener and tries Accept,
// returning a connection if one was already queued, or (nil, false) if
// the deadline elapsed with nothing pending.
func (l *Listener) PollPending(timeout time.Duration) (net.Conn, bool, error) {
	if err := l.ln.SetDeadline(time.Now().Add(timeout)); err != nil {
		return nil, false, fmt.Errorf("listener: cannot set deadline: %w", err)
	}
	conn, err := l.ln.Accept()
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil, false, nil
		}
		return nil, false, err
	}
	return conn, true, nil
}

// Path returns the bound socket's filesystem path.
func (l *Listener) Path() string {
	return l.path
}

// Stop closes the listening socket and unlinks its path. It is safe to
// call more than once.
func (l *Listener) Stop() error {
	if l.ln != nil {
		if err := l.ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			return fmt.Errorf("listener: cannot close %q: %w", l.path, err)
		}
		l.ln = nil
	}
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("listener: cannot unlink %q: %w", l.path, err)
	}
	return nil
}
