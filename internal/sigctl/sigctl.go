// Package sigctl installs and restores the process-level signal
// dispositions the master dispatch loop depends on, translating signal
// delivery into flags the loop polls at its bounded wait points rather
// than unwinding directly out of a signal handler (Go signal handlers run
// as ordinary goroutines, but panicking out of one is not a pattern any
// of this module's reference code uses, and doing so here would race the
// dispatch loop's own state).
package sigctl

import (
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"gopkg.in/tomb.v2"

	"github.com/divvyrun/divvy/internal/logger"
)

// GracePeriod is how long after a first INT/QUIT a second one is ignored
// as a duplicate; a second one arriving later than this forces shutdown.
const GracePeriod = 10 * time.Second

// Controller owns the signal channel and the flags the dispatch loop
// checks. Zero value is not usable; construct with New.
type Controller struct {
	sigCh chan os.Signal
	t     tomb.Tomb

	mu          sync.Mutex
	shutdownAt  time.Time // zero means "not requested"
	forcefulSet bool
	started     bool

	forceful chan struct{}
	forceOne sync.Once

	reapFlag chanFlag
}

// New creates a Controller without installing any signal handling yet;
// call Start to do that.
func New() *Controller {
	return &Controller{
		sigCh:    make(chan os.Signal, 8),
		forceful: make(chan struct{}),
		reapFlag: newChanFlag(),
	}
}

// Start installs signal handling for INT, QUIT, TERM and CHLD, and begins
// the tomb-supervised goroutine that turns signal delivery into flags.
func (c *Controller) Start() {
	signal.Notify(c.sigCh, os.Interrupt, syscall.SIGQUIT, syscall.SIGTERM, syscall.SIGCHLD)
	startInfoHandler(c.sigCh)

	c.mu.Lock()
	c.started = true
	c.mu.Unlock()
	c.t.Go(func() error {
		for {
			select {
			case sig := <-c.sigCh:
				c.handle(sig)
			case <-c.t.Dying():
				return nil
			}
		}
	})
}

func (c *Controller) handle(sig os.Signal) {
	switch sig {
	case os.Interrupt, syscall.SIGQUIT:
		c.onGracefulSignal(sig)
	case syscall.SIGTERM:
		logger.Noticef("sigctl: received %v, forcing shutdown", sig)
		c.triggerForceful(false)
	case syscall.SIGCHLD:
		c.reapFlag.set()
	default:
		handleInfoSignal(sig)
	}
}

func (c *Controller) onGracefulSignal(sig os.Signal) {
	c.mu.Lock()
	first := c.shutdownAt.IsZero()
	if first {
		c.shutdownAt = time.Now()
	}
	elapsed := time.Since(c.shutdownAt)
	c.mu.Unlock()

	if first {
		logger.Noticef("sigctl: received %v, requesting graceful shutdown (send again after %s to force it)", sig, GracePeriod)
		return
	}
	if elapsed > GracePeriod {
		logger.Noticef("sigctl: received second %v after grace period, forcing shutdown", sig)
		c.triggerForceful(false)
		return
	}
	logger.Debugf("sigctl: received repeat %v within grace period, ignoring", sig)
}

func (c *Controller) triggerForceful(graceful bool) {
	c.mu.Lock()
	if c.shutdownAt.IsZero() {
		c.shutdownAt = time.Now()
	}
	c.forcefulSet = true
	c.mu.Unlock()
	c.forceOne.Do(func() { close(c.forceful) })
}

// RequestShutdown programmatically requests a graceful shutdown, as if a
// first INT had arrived. Used by callers (and tests) that want to stop a
// run without sending a real signal.
func (c *Controller) RequestShutdown() {
	c.mu.Lock()
	if c.shutdownAt.IsZero() {
		c.shutdownAt = time.Now()
	}
	c.mu.Unlock()
}

// RequestForceful programmatically requests a forceful shutdown.
func (c *Controller) RequestForceful() {
	c.triggerForceful(false)
}

// ShutdownRequested reports whether a shutdown (graceful or forceful) has
// been requested, and when.
func (c *Controller) ShutdownRequested() (bool, time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.shutdownAt.IsZero(), c.shutdownAt
}

// Forceful returns a channel that's closed the instant a forceful
// shutdown is triggered (TERM, or a second INT/QUIT past the grace
// period, or RequestForceful).
func (c *Controller) Forceful() <-chan struct{} {
	return c.forceful
}

// Graceful reports whether the shutdown in progress (if any) is still
// graceful, i.e. forceful shutdown has not been triggered.
func (c *Controller) Graceful() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.forcefulSet
}

// ConsumeReap reports whether a CHLD has arrived since the last call, and
// clears the flag.
func (c *Controller) ConsumeReap() bool {
	return c.reapFlag.consume()
}

// Stop restores the signal dispositions that were in effect before Start
// and stops the background goroutine. Idempotent.
func (c *Controller) Stop() {
	signal.Stop(c.sigCh)
	stopInfoHandler()
	c.t.Kill(nil)
	c.mu.Lock()
	started := c.started
	c.mu.Unlock()
	if started {
		c.t.Wait()
	}
}

// chanFlag is a set-once, consume-and-clear boolean safe for a single
// writer (the signal goroutine) and a single reader (the dispatch loop).
type chanFlag struct {
	mu    sync.Mutex
	isSet bool
}

func newChanFlag() chanFlag { return chanFlag{} }

func (f *chanFlag) set() {
	f.mu.Lock()
	f.isSet = true
	f.mu.Unlock()
}

func (f *chanFlag) consume() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	v := f.isSet
	f.isSet = false
	return v
}
