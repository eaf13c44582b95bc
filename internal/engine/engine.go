// Package engine implements the master/worker dispatch loop: it drives a
// Task's generator, matches each yielded tuple to an accepting worker over
// a Unix-domain socket, and manages worker boot, reap and shutdown.
//
// A master-side Engine and a child-side worker main loop are deliberately
// separate constructors (New vs WorkerMain) rather than one struct
// distinguished by a cleared field after fork: this module's "fork" is a
// self-re-exec (see internal/workerproc), so the child never has a
// parent's Engine in memory to begin with. Run itself does not check
// whether it is called from a worker process.
package engine

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"syscall"
	"time"

	"gopkg.in/tomb.v2"

	"github.com/divvyrun/divvy/internal/listener"
	"github.com/divvyrun/divvy/internal/logger"
	"github.com/divvyrun/divvy/internal/sigctl"
	"github.com/divvyrun/divvy/internal/strutil"
	"github.com/divvyrun/divvy/internal/wire"
	"github.com/divvyrun/divvy/internal/workerproc"
)

// pollInterval is how often the dispatch loop checks the listener for a
// pending connection while also watching for shutdown and reap flags.
var pollInterval = 10 * time.Millisecond

// reapSleepInterval is the pause between reap attempts during teardown's
// drain wait.
var reapSleepInterval = 10 * time.Millisecond

// Tuple is the argument list a generator emits and a processor consumes.
type Tuple = wire.Tuple

// Task is the contract a caller implements: a lazy generator and a
// per-item processor, plus two optional fork-lifecycle hooks surfaced as
// narrower interfaces below.
type Task interface {
	// Generate lazily yields tuples by calling emit. emit returns false
	// when the engine wants generation to stop (shutdown or boot
	// failure); a well-behaved generator returns soon after that.
	Generate(emit func(Tuple) bool)
	// Process handles one tuple inside a worker process. An error exits
	// the worker with status 1 and counts as a failure.
	Process(t Tuple) error
}

// BeforeForker is an optional Task extension: BeforeFork is called in the
// master immediately before a slot is spawned. The handle's Number is
// valid; it has no pid yet.
type BeforeForker interface {
	BeforeFork(h *workerproc.Handle)
}

// AfterForker is an optional Task extension: AfterFork is called inside
// the freshly-spawned worker process, after it has recorded its own pid.
type AfterForker interface {
	AfterFork(h *workerproc.Handle)
}

// ErrBootFailure is the sentinel all boot-failure errors wrap.
var ErrBootFailure = errors.New("divvy: boot failure")

// ErrForcefulShutdown is the sentinel all forceful-shutdown errors wrap.
var ErrForcefulShutdown = errors.New("divvy: forceful shutdown")

// BootFailureError is returned when every worker exited before any item
// was distributed — the "flapping workers" case, where retrying would
// loop forever.
type BootFailureError struct {
	Failures int
}

func (e *BootFailureError) Error() string {
	return fmt.Sprintf("divvy: boot failure: all workers exited before any item was distributed (%d failures)", e.Failures)
}

func (e *BootFailureError) Unwrap() error { return ErrBootFailure }

// ForcefulShutdownError is returned when the run was torn down forcefully
// (TERM, or a second INT/QUIT past the grace period).
type ForcefulShutdownError struct{}

func (e *ForcefulShutdownError) Error() string {
	return "divvy: forceful shutdown"
}

func (e *ForcefulShutdownError) Unwrap() error { return ErrForcefulShutdown }

// Options configures an Engine. Use NewOptions to get sane defaults.
type Options struct {
	// Workers is the fixed pool size. Must be >= 1.
	Workers int
	// SocketPath is the Unix socket path workers connect to. Defaults to
	// a per-process path under os.TempDir.
	SocketPath string
	// GracefulTimeout bounds how long teardown waits for workers to
	// drain on a graceful shutdown before escalating to SIGKILL anyway.
	// Resolves the open "no upper bound" question in the design notes.
	GracefulTimeout time.Duration
	// Verbose enables per-worker debug logging.
	Verbose bool
	// WorkerExtraArgs is appended verbatim to the re-exec argv after the
	// engine's own marker/slot/socket flags. The engine never interprets
	// it; it exists purely so a CLI layer (e.g. one that loads a Go
	// plugin) can thread extra argv through without this package knowing
	// anything about plugins.
	WorkerExtraArgs []string
	// Metrics optionally mirrors the engine's counters into Prometheus.
	Metrics *Metrics
}

// NewOptions returns Options with every field at its documented default
// except Workers, which the caller must still set (or leave at 0 and get
// an error from New).
func NewOptions() Options {
	return Options{
		GracefulTimeout: 30 * time.Second,
	}
}

func (o Options) withDefaults() (Options, error) {
	if o.Workers < 1 {
		return o, fmt.Errorf("divvy: Workers must be >= 1, got %d", o.Workers)
	}
	if o.SocketPath == "" {
		o.SocketPath = defaultSocketPath()
	}
	if o.GracefulTimeout <= 0 {
		o.GracefulTimeout = 30 * time.Second
	}
	return o, nil
}

func defaultSocketPath() string {
	id, err := strutil.UUID()
	if err != nil {
		// crypto/rand failing is not something a retry fixes; fall back to
		// a pid-based name rather than leave SocketPath empty.
		id = fmt.Sprintf("fallback-%d", os.Getpid())
	}
	return fmt.Sprintf("%s/divvy-%s.sock", os.TempDir(), id)
}

// Stats are the master-side counters: tasks_distributed increments once
// per successful write of a serialized tuple; failures increments once
// per reaped non-zero disposition; spawn_count increments once per
// successful fork (re-exec).
type Stats struct {
	TasksDistributed int
	Failures         int
	SpawnCount       int
}

// Engine is the master-side runtime. Construct one with New per run; it
// is not meant to be reused across multiple Run calls.
type Engine struct {
	task Task
	opts Options

	workers []*workerproc.Handle
	ln      *listener.Listener
	sig     *sigctl.Controller

	mu       sync.Mutex
	stats    Stats
	runErr   error
	started  bool
}

// New constructs a master-side Engine for task with the given options.
func New(task Task, opts Options) (*Engine, error) {
	opts, err := opts.withDefaults()
	if err != nil {
		return nil, err
	}
	workers := make([]*workerproc.Handle, opts.Workers)
	for i := range workers {
		workers[i] = &workerproc.Handle{
			Number:     i + 1,
			SocketPath: opts.SocketPath,
			Verbose:    opts.Verbose,
			ExtraArgs:  opts.WorkerExtraArgs,
		}
	}
	return &Engine{
		task:    task,
		opts:    opts,
		workers: workers,
		sig:     sigctl.New(),
	}, nil
}

// Run drives the dispatch loop to completion: it starts the listener and
// signal handling, calls the task's generator, matches every yielded
// tuple to an accepting worker, and always tears down (listener closed,
// socket unlinked, workers reaped, signal dispositions restored) before
// returning, whatever the cause.
func (e *Engine) Run(ctx context.Context) (Stats, error) {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return Stats{}, errors.New("divvy: Engine.Run called more than once")
	}
	e.started = true
	e.mu.Unlock()

	e.sig.Start()
	ln, err := listener.Start(e.opts.SocketPath, e.opts.Workers)
	if err != nil {
		e.sig.Stop()
		return Stats{}, fmt.Errorf("divvy: cannot start listener: %w", err)
	}
	e.ln = ln

	// Watch ctx cancellation the same way a signal would be watched: as
	// a graceful-shutdown trigger observed at the loop's bounded wait
	// points, never as something that aborts an in-flight operation.
	var ctxWatch tomb.Tomb
	ctxWatch.Go(func() error {
		select {
		case <-ctx.Done():
			e.sig.RequestShutdown()
		case <-ctxWatch.Dying():
		}
		return nil
	})

	e.bootGaps()
	genErr := e.runGenerator()
	ctxWatch.Kill(nil)
	ctxWatch.Wait()

	// A forceful request noticed only at the post-item checkpoint (or after
	// the generator returned) still makes this a forceful run.
	select {
	case <-e.sig.Forceful():
		e.setRunErr(&ForcefulShutdownError{})
	default:
	}

	teardownErr := e.teardown()

	e.mu.Lock()
	runErr := e.runErr
	stats := e.stats
	e.mu.Unlock()

	if genErr != nil {
		return stats, genErr
	}
	if runErr != nil {
		return stats, runErr
	}
	if teardownErr != nil {
		return stats, teardownErr
	}
	return stats, nil
}

// runGenerator calls the task's generator, recovering a panic escaping it
// (an "uncaught generator exception" in the spec's terms) into an error
// so teardown still runs unconditionally afterwards.
func (e *Engine) runGenerator() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("divvy: generator panicked: %v", r)
		}
	}()
	e.task.Generate(e.emitOne)
	return nil
}

// emitOne is passed to Task.Generate as the emit callback. It performs
// the per-item boot-gap-fill / wait / dispatch / checkpoint sequence and
// returns false to ask the generator to stop.
func (e *Engine) emitOne(t Tuple) bool {
	e.bootGaps()

	conn, ok := e.waitForWorker()
	if !ok {
		return false
	}
	e.dispatchOne(conn, t)

	if shutdown, _ := e.sig.ShutdownRequested(); shutdown {
		return false
	}
	if e.sig.ConsumeReap() {
		e.reapAll()
	}
	return true
}

// waitForWorker polls the listener for a pending connection, watching for
// shutdown and child-death flags at each ~10ms step. It returns ok=false
// if the wait ended for any reason other than a pending connection,
// having already recorded the reason (if any) in e.runErr.
func (e *Engine) waitForWorker() (net.Conn, bool) {
	for {
		select {
		case <-e.sig.Forceful():
			e.setRunErr(&ForcefulShutdownError{})
			return nil, false
		default:
		}

		if shutdown, _ := e.sig.ShutdownRequested(); shutdown {
			return nil, false
		}

		conn, pending, err := e.ln.PollPending(pollInterval)
		if err != nil {
			e.setRunErr(fmt.Errorf("divvy: listener poll: %w", err))
			return nil, false
		}
		if pending {
			return conn, true
		}

		if e.sig.ConsumeReap() {
			e.reapAll()
			if !e.anyRunning() && e.tasksDistributed() == 0 {
				e.setRunErr(&BootFailureError{Failures: e.failures()})
				return nil, false
			}
			e.bootGaps()
		}
	}
}

// dispatchOne serializes t, writes it to the accepted connection, and
// closes the connection regardless of outcome.
func (e *Engine) dispatchOne(conn net.Conn, t Tuple) {
	defer conn.Close()
	if err := wire.WriteTuple(conn, t); err != nil {
		logger.Noticef("divvy: dispatch error: %v", err)
		return
	}
	e.mu.Lock()
	e.stats.TasksDistributed++
	e.mu.Unlock()
	if e.opts.Metrics != nil {
		e.opts.Metrics.tasksDistributed.Inc()
	}
}

// bootGaps spawns a fresh child for every slot that isn't currently
// running, invoking BeforeFork first if the task implements it.
func (e *Engine) bootGaps() {
	for _, h := range e.workers {
		if h.Running() {
			continue
		}
		if bf, ok := e.task.(BeforeForker); ok {
			bf.BeforeFork(h)
		}
		if _, err := h.Spawn(); err != nil {
			logger.Noticef("divvy: cannot spawn slot %d: %v", h.Number, err)
			continue
		}
		e.mu.Lock()
		e.stats.SpawnCount++
		e.mu.Unlock()
		if e.opts.Metrics != nil {
			e.opts.Metrics.spawnCount.Inc()
		}
	}
}

// reapAll performs one non-blocking reap attempt per slot, counting any
// non-zero disposition as a failure.
func (e *Engine) reapAll() {
	for _, h := range e.workers {
		reaped, err := h.Reap()
		if err != nil {
			logger.Noticef("divvy: reap error for slot %d: %v", h.Number, err)
			continue
		}
		if !reaped {
			continue
		}
		status, _ := h.Status()
		if status.Code != 0 {
			e.mu.Lock()
			e.stats.Failures++
			e.mu.Unlock()
			if e.opts.Metrics != nil {
				e.opts.Metrics.failures.Inc()
			}
		}
	}
}

func (e *Engine) anyRunning() bool {
	for _, h := range e.workers {
		if h.Running() {
			return true
		}
	}
	return false
}

func (e *Engine) tasksDistributed() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats.TasksDistributed
}

func (e *Engine) failures() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats.Failures
}

func (e *Engine) setRunErr(err error) {
	e.mu.Lock()
	if e.runErr == nil {
		e.runErr = err
	}
	e.mu.Unlock()
}

// teardown always runs at the end of Run: stop the listener, drain
// workers (escalating to SIGKILL past GracefulTimeout or immediately if
// the shutdown was forceful), and restore signal dispositions.
func (e *Engine) teardown() error {
	if err := e.ln.Stop(); err != nil {
		logger.Noticef("divvy: listener teardown error: %v", err)
	}

	graceful := e.sig.Graceful()
	deadline := time.Now().Add(e.opts.GracefulTimeout)
	for e.anyRunning() {
		e.reapAll()
		if !e.anyRunning() {
			break
		}
		if !graceful || time.Now().After(deadline) {
			e.killStragglers()
		}
		time.Sleep(reapSleepInterval)
	}

	e.sig.Stop()
	return nil
}

func (e *Engine) killStragglers() {
	for _, h := range e.workers {
		if !h.Running() {
			continue
		}
		if _, err := h.Kill(syscall.SIGKILL); err != nil {
			logger.Debugf("divvy: SIGKILL to slot %d: %v", h.Number, err)
		}
	}
}
