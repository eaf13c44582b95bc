// Package divvy fans work items out from a single generator to a fixed
// pool of worker processes over a local Unix-domain socket.
//
// A caller supplies a Task — a generator that lazily yields marshallable
// argument tuples, and a processor that consumes one tuple at a time —
// and calls Run. Run spawns Workers worker processes, matches each
// generated tuple to an accepting worker, detects and reaps worker death,
// reboots crashed slots, and shuts down gracefully on SIGINT/SIGQUIT or
// forcefully on SIGTERM (or a second SIGINT/SIGQUIT past a 10-second
// grace period).
//
// A Task is usually driven by the cmd/divvy CLI rather than called
// directly: a Go plugin's init() calls Register, and the divvy binary
// loads that plugin, then drives both the master CLI invocation and the
// hidden re-exec that becomes a worker process — a single binary plays
// both roles, the same way the reference daemon this module is modeled
// on is a single binary that re-execs itself for privilege-separated
// helper processes. A program embedding divvy directly can skip the
// plugin machinery and call Run from its own func main; Run starts each
// worker by re-executing that same binary with a hidden "--divvy-worker"
// first argument, so main must send such invocations to RunWorker
// instead, as cmd/divvy does.
package divvy

import (
	"context"

	"github.com/divvyrun/divvy/internal/engine"
	"github.com/divvyrun/divvy/internal/workerproc"
)

// Tuple is the argument list a generator emits and a processor consumes.
// Its elements must be drawn from the primitive set the wire encoding
// round-trips: bool, integers, floats, []byte, string, []any and
// map[string]any.
type Tuple = engine.Tuple

// Task is the contract a caller implements.
type Task = engine.Task

// BeforeForker is an optional Task extension called in the master
// immediately before a worker slot is spawned.
type BeforeForker = engine.BeforeForker

// AfterForker is an optional Task extension called inside a freshly
// spawned worker, after it has recorded its own pid.
type AfterForker = engine.AfterForker

// WorkerHandle is the master-side record of one worker-pool slot.
type WorkerHandle = workerproc.Handle

// TaskFactory builds a fresh Task. It is called once in the master and
// once more in every re-exec'd worker, which is how a Task "crosses" the
// fork boundary without any data actually crossing process memory.
type TaskFactory func() Task

// Options configures a Run. Use NewOptions for defaults.
type Options = engine.Options

// NewOptions returns Options with documented defaults; the caller must
// still set Workers.
func NewOptions() Options { return engine.NewOptions() }

// Stats are the master-side counters a completed or aborted Run reports.
type Stats = engine.Stats

// WorkerOptions configures RunWorker, the child side of a Run.
type WorkerOptions = engine.WorkerOptions

// Sentinel errors Run may return, wrapped by BootFailureError /
// ForcefulShutdownError respectively; use errors.Is against these.
var (
	ErrBootFailure      = engine.ErrBootFailure
	ErrForcefulShutdown = engine.ErrForcefulShutdown
)

// BootFailureError is returned when every worker exited before any item
// was distributed.
type BootFailureError = engine.BootFailureError

// ForcefulShutdownError is returned when the run was torn down forcefully.
type ForcefulShutdownError = engine.ForcefulShutdownError

var registered TaskFactory

// Register records factory as the single Task implementation this
// program provides. Only the most recent call wins, matching the
// original "loading a script registers one task" contract but via an
// explicit call instead of implicit module-inclusion bookkeeping.
func Register(factory TaskFactory) {
	registered = factory
}

// Registered returns the most recently Registered factory, and whether
// one has been registered at all.
func Registered() (TaskFactory, bool) {
	return registered, registered != nil
}

// Run constructs an Engine for task and opts and drives it to completion.
// See Engine.Run in internal/engine for the full dispatch-loop contract.
func Run(ctx context.Context, task Task, opts Options) (Stats, error) {
	e, err := engine.New(task, opts)
	if err != nil {
		return Stats{}, err
	}
	return e.Run(ctx)
}

// RunWorker is the child-side counterpart to Run: it connects to the
// master's socket, processes tuples until told to stop or the listener
// goes away, and returns the process exit code.
func RunWorker(task Task, opts WorkerOptions) int {
	return engine.WorkerMain(task, opts)
}
