package engine

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/divvyrun/divvy/internal/logger"
	"github.com/divvyrun/divvy/internal/wire"
	"github.com/divvyrun/divvy/internal/workerproc"
)

// WorkerOptions configures a child process's run of WorkerMain. It is the
// re-exec-side counterpart of Options: a CLI layer builds one from the
// hidden --divvy-worker argv it parsed.
type WorkerOptions struct {
	Slot       int
	SocketPath string
	Verbose    bool
	// VerboseTrace forces a backtrace-shaped diagnostic on a processor
	// error regardless of Verbose (the DIVVY_VERBOSE_TRACE equivalent of
	// the spec's VERBOSE_TRACE environment variable).
	VerboseTrace bool
}

// WorkerMain is the child-side counterpart to Engine.Run: it is never
// called from a process that also constructs an Engine (there is no
// shared struct distinguishing "master" vs "child" by a cleared field —
// a re-exec'd process simply never builds an Engine at all). It connects
// to socketPath, reads and processes tuples until told to stop or the
// listener goes away, and returns the process exit code.
func WorkerMain(task Task, opts WorkerOptions) int {
	h := workerproc.NewSelf(opts.Slot, opts.SocketPath)
	os.Stdin.Close()

	if af, ok := task.(AfterForker); ok {
		af.AfterFork(h)
	}

	var shutdown atomic.Bool
	installChildShutdownSignals(&shutdown)

	for {
		conn, err := net.Dial("unix", opts.SocketPath)
		if err != nil {
			logger.Debugf("divvy: worker %d: dial ended (%v), exiting", opts.Slot, err)
			return 0
		}

		tup, err := wire.ReadTuple(conn)
		conn.Close()
		if err != nil {
			if errors.Is(err, io.EOF) {
				logger.Debugf("divvy: worker %d: listener closed, exiting", opts.Slot)
			} else {
				logger.Debugf("divvy: worker %d: read error (%v), exiting", opts.Slot, err)
			}
			return 0
		}

		if code, ok := processOne(task, tup, opts); !ok {
			return code
		}

		if shutdown.Load() {
			logger.Debugf("divvy: worker %d: shutdown requested, exiting after current item", opts.Slot)
			return 0
		}
	}
}

// processOne invokes the task's processor, recovering a panic the same
// way a Ruby-side uncaught exception would be caught at the worker's top
// level, and returns ok=false (with the process's exit code) if the
// worker should terminate.
func processOne(task Task, tup wire.Tuple, opts WorkerOptions) (exitCode int, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			logProcessorFailure(opts, fmt.Errorf("panic: %v", r))
			exitCode, ok = 1, false
		}
	}()

	if err := task.Process(tup); err != nil {
		logProcessorFailure(opts, err)
		return 1, false
	}
	return 0, true
}

func logProcessorFailure(opts WorkerOptions, err error) {
	if opts.Verbose || opts.VerboseTrace {
		logger.Noticef("divvy: worker %d: processor error: %+v", opts.Slot, err)
	} else {
		logger.Noticef("divvy: worker %d: processor error: %v", opts.Slot, err)
	}
}

func installChildShutdownSignals(shutdown *atomic.Bool) {
	ch := make(chan os.Signal, 4)
	signal.Notify(ch, os.Interrupt, syscall.SIGQUIT, syscall.SIGTERM)
	go func() {
		for range ch {
			shutdown.Store(true)
		}
	}()
}
