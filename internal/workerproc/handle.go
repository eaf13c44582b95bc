// Package workerproc models one worker-pool slot: the master-side record
// of a child process's pid, exit status, and the operations that spawn,
// reap, and signal it.
//
// Go has no safe fork()-without-exec(), so "spawn" here is a self-re-exec:
// the master finds its own executable and starts a fresh copy of it with
// a hidden marker argument identifying the slot and socket, rather than
// forking the running process image directly (see SPEC_FULL.md §5a).
package workerproc

import (
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"

	"github.com/divvyrun/divvy/internal/logger"
	"github.com/divvyrun/divvy/internal/reaper"
)

// WorkerMarker is the hidden argv[1] a re-exec'd divvy binary looks for to
// know it should run the worker main loop instead of the master CLI.
const WorkerMarker = "--divvy-worker"

// ExitStatus is the recorded disposition of a reaped worker.
type ExitStatus struct {
	Code     int
	Signaled bool
}

// Handle is one worker-pool slot. Number is stable for the lifetime of
// the master; the pid underneath it changes every time the slot is
// rebooted after a crash.
type Handle struct {
	Number     int
	SocketPath string
	Verbose    bool

	// ExtraArgs is appended to the re-exec argv, after the marker, slot
	// and socket flags. The engine never inspects it; it exists so a CLI
	// layer can thread through e.g. a plugin path without the engine
	// knowing anything about plugins.
	ExtraArgs []string

	mu     sync.Mutex
	pid    int
	exited bool
	status ExitStatus
}

// NewSelf builds a Handle representing the current process's own view of
// itself: inside a re-exec'd worker there is no Spawn-created Handle to
// consult, because the worker process *is* the spawned process. Its pid
// is set immediately so an AfterFork hook sees a handle whose pid equals
// os.Getpid, per the fork-hook contract.
func NewSelf(number int, socketPath string) *Handle {
	h := &Handle{Number: number, SocketPath: socketPath}
	h.pid = os.Getpid()
	return h
}

// Running reports whether the slot currently has a live child: a pid is
// set and no exit status has been recorded for it yet.
func (h *Handle) Running() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.pid != 0 && !h.exited
}

// Pid returns the current child pid, or 0 if the slot has never been
// spawned or has been reaped.
func (h *Handle) Pid() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.exited {
		return 0
	}
	return h.pid
}

// Status returns the last reaped exit status and whether one has been
// recorded at all.
func (h *Handle) Status() (ExitStatus, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status, h.exited
}

// Spawn starts a fresh child for this slot. It fails if the slot already
// has a running child.
func (h *Handle) Spawn() (pid int, err error) {
	h.mu.Lock()
	if h.pid != 0 && !h.exited {
		h.mu.Unlock()
		return 0, fmt.Errorf("workerproc: slot %d already running (pid %d)", h.Number, h.pid)
	}
	h.mu.Unlock()

	self, err := os.Executable()
	if err != nil {
		return 0, fmt.Errorf("workerproc: cannot find own executable: %w", err)
	}

	argv := []string{WorkerMarker, "--slot", strconv.Itoa(h.Number), "--socket", h.SocketPath}
	if h.Verbose {
		argv = append(argv, "--verbose")
	}
	argv = append(argv, h.ExtraArgs...)

	cmd := exec.Command(self, argv...)
	cmd.Stdin = nil
	devnull, err := os.Open(os.DevNull)
	if err == nil {
		cmd.Stdin = devnull
	}
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.SysProcAttr = sysProcAttr()

	if err := cmd.Start(); err != nil {
		if devnull != nil {
			devnull.Close()
		}
		return 0, fmt.Errorf("workerproc: cannot spawn slot %d: %w", h.Number, err)
	}
	if devnull != nil {
		devnull.Close()
	}

	h.mu.Lock()
	h.pid = cmd.Process.Pid
	h.exited = false
	h.status = ExitStatus{}
	h.mu.Unlock()

	logger.Debugf("workerproc: slot %d spawned as pid %d", h.Number, cmd.Process.Pid)
	return cmd.Process.Pid, nil
}

// Reap performs a single non-blocking check for this slot's child. It
// returns true if the child had exited (and records its status), false if
// it is still running. Safe to call repeatedly; once reaped, it keeps
// returning the same recorded status.
func (h *Handle) Reap() (reaped bool, err error) {
	h.mu.Lock()
	pid := h.pid
	alreadyExited := h.exited
	h.mu.Unlock()

	if pid == 0 || alreadyExited {
		return alreadyExited, nil
	}

	got, result, err := reaper.Wait(pid)
	if err != nil {
		return false, fmt.Errorf("workerproc: reap slot %d (pid %d): %w", h.Number, pid, err)
	}
	if !got {
		return false, nil
	}

	h.mu.Lock()
	h.exited = true
	h.status = ExitStatus{Code: result.ExitCode, Signaled: result.Signaled}
	h.mu.Unlock()

	logger.Debugf("workerproc: slot %d (pid %d) reaped, exit code %d", h.Number, pid, result.ExitCode)
	return true, nil
}

// Kill sends sig to the slot's process group. It returns false if the
// process no longer exists, and an error if the pid was never set.
func (h *Handle) Kill(sig syscall.Signal) (delivered bool, err error) {
	h.mu.Lock()
	pid := h.pid
	h.mu.Unlock()

	if pid == 0 {
		return false, fmt.Errorf("workerproc: slot %d has no pid to signal", h.Number)
	}

	// Processes are started with Setpgid, so pid doubles as the process
	// group id; signaling -pid reaches any grandchildren the task's own
	// processor may have spawned.
	err = syscall.Kill(-pid, sig)
	if err == syscall.ESRCH {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("workerproc: kill slot %d (pid %d): %w", h.Number, pid, err)
	}
	return true, nil
}
