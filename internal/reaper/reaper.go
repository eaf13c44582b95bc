// Package reaper wraps the non-blocking wait4(pid, WNOHANG) syscall used
// by the engine to reap a specific worker's exit status without blocking
// the dispatch loop.
//
// Workers are always direct children of the master (this is a prefork
// model, not a supervisor adopting orphaned processes), so unlike a
// general-purpose subreaper this package never needs PR_SET_CHILD_SUBREAPER
// or a background wait-everything goroutine: each call targets one pid.
package reaper

import (
	"github.com/divvyrun/divvy/internal/logger"
	"golang.org/x/sys/unix"
)

// Result describes a reaped child's exit disposition.
type Result struct {
	// ExitCode is the process's exit code, or 128+signal if the process
	// was killed by a signal.
	ExitCode int
	Signaled bool
}

// Wait performs a single non-blocking wait4 for pid. reaped is false if
// the child has not exited yet; callers should try again later. err is
// non-nil only for a genuine syscall failure, not for "not yet exited".
func Wait(pid int) (reaped bool, result Result, err error) {
	var status unix.WaitStatus
	got, err := unix.Wait4(pid, &status, unix.WNOHANG, nil)
	if err != nil {
		if err == unix.ECHILD {
			// No such child left to wait for; treat as already reaped
			// rather than erroring the dispatch loop.
			return true, Result{}, nil
		}
		return false, Result{}, err
	}
	if got != pid {
		return false, Result{}, nil
	}

	exitCode := status.ExitStatus()
	signaled := status.Signaled()
	if signaled {
		exitCode = 128 + int(status.Signal())
	}
	logger.Debugf("reaper: pid %d exited with code %d (signaled=%v)", pid, exitCode, signaled)
	return true, Result{ExitCode: exitCode, Signaled: signaled}, nil
}
