//go:build !linux

package workerproc

import "syscall"

// Pdeathsig is Linux-only; other platforms just get process-group
// isolation.
func sysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{
		Setpgid: true,
	}
}
