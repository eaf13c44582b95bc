//go:build linux

package workerproc

import "syscall"

// sysProcAttr isolates the worker into its own process group so a
// forceful kill of the group can't escape back to the master, and asks
// the kernel to SIGKILL the worker if the master itself dies without a
// chance to tear down (avoids orphaned workers surviving a killed -9
// master).
func sysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGKILL,
	}
}
