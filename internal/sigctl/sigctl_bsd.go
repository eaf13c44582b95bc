//go:build darwin || freebsd || netbsd || openbsd

package sigctl

import (
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"golang.org/x/sys/unix"
)

// startInfoHandler adds SIGINFO to the signal channel. SIGINFO has no
// Linux equivalent; SIGUSR1 is deliberately not substituted there since a
// user's task may already use it for its own purposes.
func startInfoHandler(ch chan os.Signal) {
	signal.Notify(ch, unix.SIGINFO)
}

func stopInfoHandler() {}

func handleInfoSignal(sig os.Signal) {
	if sig != syscall.Signal(unix.SIGINFO) {
		return
	}
	buf := make([]byte, 1<<16)
	n := runtime.Stack(buf, true)
	fmt.Fprintf(os.Stderr, "divvy: SIGINFO received, dumping stacks:\n%s\n", buf[:n])
}
