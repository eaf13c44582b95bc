//go:build !(darwin || freebsd || netbsd || openbsd)

package sigctl

import "os"

// SIGINFO does not exist on this platform; nothing to install.
func startInfoHandler(ch chan os.Signal) {}

func stopInfoHandler() {}

func handleInfoSignal(sig os.Signal) {}
