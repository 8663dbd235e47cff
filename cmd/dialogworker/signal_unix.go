//go:build !windows

package main

import (
	"os"
	"syscall"
)

// terminationSignals lists the signals that trigger a graceful shutdown.
// SIGTERM is how most process managers (systemd, kubernetes) request it.
var terminationSignals = []os.Signal{os.Interrupt, syscall.SIGTERM}
