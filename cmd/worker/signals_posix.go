//go:build !windows

package main

import (
	"os"
	"syscall"
)

// terminationSignals are the signals that trigger a graceful shutdown.
var terminationSignals = []os.Signal{
	syscall.SIGINT,
	syscall.SIGTERM,
}
