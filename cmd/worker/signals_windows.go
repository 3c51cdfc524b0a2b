//go:build windows

package main

import (
	"os"
	"syscall"
)

// terminationSignals are the signals that trigger a graceful shutdown.
// SIGTERM has no native Windows equivalent delivered through os/signal, so
// only SIGINT (emulated on Ctrl-C and Ctrl-Break) is registered.
var terminationSignals = []os.Signal{
	syscall.SIGINT,
}
