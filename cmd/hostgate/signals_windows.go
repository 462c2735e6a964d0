//go:build windows

package main

import (
	"os"
	"syscall"
)

func getShutdownSignals() []os.Signal {
	return []os.Signal{syscall.SIGINT, syscall.SIGTERM}
}

func handlePlatformSignal(os.Signal, *App) bool {
	return false
}
