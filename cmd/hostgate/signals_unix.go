//go:build !windows

package main

import (
	"os"
	"syscall"
)

// getShutdownSignals returns the signals to listen for on Unix systems
func getShutdownSignals() []os.Signal {
	return []os.Signal{syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP, syscall.SIGUSR1}
}

// handlePlatformSignal handles platform-specific signals, returns true if should continue loop
func handlePlatformSignal(sig os.Signal, app *App) bool {
	switch sig {
	case syscall.SIGHUP:
		app.Logger.Info("reload signal received - policy is fixed at startup, restart to apply changes")
		return true
	case syscall.SIGUSR1:
		stats := app.Scheduler.GetStats()
		app.Logger.Info("status",
			"pending_confirmations", len(app.Gate.Pending()),
			"scheduled_tasks", stats.TotalTasks,
			"task_runs", stats.TotalRuns,
			"task_errors", stats.TotalErrors)
		return true
	}
	return false
}
