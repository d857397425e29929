package main

import (
	"time"

	"github.com/ferg-cod3s/conexus-engine/internal/config"
	"github.com/ferg-cod3s/conexus-engine/internal/indexer"
)

// shutdownTimeout bounds how long serve waits for the orchestrator to stop
// at its next file boundary before returning anyway.
func (a *App) shutdownTimeout() time.Duration {
	return 30 * time.Second
}

// priorityFor maps a config.Repository's string priority to the
// orchestrator's ordering enum.
func priorityFor(p config.Priority) indexer.Priority {
	switch p {
	case config.PriorityHigh:
		return indexer.PriorityHigh
	case config.PriorityLow:
		return indexer.PriorityLow
	default:
		return indexer.PriorityMedium
	}
}
