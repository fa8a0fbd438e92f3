// Package api defines the control surface a running stallwatch exposes.
package api

import (
	"context"
	"errors"
	"time"

	"github.com/Paintersrp/stallwatch/internal/engine"
)

var (
	ErrNoActiveRun = errors.New("no active run")
	ErrNotRunning  = errors.New("task is not running")
)

// StatusReport describes the supervised run.
type StatusReport struct {
	engine.Status
	GeneratedAt time.Time `json:"generated_at"`
}

// StallResult acknowledges a stall request.
type StallResult struct {
	RunID       string    `json:"run_id"`
	RequestedAt time.Time `json:"requested_at"`
}

// Controller exposes supervisor operations to control servers.
type Controller interface {
	Status(context.Context) (*StatusReport, error)
	// Stall raises the stall signal, as Ctrl+C does on the terminal.
	Stall(context.Context) (*StallResult, error)
}
