package cli

import (
	"context"
	"time"

	"github.com/Paintersrp/stallwatch/internal/api"
	"github.com/Paintersrp/stallwatch/internal/engine"
)

// runController exposes one supervised run to the control server. Stall
// cancels the run context, which the supervisor treats like Ctrl+C.
type runController struct {
	sup   *engine.Supervisor
	stall context.CancelFunc
	now   func() time.Time
}

var _ api.Controller = (*runController)(nil)

func newRunController(sup *engine.Supervisor, stall context.CancelFunc) *runController {
	return &runController{sup: sup, stall: stall, now: time.Now}
}

func (c *runController) Status(ctx context.Context) (*api.StatusReport, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &api.StatusReport{Status: c.sup.Status(), GeneratedAt: c.now().UTC()}, nil
}

func (c *runController) Stall(ctx context.Context) (*api.StallResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.sup.State() != engine.StateRunning {
		return nil, api.ErrNotRunning
	}
	c.stall()
	return &api.StallResult{RunID: c.sup.RunID(), RequestedAt: c.now().UTC()}, nil
}
