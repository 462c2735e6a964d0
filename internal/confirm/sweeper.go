package confirm

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
)

// RunSweeper purges expired tokens on the given cron schedule (for example
// "@every 1m") until ctx is cancelled. Redeem never depends on it: expiry
// is checked on every redemption regardless.
func (g *Gate) RunSweeper(ctx context.Context, schedule string) error {
	c := cron.New()
	if _, err := c.AddFunc(schedule, func() { g.Sweep() }); err != nil {
		return fmt.Errorf("confirm: invalid sweep schedule %q: %w", schedule, err)
	}

	g.logger.Info("sweeper started", "schedule", schedule)
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	g.logger.Info("sweeper stopped")
	return nil
}
