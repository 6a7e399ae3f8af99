package rollout

import (
	"context"
	"log/slog"
	"time"
)

// Runner is the external driver for the controller's Tick. It polls on a
// fixed interval and ticks every active rollout. The controller itself stays
// timer-free; the runner is just one possible driver (cron or an operator
// script are equally valid).
type Runner struct {
	controller *Controller
	logger     *slog.Logger
	interval   time.Duration
}

// NewRunner creates a tick loop for the controller. Intervals below one
// second are raised to a safe default.
func NewRunner(controller *Controller, logger *slog.Logger, interval time.Duration) *Runner {
	if controller == nil {
		panic("rollout: controller cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if interval < time.Second {
		interval = 30 * time.Second
	}

	return &Runner{controller: controller, logger: logger, interval: interval}
}

// Run blocks until the context is cancelled, ticking all active rollouts
// each interval. Individual tick failures are logged and retried on the next
// cycle; they never stop the loop.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.Info("starting rollout runner", slog.Duration("interval", r.interval))

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("rollout runner stopping...")
			return nil
		case now := <-ticker.C:
			for _, key := range r.controller.Active() {
				if _, err := r.controller.Tick(ctx, key, now); err != nil {
					r.logger.Error("rollout tick failed",
						slog.String("flag_key", key),
						slog.String("error", err.Error()),
					)
				}
			}
		}
	}
}
