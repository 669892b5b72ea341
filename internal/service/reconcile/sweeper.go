package reconcile

import (
	"context"
	"time"
)

const defaultSweepInterval = time.Minute

// RunSweeper times out overdue pending topups on a fixed interval until
// the context is cancelled. The returned channel closes once the loop
// has fully stopped.
func (s *Service) RunSweeper(ctx context.Context, interval time.Duration) <-chan struct{} {
	if interval <= 0 {
		interval = defaultSweepInterval
	}

	stopped := make(chan struct{})
	s.logger.Debug("Starting timeout sweeper", "interval", interval, "grace", s.sweepGrace)

	go func() {
		defer close(stopped)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				s.logger.Debug("Sweeper stopped by context")
				return

			case <-ticker.C:
				count, err := s.SweepTimeouts(ctx)
				if err != nil {
					s.logger.Error("Failed to sweep expired topups", "error", err)
					continue
				}
				if count > 0 {
					s.logger.Info("Swept expired topups", "count", count)
				}
			}
		}
	}()

	return stopped
}
