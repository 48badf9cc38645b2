package probe

import (
	"context"
	"log/slog"
	"time"
)

// DefaultInterval is the pause between two probes
const DefaultInterval = 3 * time.Second

// Prober checks whether a database accepts connections
type Prober interface {
	Probe(ctx context.Context) error
}

// Wait probes until the database is available. It gives up after the given number of attempts
// and returns the last probe error.
func Wait(ctx context.Context, log *slog.Logger, p Prober, attempts int, interval time.Duration) error {
	if attempts <= 0 {
		attempts = 1
	}
	if interval <= 0 {
		interval = DefaultInterval
	}

	for attempt := 1; ; attempt++ {
		err := p.Probe(ctx)
		if err == nil {
			return nil
		}
		if attempt >= attempts {
			return err
		}

		log.Warn("database not yet available, waiting and retrying...", "attempt", attempt, "of", attempts, "error", err)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}
