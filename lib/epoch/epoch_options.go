package epoch

import (
	"github.com/panjf2000/ants/v2"
)

type CollectorOption func(c *Collector)

// WithCollectorLogger reports the recovered deferred panics.
// Falls back to slog if absent.
func WithCollectorLogger(logger PanicLogger) CollectorOption {
	return func(c *Collector) {
		c.logger = logger
	}
}

// WithCollectorReclaimPool runs the expired bags on the pool instead of
// the collecting goroutine. A rejected submit runs inline.
func WithCollectorReclaimPool(pool *ants.Pool) CollectorOption {
	return func(c *Collector) {
		c.pool = pool
	}
}

func WithCollectorStats(name string) CollectorOption {
	return func(c *Collector) {
		c.stats = newCollectorStats(name, c)
	}
}
