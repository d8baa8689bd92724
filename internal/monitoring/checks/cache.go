package checks

import (
	"context"
	"fmt"
	"time"

	"github.com/charlesng35/giftbox/internal/monitoring"
)

const defaultCacheTimeout = 2 * time.Second

// CachePinger is implemented by cache backends holding a remote connection.
type CachePinger interface {
	Ping(ctx context.Context) error
}

// CacheBackend describes the store behind the cooldown limiter. Remote is the
// connected redis store, nil when the database cache serves.
type CacheBackend struct {
	Remote          CachePinger
	RedisConfigured bool
	Timeout         time.Duration
}

// Cache reports which store backs the cooldown limiter. Redis failing at
// startup only degrades readiness since the database cache took over; redis
// lost after startup takes the limiter with it.
func Cache(backend CacheBackend) monitoring.Check {
	return monitoring.NewCheck("cache", func(ctx context.Context) monitoring.ProbeResult {
		start := time.Now()
		if backend.Remote == nil {
			result := monitoring.ProbeResult{
				Status:  monitoring.StatusUp,
				Details: "database cache",
			}
			if backend.RedisConfigured {
				result.Status = monitoring.StatusDegraded
				result.Details = "redis unreachable at startup, using database cache"
			}
			result.Duration = time.Since(start)
			return result
		}

		pingCtx, cancel := context.WithTimeout(ctx, chooseTimeout(backend.Timeout, defaultCacheTimeout))
		defer cancel()

		if err := backend.Remote.Ping(pingCtx); err != nil {
			result := monitoring.ResultFromError("cache", err, time.Since(start))
			result.Details = fmt.Sprintf("redis: %s", result.Details)
			return result
		}

		elapsed := time.Since(start)
		return monitoring.ProbeResult{
			Status:   monitoring.StatusUp,
			Details:  fmt.Sprintf("redis (ping %s)", elapsed.Round(time.Microsecond)),
			Duration: elapsed,
		}
	})
}
