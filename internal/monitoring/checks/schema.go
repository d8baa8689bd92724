package checks

import (
	"context"
	"time"

	"github.com/charlesng35/giftbox/internal/monitoring"
)

// SchemaState is satisfied by services.GiftStore.
type SchemaState interface {
	Ready() <-chan struct{}
	WaitReady(ctx context.Context) error
}

// Schema reports down until the record schema is initialised, and stays down
// when initialisation failed.
func Schema(state SchemaState) monitoring.Check {
	return monitoring.NewCheck("schema", func(ctx context.Context) monitoring.ProbeResult {
		start := time.Now()
		if state == nil {
			return monitoring.ProbeResult{Status: monitoring.StatusDown, Details: "gift store not configured"}
		}

		select {
		case <-state.Ready():
		default:
			return monitoring.ProbeResult{
				Status:   monitoring.StatusDown,
				Details:  "schema initialisation in progress",
				Duration: time.Since(start),
			}
		}

		if err := state.WaitReady(ctx); err != nil {
			return monitoring.ProbeResult{
				Status:   monitoring.StatusDown,
				Details:  err.Error(),
				Duration: time.Since(start),
			}
		}
		return monitoring.ProbeResult{Status: monitoring.StatusUp, Duration: time.Since(start)}
	})
}
