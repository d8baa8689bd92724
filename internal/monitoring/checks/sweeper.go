package checks

import (
	"context"
	"fmt"
	"time"

	"github.com/charlesng35/giftbox/internal/app/maintenance"
	"github.com/charlesng35/giftbox/internal/monitoring"
)

// SweepReporter is satisfied by maintenance.Sweeper.
type SweepReporter interface {
	Status() maintenance.SweepStatus
	Interval() time.Duration
}

// Sweeper degrades when the expiry sweep keeps failing or has not run for
// more than three intervals. Expired gifts stay unclaimable either way.
func Sweeper(sweeper SweepReporter, now func() time.Time) monitoring.Check {
	if now == nil {
		now = time.Now
	}
	return monitoring.NewCheck("sweeper", func(context.Context) monitoring.ProbeResult {
		if sweeper == nil {
			return monitoring.ProbeResult{Status: monitoring.StatusUp, Details: "sweeper disabled"}
		}

		status := sweeper.Status()
		if status.LastRunAt.IsZero() {
			return monitoring.ProbeResult{Status: monitoring.StatusUp, Details: "pending first run"}
		}
		if status.ConsecutiveFailures > 0 {
			return monitoring.ProbeResult{
				Status:  monitoring.StatusDegraded,
				Details: fmt.Sprintf("%d consecutive failures: %v", status.ConsecutiveFailures, status.LastError),
			}
		}
		if age := now().Sub(status.LastRunAt); age > 3*sweeper.Interval() {
			return monitoring.ProbeResult{
				Status:  monitoring.StatusDegraded,
				Details: "stale run " + status.LastRunAt.UTC().Format(time.RFC3339),
			}
		}
		return monitoring.ProbeResult{Status: monitoring.StatusUp}
	})
}
