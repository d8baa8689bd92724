package monitoring

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestEvaluateReadinessAggregatesStatus(t *testing.T) {
	m := NewHealthManager()
	require.True(t, m.EvaluateReadiness(context.Background()).Success)

	m.RegisterReadiness(NewCheck("database", func(context.Context) ProbeResult {
		return ProbeResult{Status: StatusUp}
	}))
	m.RegisterReadiness(NewCheck("redis", func(context.Context) ProbeResult {
		return ProbeResult{Status: StatusDegraded, Details: "fallback"}
	}))

	report := m.EvaluateReadiness(context.Background())
	require.True(t, report.Success)
	require.Equal(t, StatusDegraded, report.Status)
	require.Len(t, report.Checks, 2)
	require.False(t, report.CheckedAt.IsZero())

	m.RegisterReadiness(NewCheck("schema", func(context.Context) ProbeResult {
		return ProbeResult{Status: StatusDown, Details: "initialising"}
	}))
	report = m.EvaluateReadiness(context.Background())
	require.False(t, report.Success)
	require.Equal(t, StatusDown, report.Status)

	schema, ok := report.Result("schema")
	require.True(t, ok)
	require.Equal(t, "initialising", schema.Details)
}

func TestRunCheckRecoversPanicsAndFillsDefaults(t *testing.T) {
	m := NewHealthManager()
	m.RegisterLiveness(NewCheck("boom", func(context.Context) ProbeResult {
		panic(errors.New("exploded"))
	}))
	m.RegisterLiveness(NewCheck("empty", func(context.Context) ProbeResult {
		return ProbeResult{}
	}))
	m.RegisterLiveness(NewCheck("", nil))
	m.RegisterLiveness(NewCheck("missing", nil))

	report := m.EvaluateLiveness(context.Background())
	require.Len(t, report.Checks, 3)
	require.Equal(t, "boom", report.Checks[0].Component)
	require.Equal(t, "exploded", report.Checks[0].Details)
	require.Equal(t, StatusDown, report.Checks[1].Status)
	require.Equal(t, "probe not implemented", report.Checks[2].Details)
}

func TestResultFromError(t *testing.T) {
	require.Equal(t, StatusUp, ResultFromError("db", nil, time.Second).Status)
	require.Equal(t, StatusDown, ResultFromError("db", errors.New("refused"), time.Second).Status)

	timeout := ResultFromError("db", context.DeadlineExceeded, -time.Second)
	require.Equal(t, StatusDegraded, timeout.Status)
	require.Zero(t, timeout.Duration)
}
