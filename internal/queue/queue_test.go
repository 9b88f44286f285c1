package queue

import (
	"testing"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/stretchr/testify/require"
)

func newTestFabric() *Fabric {
	return &Fabric{
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
	}
}

func TestNextRun_CronPattern(t *testing.T) {
	f := newTestFabric()
	from := time.Date(2026, 1, 1, 12, 0, 30, 0, time.UTC)
	next, err := f.nextRun(&Repeat{Pattern: "* * * * *"}, from)
	require.NoError(t, err)
	require.Equal(t, 2026, next.Year())
	require.True(t, next.After(from))
	require.LessOrEqual(t, next.Sub(from), 90*time.Second)
}

func TestNextRun_Interval(t *testing.T) {
	f := newTestFabric()
	from := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	next, err := f.nextRun(&Repeat{Every: 5000}, from)
	require.NoError(t, err)
	require.Equal(t, 5*time.Second, next.Sub(from))
}

func TestNextRun_InvalidPattern(t *testing.T) {
	f := newTestFabric()
	_, err := f.nextRun(&Repeat{Pattern: "not a cron pattern"}, time.Now())
	require.Error(t, err)
}

func TestNextRun_NoScheduleGiven(t *testing.T) {
	f := newTestFabric()
	_, err := f.nextRun(&Repeat{}, time.Now())
	require.Error(t, err)
}
