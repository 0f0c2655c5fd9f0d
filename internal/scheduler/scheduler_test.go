package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestSchedulerRunsJobsRepeatedly(t *testing.T) {
	t.Parallel()

	s := New(zap.NewNop())
	var runs atomic.Int32
	s.Every("count", 10*time.Millisecond, func(context.Context) error {
		runs.Add(1)
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return runs.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}

func TestSchedulerNowRunsAtStartup(t *testing.T) {
	t.Parallel()

	s := New(zap.NewNop())
	var runs atomic.Int32
	s.Now("startup", time.Hour, func(context.Context) error {
		runs.Add(1)
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = s.Run(ctx) }()

	require.Eventually(t, func() bool { return runs.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestSchedulerSurvivesFailuresAndPanics(t *testing.T) {
	t.Parallel()

	s := New(zap.NewNop())
	var failing, panicking atomic.Int32
	s.Every("failing", 10*time.Millisecond, func(context.Context) error {
		failing.Add(1)
		return errors.New("boom")
	})
	s.Every("panicking", 10*time.Millisecond, func(context.Context) error {
		panicking.Add(1)
		panic("unexpected")
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = s.Run(ctx) }()

	require.Eventually(t, func() bool {
		return failing.Load() >= 2 && panicking.Load() >= 2
	}, 2*time.Second, 5*time.Millisecond)
}

func TestSchedulerIgnoresInvalidJobs(t *testing.T) {
	t.Parallel()

	s := New(zap.NewNop())
	s.Every("no-interval", 0, func(context.Context) error { return nil })
	s.Every("no-func", time.Second, nil)
	require.Empty(t, s.jobs)
}
