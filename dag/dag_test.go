package dag

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/TFMV/lakehouse"
)

func noop(context.Context, *TaskContext) (lakehouse.Handoff, error) {
	return lakehouse.Handoff{}, nil
}

func TestNewOrdersChain(t *testing.T) {
	d, err := New("etl",
		&Task{ID: "gold", Upstream: "silver", Run: noop},
		&Task{ID: "bronze", Run: noop},
		&Task{ID: "silver", Upstream: "bronze", Run: noop},
	)
	require.NoError(t, err)

	var ids []string
	for _, task := range d.Tasks() {
		ids = append(ids, task.ID)
	}
	assert.Equal(t, []string{"bronze", "silver", "gold"}, ids)
}

func TestNewRejectsInvalid(t *testing.T) {
	tests := []struct {
		name  string
		tasks []*Task
	}{
		{"empty", nil},
		{"no id", []*Task{{Run: noop}}},
		{"no run", []*Task{{ID: "a"}}},
		{"negative retries", []*Task{{ID: "a", Retries: -1, Run: noop}}},
		{"duplicate", []*Task{{ID: "a", Run: noop}, {ID: "a", Upstream: "a", Run: noop}}},
		{"unknown upstream", []*Task{{ID: "a", Run: noop}, {ID: "b", Upstream: "x", Run: noop}}},
		{"two roots", []*Task{{ID: "a", Run: noop}, {ID: "b", Run: noop}}},
		{"fan out", []*Task{
			{ID: "a", Run: noop},
			{ID: "b", Upstream: "a", Run: noop},
			{ID: "c", Upstream: "a", Run: noop},
		}},
		{"cycle", []*Task{
			{ID: "a", Run: noop},
			{ID: "b", Upstream: "c", Run: noop},
			{ID: "c", Upstream: "b", Run: noop},
		}},
		{"self loop only", []*Task{{ID: "a", Upstream: "a", Run: noop}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New("bad", tt.tasks...)
			assert.ErrorIs(t, err, ErrInvalidDAG)
		})
	}
}

func TestRetryPolicy(t *testing.T) {
	transient := lakehouse.Wrap("bronze", lakehouse.ErrSourceUnavailable, errors.New("dial"))
	policy := &RetryPolicy{
		MaxAttempts: 3,
		Delay:       time.Millisecond,
		Retryable:   lakehouse.Retryable,
	}

	t.Run("Successful retry", func(t *testing.T) {
		attempts := 0
		err := policy.Execute(context.Background(), func() error {
			attempts++
			if attempts < 2 {
				return transient
			}
			return nil
		})
		assert.NoError(t, err)
		assert.Equal(t, 2, attempts)
	})

	t.Run("Max attempts exceeded", func(t *testing.T) {
		attempts := 0
		err := policy.Execute(context.Background(), func() error {
			attempts++
			return transient
		})
		assert.ErrorIs(t, err, lakehouse.ErrSourceUnavailable)
		assert.Equal(t, 3, attempts)
	})

	t.Run("Non-retryable error", func(t *testing.T) {
		attempts := 0
		err := policy.Execute(context.Background(), func() error {
			attempts++
			return lakehouse.Wrap("silver", lakehouse.ErrMissingUpstreamArtifact, nil)
		})
		assert.ErrorIs(t, err, lakehouse.ErrMissingUpstreamArtifact)
		assert.Equal(t, 1, attempts)
	})

	t.Run("Cancelled wait", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		slow := &RetryPolicy{MaxAttempts: 2, Delay: time.Hour}
		attempts := 0
		err := slow.Execute(ctx, func() error {
			attempts++
			cancel()
			return transient
		})
		assert.ErrorIs(t, err, lakehouse.ErrSourceUnavailable)
		assert.Equal(t, 1, attempts)
	})
}

func TestRunPassesHandoffs(t *testing.T) {
	logical := time.Date(2025, 3, 1, 6, 30, 0, 0, time.UTC)
	var silverSaw lakehouse.Handoff

	d, err := New("etl",
		&Task{ID: "bronze", Run: func(_ context.Context, tc *TaskContext) (lakehouse.Handoff, error) {
			_, ok := tc.Upstream()
			assert.False(t, ok)
			return lakehouse.Handoff{Layer: lakehouse.Bronze, Path: "b.txt", Rows: 2, Stamp: tc.Stamp}, nil
		}},
		&Task{ID: "silver", Upstream: "bronze", Run: func(_ context.Context, tc *TaskContext) (lakehouse.Handoff, error) {
			silverSaw, _ = tc.Upstream()
			return lakehouse.Handoff{Layer: lakehouse.Silver, Path: "s.csv", Rows: 2, Stamp: tc.Stamp}, nil
		}},
	)
	require.NoError(t, err)

	res := NewRunner(d, zap.NewNop()).Run(context.Background(), logical)
	require.NoError(t, res.Err())
	assert.Equal(t, RunSuccess, res.State)
	assert.Equal(t, "20250301_063000", res.Stamp)
	assert.Equal(t, "b.txt", silverSaw.Path)
	assert.Equal(t, "20250301_063000", silverSaw.Stamp)
	assert.Equal(t, Success, res.Tasks["silver"].State)
	assert.Equal(t, "s.csv", res.Tasks["silver"].Handoff.Path)
	assert.Equal(t, 1, res.Tasks["bronze"].Attempts)
}

func TestRunRetriesThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	d, err := New("etl", &Task{
		ID:         "bronze",
		Retries:    1,
		RetryDelay: time.Millisecond,
		Run: func(_ context.Context, tc *TaskContext) (lakehouse.Handoff, error) {
			calls.Add(1)
			if tc.Attempt == 1 {
				return lakehouse.Handoff{}, lakehouse.Wrap("bronze", lakehouse.ErrSourceUnavailable, nil)
			}
			return lakehouse.Handoff{Path: "ok"}, nil
		},
	})
	require.NoError(t, err)

	res := NewRunner(d, zap.NewNop()).Run(context.Background(), time.Now())
	assert.Equal(t, RunSuccess, res.State)
	assert.Equal(t, 2, res.Tasks["bronze"].Attempts)
	assert.Equal(t, int32(2), calls.Load())
}

func TestRunFailureMarksDownstream(t *testing.T) {
	var goldRan atomic.Bool
	d, err := New("etl",
		&Task{ID: "bronze", Run: noop},
		&Task{ID: "silver", Upstream: "bronze", Retries: 1, RetryDelay: time.Millisecond,
			Run: func(context.Context, *TaskContext) (lakehouse.Handoff, error) {
				return lakehouse.Handoff{}, lakehouse.Wrap("silver", lakehouse.ErrStoreWriteFailure, errors.New("disk full"))
			}},
		&Task{ID: "gold", Upstream: "silver", Run: func(context.Context, *TaskContext) (lakehouse.Handoff, error) {
			goldRan.Store(true)
			return lakehouse.Handoff{}, nil
		}},
	)
	require.NoError(t, err)

	res := NewRunner(d, zap.NewNop()).Run(context.Background(), time.Now())
	assert.Equal(t, RunFailed, res.State)
	assert.Equal(t, Success, res.Tasks["bronze"].State)
	assert.Equal(t, Failed, res.Tasks["silver"].State)
	assert.Equal(t, 2, res.Tasks["silver"].Attempts)
	assert.Equal(t, UpstreamFailed, res.Tasks["gold"].State)
	assert.Equal(t, 0, res.Tasks["gold"].Attempts)
	assert.False(t, goldRan.Load())
	assert.ErrorIs(t, res.Err(), lakehouse.ErrStoreWriteFailure)
}

func TestSchedulerSkipsOverlap(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	d, err := New("etl", &Task{ID: "slow", Run: func(context.Context, *TaskContext) (lakehouse.Handoff, error) {
		started <- struct{}{}
		<-release
		return lakehouse.Handoff{}, nil
	}})
	require.NoError(t, err)

	var results atomic.Int32
	s := NewScheduler(NewRunner(d, zap.NewNop()), time.Hour, zap.NewNop())
	s.OnResult = func(RunResult) { results.Add(1) }

	ctx := context.Background()
	require.True(t, s.Trigger(ctx, time.Now()))
	<-started
	assert.True(t, s.Active())
	assert.False(t, s.Trigger(ctx, time.Now()))

	close(release)
	s.Wait()
	assert.False(t, s.Active())
	assert.Equal(t, int32(1), results.Load())
}

func TestSchedulerStartRunsImmediately(t *testing.T) {
	ran := make(chan struct{}, 1)
	d, err := New("etl", &Task{ID: "once", Run: func(context.Context, *TaskContext) (lakehouse.Handoff, error) {
		ran <- struct{}{}
		return lakehouse.Handoff{}, nil
	}})
	require.NoError(t, err)

	s := NewScheduler(NewRunner(d, zap.NewNop()), time.Hour, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Start(ctx) }()

	select {
	case <-ran:
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not run")
	}
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}
