package dag

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/TFMV/lakehouse"
)

// ---------------------------------------------------------------------
// Prometheus Metrics
// ---------------------------------------------------------------------

var (
	runsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lakehouse_dag_runs_total",
		Help: "Completed pipeline runs by final state",
	}, []string{"dag", "state"})
	taskAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lakehouse_task_attempts_total",
		Help: "Task attempts started",
	}, []string{"task"})
	taskDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name: "lakehouse_task_duration_seconds",
		Help: "Task duration including retries",
	}, []string{"task", "state"})
)

func init() {
	prometheus.MustRegister(runsTotal, taskAttempts, taskDuration)
}

// ---------------------------------------------------------------------
// States
// ---------------------------------------------------------------------

type TaskState string

const (
	Pending        TaskState = "pending"
	Running        TaskState = "running"
	UpForRetry     TaskState = "up_for_retry"
	Success        TaskState = "success"
	Failed         TaskState = "failed"
	UpstreamFailed TaskState = "upstream_failed"
)

type RunState string

const (
	RunSuccess RunState = "success"
	RunFailed  RunState = "failed"
)

// TaskResult is the outcome of one task in a run.
type TaskResult struct {
	State    TaskState
	Attempts int
	Err      error
	Handoff  lakehouse.Handoff
	Duration time.Duration
}

// RunResult is the outcome of one run.
type RunResult struct {
	RunID       uuid.UUID
	DAGID       string
	LogicalTime time.Time
	Stamp       string
	State       RunState
	// Order lists task IDs in execution order.
	Order []string
	Tasks map[string]*TaskResult
}

// Err returns the error of the failed task, if any.
func (r RunResult) Err() error {
	for _, id := range r.Order {
		if t := r.Tasks[id]; t.State == Failed {
			return t.Err
		}
	}
	return nil
}

// ---------------------------------------------------------------------
// Runner
// ---------------------------------------------------------------------

// Runner executes a DAG one task at a time.
type Runner struct {
	dag    *DAG
	logger *zap.Logger
}

func NewRunner(d *DAG, logger *zap.Logger) *Runner {
	return &Runner{dag: d, logger: logger}
}

func (r *Runner) DAG() *DAG { return r.dag }

// Run executes every task in order. A task starts only after its upstream
// succeeded; once a task fails, the rest are marked upstream_failed.
// The stamp derived from logicalTime namespaces every artifact of the run.
func (r *Runner) Run(ctx context.Context, logicalTime time.Time) RunResult {
	res := RunResult{
		RunID:       uuid.New(),
		DAGID:       r.dag.ID,
		LogicalTime: logicalTime,
		Stamp:       lakehouse.Stamp(logicalTime),
		Tasks:       make(map[string]*TaskResult, len(r.dag.tasks)),
	}
	for _, t := range r.dag.tasks {
		res.Order = append(res.Order, t.ID)
		res.Tasks[t.ID] = &TaskResult{State: Pending}
	}

	logger := r.logger.With(
		zap.String("dag", r.dag.ID),
		zap.String("run_id", res.RunID.String()),
		zap.String("stamp", res.Stamp))
	logger.Info("run started")

	handoffs := NewHandoffStore()
	failed := false
	for _, t := range r.dag.tasks {
		tr := res.Tasks[t.ID]
		if failed {
			tr.State = UpstreamFailed
			logger.Warn("task skipped", zap.String("task", t.ID), zap.String("state", string(tr.State)))
			continue
		}
		r.runTask(ctx, t, tr, &res, handoffs, logger.With(zap.String("task", t.ID)))
		failed = tr.State == Failed
	}

	res.State = RunSuccess
	if failed {
		res.State = RunFailed
	}
	runsTotal.WithLabelValues(r.dag.ID, string(res.State)).Inc()
	logger.Info("run finished", zap.String("state", string(res.State)))
	return res
}

func (r *Runner) runTask(ctx context.Context, t *Task, tr *TaskResult, res *RunResult, handoffs *HandoffStore, logger *zap.Logger) {
	policy := RetryPolicy{
		MaxAttempts: t.Retries + 1,
		Delay:       t.RetryDelay,
		Retryable:   lakehouse.Retryable,
		OnRetry: func(attempt int, err error) {
			tr.State = UpForRetry
			logger.Warn("task failed, retrying",
				zap.Int("attempt", attempt),
				zap.Duration("delay", t.RetryDelay),
				zap.Error(err))
		},
	}

	start := time.Now()
	err := policy.Execute(ctx, func() error {
		tr.Attempts++
		tr.State = Running
		taskAttempts.WithLabelValues(t.ID).Inc()

		tc := &TaskContext{
			RunID:       res.RunID.String(),
			DAGID:       res.DAGID,
			TaskID:      t.ID,
			Stamp:       res.Stamp,
			LogicalTime: res.LogicalTime,
			Attempt:     tr.Attempts,
			Logger:      logger,
			upstream:    t.Upstream,
			handoffs:    handoffs,
		}
		h, err := t.Run(ctx, tc)
		if err != nil {
			return err
		}
		handoffs.Push(t.ID, h)
		tr.Handoff = h
		return nil
	})
	tr.Duration = time.Since(start)

	if err != nil {
		tr.State = Failed
		tr.Err = err
		logger.Error("task failed",
			zap.Int("attempts", tr.Attempts),
			zap.Bool("retryable", lakehouse.Retryable(err)),
			zap.Error(err))
	} else {
		tr.State = Success
		logger.Info("task succeeded",
			zap.Int("attempts", tr.Attempts),
			zap.Stringer("handoff", tr.Handoff),
			zap.Duration("elapsed", tr.Duration))
	}
	taskDuration.WithLabelValues(t.ID, string(tr.State)).Observe(tr.Duration.Seconds())
}
