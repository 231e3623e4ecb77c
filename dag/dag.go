// Package dag runs a linear chain of tasks with per-task retries, passing
// each task's handoff to its downstream task.
package dag

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/TFMV/lakehouse"
)

// TaskFunc executes one attempt of a task.
type TaskFunc func(ctx context.Context, tc *TaskContext) (lakehouse.Handoff, error)

// Task is a node of the chain.
type Task struct {
	ID string
	// Upstream is the ID of the task that must succeed first; empty for the root.
	Upstream   string
	Retries    int
	RetryDelay time.Duration
	Run        TaskFunc
}

// TaskContext is what a running task sees of its run.
type TaskContext struct {
	RunID       string
	DAGID       string
	TaskID      string
	Stamp       string
	LogicalTime time.Time
	Attempt     int
	Logger      *zap.Logger

	upstream string
	handoffs *HandoffStore
}

// Upstream returns the handoff pushed by this task's upstream task.
func (tc *TaskContext) Upstream() (lakehouse.Handoff, bool) {
	if tc.upstream == "" {
		return lakehouse.Handoff{}, false
	}
	return tc.handoffs.Pull(tc.upstream)
}

// Pull returns the handoff pushed by taskID in this run.
func (tc *TaskContext) Pull(taskID string) (lakehouse.Handoff, bool) {
	return tc.handoffs.Pull(taskID)
}

// ---------------------------------------------------------------------
// Handoff Store
// ---------------------------------------------------------------------

// HandoffStore holds the handoffs of one run, keyed by producing task.
type HandoffStore struct {
	mu sync.RWMutex
	m  map[string]lakehouse.Handoff
}

func NewHandoffStore() *HandoffStore {
	return &HandoffStore{m: make(map[string]lakehouse.Handoff)}
}

func (s *HandoffStore) Push(taskID string, h lakehouse.Handoff) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[taskID] = h
}

func (s *HandoffStore) Pull(taskID string) (lakehouse.Handoff, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.m[taskID]
	return h, ok
}

// ---------------------------------------------------------------------
// DAG
// ---------------------------------------------------------------------

// ErrInvalidDAG is returned for task sets that do not form a single chain.
var ErrInvalidDAG = errors.New("invalid dag")

// DAG is a validated chain of tasks in execution order.
type DAG struct {
	ID    string
	tasks []*Task
}

// New validates tasks and orders them from the root. Every task but the
// root names exactly one upstream, no two tasks share an upstream, and the
// chain covers every task.
func New(id string, tasks ...*Task) (*DAG, error) {
	if len(tasks) == 0 {
		return nil, fmt.Errorf("%w: %s has no tasks", ErrInvalidDAG, id)
	}
	byID := make(map[string]*Task, len(tasks))
	for _, t := range tasks {
		if t.ID == "" {
			return nil, fmt.Errorf("%w: task with empty id", ErrInvalidDAG)
		}
		if t.Run == nil {
			return nil, fmt.Errorf("%w: task %s has no run function", ErrInvalidDAG, t.ID)
		}
		if t.Retries < 0 {
			return nil, fmt.Errorf("%w: task %s has negative retries", ErrInvalidDAG, t.ID)
		}
		if _, dup := byID[t.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate task %s", ErrInvalidDAG, t.ID)
		}
		byID[t.ID] = t
	}

	var root *Task
	downstream := make(map[string]*Task, len(tasks))
	for _, t := range tasks {
		if t.Upstream == "" {
			if root != nil {
				return nil, fmt.Errorf("%w: multiple roots %s and %s", ErrInvalidDAG, root.ID, t.ID)
			}
			root = t
			continue
		}
		if _, ok := byID[t.Upstream]; !ok {
			return nil, fmt.Errorf("%w: task %s depends on unknown task %s", ErrInvalidDAG, t.ID, t.Upstream)
		}
		if other, ok := downstream[t.Upstream]; ok {
			return nil, fmt.Errorf("%w: tasks %s and %s both follow %s", ErrInvalidDAG, other.ID, t.ID, t.Upstream)
		}
		downstream[t.Upstream] = t
	}
	if root == nil {
		return nil, fmt.Errorf("%w: no root task (cycle)", ErrInvalidDAG)
	}

	ordered := make([]*Task, 0, len(tasks))
	for t := root; t != nil; t = downstream[t.ID] {
		ordered = append(ordered, t)
	}
	if len(ordered) != len(tasks) {
		return nil, fmt.Errorf("%w: %d tasks unreachable from %s (cycle)", ErrInvalidDAG, len(tasks)-len(ordered), root.ID)
	}
	return &DAG{ID: id, tasks: ordered}, nil
}

// Tasks returns the tasks in execution order.
func (d *DAG) Tasks() []*Task {
	return append([]*Task(nil), d.tasks...)
}
