// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package avd

import (
	"context"
	"sync"
)

type TaskKind string

const (
	KindInstall  TaskKind = "install"
	KindDownload TaskKind = "download"
	KindDelete   TaskKind = "delete"
	KindCreate   TaskKind = "create"
	KindQuery    TaskKind = "query"
	KindStop     TaskKind = "stop"
	KindSetup    TaskKind = "setup"
)

type TaskState int

const (
	StateQueued TaskState = iota
	StateRunning
	StateSucceeded
	StateFailed
	StateCancelled
)

func (s TaskState) String() string {
	switch s {
	case StateQueued:
		return "queued"
	case StateRunning:
		return "running"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	}
	return "unknown"
}

func (s TaskState) Terminal() bool { return s >= StateSucceeded }

// Progress is a percentage in 0..100, or Indeterminate when the total is unknown.
type Progress struct {
	Percent       int    `json:"percent"`
	Indeterminate bool   `json:"indeterminate,omitempty"`
	Message       string `json:"message,omitempty"`
}

// Result is the terminal outcome of a task. Err is nil only for Succeeded.
type Result struct {
	State    TaskState `json:"state"`
	Stdout   string    `json:"stdout,omitempty"`
	Stderr   string    `json:"stderr,omitempty"`
	ExitCode int       `json:"exit_code"`
	Path     string    `json:"path,omitempty"`
	Bytes    int64     `json:"bytes,omitempty"`
	Err      error     `json:"-"`
}

// Reason is the human-readable failure reason, empty on success.
func (r Result) Reason() string { return failureReason(r.Err) }

const progressBuffer = 16

// Task is the handle to one unit of background work. State changes are driven
// only by the worker goroutine that owns it.
type Task struct {
	id    string
	kind  TaskKind
	label string

	mu       sync.Mutex
	state    TaskState
	last     Progress
	result   Result
	cancel   context.CancelCauseFunc
	progress chan Progress
	done     chan struct{}

	observeOnce sync.Once
	onObserve   func()
}

func newTask(id string, kind TaskKind, label string, cancel context.CancelCauseFunc) *Task {
	return &Task{
		id:       id,
		kind:     kind,
		label:    label,
		state:    StateQueued,
		cancel:   cancel,
		progress: make(chan Progress, progressBuffer),
		done:     make(chan struct{}),
	}
}

func (t *Task) ID() string     { return t.id }
func (t *Task) Kind() TaskKind { return t.kind }
func (t *Task) Label() string  { return t.label }

func (t *Task) State() TaskState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// LastProgress is the most recent progress report.
func (t *Task) LastProgress() Progress {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.last
}

// Progress delivers progress reports. When the reader falls behind, older
// reports are dropped in favour of newer ones. Closed at completion.
func (t *Task) Progress() <-chan Progress { return t.progress }

// Done is closed once the task reached a terminal state.
func (t *Task) Done() <-chan struct{} { return t.done }

// Cancel requests cooperative cancellation. It is a no-op once terminal.
func (t *Task) Cancel() {
	if t.cancel != nil {
		t.cancel(ErrCancelled)
	}
}

// Wait blocks until the task completes or ctx ends. A completed Wait marks the
// task observed, releasing it from its runner.
func (t *Task) Wait(ctx context.Context) (Result, error) {
	select {
	case <-t.done:
		return t.Result(), nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Result returns the terminal result; before completion it is the zero Result
// carrying the current state. Reading a terminal result marks the task
// observed, like Wait.
func (t *Task) Result() Result {
	t.mu.Lock()
	if !t.state.Terminal() {
		state := t.state
		t.mu.Unlock()
		return Result{State: state}
	}
	res := t.result
	t.mu.Unlock()
	t.observe()
	return res
}

func (t *Task) observe() {
	t.observeOnce.Do(func() {
		if t.onObserve != nil {
			t.onObserve()
		}
	})
}

func (t *Task) start() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateQueued {
		return false
	}
	t.state = StateRunning
	return true
}

// report is called from the worker goroutine only.
func (t *Task) report(p Progress) {
	t.mu.Lock()
	if t.state.Terminal() {
		t.mu.Unlock()
		return
	}
	t.last = p
	t.mu.Unlock()
	for {
		select {
		case t.progress <- p:
			return
		default:
		}
		select {
		case <-t.progress:
		default:
		}
	}
}

// finish moves the task to its terminal state exactly once.
func (t *Task) finish(res Result) {
	t.mu.Lock()
	if t.state.Terminal() {
		t.mu.Unlock()
		return
	}
	t.state = res.State
	t.result = res
	t.mu.Unlock()
	close(t.progress)
	close(t.done)
	if t.cancel != nil {
		t.cancel(nil)
	}
}
