// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package avd

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/kballard/go-shellquote"
	"go.opentelemetry.io/otel/attribute"
)

// killGrace is how long a cancelled subprocess gets between SIGTERM and kill.
// A subprocess that overruns its timeout is killed outright.
var killGrace = 5 * time.Second

// WorkFunc is an in-process unit of work. It must return once ctx is done.
type WorkFunc func(ctx context.Context, report func(Progress)) (Result, error)

// Command describes one SDK tool invocation.
type Command struct {
	Kind  TaskKind
	Label string
	Path  string
	Args  []string
	// Stdin is always written to the child.
	Stdin string
	// Confirm answers the tool's interactive prompt when Env.AutoConfirm is set.
	Confirm string
	Timeout time.Duration
	Env     []string
	// ProgressFunc, when set, is fed each stdout line.
	ProgressFunc func(line string) (Progress, bool)
}

func (c Command) String() string {
	if c.Label != "" {
		return c.Label
	}
	return commandLine(c.Path, c.Args)
}

func commandLine(bin string, args []string) string {
	return shellquote.Join(append([]string{bin}, args...)...)
}

// Runner executes tasks on background goroutines. It holds no cross-task locks.
type Runner struct {
	env Env
	sem chan struct{}
	seq atomic.Uint64

	mu    sync.Mutex
	tasks map[string]*Task
	order map[string]uint64
}

func NewRunner(env Env) *Runner {
	r := &Runner{
		env:   env,
		tasks: map[string]*Task{},
		order: map[string]uint64{},
	}
	if env.MaxProcs > 0 {
		r.sem = make(chan struct{}, env.MaxProcs)
	}
	return r
}

// Env returns the environment the runner was built with.
func (r *Runner) Env() Env { return r.env }

// Tasks lists tasks whose completion has not been observed yet, oldest first.
func (r *Runner) Tasks() []*Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Task, 0, len(r.tasks))
	for _, t := range r.tasks {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return r.order[out[i].id] < r.order[out[j].id] })
	return out
}

func (r *Runner) Lookup(id string) (*Task, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	return t, ok
}

// Go runs fn on its own goroutine and returns its handle immediately. In-process
// work is not bounded by MaxProcs, so composite tasks may wait on children.
func (r *Runner) Go(ctx context.Context, kind TaskKind, label string, fn WorkFunc) *Task {
	return r.spawn(ctx, kind, label, fn, false)
}

// Submit runs an external command as a task. At most MaxProcs commands run
// at once; the rest stay Queued.
func (r *Runner) Submit(ctx context.Context, c Command) *Task {
	return r.spawn(ctx, c.Kind, c.String(), func(ctx context.Context, report func(Progress)) (Result, error) {
		return r.runCommand(ctx, c, report)
	}, true)
}

func (r *Runner) spawn(ctx context.Context, kind TaskKind, label string, fn WorkFunc, bounded bool) *Task {
	if ctx == nil {
		ctx = context.Background()
	}
	runCtx, cancel := context.WithCancelCause(ctx)
	n := r.seq.Add(1)
	t := newTask(fmt.Sprintf("%s-%d", kind, n), kind, label, cancel)
	t.onObserve = func() { r.forget(t.id) }

	r.mu.Lock()
	r.tasks[t.id] = t
	r.order[t.id] = n
	r.mu.Unlock()

	go r.execute(runCtx, t, fn, bounded)
	return t
}

func (r *Runner) forget(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tasks, id)
	delete(r.order, id)
}

func (r *Runner) execute(ctx context.Context, t *Task, fn WorkFunc, bounded bool) {
	_, span := startSpan(
		r.env,
		"avd.Task",
		attribute.String("task_id", t.id),
		attribute.String("kind", string(t.kind)),
		attribute.String("label", t.label),
	)
	defer span.End()

	if bounded && r.sem != nil {
		select {
		case r.sem <- struct{}{}:
			defer func() { <-r.sem }()
		case <-ctx.Done():
			t.finish(Result{State: StateCancelled, Err: ErrCancelled})
			span.SetAttributes(attribute.String("state", StateCancelled.String()))
			return
		}
	}
	if ctx.Err() != nil || !t.start() {
		t.finish(Result{State: StateCancelled, Err: ErrCancelled})
		span.SetAttributes(attribute.String("state", StateCancelled.String()))
		return
	}

	logEvent(r.env, "task started", "task_id", t.id, "kind", string(t.kind), "label", t.label)
	res, err := fn(ctx, t.report)
	res = settle(res, err)

	span.SetAttributes(attribute.String("state", res.State.String()))
	recordSpanError(span, res.Err)
	fields := []any{"task_id", t.id, "kind", string(t.kind), "state", res.State.String()}
	if res.Err != nil {
		fields = append(fields, "reason", res.Reason())
	}
	logEvent(r.env, "task finished", fields...)
	t.finish(res)
}

func settle(res Result, err error) Result {
	switch {
	case err == nil:
		res.State = StateSucceeded
		res.Err = nil
	case errors.Is(err, context.Canceled):
		res.State = StateCancelled
		if !errors.Is(err, ErrCancelled) {
			err = ErrCancelled
		}
		res.Err = err
	default:
		res.State = StateFailed
		res.Err = err
	}
	return res
}

func (r *Runner) runCommand(ctx context.Context, c Command, report func(Progress)) (Result, error) {
	if c.Path == "" {
		return Result{ExitCode: -1}, toolMissing(c.String())
	}
	runCtx := ctx
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeoutCause(ctx, c.Timeout, ErrTimeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, c.Path, c.Args...)
	cmd.Cancel = func() error {
		if errors.Is(context.Cause(runCtx), ErrTimeout) {
			return cmd.Process.Kill()
		}
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = killGrace
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), c.Env...)
	}
	stdin := c.Stdin
	if r.env.AutoConfirm && c.Confirm != "" {
		stdin += c.Confirm + "\n"
	}
	if stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	if c.ProgressFunc != nil {
		cmd.Stdout = io.MultiWriter(&stdout, &lineFuncWriter{fn: func(line string) {
			if p, ok := c.ProgressFunc(line); ok {
				report(p)
			}
		}})
	}
	cmd.Stderr = io.MultiWriter(&stderr, newCommandLogWriter(r.env, c.Path, c.Args))

	report(Progress{Indeterminate: true, Message: c.String()})
	err := cmd.Run()
	res := Result{Stdout: stdout.String(), Stderr: stderr.String(), ExitCode: -1}
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}
	if err == nil {
		return res, nil
	}

	if runCtx.Err() != nil {
		cause := context.Cause(runCtx)
		if errors.Is(cause, ErrTimeout) {
			return res, fmt.Errorf("%s: no result within %s: %w", c.String(), c.Timeout, ErrTimeout)
		}
		if errors.Is(cause, context.Canceled) {
			return res, ErrCancelled
		}
		return res, fmt.Errorf("%s: %w", c.String(), cause)
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		reason := res.Stderr
		if strings.TrimSpace(reason) == "" {
			reason = res.Stdout
		}
		return res, &SubprocessError{Command: c.String(), ExitCode: res.ExitCode, Reason: reason}
	}
	if errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist) {
		return res, toolMissing(c.Path)
	}
	return res, fmt.Errorf("%s: %w", c.String(), err)
}

// lineFuncWriter calls fn for every complete line written to it.
type lineFuncWriter struct {
	fn     func(string)
	buffer []byte
}

func (w *lineFuncWriter) Write(payload []byte) (int, error) {
	w.buffer = append(w.buffer, payload...)
	for {
		i := bytes.IndexAny(w.buffer, "\r\n")
		if i == -1 {
			break
		}
		line := strings.TrimSpace(string(w.buffer[:i]))
		w.buffer = w.buffer[i+1:]
		if line != "" {
			w.fn(line)
		}
	}
	return len(payload), nil
}
