// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package avd

import (
	"context"
	"fmt"
	"strings"

	"github.com/containerd/errdefs"
	"go.opentelemetry.io/otel/attribute"
)

type Component string

const (
	ComponentCmdlineTools  Component = "cmdline-tools"
	ComponentPlatformTools Component = "platform-tools"
	ComponentEmulator      Component = "emulator"
	ComponentPlatform      Component = "platform"
)

// CanonicalOrder is the order in which missing components are installed.
var CanonicalOrder = []Component{
	ComponentCmdlineTools,
	ComponentPlatformTools,
	ComponentEmulator,
	ComponentPlatform,
}

func ParseComponent(s string) (Component, error) {
	for _, c := range CanonicalOrder {
		if string(c) == s {
			return c, nil
		}
	}
	return "", fmt.Errorf("unknown component %q: %w", s, errdefs.ErrInvalidArgument)
}

// PresenceCheck reports whether a component is currently installed.
type PresenceCheck func(Component) bool

// Installer starts installing one component.
type Installer func(ctx context.Context) *Task

type StepEvent struct {
	Index     int
	Total     int
	Component Component
	State     TaskState
	Err       error
}

type SequenceResult struct {
	Queue       []Component
	Installed   []Component
	NothingToDo bool
}

// Sequencer installs missing components one at a time, re-checking presence
// of every desired component after each step.
type Sequencer struct {
	Present    PresenceCheck
	Installers map[Component]Installer
	OnStep     func(StepEvent)
	env        Env
}

func NewSequencer(env Env, present PresenceCheck, installers map[Component]Installer) *Sequencer {
	return &Sequencer{Present: present, Installers: installers, env: env}
}

// Plan is the install queue: desired components in canonical order whose
// presence check currently fails.
func (s *Sequencer) Plan(desired []Component) []Component {
	var queue []Component
	for _, c := range canonical(desired) {
		if !s.Present(c) {
			queue = append(queue, c)
		}
	}
	return queue
}

func (s *Sequencer) missing(desired []Component) []Component {
	var out []Component
	for _, c := range canonical(desired) {
		if !s.Present(c) {
			out = append(out, c)
		}
	}
	return out
}

// Run builds the queue once and processes it in order. A failed or cancelled
// step halts the run; already-installed components are left in place.
func (s *Sequencer) Run(ctx context.Context, desired []Component) (SequenceResult, error) {
	_, span := startSpan(s.env, "avd.Sequencer.Run")
	defer span.End()

	queue := s.Plan(desired)
	res := SequenceResult{Queue: queue}
	if len(queue) == 0 {
		res.NothingToDo = true
		logEvent(s.env, "sdk setup: nothing to do")
		return res, nil
	}
	logEvent(s.env, "sdk setup start", "queue", joinComponents(queue))
	span.SetAttributes(attribute.String("queue", joinComponents(queue)))

	for i, comp := range queue {
		if ctx.Err() != nil {
			err := &StepError{Component: comp, Err: ErrCancelled}
			recordSpanError(span, err)
			return res, err
		}
		install := s.Installers[comp]
		if install == nil {
			err := &StepError{Component: comp, Err: fmt.Errorf("no installer: %w", errdefs.ErrNotImplemented)}
			recordSpanError(span, err)
			return res, err
		}

		s.emit(StepEvent{Index: i, Total: len(queue), Component: comp, State: StateRunning})
		out := awaitTask(install(ctx))
		s.emit(StepEvent{Index: i, Total: len(queue), Component: comp, State: out.State, Err: out.Err})

		switch out.State {
		case StateFailed:
			err := &StepError{Component: comp, Err: out.Err}
			recordSpanError(span, err)
			logEvent(s.env, "sdk setup step failed", "component", string(comp), "reason", out.Reason())
			return res, err
		case StateCancelled:
			err := &StepError{Component: comp, Err: ErrCancelled}
			logEvent(s.env, "sdk setup cancelled", "component", string(comp))
			return res, err
		}
		res.Installed = append(res.Installed, comp)
		logEvent(s.env, "sdk setup step finished", "component", string(comp))

		if len(s.missing(desired)) == 0 {
			logEvent(s.env, "sdk setup complete", "installed", joinComponents(res.Installed))
			return res, nil
		}
	}

	missing := s.missing(desired)
	err := fmt.Errorf("%s: %w", joinComponents(missing), ErrIncomplete)
	recordSpanError(span, err)
	return res, err
}

// Start runs the sequence as a task whose progress is the share of steps done.
func (s *Sequencer) Start(ctx context.Context, runner *Runner, desired []Component) *Task {
	return runner.Go(ctx, KindSetup, "sdk setup", func(ctx context.Context, report func(Progress)) (Result, error) {
		seq := *s
		seq.OnStep = func(ev StepEvent) {
			done := ev.Index
			if ev.State.Terminal() {
				done++
			}
			report(Progress{Percent: done * 100 / ev.Total, Message: string(ev.Component) + " " + ev.State.String()})
			if s.OnStep != nil {
				s.OnStep(ev)
			}
		}
		out, err := seq.Run(ctx, desired)
		summary := "nothing to do"
		if !out.NothingToDo {
			summary = "installed: " + joinComponents(out.Installed)
		}
		return Result{Stdout: summary}, err
	})
}

func (s *Sequencer) emit(ev StepEvent) {
	if s.OnStep != nil {
		s.OnStep(ev)
	}
}

// awaitTask blocks until t is terminal and marks it observed.
func awaitTask(t *Task) Result {
	if t == nil {
		return Result{State: StateFailed, Err: fmt.Errorf("installer returned no task: %w", errdefs.ErrInternal)}
	}
	res, _ := t.Wait(context.Background())
	return res
}

// forwardTask relays child progress to report and returns the child outcome.
func forwardTask(child *Task, report func(Progress)) (Result, error) {
	for p := range child.Progress() {
		report(p)
	}
	res := awaitTask(child)
	return res, res.Err
}

func canonical(desired []Component) []Component {
	if len(desired) == 0 {
		return CanonicalOrder
	}
	want := map[Component]bool{}
	for _, c := range desired {
		want[c] = true
	}
	var out []Component
	for _, c := range CanonicalOrder {
		if want[c] {
			out = append(out, c)
		}
	}
	return out
}

func joinComponents(cs []Component) string {
	parts := make([]string, len(cs))
	for i, c := range cs {
		parts[i] = string(c)
	}
	return strings.Join(parts, ",")
}
