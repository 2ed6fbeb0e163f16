// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package avd

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/containerd/errdefs"
)

// fakeSDK records installer calls and flips presence flags on success.
type fakeSDK struct {
	mu      sync.Mutex
	present map[Component]bool
	calls   []Component
	fail    map[Component]bool
	// also lists components an installer makes present besides its own.
	also map[Component][]Component
	// inert installers succeed without changing presence.
	inert map[Component]bool
}

func newFakeSDK() *fakeSDK {
	return &fakeSDK{
		present: map[Component]bool{},
		fail:    map[Component]bool{},
		also:    map[Component][]Component{},
		inert:   map[Component]bool{},
	}
}

func (f *fakeSDK) check(c Component) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.present[c]
}

func (f *fakeSDK) sequencer(t *testing.T, runner *Runner) *Sequencer {
	installers := map[Component]Installer{}
	for _, c := range CanonicalOrder {
		c := c
		installers[c] = func(ctx context.Context) *Task {
			return runner.Go(ctx, KindInstall, string(c), func(ctx context.Context, report func(Progress)) (Result, error) {
				f.mu.Lock()
				defer f.mu.Unlock()
				f.calls = append(f.calls, c)
				if f.fail[c] {
					return Result{}, errors.New(string(c) + " broke")
				}
				if !f.inert[c] {
					f.present[c] = true
					for _, other := range f.also[c] {
						f.present[other] = true
					}
				}
				return Result{}, nil
			})
		}
	}
	return NewSequencer(runner.Env(), f.check, installers)
}

func (f *fakeSDK) called() []Component {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Component(nil), f.calls...)
}

func newSequencerRunner(t *testing.T) *Runner {
	t.Helper()
	quietLogs(t)
	return NewRunner(newTestEnv(t))
}

func TestSequencerInstallsInCanonicalOrder(t *testing.T) {
	runner := newSequencerRunner(t)
	sdk := newFakeSDK()
	seq := sdk.sequencer(t, runner)

	desired := []Component{ComponentEmulator, ComponentCmdlineTools, ComponentPlatformTools}
	res, err := seq.Run(context.Background(), desired)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	want := []Component{ComponentCmdlineTools, ComponentPlatformTools, ComponentEmulator}
	got := sdk.called()
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
	if len(res.Installed) != 3 || res.NothingToDo {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestSequencerStopsAfterFailedStep(t *testing.T) {
	runner := newSequencerRunner(t)
	sdk := newFakeSDK()
	sdk.fail[ComponentPlatformTools] = true
	seq := sdk.sequencer(t, runner)

	_, err := seq.Run(context.Background(), []Component{ComponentCmdlineTools, ComponentPlatformTools, ComponentEmulator})
	var step *StepError
	if !errors.As(err, &step) {
		t.Fatalf("expected StepError, got %v", err)
	}
	if step.Component != ComponentPlatformTools {
		t.Fatalf("expected failure at platform-tools, got %s", step.Component)
	}
	for _, c := range sdk.called() {
		if c == ComponentEmulator {
			t.Fatal("emulator installer must not run after a failed step")
		}
	}
	if !sdk.check(ComponentCmdlineTools) {
		t.Fatal("earlier steps are not rolled back")
	}
}

func TestSequencerNothingToDo(t *testing.T) {
	runner := newSequencerRunner(t)
	sdk := newFakeSDK()
	for _, c := range CanonicalOrder {
		sdk.present[c] = true
	}
	res, err := sdk.sequencer(t, runner).Run(context.Background(), nil)
	if err != nil || !res.NothingToDo {
		t.Fatalf("expected nothing to do, got %+v %v", res, err)
	}
	if len(sdk.called()) != 0 {
		t.Fatalf("no installer should run, got %v", sdk.called())
	}
}

func TestSequencerStopsOnceEverythingPresent(t *testing.T) {
	runner := newSequencerRunner(t)
	sdk := newFakeSDK()
	sdk.also[ComponentCmdlineTools] = []Component{ComponentPlatformTools, ComponentEmulator, ComponentPlatform}

	res, err := sdk.sequencer(t, runner).Run(context.Background(), nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := sdk.called(); len(got) != 1 {
		t.Fatalf("expected one step, got %v", got)
	}
	if len(res.Queue) != 4 || len(res.Installed) != 1 {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestSequencerIncompleteAfterQueue(t *testing.T) {
	runner := newSequencerRunner(t)
	sdk := newFakeSDK()
	sdk.inert[ComponentPlatform] = true

	_, err := sdk.sequencer(t, runner).Run(context.Background(), []Component{ComponentPlatform})
	if !errors.Is(err, ErrIncomplete) || !errdefs.IsFailedPrecondition(err) {
		t.Fatalf("expected incomplete, got %v", err)
	}
}

func TestSequencerStartReportsSteps(t *testing.T) {
	runner := newSequencerRunner(t)
	sdk := newFakeSDK()
	seq := sdk.sequencer(t, runner)

	var events []StepEvent
	seq.OnStep = func(ev StepEvent) { events = append(events, ev) }

	task := seq.Start(context.Background(), runner, []Component{ComponentCmdlineTools, ComponentPlatformTools})
	res := waitResult(t, task)
	if res.State != StateSucceeded {
		t.Fatalf("expected succeeded, got %s (%v)", res.State, res.Err)
	}
	if task.LastProgress().Percent != 100 {
		t.Fatalf("expected progress 100, got %+v", task.LastProgress())
	}
	if len(events) != 4 || events[3].State != StateSucceeded || events[3].Component != ComponentPlatformTools {
		t.Fatalf("unexpected step events %+v", events)
	}
}

func TestSequencerCancelled(t *testing.T) {
	runner := newSequencerRunner(t)
	sdk := newFakeSDK()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	task := sdk.sequencer(t, runner).Start(ctx, runner, nil)
	if res := waitResult(t, task); res.State != StateCancelled {
		t.Fatalf("expected cancelled, got %s (%v)", res.State, res.Err)
	}
	if len(sdk.called()) != 0 {
		t.Fatalf("no installer should run, got %v", sdk.called())
	}
}

func TestSequencerCancelledMidStep(t *testing.T) {
	runner := newSequencerRunner(t)
	sdk := newFakeSDK()
	seq := sdk.sequencer(t, runner)

	blocked := make(chan struct{})
	seq.Installers[ComponentPlatformTools] = func(ctx context.Context) *Task {
		return runner.Go(ctx, KindInstall, "platform-tools", func(ctx context.Context, report func(Progress)) (Result, error) {
			sdk.mu.Lock()
			sdk.calls = append(sdk.calls, ComponentPlatformTools)
			sdk.mu.Unlock()
			close(blocked)
			<-ctx.Done()
			return Result{}, ctx.Err()
		})
	}

	task := seq.Start(context.Background(), runner, nil)
	select {
	case <-blocked:
	case <-time.After(5 * time.Second):
		t.Fatal("platform-tools installer never started")
	}
	task.Cancel()

	res := waitResult(t, task)
	if res.State != StateCancelled {
		t.Fatalf("expected cancelled, got %s (%v)", res.State, res.Err)
	}
	var stepErr *StepError
	if !errors.As(res.Err, &stepErr) || stepErr.Component != ComponentPlatformTools {
		t.Fatalf("expected platform-tools step error, got %v", res.Err)
	}
	want := []Component{ComponentCmdlineTools, ComponentPlatformTools}
	got := sdk.called()
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("no installer should run after the cancelled step, got %v", got)
	}
	if !sdk.check(ComponentCmdlineTools) {
		t.Fatal("cmdline-tools installed before the cancel should stay present")
	}
	if sdk.check(ComponentPlatformTools) {
		t.Fatal("cancelled step must not be marked present")
	}
}

func TestParseComponent(t *testing.T) {
	c, err := ParseComponent("platform-tools")
	if err != nil || c != ComponentPlatformTools {
		t.Fatalf("unexpected %q %v", c, err)
	}
	if _, err := ParseComponent("ndk"); !errdefs.IsInvalidArgument(err) {
		t.Fatalf("expected invalid argument, got %v", err)
	}
}
