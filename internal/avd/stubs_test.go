// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package avd

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"
)

func requireShell(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires /bin/sh")
	}
}

// writeStub writes an executable shell script named name into dir.
func writeStub(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatalf("write %s stub: %v", name, err)
	}
	return path
}

// quietLogs discards log output for the duration of the test.
func quietLogs(t *testing.T) {
	t.Helper()
	previous := avdLogger.Swap(slog.New(slog.NewJSONHandler(io.Discard, &slog.HandlerOptions{})))
	t.Cleanup(func() { avdLogger.Store(previous) })
}

func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	previous := avdLogger.Swap(slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{})))
	t.Cleanup(func() { avdLogger.Store(previous) })
	return &buf
}

func newTestEnv(t *testing.T) Env {
	t.Helper()
	root := t.TempDir()
	return Env{
		Home:         root,
		AVDHome:      filepath.Join(root, "avd"),
		Ps:           writeStub(t, root, "ps", "exit 0\n"),
		FetchTimeout: 5 * time.Second,
		AutoConfirm:  true,
		Context:      context.Background(),
	}
}

func waitState(t *testing.T, task *Task, want TaskState) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if task.State() == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("task %s: expected state %s, got %s", task.ID(), want, task.State())
}

func waitResult(t *testing.T, task *Task) Result {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	res, err := task.Wait(ctx)
	if err != nil {
		t.Fatalf("task %s did not finish: %v", task.ID(), err)
	}
	return res
}
