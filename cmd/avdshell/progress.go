// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/forkbombeu/avdshell/pkg/avdmanager"
)

// follow prints the task's progress to stderr until it finishes and turns a
// failed or cancelled result into an error.
func follow(ctx context.Context, task *avdmanager.Task) (avdmanager.Result, error) {
	go func() {
		select {
		case <-ctx.Done():
			task.Cancel()
		case <-task.Done():
		}
	}()

	printed := false
	for p := range task.Progress() {
		printed = true
		if p.Indeterminate {
			fmt.Fprintf(os.Stderr, "\r%s: %-40s", task.Label(), p.Message)
			continue
		}
		fmt.Fprintf(os.Stderr, "\r%s: %3d%% %-34s", task.Label(), p.Percent, p.Message)
	}
	if printed {
		fmt.Fprintln(os.Stderr)
	}

	res, err := task.Wait(context.Background())
	if err != nil {
		return res, err
	}
	if res.Err != nil {
		return res, errors.New(task.Label() + ": " + res.Reason())
	}
	return res, nil
}
