// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package avd

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/containerd/errdefs"
)

var (
	ErrToolNotFound       = fmt.Errorf("sdk tool not found: %w", errdefs.ErrNotFound)
	ErrIncompleteDownload = fmt.Errorf("incomplete download: %w", errdefs.ErrDataLoss)
	ErrChecksumMismatch   = fmt.Errorf("checksum mismatch: %w", errdefs.ErrDataLoss)
	ErrCancelled          = fmt.Errorf("cancelled: %w", context.Canceled)
	ErrTimeout            = fmt.Errorf("timed out: %w", context.DeadlineExceeded)
	ErrIncomplete         = fmt.Errorf("components still missing: %w", errdefs.ErrFailedPrecondition)
)

// SubprocessError is a non-zero exit of an SDK tool. Reason holds the captured
// stderr, or stdout when stderr was empty.
type SubprocessError struct {
	Command  string
	ExitCode int
	Reason   string
}

func (e *SubprocessError) Error() string {
	reason := strings.TrimSpace(e.Reason)
	if reason == "" {
		return fmt.Sprintf("%s exited with status %d", e.Command, e.ExitCode)
	}
	return fmt.Sprintf("%s exited with status %d: %s", e.Command, e.ExitCode, reason)
}

func (e *SubprocessError) Unwrap() error { return errdefs.ErrUnknown }

// StepError reports the install step that halted a sequence.
type StepError struct {
	Component Component
	Err       error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("install %s: %v", e.Component, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

func toolMissing(tool string) error {
	return fmt.Errorf("%s: %w", tool, ErrToolNotFound)
}

// failureReason renders err for presentation: the subprocess reason when
// there is one, otherwise the error text.
func failureReason(err error) string {
	if err == nil {
		return ""
	}
	var sub *SubprocessError
	if errors.As(err, &sub) && strings.TrimSpace(sub.Reason) != "" {
		return strings.TrimSpace(sub.Reason)
	}
	return err.Error()
}
