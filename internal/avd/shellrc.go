// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package avd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/kballard/go-shellquote"
)

const profileMarker = "ANDROID_SDK_ROOT"

// ShellProfile picks ~/.zshrc for zsh users and ~/.bashrc otherwise.
func ShellProfile(home, shell string) string {
	if filepath.Base(shell) == "zsh" {
		return filepath.Join(home, ".zshrc")
	}
	return filepath.Join(home, ".bashrc")
}

func profileExports(sdkRoot string) string {
	q := func(s string) string { return shellquote.Join(s) }
	lines := []string{
		"",
		"# Android SDK",
		"export ANDROID_SDK_ROOT=" + q(sdkRoot),
		"export ANDROID_HOME=" + q(sdkRoot),
		`export ANDROID_AVD_HOME="$HOME/.android/avd"`,
		`export PATH="$PATH":` + q(filepath.Join(sdkRoot, "cmdline-tools", "latest", "bin")),
		`export PATH="$PATH":` + q(filepath.Join(sdkRoot, "platform-tools")),
		`export PATH="$PATH":` + q(filepath.Join(sdkRoot, "emulator")),
	}
	return strings.Join(lines, "\n") + "\n"
}

// InjectShellProfile appends SDK exports to the user's shell rc file unless
// it already mentions ANDROID_SDK_ROOT. It returns the rc path and whether
// the file was changed.
func InjectShellProfile(home, shell, sdkRoot string) (string, bool, error) {
	rc := ShellProfile(home, shell)
	b, err := os.ReadFile(rc)
	if err != nil && !os.IsNotExist(err) {
		return rc, false, fmt.Errorf("read %s: %w", rc, err)
	}
	if strings.Contains(string(b), profileMarker) {
		return rc, false, nil
	}
	f, err := os.OpenFile(rc, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return rc, false, fmt.Errorf("open %s: %w", rc, err)
	}
	if _, err := f.WriteString(profileExports(sdkRoot)); err != nil {
		f.Close()
		return rc, false, fmt.Errorf("write %s: %w", rc, err)
	}
	return rc, true, f.Close()
}
