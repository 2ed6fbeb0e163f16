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
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/containerd/errdefs"
	"go.opentelemetry.io/otel/attribute"
)

type Info struct {
	Name      string `json:"name"`
	Path      string `json:"path"`
	SizeBytes int64  `json:"size_bytes"`
}

// List scans AVDHome for <name>.avd directories.
func List(env Env) ([]Info, error) {
	_, span := startSpan(env, "avd.List")
	defer span.End()
	entries, err := os.ReadDir(env.AVDHome)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		recordSpanError(span, err)
		return nil, err
	}
	var out []Info
	for _, e := range entries {
		if !e.IsDir() || !strings.HasSuffix(e.Name(), ".avd") {
			continue
		}
		dir := filepath.Join(env.AVDHome, e.Name())
		out = append(out, Info{
			Name:      strings.TrimSuffix(e.Name(), ".avd"),
			Path:      dir,
			SizeBytes: dirSize(dir),
		})
	}
	return out, nil
}

func dirSize(dir string) int64 {
	var total int64
	_ = filepath.WalkDir(dir, func(_ string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if fi, err := d.Info(); err == nil {
			total += fi.Size()
		}
		return nil
	})
	return total
}

func validName(name string) error {
	if name == "" {
		return fmt.Errorf("empty AVD name: %w", errdefs.ErrInvalidArgument)
	}
	if strings.ContainsAny(name, `/\ `) {
		return fmt.Errorf("invalid AVD name %q: %w", name, errdefs.ErrInvalidArgument)
	}
	return nil
}

func avdHomeEnv(env Env) []string {
	if env.AVDHome == "" {
		return nil
	}
	return []string{"ANDROID_AVD_HOME=" + env.AVDHome}
}

type CreateOptions struct {
	Name        string
	SystemImage string
	Device      string
	// Hardware is appended to config.ini; the zero value means DefaultHardware.
	Hardware Hardware
	Force    bool
}

// CreateAVD runs avdmanager create avd and then appends the hardware keys to
// the new AVD's config.ini.
func CreateAVD(ctx context.Context, env Env, runner *Runner, opts CreateOptions) *Task {
	return runner.Go(ctx, KindCreate, "create "+opts.Name, func(ctx context.Context, report func(Progress)) (Result, error) {
		_, span := startSpan(
			env,
			"avd.CreateAVD",
			attribute.String("name", opts.Name),
			attribute.String("system_image", opts.SystemImage),
			attribute.String("device", opts.Device),
		)
		defer span.End()

		hw := opts.Hardware
		if hw.RAM == 0 {
			hw = DefaultHardware()
		}
		if err := validName(opts.Name); err != nil {
			return Result{}, err
		}
		if opts.SystemImage == "" || opts.Device == "" {
			return Result{}, fmt.Errorf("system image and device are required: %w", errdefs.ErrInvalidArgument)
		}
		if err := hw.Validate(); err != nil {
			return Result{}, err
		}
		if err := os.MkdirAll(env.AVDHome, 0o755); err != nil {
			recordSpanError(span, err)
			return Result{}, err
		}

		args := []string{
			"create", "avd",
			"-n", opts.Name,
			"-k", opts.SystemImage,
			"-d", opts.Device,
			"-c", "hw.ramSize=2048M",
		}
		if opts.Force {
			args = append(args, "--force")
		}
		logEvent(env, "avd create start", "name", opts.Name, "system_image", opts.SystemImage, "device", opts.Device)
		res, err := forwardTask(runner.Submit(ctx, Command{
			Kind:    KindCreate,
			Path:    env.Tools.AvdManager,
			Args:    args,
			Confirm: "no",
			Env:     avdHomeEnv(env),
		}), report)
		if err != nil {
			recordSpanError(span, err)
			return res, err
		}

		if err := AppendConfig(env.AVDHome, opts.Name, hw); err != nil {
			recordSpanError(span, err)
			return res, fmt.Errorf("avd %s created but config.ini not updated: %w", opts.Name, err)
		}
		res.Path = filepath.Join(env.AVDHome, opts.Name+".avd")
		logEvent(env, "avd created", "name", opts.Name, "path", res.Path)
		return res, nil
	})
}

func DeleteAVD(ctx context.Context, env Env, runner *Runner, name string) *Task {
	if err := validName(name); err != nil {
		return runner.Go(ctx, KindDelete, "delete "+name, func(context.Context, func(Progress)) (Result, error) {
			return Result{}, err
		})
	}
	return runner.Submit(ctx, Command{
		Kind: KindDelete,
		Path: env.Tools.AvdManager,
		Args: []string{"delete", "avd", "-n", name},
		Env:  avdHomeEnv(env),
	})
}

// InstallImage installs an SDK package, typically a system image, reporting
// sdkmanager's download percentage.
func InstallImage(ctx context.Context, env Env, runner *Runner, pkg string) *Task {
	return runner.Submit(ctx, Command{
		Kind:         KindInstall,
		Label:        "install " + pkg,
		Path:         env.Tools.SdkManager,
		Args:         []string{"--install", pkg, "--verbose"},
		Confirm:      "y",
		ProgressFunc: ParseSdkmanagerProgress,
	})
}

func UninstallImage(ctx context.Context, env Env, runner *Runner, pkg string) *Task {
	return runner.Submit(ctx, Command{
		Kind:  KindDelete,
		Label: "uninstall " + pkg,
		Path:  env.Tools.SdkManager,
		Args:  []string{"--uninstall", pkg},
	})
}

type StartOptions struct {
	// Port is the console port (even, 5554..5800); 0 lets the emulator pick.
	Port      int
	ExtraArgs []string
}

// Launch is a detached emulator process.
type Launch struct {
	Name    string `json:"name"`
	PID     int    `json:"pid"`
	Serial  string `json:"serial,omitempty"`
	LogPath string `json:"log_path"`
	// Exited receives the process exit error once, then is closed.
	Exited <-chan error `json:"-"`
}

// StartEmulator starts `emulator -avd <name>` without waiting for it. Output
// goes to a temp log file and to the logger, one record per line.
func StartEmulator(env Env, name string, opts StartOptions) (*Launch, error) {
	_, span := startSpan(
		env,
		"avd.StartEmulator",
		attribute.String("name", name),
		attribute.Int("port", opts.Port),
	)
	defer span.End()
	logEvent(env, "emulator start requested", "name", name, "port", opts.Port)

	if err := validName(name); err != nil {
		return nil, err
	}
	if env.Tools.Emulator == "" {
		return nil, toolMissing("emulator")
	}
	args := []string{"-avd", name}
	serial := ""
	if opts.Port != 0 {
		if err := checkPort(opts.Port); err != nil {
			recordSpanError(span, err)
			return nil, err
		}
		args = append(args, "-port", fmt.Sprint(opts.Port))
		serial = fmt.Sprintf("emulator-%d", opts.Port)
	}
	args = append(args, opts.ExtraArgs...)

	logPath := filepath.Join(os.TempDir(), fmt.Sprintf("emulator-%s.log", name))
	logFile, err := os.Create(logPath)
	if err != nil {
		recordSpanError(span, err)
		return nil, fmt.Errorf("open log: %w", err)
	}
	logWriter := newLineLogWriter(env, "name", name, "log_path", logPath)

	cmd := exec.Command(env.Tools.Emulator, args...)
	cmd.Stdout = io.MultiWriter(logFile, logWriter)
	cmd.Stderr = io.MultiWriter(logFile, logWriter)
	cmd.Env = append(os.Environ(), avdHomeEnv(env)...)
	if err := cmd.Start(); err != nil {
		_ = logFile.Close()
		recordSpanError(span, err)
		logEvent(env, "emulator start failed", "name", name, "error", err.Error(), "log_path", logPath)
		return nil, fmt.Errorf("emulator start: %w", err)
	}

	exited := make(chan error, 1)
	go func() {
		err := cmd.Wait()
		_ = logFile.Close()
		logEvent(env, "emulator exited", "name", name, "pid", cmd.Process.Pid)
		exited <- err
		close(exited)
	}()

	span.SetAttributes(attribute.Int("pid", cmd.Process.Pid), attribute.String("log_path", logPath))
	logEvent(env, "emulator started", "name", name, "pid", cmd.Process.Pid, "serial", serial, "log_path", logPath)
	return &Launch{Name: name, PID: cmd.Process.Pid, Serial: serial, LogPath: logPath, Exited: exited}, nil
}

func checkPort(port int) error {
	// emulator uses a pair: <port> and <port+1>
	if port%2 != 0 {
		return fmt.Errorf("port %d is odd: %w", port, errdefs.ErrInvalidArgument)
	}
	if port < 5554 || port > 5800 {
		return fmt.Errorf("port %d out of range 5554-5800: %w", port, errdefs.ErrInvalidArgument)
	}
	if !isPortFree(port) || !isPortFree(port+1) {
		return fmt.Errorf("port %d or %d in use: %w", port, port+1, errdefs.ErrConflict)
	}
	return nil
}

// FindFreeEvenPort returns the first free even port in [start, end).
func FindFreeEvenPort(start, end int) (int, error) {
	if start%2 != 0 {
		start++
	}
	for p := start; p < end; p += 2 {
		if isPortFree(p) && isPortFree(p+1) {
			return p, nil
		}
	}
	return 0, fmt.Errorf("no free even port in %d..%d: %w", start, end, errdefs.ErrUnavailable)
}

func isPortFree(port int) bool {
	l, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return false
	}
	_ = l.Close()
	return true
}

// WaitForBoot polls sys.boot_completed on serial until it reads 1.
func WaitForBoot(ctx context.Context, env Env, serial string) error {
	_, span := startSpan(env, "avd.WaitForBoot", attribute.String("serial", serial))
	defer span.End()
	if env.Tools.ADB == "" {
		return toolMissing("adb")
	}

	lastError := ""
	for {
		var out, errOut bytes.Buffer
		cmd := exec.CommandContext(ctx, env.Tools.ADB, "-s", serial, "shell", "getprop", "sys.boot_completed")
		cmd.Stdout = &out
		cmd.Stderr = &errOut
		if err := cmd.Run(); err != nil {
			lastError = strings.TrimSpace(errOut.String())
			if lastError == "" {
				lastError = err.Error()
			}
		}
		if strings.TrimSpace(out.String()) == "1" {
			span.SetAttributes(attribute.Bool("boot_completed", true))
			return nil
		}

		select {
		case <-ctx.Done():
			logEvent(env, "wait for boot timeout", "serial", serial, "adb_error", lastError)
			err := fmt.Errorf("%s did not finish booting (last adb error: %s): %w", serial, lastError, ctx.Err())
			recordSpanError(span, err)
			return err
		case <-time.After(500 * time.Millisecond):
		}
	}
}

// ListRunning reads the process table for emulator engine processes.
func ListRunning(ctx context.Context, env Env, runner *Runner) ([]EmulatorProcess, error) {
	t := runner.Submit(ctx, Command{
		Kind:    KindQuery,
		Path:    env.Ps,
		Args:    []string{"aux"},
		Timeout: env.FetchTimeout,
	})
	res := awaitTask(t)
	if res.Err != nil {
		return nil, res.Err
	}
	return ParseEmulatorProcesses(res.Stdout), nil
}

// StopEmulator sends SIGTERM to every engine process running name. A device
// that is not running is not an error.
func StopEmulator(ctx context.Context, env Env, runner *Runner, name string) *Task {
	return runner.Go(ctx, KindStop, "stop "+name, func(ctx context.Context, report func(Progress)) (Result, error) {
		_, span := startSpan(env, "avd.StopEmulator", attribute.String("name", name))
		defer span.End()
		logEvent(env, "emulator stop requested", "name", name)

		procs, err := ListRunning(ctx, env, runner)
		if err != nil {
			recordSpanError(span, err)
			return Result{}, err
		}
		var stopped []string
		for _, p := range procs {
			if p.AVD != name {
				continue
			}
			proc, err := os.FindProcess(p.PID)
			if err != nil {
				continue
			}
			if err := proc.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
				recordSpanError(span, err)
				return Result{}, fmt.Errorf("kill %d: %w", p.PID, err)
			}
			stopped = append(stopped, fmt.Sprint(p.PID))
			logEvent(env, "emulator stopped", "name", name, "pid", p.PID)
		}
		span.SetAttributes(attribute.Int("stopped", len(stopped)))
		if len(stopped) == 0 {
			logEvent(env, "emulator not running", "name", name)
		}
		return Result{Stdout: strings.Join(stopped, "\n")}, nil
	})
}
