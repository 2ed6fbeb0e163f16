// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package avd

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/containerd/errdefs"
	"go.opentelemetry.io/otel/attribute"
)

// SDKPresence checks components against freshly resolved tool paths, so
// components installed by an earlier step are seen.
func SDKPresence(env Env) PresenceCheck {
	return func(c Component) bool {
		cur := env.Relocate()
		root := cur.Tools.SDKRoot
		switch c {
		case ComponentCmdlineTools:
			return cur.Tools.AvdManager != ""
		case ComponentPlatformTools:
			return root != "" && isFile(filepath.Join(root, "platform-tools", exeName(runtime.GOOS, "adb")))
		case ComponentEmulator:
			return root != "" && isFile(filepath.Join(root, "emulator", exeName(runtime.GOOS, "emulator")))
		case ComponentPlatform:
			if root == "" {
				return false
			}
			entries, err := os.ReadDir(filepath.Join(root, "platforms"))
			return err == nil && len(entries) > 0
		}
		return false
	}
}

// SDK installs SDK components through the runner.
type SDK struct {
	env        Env
	runner     *Runner
	client     *http.Client
	downloader *Downloader
}

func NewSDK(runner *Runner, client *http.Client) *SDK {
	if client == nil {
		client = http.DefaultClient
	}
	return &SDK{
		env:        runner.Env(),
		runner:     runner,
		client:     client,
		downloader: NewDownloader(runner, client),
	}
}

// Sequencer wires the real installers to the presence check.
func (s *SDK) Sequencer() *Sequencer {
	return NewSequencer(s.env, SDKPresence(s.env), map[Component]Installer{
		ComponentCmdlineTools: s.InstallCmdlineTools,
		ComponentPlatformTools: func(ctx context.Context) *Task {
			return s.InstallPackage(ctx, "platform-tools")
		},
		ComponentEmulator: func(ctx context.Context) *Task {
			return s.InstallPackage(ctx, "emulator")
		},
		ComponentPlatform: s.InstallLatestPlatform,
	})
}

// InstallPackage runs sdkmanager --install for one package id.
func (s *SDK) InstallPackage(ctx context.Context, pkg string) *Task {
	env := s.env.Relocate()
	return s.runner.Submit(ctx, Command{
		Kind:         KindInstall,
		Label:        "sdkmanager --install " + pkg,
		Path:         env.Tools.SdkManager,
		Args:         []string{"--install", pkg},
		Confirm:      "y",
		ProgressFunc: ParseSdkmanagerProgress,
	})
}

// InstallLatestPlatform installs the newest platforms;android-N listed.
func (s *SDK) InstallLatestPlatform(ctx context.Context) *Task {
	return s.runner.Go(ctx, KindInstall, "platform", func(ctx context.Context, report func(Progress)) (Result, error) {
		env := s.env.Relocate()
		list := s.runner.Submit(ctx, Command{
			Kind:    KindQuery,
			Label:   "sdkmanager --list",
			Path:    env.Tools.SdkManager,
			Args:    []string{"--list"},
			Timeout: env.FetchTimeout,
		})
		res, err := forwardTask(list, report)
		if err != nil {
			return res, err
		}
		level, ok := ParseLatestPlatform(res.Stdout)
		if !ok {
			return res, fmt.Errorf("no platforms;android-N in sdkmanager --list: %w", errdefs.ErrNotFound)
		}
		return forwardTask(s.InstallPackage(ctx, fmt.Sprintf("platforms;android-%d", level)), report)
	})
}

// InstallCmdlineTools downloads the command-line tools archive named by the
// repository manifest and unpacks it to <sdk>/cmdline-tools/latest.
func (s *SDK) InstallCmdlineTools(ctx context.Context) *Task {
	return s.runner.Go(ctx, KindInstall, "cmdline-tools", func(ctx context.Context, report func(Progress)) (Result, error) {
		env := s.env.Relocate()
		_, span := startSpan(env, "avd.InstallCmdlineTools")
		defer span.End()

		report(Progress{Indeterminate: true, Message: "fetching manifest"})
		manifest, err := FetchManifest(ctx, s.client, env.ManifestURL)
		if err != nil {
			recordSpanError(span, err)
			return Result{}, err
		}
		archive, err := manifest.CmdlineTools(currentHostOS(), env.RepositoryURL)
		if err != nil {
			recordSpanError(span, err)
			return Result{}, err
		}
		span.SetAttributes(
			attribute.String("package", archive.Package),
			attribute.String("revision", archive.Revision.String()),
		)
		logEvent(env, "cmdline-tools selected", "package", archive.Package, "revision", archive.Revision.String(), "url", archive.URL)

		tmp, err := os.MkdirTemp("", "avdshell-cmdline-tools-")
		if err != nil {
			return Result{}, err
		}
		defer os.RemoveAll(tmp)
		zipPath := filepath.Join(tmp, filepath.Base(archive.URL))

		dl := s.downloader.DownloadVerified(ctx, archive.URL, zipPath, Expect{Size: archive.Size, SHA1: archive.SHA1})
		if res, err := forwardTask(dl, report); err != nil {
			return res, err
		}

		root := env.SDKRoot()
		report(Progress{Indeterminate: true, Message: "extracting"})
		dest, err := installCmdlineToolsArchive(zipPath, root)
		if err != nil {
			recordSpanError(span, err)
			return Result{}, err
		}
		_ = os.Remove(zipPath)

		if rc, changed, err := InjectShellProfile(env.Home, os.Getenv("SHELL"), root); err != nil {
			logEvent(env, "shell profile not updated", "rc", rc, "error", err.Error())
		} else if changed {
			logEvent(env, "shell profile updated", "rc", rc)
		}
		return Result{Path: dest}, nil
	})
}

// installCmdlineToolsArchive replaces <root>/cmdline-tools/latest with the
// archive's top-level cmdline-tools directory.
func installCmdlineToolsArchive(zipPath, root string) (string, error) {
	base := filepath.Join(root, "cmdline-tools")
	if err := os.MkdirAll(base, 0o755); err != nil {
		return "", err
	}
	staging, err := os.MkdirTemp(base, ".staging-")
	if err != nil {
		return "", err
	}
	defer os.RemoveAll(staging)

	if err := unzip(zipPath, staging); err != nil {
		return "", fmt.Errorf("extract %s: %w", zipPath, err)
	}
	extracted := filepath.Join(staging, "cmdline-tools")
	if !isDir(extracted) {
		return "", fmt.Errorf("archive has no cmdline-tools directory: %w", errdefs.ErrDataLoss)
	}

	latest := filepath.Join(base, "latest")
	if err := os.RemoveAll(latest); err != nil {
		return "", err
	}
	if err := os.Rename(extracted, latest); err != nil {
		return "", err
	}

	bins, _ := filepath.Glob(filepath.Join(latest, "bin", "*"))
	for _, b := range bins {
		if err := os.Chmod(b, 0o755); err != nil {
			return "", err
		}
	}
	return latest, nil
}

func unzip(src, dst string) error {
	zr, err := zip.OpenReader(src)
	if err != nil {
		return err
	}
	defer zr.Close()

	prefix := filepath.Clean(dst) + string(os.PathSeparator)
	for _, f := range zr.File {
		target := filepath.Join(dst, f.Name)
		if !strings.HasPrefix(target, prefix) {
			return fmt.Errorf("illegal path %q in archive: %w", f.Name, errdefs.ErrInvalidArgument)
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		if err := extractFile(f, target); err != nil {
			return err
		}
	}
	return nil
}

func extractFile(f *zip.File, target string) error {
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	mode := f.Mode().Perm()
	if mode == 0 {
		mode = 0o644
	}
	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, rc); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
