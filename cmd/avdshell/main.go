// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/docker/go-units"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/forkbombeu/avdshell/pkg/avdmanager"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		configPath    string
		logFile       string
		logLevel      string
		correlationID string
		mgr           *avdmanager.Manager
		shutdown      func(context.Context) error
		logCloser     io.Closer
	)

	root := &cobra.Command{
		Use:           "avdshell",
		Short:         "Install the Android SDK and manage virtual devices",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return fmt.Errorf("load .env: %w", err)
			}

			var level slog.Level
			if err := level.UnmarshalText([]byte(logLevel)); err != nil {
				return fmt.Errorf("--log-level: %w", err)
			}
			var out io.Writer = os.Stderr
			if logFile != "" {
				rot := &lumberjack.Logger{
					Filename:   logFile,
					MaxSize:    20,
					MaxBackups: 5,
					MaxAge:     7,
					Compress:   true,
				}
				out, logCloser = rot, rot
			}
			avdmanager.SetLogOutput(out, level)

			var err error
			shutdown, err = setupTracing(cmd.Context())
			if err != nil {
				return err
			}

			cfg, err := avdmanager.LoadConfig(configPath)
			if err != nil {
				return err
			}
			if correlationID != "" {
				cfg.CorrelationID = correlationID
			}
			mgr = avdmanager.NewWithConfig(cmd.Context(), cfg)
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if shutdown != nil {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = shutdown(ctx)
			}
			if logCloser != nil {
				return logCloser.Close()
			}
			return nil
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "YAML config file (keys: sdk_root, avd_home, fetch_timeout, auto_confirm, max_procs)")
	root.PersistentFlags().StringVar(&logFile, "log-file", "", "write JSON logs to a rotating file instead of stderr")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&correlationID, "correlation-id", "", "correlation id added to every log record")

	m := func() *avdmanager.Manager { return mgr }

	root.AddCommand(
		newLocateCmd(m),
		newDoctorCmd(m),
		newSetupCmd(m),
		newRefreshCmd(m),
		newDevicesCmd(m),
		newImagesCmd(m),
		newTargetsCmd(m),
		newListCmd(m),
		newCreateCmd(m),
		newDeleteCmd(m),
		newStartCmd(m),
		newStopCmd(m),
		newImageCmd(m),
	)
	return root
}

type managerFunc func() *avdmanager.Manager

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newLocateCmd(m managerFunc) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "locate",
		Short: "Show the resolved SDK root and tool paths",
		RunE: func(cmd *cobra.Command, args []string) error {
			tools := m().Tools()
			if asJSON {
				return printJSON(tools)
			}
			show := func(label, path string) {
				if path == "" {
					path = "(not found)"
				}
				fmt.Printf("%-11s %s\n", label, path)
			}
			show("sdk root", tools.SDKRoot)
			show("avdmanager", tools.AvdManager)
			show("sdkmanager", tools.SdkManager)
			show("emulator", tools.Emulator)
			show("adb", tools.ADB)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "output JSON")
	return cmd
}

func newDoctorCmd(m managerFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check which SDK components are installed",
		RunE: func(cmd *cobra.Command, args []string) error {
			presence := m().Presence()
			missing := 0
			for _, c := range []avdmanager.Component{
				avdmanager.ComponentCmdlineTools,
				avdmanager.ComponentPlatformTools,
				avdmanager.ComponentEmulator,
				avdmanager.ComponentPlatform,
			} {
				mark := "ok"
				if !presence[c] {
					mark = "missing"
					missing++
				}
				fmt.Printf("%-15s %s\n", c, mark)
			}
			fmt.Printf("sdk root: %s\n", m().SDKRoot())
			if missing > 0 {
				return fmt.Errorf("%d component(s) missing, run `avdshell setup`", missing)
			}
			return nil
		},
	}
}

func newSetupCmd(m managerFunc) *cobra.Command {
	var components []string
	cmd := &cobra.Command{
		Use:   "setup",
		Short: "Install missing SDK components in order",
		RunE: func(cmd *cobra.Command, args []string) error {
			var wanted []avdmanager.Component
			for _, s := range components {
				c, err := avdmanager.ParseComponent(s)
				if err != nil {
					return err
				}
				wanted = append(wanted, c)
			}
			task := m().SetupSDK(cmd.Context(), avdmanager.SetupOptions{
				Components: wanted,
				OnStep: func(ev avdmanager.StepEvent) {
					line := fmt.Sprintf("[%d/%d] %s: %s", ev.Index+1, ev.Total, ev.Component, ev.State)
					if ev.Err != nil {
						line += " (" + ev.Err.Error() + ")"
					}
					fmt.Fprintln(os.Stderr, line)
				},
			})
			res, err := follow(cmd.Context(), task)
			if err != nil {
				return err
			}
			fmt.Println(res.Stdout)
			m().Relocate()
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&components, "component", nil, "limit to components (cmdline-tools, platform-tools, emulator, platform)")
	return cmd
}

func newRefreshCmd(m managerFunc) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "refresh",
		Short: "Query every inventory collection at once",
		RunE: func(cmd *cobra.Command, args []string) error {
			inv := m().Refresh(cmd.Context())
			if asJSON {
				return printJSON(inv)
			}
			fmt.Printf("devices:   %d", len(inv.Devices))
			if inv.DevicesFallback {
				fmt.Print(" (built-in list)")
			}
			fmt.Println()
			fmt.Printf("targets:   %d\n", len(inv.Targets))
			fmt.Printf("images:    %d available, %d installed\n", len(inv.Available), len(inv.Installed))
			fmt.Printf("avds:      %d\n", len(inv.Emulators))
			for collection, reason := range inv.Errors {
				fmt.Printf("! %s: %s\n", collection, reason)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "output JSON")
	return cmd
}

func newDevicesCmd(m managerFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List hardware device profiles",
		RunE: func(cmd *cobra.Command, args []string) error {
			inv := m().Refresh(cmd.Context())
			for _, d := range inv.Devices {
				fmt.Printf("%-28s %s\n", d.ID, d.Name)
			}
			return nil
		},
	}
}

func newImagesCmd(m managerFunc) *cobra.Command {
	var installedOnly bool
	cmd := &cobra.Command{
		Use:   "images",
		Short: "List system images",
		RunE: func(cmd *cobra.Command, args []string) error {
			inv := m().Refresh(cmd.Context())
			if reason, ok := inv.Errors[avdmanager.CollectionAvailable]; ok && !installedOnly {
				return errors.New(reason)
			}
			if installedOnly {
				for _, img := range inv.Installed {
					fmt.Println(img.Package())
				}
				return nil
			}
			for _, img := range inv.Available {
				mark := " "
				if img.Installed {
					mark = "*"
				}
				fmt.Printf("%s %s\n", mark, img.Package())
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&installedOnly, "installed", false, "only installed images")
	return cmd
}

func newTargetsCmd(m managerFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "targets",
		Short: "List platform targets",
		RunE: func(cmd *cobra.Command, args []string) error {
			inv := m().Refresh(cmd.Context())
			for _, t := range inv.Targets {
				fmt.Printf("%-16s api=%-4s %s\n", t.ID, t.APILevel, t.Name)
			}
			return nil
		},
	}
}

func newListCmd(m managerFunc) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List AVDs and whether they are running",
		RunE: func(cmd *cobra.Command, args []string) error {
			avds, err := m().List()
			if err != nil {
				return err
			}
			running := map[string]bool{}
			if procs, err := m().ListRunning(cmd.Context()); err == nil {
				for _, p := range procs {
					running[p.AVD] = true
				}
			}
			if asJSON {
				type row struct {
					avdmanager.AVDInfo
					Running bool `json:"running"`
				}
				rows := make([]row, 0, len(avds))
				for _, a := range avds {
					rows = append(rows, row{a, running[a.Name]})
				}
				return printJSON(rows)
			}
			for _, a := range avds {
				state := "stopped"
				if running[a.Name] {
					state = "running"
				}
				fmt.Printf("%-24s %-8s %-10s %s\n", a.Name, state, units.HumanSize(float64(a.SizeBytes)), a.Path)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "output JSON")
	return cmd
}

func newCreateCmd(m managerFunc) *cobra.Command {
	var (
		image, device, ram, partition, gpu, camera string
		noKeyboard, noAudio, force                 bool
	)
	cmd := &cobra.Command{
		Use:   "create NAME",
		Short: "Create an AVD from an installed system image",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if image == "" {
				return errors.New("--image is required")
			}
			hw := avdmanager.DefaultHardware()
			var err error
			if hw.RAM, err = avdmanager.ParseSize(ram); err != nil {
				return fmt.Errorf("--ram: %w", err)
			}
			if hw.DataPartition, err = avdmanager.ParseSize(partition); err != nil {
				return fmt.Errorf("--partition: %w", err)
			}
			hw.GPUMode = gpu
			hw.Camera = camera
			hw.Keyboard = !noKeyboard
			hw.Audio = !noAudio

			res, err := follow(cmd.Context(), m().CreateAVD(cmd.Context(), avdmanager.CreateOptions{
				Name:        args[0],
				SystemImage: image,
				Device:      device,
				Hardware:    hw,
				Force:       force,
			}))
			if err != nil {
				return err
			}
			fmt.Printf("Created %s at %s\n", args[0], res.Path)
			return nil
		},
	}
	cmd.Flags().StringVar(&image, "image", "", "system image id, e.g. system-images;android-34;google_apis;x86_64")
	cmd.Flags().StringVar(&device, "device", "pixel_6", "device profile id")
	cmd.Flags().StringVar(&ram, "ram", "2048M", "RAM size (1024M..8192M)")
	cmd.Flags().StringVar(&partition, "partition", "2048M", "data partition size")
	cmd.Flags().StringVar(&gpu, "gpu", "auto", "GPU mode (auto, host, swiftshader_indirect, off)")
	cmd.Flags().StringVar(&camera, "camera", "webcam0", "back and front camera source, empty to skip")
	cmd.Flags().BoolVar(&noKeyboard, "no-keyboard", false, "disable the hardware keyboard")
	cmd.Flags().BoolVar(&noAudio, "no-audio", false, "disable audio input and output")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing AVD")
	return cmd
}

func newDeleteCmd(m managerFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "delete NAME",
		Short: "Delete an AVD",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := follow(cmd.Context(), m().DeleteAVD(cmd.Context(), args[0])); err != nil {
				return err
			}
			fmt.Printf("Deleted %s\n", args[0])
			return nil
		},
	}
}

func newStartCmd(m managerFunc) *cobra.Command {
	var (
		port        int
		wait        bool
		bootTimeout time.Duration
		gpu         string
		extra       []string
	)
	cmd := &cobra.Command{
		Use:   "start NAME",
		Short: "Start an emulator detached",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr := m()
			if wait && port == 0 {
				p, err := mgr.FindFreePort(5554, 5682)
				if err != nil {
					return err
				}
				port = p
			}
			var extraArgs []string
			if gpu != "" {
				extraArgs = append(extraArgs, "-gpu", gpu)
			}
			extraArgs = append(extraArgs, extra...)

			launch, err := mgr.Start(args[0], avdmanager.StartOptions{Port: port, ExtraArgs: extraArgs})
			if err != nil {
				return err
			}
			fmt.Printf("Started %s (pid %d, log: %s)\n", launch.Name, launch.PID, launch.LogPath)
			if !wait {
				return nil
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), bootTimeout)
			defer cancel()
			if err := mgr.WaitForBoot(ctx, launch.Serial); err != nil {
				return err
			}
			fmt.Printf("%s booted on %s\n", launch.Name, launch.Serial)
			return nil
		},
	}
	cmd.Flags().IntVar(&port, "port", 0, "even console port (auto when omitted)")
	cmd.Flags().BoolVar(&wait, "wait", false, "wait until Android has booted")
	cmd.Flags().DurationVar(&bootTimeout, "boot-timeout", 3*time.Minute, "boot timeout with --wait")
	cmd.Flags().StringVar(&gpu, "gpu", "", "GPU mode passed to the emulator")
	cmd.Flags().StringSliceVar(&extra, "arg", nil, "extra emulator argument (repeatable)")
	return cmd
}

func newStopCmd(m managerFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "stop NAME",
		Short: "Stop the emulator running an AVD",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := follow(cmd.Context(), m().Stop(cmd.Context(), args[0]))
			if err != nil {
				return err
			}
			if res.Stdout == "" {
				fmt.Printf("%s is not running\n", args[0])
				return nil
			}
			fmt.Printf("Stopped %s (pid %s)\n", args[0], strings.ReplaceAll(res.Stdout, "\n", ", "))
			return nil
		},
	}
}

func newImageCmd(m managerFunc) *cobra.Command {
	image := &cobra.Command{
		Use:   "image",
		Short: "Install or remove SDK packages",
	}
	image.AddCommand(
		&cobra.Command{
			Use:   "install PACKAGE",
			Short: "Install a system image package",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				if _, err := follow(cmd.Context(), m().InstallImage(cmd.Context(), args[0])); err != nil {
					return err
				}
				fmt.Printf("Installed %s\n", args[0])
				return nil
			},
		},
		&cobra.Command{
			Use:   "uninstall PACKAGE",
			Short: "Uninstall a system image package",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				if _, err := follow(cmd.Context(), m().UninstallImage(cmd.Context(), args[0])); err != nil {
					return err
				}
				fmt.Printf("Uninstalled %s\n", args[0])
				return nil
			},
		},
		&cobra.Command{
			Use:   "download-tools",
			Short: "Download the latest command-line tools into the SDK root",
			RunE: func(cmd *cobra.Command, args []string) error {
				res, err := follow(cmd.Context(), m().DownloadCmdlineTools(cmd.Context()))
				if err != nil {
					return err
				}
				fmt.Printf("Command-line tools installed at %s\n", res.Path)
				m().Relocate()
				return nil
			},
		},
	)
	return image
}
