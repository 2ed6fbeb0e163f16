// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

/*
Package avdmanager drives the Android SDK command-line tools on behalf of a
presentation layer (GUI, TUI or CLI).

# Overview

A Manager resolves the SDK tools once, then runs every long operation as a
background Task. Callers read progress from Task.Progress, wait with
Task.Wait and cancel with Task.Cancel. No Manager method blocks on a tool
except ListRunning and WaitForBoot.

# Quick Start

	mgr := avdmanager.New()

	// Install whatever is missing: cmdline-tools, platform-tools,
	// emulator, then the newest platform.
	setup := mgr.SetupSDK(ctx, avdmanager.SetupOptions{})
	for p := range setup.Progress() {
		fmt.Println(p.Percent, p.Message)
	}
	if res, _ := setup.Wait(ctx); res.Err != nil {
		log.Fatal(res.Reason())
	}
	mgr.Relocate()

	inv := mgr.Refresh(ctx)
	task := mgr.CreateAVD(ctx, avdmanager.CreateOptions{
		Name:        "Pixel_6_API_34",
		SystemImage: inv.Installed[0].Package(),
		Device:      "pixel_6",
	})
	task.Wait(ctx)

	launch, _ := mgr.Start("Pixel_6_API_34", avdmanager.StartOptions{Port: 5580})
	mgr.WaitForBoot(ctx, launch.Serial)
	mgr.Stop(ctx, "Pixel_6_API_34").Wait(ctx)

# Inventory

Refresh runs the six listing queries concurrently, each bounded by the fetch
timeout. A failing query leaves its collection empty and records the reason
in Inventory.Errors; the others are unaffected. The installed flag of each
available system image is recomputed on every refresh.

# Configuration

New reads defaults, an optional YAML file passed to LoadConfig and AVDSHELL_*
environment variables (AVDSHELL_SDK_ROOT, AVDSHELL_AVD_HOME,
AVDSHELL_FETCH_TIMEOUT, AVDSHELL_AUTO_CONFIRM, AVDSHELL_MAX_PROCS).
ANDROID_SDK_ROOT, ANDROID_HOME and ANDROID_AVD_HOME are honoured as usual.
Use NewWithEnv or NewWithConfig to override settings explicitly.

# Thread Safety

Manager methods may be called from any goroutine. Tasks report state only
from their own worker goroutine.

# Requirements

- A JDK for avdmanager and sdkmanager
- KVM or HVF for hardware acceleration
- ps on the PATH for running-state detection
*/
package avdmanager
