// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package avd

import (
	"context"
	"errors"
	"testing"
)

const (
	avdmanagerStub = `case "$1 $2" in
  "list device")
    echo 'id: 27 or "pixel_6"'
    echo '    Name: Pixel 6'
    ;;
  "list target")
    echo 'id: 1 or "android-34"'
    echo '     Name: Android API 34'
    echo '     API level: 34'
    ;;
esac
`
	sdkmanagerStub = `case "$1" in
  --list)
    echo '  system-images;android-33;google_apis;x86_64 | 8 | Google APIs'
    echo '  system-images;android-34;google_apis;x86_64 | 12 | Google APIs'
    ;;
  --list_installed)
    echo '  system-images;android-33;google_apis;x86_64 | 8 | Google APIs | system-images/android-33/'
    ;;
esac
`
	emulatorStub = `echo "INFO    | Storing crashdata in: /tmp/emu-crash.db"
echo Pixel_6
echo Tablet
`
	psStub = `echo 'USER PID %CPU %MEM VSZ RSS TTY STAT START TIME COMMAND'
echo 'dev 4242 1.0 1.0 1 1 ? Sl 10:00 0:01 /sdk/emulator/qemu/linux-x86_64/qemu-system-x86_64 -avd Pixel_6 -port 5554'
`
)

func inventoryEnv(t *testing.T) Env {
	t.Helper()
	requireShell(t)
	quietLogs(t)
	env := newTestEnv(t)
	env.Tools = ToolPaths{
		AvdManager: writeStub(t, env.Home, "avdmanager", avdmanagerStub),
		SdkManager: writeStub(t, env.Home, "sdkmanager", sdkmanagerStub),
		Emulator:   writeStub(t, env.Home, "emulator", emulatorStub),
	}
	env.Ps = writeStub(t, env.Home, "ps", psStub)
	return env
}

func TestRefreshCollectsEverything(t *testing.T) {
	env := inventoryEnv(t)
	store := NewStore(env, NewRunner(env))

	inv := store.Refresh(context.Background())
	if len(inv.Errors) != 0 {
		t.Fatalf("unexpected errors %v", inv.Errors)
	}
	if len(inv.Devices) != 1 || inv.Devices[0].ID != "pixel_6" || inv.DevicesFallback {
		t.Fatalf("unexpected devices %+v", inv.Devices)
	}
	if len(inv.Targets) != 1 || inv.Targets[0].APILevel != "34" {
		t.Fatalf("unexpected targets %+v", inv.Targets)
	}
	if len(inv.Available) != 2 {
		t.Fatalf("unexpected available %+v", inv.Available)
	}
	if !inv.Available[0].Installed || inv.Available[0].APIVersion != "33" || inv.Available[1].Installed {
		t.Fatalf("expected installed 33 first, got %+v", inv.Available)
	}
	if len(inv.Installed) != 1 {
		t.Fatalf("unexpected installed %+v", inv.Installed)
	}
	want := []Emulator{{Name: "Pixel_6", Running: true}, {Name: "Tablet", Running: false}}
	if len(inv.Emulators) != 2 || inv.Emulators[0] != want[0] || inv.Emulators[1] != want[1] {
		t.Fatalf("expected %v, got %v", want, inv.Emulators)
	}
	if snap := store.Snapshot(); snap.RefreshedAt != inv.RefreshedAt {
		t.Fatal("snapshot should hold the last refresh")
	}
}

func TestRefreshIsolatesFailures(t *testing.T) {
	env := inventoryEnv(t)
	env.Tools.SdkManager = writeStub(t, env.Home, "sdkmanager-broken", "echo 'repository unreachable' >&2\nexit 1\n")
	env.Tools.AvdManager = ""

	inv := NewStore(env, NewRunner(env)).Refresh(context.Background())
	for _, c := range []string{CollectionAvailable, CollectionInstalled} {
		if inv.Errors[c] != "repository unreachable" {
			t.Fatalf("%s: expected reason, got %q", c, inv.Errors[c])
		}
	}
	if !errors.Is(inv.Err(CollectionDevices), ErrToolNotFound) {
		t.Fatalf("expected tool not found for devices, got %v", inv.Err(CollectionDevices))
	}
	if len(inv.Available) != 0 || len(inv.Installed) != 0 {
		t.Fatal("failed collections must be empty")
	}
	if !inv.DevicesFallback || len(inv.Devices) != len(DefaultDevices()) {
		t.Fatalf("expected fallback devices, got %d", len(inv.Devices))
	}
	if len(inv.Emulators) != 2 || !inv.Emulators[0].Running {
		t.Fatalf("emulator listing should be unaffected, got %v", inv.Emulators)
	}
}

func TestRefreshRecomputesInstalled(t *testing.T) {
	env := inventoryEnv(t)
	store := NewStore(env, NewRunner(env))
	store.Refresh(context.Background())

	env.Tools.SdkManager = writeStub(t, env.Home, "sdkmanager-empty", `case "$1" in
  --list) echo '  system-images;android-33;google_apis;x86_64 | 8 | Google APIs' ;;
esac
`)
	store.SetEnv(env)
	inv := store.Refresh(context.Background())
	if len(inv.Available) != 1 || inv.Available[0].Installed {
		t.Fatalf("installed flag must follow the latest installed list, got %+v", inv.Available)
	}
}
