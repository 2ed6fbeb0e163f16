// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package avd

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
)

// Inventory collection names, used as keys of Inventory.Errors.
const (
	CollectionDevices   = "devices"
	CollectionTargets   = "targets"
	CollectionAvailable = "available"
	CollectionInstalled = "installed"
	CollectionAVDs      = "avds"
	CollectionRunning   = "running"
)

// Inventory is one refresh worth of SDK state. A collection whose fetch
// failed is empty and has an entry in Errors.
type Inventory struct {
	Devices         []Device          `json:"devices"`
	DevicesFallback bool              `json:"devices_fallback,omitempty"`
	Targets         []Target          `json:"targets"`
	Available       []SystemImage     `json:"available"`
	Installed       []InstalledImage  `json:"installed"`
	Emulators       []Emulator        `json:"emulators"`
	Errors          map[string]string `json:"errors,omitempty"`
	RefreshedAt     time.Time         `json:"refreshed_at"`

	errs map[string]error
}

// Err returns the fetch error of a collection, or nil.
func (inv Inventory) Err(collection string) error { return inv.errs[collection] }

// Store keeps the last refreshed Inventory.
type Store struct {
	runner *Runner

	mu   sync.RWMutex
	env  Env
	last Inventory
}

func NewStore(env Env, runner *Runner) *Store {
	return &Store{runner: runner, env: env}
}

// SetEnv replaces the tool paths used by later refreshes.
func (s *Store) SetEnv(env Env) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.env = env
}

func (s *Store) Snapshot() Inventory {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.last
}

// Refresh runs every listing command concurrently and replaces the snapshot.
// Individual failures never abort the other fetches.
func (s *Store) Refresh(ctx context.Context) Inventory {
	s.mu.RLock()
	env := s.env
	s.mu.RUnlock()

	_, span := startSpan(env, "avd.Inventory.Refresh")
	defer span.End()

	var (
		inv      Inventory
		avds     []string
		psOut    string
		psOK     bool
		errMu    sync.Mutex
		failures = map[string]error{}
		g        errgroup.Group
	)
	fetch := func(collection string, c Command, apply func(stdout string)) {
		g.Go(func() error {
			c.Kind = KindQuery
			c.Timeout = env.FetchTimeout
			res := awaitTask(s.runner.Submit(ctx, c))
			if res.Err != nil {
				errMu.Lock()
				failures[collection] = res.Err
				errMu.Unlock()
				return nil
			}
			apply(res.Stdout)
			return nil
		})
	}

	fetch(CollectionDevices, Command{Path: env.Tools.AvdManager, Args: []string{"list", "device"}}, func(out string) {
		inv.Devices = ParseDeviceList(out)
	})
	fetch(CollectionTargets, Command{Path: env.Tools.AvdManager, Args: []string{"list", "target"}}, func(out string) {
		inv.Targets = ParseTargetList(out)
	})
	fetch(CollectionAvailable, Command{Path: env.Tools.SdkManager, Args: []string{"--list"}}, func(out string) {
		inv.Available = ParseImageList(out)
	})
	fetch(CollectionInstalled, Command{Path: env.Tools.SdkManager, Args: []string{"--list_installed"}}, func(out string) {
		inv.Installed = ParseInstalledImages(out)
	})
	fetch(CollectionAVDs, Command{Path: env.Tools.Emulator, Args: []string{"-list-avds"}, Env: avdHomeEnv(env)}, func(out string) {
		avds = ParseAvdList(out)
	})
	fetch(CollectionRunning, Command{Path: env.Ps, Args: []string{"aux"}}, func(out string) {
		psOut, psOK = out, true
	})
	_ = g.Wait()

	if len(inv.Devices) == 0 {
		inv.Devices = DefaultDevices()
		inv.DevicesFallback = true
	}
	inv.Available = MarkInstalled(inv.Available, inv.Installed)
	SortImages(inv.Available)
	SortInstalledImages(inv.Installed)

	running := map[string]bool{}
	if psOK {
		running = ParseRunningAvds(psOut, avds)
	}
	for _, name := range avds {
		inv.Emulators = append(inv.Emulators, Emulator{Name: name, Running: running[name]})
	}

	inv.RefreshedAt = time.Now().UTC()
	if len(failures) > 0 {
		inv.errs = failures
		inv.Errors = make(map[string]string, len(failures))
		for k, err := range failures {
			inv.Errors[k] = failureReason(err)
			span.SetAttributes(attribute.String("error."+k, inv.Errors[k]))
		}
	}
	span.SetAttributes(
		attribute.Int("devices", len(inv.Devices)),
		attribute.Int("available", len(inv.Available)),
		attribute.Int("installed", len(inv.Installed)),
		attribute.Int("emulators", len(inv.Emulators)),
	)
	logEvent(env, "inventory refreshed",
		"devices", len(inv.Devices),
		"devices_fallback", inv.DevicesFallback,
		"targets", len(inv.Targets),
		"available", len(inv.Available),
		"installed", len(inv.Installed),
		"emulators", len(inv.Emulators),
		"failed", len(failures),
	)

	s.mu.Lock()
	s.last = inv
	s.mu.Unlock()
	return inv
}
