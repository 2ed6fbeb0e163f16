// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

// Package avdmanager is the presentation-facing API over the Android SDK
// tools: inventory refresh, SDK setup, and AVD lifecycle operations.
package avdmanager

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/forkbombeu/avdshell/internal/avd"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Re-exported so callers outside this module can name them.
type (
	Config         = avd.Config
	ToolPaths      = avd.ToolPaths
	Inventory      = avd.Inventory
	Device         = avd.Device
	Target         = avd.Target
	SystemImage    = avd.SystemImage
	InstalledImage = avd.InstalledImage
	Emulator       = avd.Emulator
	Task           = avd.Task
	TaskKind       = avd.TaskKind
	TaskState      = avd.TaskState
	Progress       = avd.Progress
	Result         = avd.Result
	Component      = avd.Component
	StepEvent      = avd.StepEvent
	Hardware       = avd.Hardware
	Launch         = avd.Launch
	AVDInfo        = avd.Info
	ProcessInfo    = avd.EmulatorProcess
)

const (
	ComponentCmdlineTools  = avd.ComponentCmdlineTools
	ComponentPlatformTools = avd.ComponentPlatformTools
	ComponentEmulator      = avd.ComponentEmulator
	ComponentPlatform      = avd.ComponentPlatform
)

// Inventory collections, the keys of Inventory.Errors.
const (
	CollectionDevices   = avd.CollectionDevices
	CollectionTargets   = avd.CollectionTargets
	CollectionAvailable = avd.CollectionAvailable
	CollectionInstalled = avd.CollectionInstalled
	CollectionAVDs      = avd.CollectionAVDs
	CollectionRunning   = avd.CollectionRunning
)

const tracerName = "avdshell/avdmanager"

// LoadConfig reads defaults, an optional YAML file and AVDSHELL_* variables.
func LoadConfig(path string) (Config, error) { return avd.LoadConfig(path) }

// SetLogOutput sends the JSON log records to w at the given level.
func SetLogOutput(w io.Writer, level slog.Level) { avd.SetLogOutput(w, level) }

// DefaultHardware is the hardware profile applied when CreateOptions leaves it zero.
func DefaultHardware() Hardware { return avd.DefaultHardware() }

// ParseSize accepts human sizes such as "2g" or "2048M".
func ParseSize(s string) (int64, error) { return avd.ParseSize(s) }

// ParseComponent maps a CLI name to a Component.
func ParseComponent(s string) (Component, error) { return avd.ParseComponent(s) }

// Manager owns one Runner and one inventory Store. It is safe for concurrent use.
type Manager struct {
	mu     sync.RWMutex
	env    avd.Env
	runner *avd.Runner
	store  *avd.Store
	client *http.Client
}

// New creates a Manager from the default configuration sources.
func New() *Manager {
	return newManager(avd.Detect(), nil)
}

// NewWithCorrelationID creates a Manager whose log records carry correlationID.
func NewWithCorrelationID(correlationID string) *Manager {
	return NewWithContextAndCorrelationID(context.Background(), correlationID)
}

// NewWithContext creates a Manager whose spans are parented on ctx.
func NewWithContext(ctx context.Context) *Manager {
	return NewWithContextAndCorrelationID(ctx, "")
}

func NewWithContextAndCorrelationID(ctx context.Context, correlationID string) *Manager {
	env := avd.Detect()
	if ctx == nil {
		ctx = context.Background()
	}
	env.Context = ctx
	if correlationID != "" {
		env.CorrelationID = correlationID
	}
	return newManager(env, nil)
}

// NewWithConfig creates a Manager from an explicit Config.
func NewWithConfig(ctx context.Context, cfg Config) *Manager {
	env := avd.NewEnv(cfg)
	if ctx != nil {
		env.Context = ctx
	}
	return newManager(env, nil)
}

// Environment overrides individual settings on top of the defaults.
type Environment struct {
	SDKRoot       string          // ANDROID_SDK_ROOT
	AVDHome       string          // ANDROID_AVD_HOME (default ~/.android/avd)
	FetchTimeout  time.Duration   // Per-query timeout (default 30s)
	AutoConfirm   *bool           // Answer tool prompts (default true)
	MaxProcs      int             // Concurrent task cap, 0 = unbounded
	ManifestURL   string          // SDK repository manifest
	RepositoryURL string          // Base URL for archives named in the manifest
	CorrelationID string          // Correlation ID for log enrichment
	Context       context.Context // Context for tracing
	HTTPClient    *http.Client    // Client for manifest and archive downloads
}

// NewWithEnv creates a Manager with custom environment configuration.
func NewWithEnv(e Environment) *Manager {
	cfg := Config{
		SDKRoot:       e.SDKRoot,
		AVDHome:       e.AVDHome,
		FetchTimeout:  e.FetchTimeout,
		AutoConfirm:   true,
		MaxProcs:      e.MaxProcs,
		ManifestURL:   e.ManifestURL,
		RepositoryURL: e.RepositoryURL,
		CorrelationID: e.CorrelationID,
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = avd.DefaultFetchTimeout
	}
	if e.AutoConfirm != nil {
		cfg.AutoConfirm = *e.AutoConfirm
	}
	if cfg.ManifestURL == "" {
		cfg.ManifestURL = avd.DefaultManifestURL
	}
	if cfg.RepositoryURL == "" {
		cfg.RepositoryURL = avd.DefaultRepositoryURL
	}
	env := avd.NewEnv(cfg)
	if e.Context != nil {
		env.Context = e.Context
	}
	return newManager(env, e.HTTPClient)
}

func newManager(env avd.Env, client *http.Client) *Manager {
	if client == nil {
		client = http.DefaultClient
	}
	runner := avd.NewRunner(env)
	return &Manager{
		env:    env,
		runner: runner,
		store:  avd.NewStore(env, runner),
		client: client,
	}
}

func (m *Manager) currentEnv() avd.Env {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.env
}

func (m *Manager) startSpan(name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	env := m.currentEnv()
	if env.CorrelationID != "" {
		attrs = append(attrs, attribute.String("correlation_id", env.CorrelationID))
	}
	ctx := env.Context
	if ctx == nil {
		ctx = context.Background()
	}
	return otel.Tracer(tracerName).Start(ctx, name, trace.WithAttributes(attrs...))
}

// Tools returns the tool paths resolved at construction or last Relocate.
func (m *Manager) Tools() ToolPaths {
	return m.currentEnv().Tools
}

// SDKRoot is the resolved SDK root or the default install location.
func (m *Manager) SDKRoot() string {
	return m.currentEnv().SDKRoot()
}

// Relocate re-resolves the tool paths, e.g. after SetupSDK finished.
func (m *Manager) Relocate() ToolPaths {
	_, span := m.startSpan("avdmanager.Relocate")
	defer span.End()

	m.mu.Lock()
	m.env = m.env.Relocate()
	env := m.env
	m.mu.Unlock()
	m.store.SetEnv(env)
	span.SetAttributes(attribute.StringSlice("missing", env.Tools.Missing()))
	return env.Tools
}

// Refresh re-reads every inventory collection. Failed collections are
// reported in Inventory.Errors and do not fail the others.
func (m *Manager) Refresh(ctx context.Context) Inventory {
	_, span := m.startSpan("avdmanager.Refresh")
	defer span.End()
	inv := m.store.Refresh(ctx)
	span.SetAttributes(attribute.Int("failed_collections", len(inv.Errors)))
	return inv
}

// Inventory returns the last refreshed inventory without running any tool.
func (m *Manager) Inventory() Inventory {
	return m.store.Snapshot()
}

// Presence reports which SDK components are installed right now.
func (m *Manager) Presence() map[Component]bool {
	check := avd.SDKPresence(m.currentEnv())
	out := make(map[Component]bool, len(avd.CanonicalOrder))
	for _, c := range avd.CanonicalOrder {
		out[c] = check(c)
	}
	return out
}

// SetupOptions selects the components to install and receives step events.
type SetupOptions struct {
	Components []Component     // empty means all, in canonical order
	OnStep     func(StepEvent) // called from the setup goroutine
}

// SetupSDK installs missing components one at a time. The returned task
// succeeds once every requested component is present.
func (m *Manager) SetupSDK(ctx context.Context, opts SetupOptions) *Task {
	_, span := m.startSpan("avdmanager.SetupSDK", attribute.Int("requested", len(opts.Components)))
	defer span.End()

	seq := avd.NewSDK(m.runner, m.client).Sequencer()
	seq.OnStep = opts.OnStep
	return seq.Start(ctx, m.runner, opts.Components)
}

// DownloadCmdlineTools fetches and unpacks the latest command-line tools.
func (m *Manager) DownloadCmdlineTools(ctx context.Context) *Task {
	_, span := m.startSpan("avdmanager.DownloadCmdlineTools")
	defer span.End()
	return avd.NewSDK(m.runner, m.client).InstallCmdlineTools(ctx)
}

// CreateOptions describes a new AVD.
type CreateOptions struct {
	Name        string   // AVD name (required)
	SystemImage string   // e.g. "system-images;android-34;google_apis;x86_64"
	Device      string   // device id from Inventory.Devices, e.g. "pixel_6"
	Hardware    Hardware // zero value means DefaultHardware()
	Force       bool     // overwrite an existing AVD of the same name
}

// CreateAVD creates an AVD and appends the hardware profile to its config.ini.
func (m *Manager) CreateAVD(ctx context.Context, opts CreateOptions) *Task {
	_, span := m.startSpan("avdmanager.CreateAVD",
		attribute.String("avd_name", opts.Name),
		attribute.String("system_image", opts.SystemImage),
		attribute.String("device", opts.Device),
	)
	defer span.End()
	return avd.CreateAVD(ctx, m.currentEnv(), m.runner, avd.CreateOptions{
		Name:        opts.Name,
		SystemImage: opts.SystemImage,
		Device:      opts.Device,
		Hardware:    opts.Hardware,
		Force:       opts.Force,
	})
}

// DeleteAVD removes an AVD through avdmanager.
func (m *Manager) DeleteAVD(ctx context.Context, name string) *Task {
	_, span := m.startSpan("avdmanager.DeleteAVD", attribute.String("avd_name", name))
	defer span.End()
	return avd.DeleteAVD(ctx, m.currentEnv(), m.runner, name)
}

// InstallImage installs a system image package with sdkmanager.
func (m *Manager) InstallImage(ctx context.Context, pkg string) *Task {
	_, span := m.startSpan("avdmanager.InstallImage", attribute.String("package", pkg))
	defer span.End()
	return avd.InstallImage(ctx, m.currentEnv(), m.runner, pkg)
}

// UninstallImage removes a system image package with sdkmanager.
func (m *Manager) UninstallImage(ctx context.Context, pkg string) *Task {
	_, span := m.startSpan("avdmanager.UninstallImage", attribute.String("package", pkg))
	defer span.End()
	return avd.UninstallImage(ctx, m.currentEnv(), m.runner, pkg)
}

// StartOptions tunes an emulator launch.
type StartOptions struct {
	Port      int      // console port, even, 0 lets the emulator choose
	ExtraArgs []string // appended to the emulator command line
}

// Start launches an emulator detached from the caller.
func (m *Manager) Start(name string, opts StartOptions) (*Launch, error) {
	_, span := m.startSpan("avdmanager.Start",
		attribute.String("avd_name", name),
		attribute.Int("port", opts.Port),
	)
	defer span.End()
	launch, err := avd.StartEmulator(m.currentEnv(), name, avd.StartOptions{Port: opts.Port, ExtraArgs: opts.ExtraArgs})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	span.SetAttributes(attribute.Int("pid", launch.PID))
	return launch, nil
}

// WaitForBoot blocks until Android reports boot completion or ctx ends.
func (m *Manager) WaitForBoot(ctx context.Context, serial string) error {
	_, span := m.startSpan("avdmanager.WaitForBoot", attribute.String("serial", serial))
	defer span.End()
	err := avd.WaitForBoot(ctx, m.currentEnv(), serial)
	if err != nil {
		span.RecordError(err)
	}
	return err
}

// Stop terminates the emulator running the named AVD. Stopping an AVD that
// is not running succeeds.
func (m *Manager) Stop(ctx context.Context, name string) *Task {
	_, span := m.startSpan("avdmanager.Stop", attribute.String("avd_name", name))
	defer span.End()
	return avd.StopEmulator(ctx, m.currentEnv(), m.runner, name)
}

// List returns all AVDs under ANDROID_AVD_HOME.
func (m *Manager) List() ([]AVDInfo, error) {
	return avd.List(m.currentEnv())
}

// ListRunning returns the emulator processes visible in ps.
func (m *Manager) ListRunning(ctx context.Context) ([]ProcessInfo, error) {
	return avd.ListRunning(ctx, m.currentEnv(), m.runner)
}

// Tasks lists tasks that have not been waited on, oldest first.
func (m *Manager) Tasks() []*Task {
	return m.runner.Tasks()
}

// Task looks up a task by id.
func (m *Manager) Task(id string) (*Task, bool) {
	return m.runner.Lookup(id)
}

// FindFreePort finds a free even port pair for an emulator (port and port+1).
func (m *Manager) FindFreePort(start, end int) (int, error) {
	return avd.FindFreeEvenPort(start, end)
}
