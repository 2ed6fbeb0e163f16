// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package avd

import (
	"context"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const (
	DefaultManifestURL   = "https://dl.google.com/android/repository/repository2-1.xml"
	DefaultRepositoryURL = "https://dl.google.com/android/repository/"
	DefaultFetchTimeout  = 30 * time.Second
	envPrefix            = "AVDSHELL_"
)

// Config is the user-tunable part of Env. Sources, lowest precedence first:
// built-in defaults, an optional YAML file, AVDSHELL_* variables.
type Config struct {
	SDKRoot       string        `koanf:"sdk_root"`
	AVDHome       string        `koanf:"avd_home"`
	FetchTimeout  time.Duration `koanf:"fetch_timeout"`
	AutoConfirm   bool          `koanf:"auto_confirm"`
	MaxProcs      int           `koanf:"max_procs"`
	ManifestURL   string        `koanf:"manifest_url"`
	RepositoryURL string        `koanf:"repository_url"`
	CorrelationID string        `koanf:"correlation_id"`
}

type Env struct {
	Tools   ToolPaths
	Home    string
	AVDHome string // ANDROID_AVD_HOME (default ~/.android/avd)
	Ps      string // ps
	// FetchTimeout bounds each inventory subprocess.
	FetchTimeout time.Duration
	// AutoConfirm answers interactive tool prompts with each command's fixed reply.
	AutoConfirm bool
	// MaxProcs caps concurrently running tasks; 0 means unbounded.
	MaxProcs      int
	ManifestURL   string
	RepositoryURL string
	// CorrelationID is used to tie logs to a specific workflow/activity.
	CorrelationID string
	// Context is used to parent OpenTelemetry spans.
	Context context.Context

	sdkRootOverride string
}

func homeDir() string {
	usr, _ := user.Current()
	if usr != nil && usr.HomeDir != "" {
		return usr.HomeDir
	}
	return os.Getenv("HOME")
}

// LoadConfig layers defaults, the YAML file at path (skipped when empty or
// missing) and AVDSHELL_* environment variables.
func LoadConfig(path string) (Config, error) {
	home := homeDir()
	k := koanf.New(".")

	defaults := map[string]interface{}{
		"sdk_root":       "",
		"avd_home":       getenv("ANDROID_AVD_HOME", filepath.Join(home, ".android", "avd")),
		"fetch_timeout":  DefaultFetchTimeout.String(),
		"auto_confirm":   true,
		"max_procs":      0,
		"manifest_url":   DefaultManifestURL,
		"repository_url": DefaultRepositoryURL,
		"correlation_id": "",
	}
	if err := k.Load(confmap.Provider(defaults, "."), nil); err != nil {
		return Config{}, fmt.Errorf("load defaults: %w", err)
	}

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
				return Config{}, fmt.Errorf("load config file %s: %w", path, err)
			}
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, envPrefix))
	}), nil); err != nil {
		return Config{}, fmt.Errorf("load env: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = DefaultFetchTimeout
	}
	return cfg, nil
}

// NewEnv builds an Env from cfg and resolves the SDK tools once.
func NewEnv(cfg Config) Env {
	e := Env{
		Home:            homeDir(),
		AVDHome:         cfg.AVDHome,
		Ps:              "ps",
		FetchTimeout:    cfg.FetchTimeout,
		AutoConfirm:     cfg.AutoConfirm,
		MaxProcs:        cfg.MaxProcs,
		ManifestURL:     cfg.ManifestURL,
		RepositoryURL:   cfg.RepositoryURL,
		CorrelationID:   cfg.CorrelationID,
		Context:         context.Background(),
		sdkRootOverride: cfg.SDKRoot,
	}
	if e.AVDHome == "" {
		e.AVDHome = filepath.Join(e.Home, ".android", "avd")
	}
	return e.Relocate()
}

func Detect() Env {
	cfg, err := LoadConfig("")
	if err != nil {
		logEvent(Env{}, "config load failed, using defaults", "error", err.Error())
		cfg = Config{
			AVDHome:       getenv("ANDROID_AVD_HOME", filepath.Join(homeDir(), ".android", "avd")),
			FetchTimeout:  DefaultFetchTimeout,
			AutoConfirm:   true,
			ManifestURL:   DefaultManifestURL,
			RepositoryURL: DefaultRepositoryURL,
		}
	}
	return NewEnv(cfg)
}

// Relocate re-resolves the SDK tool paths, e.g. after an install step.
func (e Env) Relocate() Env {
	loc := NewLocator(e.sdkRootOverride)
	if e.Home != "" {
		loc.Home = e.Home
	}
	e.Tools = loc.Locate()
	return e
}

// SDKRoot is the resolved SDK root, or the conventional default install
// location when none was found.
func (e Env) SDKRoot() string {
	if e.Tools.SDKRoot != "" {
		return e.Tools.SDKRoot
	}
	if e.sdkRootOverride != "" {
		return e.sdkRootOverride
	}
	return DefaultSDKRoot(e.Home)
}

func getenv(k, def string) string {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	return v
}
