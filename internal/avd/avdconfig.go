// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package avd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/containerd/errdefs"
	"github.com/docker/go-units"
)

const (
	MinRAM     = 1024 * units.MiB
	MaxRAM     = 8192 * units.MiB
	DefaultRAM = 2048 * units.MiB
)

// Hardware holds the config.ini keys written after an AVD is created.
type Hardware struct {
	RAM           int64
	DataPartition int64
	Keyboard      bool
	GPUMode       string
	Audio         bool
	Camera        string
}

func DefaultHardware() Hardware {
	return Hardware{
		RAM:           DefaultRAM,
		DataPartition: 2048 * units.MiB,
		Keyboard:      true,
		GPUMode:       "auto",
		Audio:         true,
		Camera:        "webcam0",
	}
}

// ParseSize accepts "2048M", "2g", "1.5GiB" and plain byte counts.
func ParseSize(s string) (int64, error) {
	n, err := units.RAMInBytes(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("size %q: %w", s, errdefs.ErrInvalidArgument)
	}
	return n, nil
}

func (h Hardware) Validate() error {
	if h.RAM < MinRAM || h.RAM > MaxRAM {
		return fmt.Errorf("ram %s outside %s..%s: %w",
			units.BytesSize(float64(h.RAM)), units.BytesSize(float64(MinRAM)), units.BytesSize(float64(MaxRAM)),
			errdefs.ErrInvalidArgument)
	}
	return nil
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

// Lines renders the hardware keys in config.ini syntax.
func (h Hardware) Lines() []string {
	gpu := h.GPUMode != "" && h.GPUMode != "off"
	lines := []string{
		fmt.Sprintf("hw.ramSize=%d", h.RAM/units.MiB),
		"hw.keyboard=" + yesNo(h.Keyboard),
		fmt.Sprintf("disk.dataPartition.size=%dM", h.DataPartition/units.MiB),
		"hw.gpu.enabled=" + yesNo(gpu),
	}
	if gpu {
		lines = append(lines, "hw.gpu.mode="+h.GPUMode)
	}
	lines = append(lines,
		"hw.audioInput="+yesNo(h.Audio),
		"hw.audioOutput="+yesNo(h.Audio),
	)
	if h.Camera != "" {
		lines = append(lines, "hw.camera.back="+h.Camera, "hw.camera.front="+h.Camera)
	}
	return lines
}

func configPath(avdHome, name string) string {
	return filepath.Join(avdHome, name+".avd", "config.ini")
}

// AppendConfig appends the hardware keys to an existing AVD's config.ini.
// Existing lines are never rewritten; later keys win when the emulator reads
// the file.
func AppendConfig(avdHome, name string, h Hardware) error {
	path := configPath(avdHome, name)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	body := "\n" + strings.Join(h.Lines(), "\n") + "\n"
	if _, err := f.WriteString(body); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	return f.Close()
}

// ReadConfig parses config.ini into a map; the last occurrence of a key wins.
func ReadConfig(avdHome, name string) (map[string]string, error) {
	b, err := os.ReadFile(configPath(avdHome, name))
	if err != nil {
		return nil, err
	}
	out := map[string]string{}
	for _, line := range strings.Split(string(b), "\n") {
		k, v, ok := strings.Cut(strings.TrimSpace(line), "=")
		if !ok || k == "" {
			continue
		}
		out[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return out, nil
}
