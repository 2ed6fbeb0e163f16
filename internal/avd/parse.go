// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package avd

import (
	"sort"
	"strconv"
	"strings"
)

type Device struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// ImageKey identifies a system image. Versions with a suffix ("34-ext8") are
// distinct from the bare version ("34").
type ImageKey struct {
	APIVersion string `json:"api_version"`
	ImageType  string `json:"image_type"`
	Arch       string `json:"arch"`
}

// Package is the sdkmanager package id, e.g. system-images;android-34;google_apis;x86_64.
func (k ImageKey) Package() string {
	return systemImagePrefix + k.APIVersion + ";" + k.ImageType + ";" + k.Arch
}

type SystemImage struct {
	ImageKey
	Installed bool `json:"installed"`
}

type InstalledImage = ImageKey

type Emulator struct {
	Name    string `json:"name"`
	Running bool   `json:"running"`
}

type Target struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	APILevel string `json:"api_level"`
}

// EmulatorProcess is one emulator engine process from a ps listing.
type EmulatorProcess struct {
	PID int    `json:"pid"`
	AVD string `json:"avd"`
}

const (
	systemImagePrefix = "system-images;android-"
	platformPrefix    = "platforms;android-"
)

// EngineMarker identifies emulator engine processes in ps output.
var EngineMarker = "qemu-system-"

// DefaultDevices is shown when avdmanager reports no device definitions.
func DefaultDevices() []Device {
	return []Device{
		{ID: "pixel_6", Name: "Pixel 6"},
		{ID: "pixel_5", Name: "Pixel 5"},
		{ID: "pixel_4", Name: "Pixel 4"},
		{ID: "pixel_3", Name: "Pixel 3"},
		{ID: "pixel_2", Name: "Pixel 2"},
		{ID: "pixel", Name: "Pixel"},
		{ID: "Nexus_6P", Name: "Nexus 6P"},
		{ID: "Nexus_6", Name: "Nexus 6"},
		{ID: "Nexus_5", Name: "Nexus 5"},
		{ID: "pixel_c", Name: "Pixel C"},
		{ID: "Nexus_9", Name: "Nexus 9"},
		{ID: "Nexus_7_2013", Name: "Nexus 7"},
	}
}

// ParseDeviceList reads `avdmanager list device` output. An id line opens a
// record and the next Name line closes it; incomplete records are dropped.
func ParseDeviceList(text string) []Device {
	var out []Device
	var open *Device
	seen := map[string]bool{}
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "id:"):
			id := markerValue(strings.TrimPrefix(line, "id:"))
			if id == "" {
				open = nil
				continue
			}
			open = &Device{ID: id}
		case strings.HasPrefix(line, "Name:") && open != nil:
			open.Name = markerValue(strings.TrimPrefix(line, "Name:"))
			if open.Name != "" && !seen[open.ID] {
				seen[open.ID] = true
				out = append(out, *open)
			}
			open = nil
		}
	}
	return out
}

// markerValue handles `12 or "pixel_6"` by preferring the quoted form.
func markerValue(v string) string {
	v = strings.TrimSpace(v)
	if before, after, ok := strings.Cut(v, " or "); ok {
		if q := unquote(after); q != "" {
			return q
		}
		v = before
	}
	if q := unquote(v); q != "" {
		return q
	}
	return strings.TrimSpace(v)
}

func unquote(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		return strings.TrimSpace(s[1 : len(s)-1])
	}
	return ""
}

// ParseTargetList reads `avdmanager list target` output.
func ParseTargetList(text string) []Target {
	var out []Target
	var cur *Target
	flush := func() {
		if cur != nil && cur.ID != "" {
			out = append(out, *cur)
		}
		cur = nil
	}
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "id:"):
			flush()
			cur = &Target{ID: markerValue(strings.TrimPrefix(line, "id:"))}
		case cur == nil:
		case strings.HasPrefix(line, "Name:"):
			cur.Name = strings.TrimSpace(strings.TrimPrefix(line, "Name:"))
		case strings.HasPrefix(line, "API level:"):
			cur.APILevel = strings.TrimSpace(strings.TrimPrefix(line, "API level:"))
		}
	}
	flush()
	return out
}

func parseImageLine(line string) (ImageKey, bool) {
	idx := strings.Index(line, systemImagePrefix)
	if idx < 0 {
		return ImageKey{}, false
	}
	pkg := line[idx:]
	pkg, _, _ = strings.Cut(pkg, "|")
	if f := strings.Fields(pkg); len(f) > 0 {
		pkg = f[0]
	} else {
		return ImageKey{}, false
	}
	parts := strings.Split(pkg, ";")
	if len(parts) < 4 {
		return ImageKey{}, false
	}
	k := ImageKey{
		APIVersion: strings.TrimPrefix(parts[1], "android-"),
		ImageType:  parts[2],
		Arch:       parts[3],
	}
	if k.APIVersion == "" || k.ImageType == "" || k.Arch == "" {
		return ImageKey{}, false
	}
	return k, true
}

// ParseImageList reads `sdkmanager --list`. Installed is left false; see
// MarkInstalled.
func ParseImageList(text string) []SystemImage {
	var out []SystemImage
	seen := map[ImageKey]bool{}
	for _, line := range strings.Split(text, "\n") {
		k, ok := parseImageLine(line)
		if !ok || seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, SystemImage{ImageKey: k})
	}
	return out
}

// ParseInstalledImages reads `sdkmanager --list_installed`.
func ParseInstalledImages(text string) []InstalledImage {
	var out []InstalledImage
	seen := map[ImageKey]bool{}
	for _, line := range strings.Split(text, "\n") {
		k, ok := parseImageLine(line)
		if !ok || seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, k)
	}
	return out
}

// MarkInstalled returns a copy of available with Installed set by membership
// in installed.
func MarkInstalled(available []SystemImage, installed []InstalledImage) []SystemImage {
	set := make(map[ImageKey]bool, len(installed))
	for _, k := range installed {
		set[k] = true
	}
	out := make([]SystemImage, len(available))
	for i, img := range available {
		out[i] = SystemImage{ImageKey: img.ImageKey, Installed: set[img.ImageKey]}
	}
	return out
}

// ParseAvdList reads `emulator -list-avds`. AVD names contain no whitespace,
// so lines with spaces are emulator log noise.
func ParseAvdList(text string) []string {
	var out []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.ContainsAny(line, " \t") {
			continue
		}
		out = append(out, line)
	}
	return out
}

// ParseEmulatorProcesses reads `ps aux` and returns the emulator engine
// processes that carry an -avd flag.
func ParseEmulatorProcesses(text string) []EmulatorProcess {
	var out []EmulatorProcess
	for _, line := range strings.Split(text, "\n") {
		if !strings.Contains(line, EngineMarker) {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		pid, err := strconv.Atoi(fields[1])
		if err != nil {
			continue
		}
		name := avdFlagValue(fields[2:])
		if name == "" {
			continue
		}
		out = append(out, EmulatorProcess{PID: pid, AVD: name})
	}
	return out
}

// avdFlagValue joins the tokens after -avd up to the next flag token.
func avdFlagValue(fields []string) string {
	for i, f := range fields {
		if f != "-avd" {
			continue
		}
		var parts []string
		for _, v := range fields[i+1:] {
			if strings.HasPrefix(v, "-") {
				break
			}
			parts = append(parts, v)
		}
		return strings.Join(parts, " ")
	}
	return ""
}

// ParseRunningAvds returns the subset of known AVD names with a live engine
// process. Only exact name matches count.
func ParseRunningAvds(text string, known []string) map[string]bool {
	names := make(map[string]bool, len(known))
	for _, n := range known {
		names[n] = true
	}
	out := map[string]bool{}
	for _, p := range ParseEmulatorProcesses(text) {
		if names[p.AVD] {
			out[p.AVD] = true
		}
	}
	return out
}

// ParseLatestPlatform returns the highest N among platforms;android-N lines
// of `sdkmanager --list`.
func ParseLatestPlatform(text string) (int, bool) {
	best := 0
	for _, line := range strings.Split(text, "\n") {
		idx := strings.Index(line, platformPrefix)
		if idx < 0 {
			continue
		}
		rest := strings.Fields(line[idx+len(platformPrefix):])
		if len(rest) == 0 {
			continue
		}
		v, _, _ := strings.Cut(rest[0], "|")
		if n := VersionSortKey(v); n > best {
			best = n
		}
	}
	return best, best > 0
}

// ParseSdkmanagerProgress extracts progress from one line of
// `sdkmanager --install --verbose` output.
func ParseSdkmanagerProgress(line string) (Progress, bool) {
	line = strings.TrimSpace(line)
	switch {
	case strings.Contains(line, "Downloading"):
		before, _, ok := strings.Cut(line, "%")
		if !ok {
			return Progress{Indeterminate: true, Message: line}, true
		}
		f := strings.Fields(strings.ReplaceAll(before, "]", " "))
		if len(f) == 0 {
			return Progress{Indeterminate: true, Message: line}, true
		}
		pct, err := strconv.Atoi(f[len(f)-1])
		if err != nil || pct < 0 || pct > 100 {
			return Progress{Indeterminate: true, Message: line}, true
		}
		return Progress{Percent: pct, Message: "downloading"}, true
	case strings.Contains(line, "Installing"), strings.Contains(line, "Unzipping"):
		return Progress{Indeterminate: true, Message: "installing"}, true
	}
	return Progress{}, false
}

// VersionSortKey is the integer prefix of an API version ("34-ext8" -> 34),
// or 0 when it does not parse.
func VersionSortKey(v string) int {
	head, _, _ := strings.Cut(v, "-")
	n, err := strconv.Atoi(head)
	if err != nil {
		return 0
	}
	return n
}

// SortImages orders installed images first, then by version, newest first.
func SortImages(images []SystemImage) {
	sort.SliceStable(images, func(i, j int) bool {
		if images[i].Installed != images[j].Installed {
			return images[i].Installed
		}
		return VersionSortKey(images[i].APIVersion) > VersionSortKey(images[j].APIVersion)
	})
}

func SortInstalledImages(images []InstalledImage) {
	sort.SliceStable(images, func(i, j int) bool {
		return VersionSortKey(images[i].APIVersion) > VersionSortKey(images[j].APIVersion)
	})
}
