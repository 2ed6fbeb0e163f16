// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package avd

import (
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
)

// ToolPaths holds the resolved SDK root and tool executables. An empty field
// means the tool was not found.
type ToolPaths struct {
	SDKRoot    string `json:"sdk_root,omitempty"`
	AvdManager string `json:"avdmanager,omitempty"`
	SdkManager string `json:"sdkmanager,omitempty"`
	Emulator   string `json:"emulator,omitempty"`
	ADB        string `json:"adb,omitempty"`
}

// Missing names the tools that could not be resolved.
func (p ToolPaths) Missing() []string {
	var out []string
	if p.AvdManager == "" {
		out = append(out, "avdmanager")
	}
	if p.SdkManager == "" {
		out = append(out, "sdkmanager")
	}
	if p.Emulator == "" {
		out = append(out, "emulator")
	}
	if p.ADB == "" {
		out = append(out, "adb")
	}
	return out
}

// Locator resolves ToolPaths with read-only filesystem checks.
type Locator struct {
	// SDKRoot, when set, is tried before the environment.
	SDKRoot  string
	Home     string
	GOOS     string
	Getenv   func(string) string
	LookPath func(string) (string, error)
}

func NewLocator(sdkRoot string) *Locator {
	return &Locator{
		SDKRoot:  sdkRoot,
		Home:     homeDir(),
		GOOS:     runtime.GOOS,
		Getenv:   os.Getenv,
		LookPath: exec.LookPath,
	}
}

func (l *Locator) Locate() ToolPaths {
	root := l.sdkRoot()
	p := ToolPaths{SDKRoot: root}

	p.AvdManager = l.findCmdlineTool(root, "avdmanager")
	if p.AvdManager != "" {
		sibling := filepath.Join(filepath.Dir(p.AvdManager), l.exe("sdkmanager"))
		if isFile(sibling) {
			p.SdkManager = sibling
		}
	}
	if p.SdkManager == "" {
		p.SdkManager = l.findCmdlineTool(root, "sdkmanager")
	}
	p.Emulator = l.findInRoot(root, filepath.Join("emulator", l.exe("emulator")), "emulator")
	p.ADB = l.findInRoot(root, filepath.Join("platform-tools", l.exe("adb")), "adb")
	return p
}

// sdkRoot returns the first existing candidate directory, or "".
func (l *Locator) sdkRoot() string {
	candidates := []string{l.SDKRoot}
	if l.Getenv != nil {
		candidates = append(candidates, l.Getenv("ANDROID_HOME"), l.Getenv("ANDROID_SDK_ROOT"))
	}
	candidates = append(candidates, conventionalRoots(l.GOOS, l.Home, l.getenv("LOCALAPPDATA"))...)
	for _, c := range candidates {
		if c != "" && isDir(c) {
			return c
		}
	}
	return ""
}

func conventionalRoots(goos, home, localAppData string) []string {
	switch goos {
	case "windows":
		if localAppData == "" {
			return nil
		}
		return []string{filepath.Join(localAppData, "Android", "Sdk")}
	default:
		if home == "" {
			return nil
		}
		return []string{
			filepath.Join(home, "Library", "Android", "sdk"),
			filepath.Join(home, "Android", "Sdk"),
		}
	}
}

// DefaultSDKRoot is where a fresh SDK is installed when none exists.
func DefaultSDKRoot(home string) string {
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library", "Android", "sdk")
	case "windows":
		if v := os.Getenv("LOCALAPPDATA"); v != "" {
			return filepath.Join(v, "Android", "Sdk")
		}
		return filepath.Join(home, "AppData", "Local", "Android", "Sdk")
	default:
		return filepath.Join(home, "Android", "Sdk")
	}
}

// findCmdlineTool scans cmdline-tools/<version>/{bin,tools/bin} with versions
// in lexicographic order, then the legacy tools/ layout, then PATH.
func (l *Locator) findCmdlineTool(root, name string) string {
	bin := l.exe(name)
	if root != "" {
		base := filepath.Join(root, "cmdline-tools")
		// os.ReadDir sorts by filename.
		if entries, err := os.ReadDir(base); err == nil {
			for _, e := range entries {
				if !e.IsDir() {
					continue
				}
				for _, rel := range []string{"bin", filepath.Join("tools", "bin")} {
					p := filepath.Join(base, e.Name(), rel, bin)
					if isFile(p) {
						return p
					}
				}
			}
		}
		for _, rel := range []string{filepath.Join("tools", "bin", bin), filepath.Join("tools", bin)} {
			p := filepath.Join(root, rel)
			if isFile(p) {
				return p
			}
		}
	}
	return l.lookPath(name)
}

func (l *Locator) findInRoot(root, rel, name string) string {
	if root != "" {
		p := filepath.Join(root, rel)
		if isFile(p) {
			return p
		}
	}
	return l.lookPath(name)
}

func (l *Locator) lookPath(name string) string {
	if l.LookPath == nil {
		return ""
	}
	p, err := l.LookPath(name)
	if err != nil {
		return ""
	}
	return p
}

func (l *Locator) exe(name string) string { return exeName(l.GOOS, name) }

func exeName(goos, name string) string {
	if goos != "windows" {
		return name
	}
	switch name {
	case "avdmanager", "sdkmanager":
		return name + ".bat"
	default:
		return name + ".exe"
	}
}

func (l *Locator) getenv(k string) string {
	if l.Getenv == nil {
		return ""
	}
	return l.Getenv(k)
}

func isDir(p string) bool {
	st, err := os.Stat(p)
	return err == nil && st.IsDir()
}

func isFile(p string) bool {
	st, err := os.Stat(p)
	return err == nil && !st.IsDir()
}
