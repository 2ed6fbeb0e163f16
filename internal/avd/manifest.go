// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package avd

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"runtime"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/containerd/errdefs"
)

// Manifest is the subset of the SDK repository XML used to locate archives.
type Manifest struct {
	Packages []RemotePackage `xml:"remotePackage"`
}

type RemotePackage struct {
	Path         string `xml:"path,attr"`
	Obsolete     bool   `xml:"obsolete"`
	ObsoleteAttr bool   `xml:"obsolete,attr"`
	Revision     struct {
		Major   int `xml:"major"`
		Minor   int `xml:"minor"`
		Micro   int `xml:"micro"`
		Preview int `xml:"preview"`
	} `xml:"revision"`
	ChannelRef struct {
		Ref string `xml:"ref,attr"`
	} `xml:"channelRef"`
	Archives []struct {
		HostOS   string `xml:"host-os"`
		Complete struct {
			Size     int64  `xml:"size"`
			Checksum string `xml:"checksum"`
			URL      string `xml:"url"`
		} `xml:"complete"`
	} `xml:"archives>archive"`
}

// Version carries a preview revision as an "rcN" prerelease.
func (p RemotePackage) Version() *semver.Version {
	pre := ""
	if p.Revision.Preview > 0 {
		pre = fmt.Sprintf("rc%d", p.Revision.Preview)
	}
	return semver.New(uint64(p.Revision.Major), uint64(p.Revision.Minor), uint64(p.Revision.Micro), pre, "")
}

// Stable reports whether the package is a release on the stable channel.
func (p RemotePackage) Stable() bool {
	if p.Revision.Preview > 0 {
		return false
	}
	return p.ChannelRef.Ref == "" || p.ChannelRef.Ref == stableChannel
}

const (
	stableChannel      = "channel-0"
	cmdlineToolsLatest = "cmdline-tools;latest"
)

// Archive is a downloadable package archive for one host OS.
type Archive struct {
	Package  string
	Revision *semver.Version
	URL      string
	SHA1     string
	Size     int64
}

// HostOS maps GOOS to the manifest host-os names.
func HostOS(goos string) string {
	switch goos {
	case "darwin":
		return "macosx"
	case "windows":
		return "windows"
	default:
		return "linux"
	}
}

func ParseManifest(r io.Reader) (*Manifest, error) {
	var m Manifest
	if err := xml.NewDecoder(r).Decode(&m); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	return &m, nil
}

// CmdlineTools picks the highest-revision, stable, non-obsolete cmdline-tools
// package that has an archive for hostOS. On equal revisions
// cmdline-tools;latest wins. Relative archive URLs are resolved against baseURL.
func (m *Manifest) CmdlineTools(hostOS, baseURL string) (Archive, error) {
	var best *Archive
	for _, p := range m.Packages {
		if !strings.HasPrefix(p.Path, "cmdline-tools;") || p.Obsolete || p.ObsoleteAttr || !p.Stable() {
			continue
		}
		for _, a := range p.Archives {
			if (a.HostOS != "" && a.HostOS != hostOS) || a.Complete.URL == "" {
				continue
			}
			cand := Archive{
				Package:  p.Path,
				Revision: p.Version(),
				URL:      resolveArchiveURL(baseURL, a.Complete.URL),
				SHA1:     strings.TrimSpace(a.Complete.Checksum),
				Size:     a.Complete.Size,
			}
			if best == nil || cand.Revision.GreaterThan(best.Revision) ||
				(cand.Revision.Equal(best.Revision) && cand.Package == cmdlineToolsLatest) {
				best = &cand
			}
		}
	}
	if best == nil {
		return Archive{}, fmt.Errorf("no cmdline-tools archive for %s: %w", hostOS, errdefs.ErrNotFound)
	}
	return *best, nil
}

func resolveArchiveURL(base, u string) string {
	if strings.Contains(u, "://") {
		return u
	}
	if base != "" && !strings.HasSuffix(base, "/") {
		base += "/"
	}
	return base + u
}

// FetchManifest downloads and parses the repository manifest.
func FetchManifest(ctx context.Context, client *http.Client, url string) (*Manifest, error) {
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get manifest: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("get manifest: %s: %w", resp.Status, errdefs.ErrUnavailable)
	}
	return ParseManifest(resp.Body)
}

func currentHostOS() string { return HostOS(runtime.GOOS) }
