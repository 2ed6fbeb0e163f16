// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package avd

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/Masterminds/semver/v3"
	"github.com/containerd/errdefs"
)

const testManifest = `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>
<sdk:sdk-repository xmlns:sdk="http://schemas.android.com/sdk/android/repo/repository2/03">
  <remotePackage path="cmdline-tools;9.0">
    <revision><major>9</major><minor>0</minor></revision>
    <archives>
      <archive>
        <complete><size>100</size><checksum type="sha1">aaaa</checksum><url>commandlinetools-linux-9477386_latest.zip</url></complete>
        <host-os>linux</host-os>
      </archive>
    </archives>
  </remotePackage>
  <remotePackage path="cmdline-tools;11.0">
    <revision><major>11</major><minor>0</minor></revision>
    <archives>
      <archive>
        <complete><size>200</size><checksum type="sha1"> BBBB </checksum><url>commandlinetools-linux-10406996_latest.zip</url></complete>
        <host-os>linux</host-os>
      </archive>
      <archive>
        <complete><size>210</size><checksum type="sha1">cccc</checksum><url>commandlinetools-mac-10406996_latest.zip</url></complete>
        <host-os>macosx</host-os>
      </archive>
    </archives>
  </remotePackage>
  <remotePackage path="cmdline-tools;12.0-alpha01" obsolete="true">
    <revision><major>12</major><minor>0</minor></revision>
    <archives>
      <archive>
        <complete><size>300</size><checksum type="sha1">dddd</checksum><url>https://mirror.example/commandlinetools-linux-12.zip</url></complete>
        <host-os>linux</host-os>
      </archive>
    </archives>
  </remotePackage>
  <remotePackage path="platform-tools">
    <revision><major>35</major></revision>
  </remotePackage>
</sdk:sdk-repository>`

func TestManifestPicksNewestCmdlineTools(t *testing.T) {
	m, err := ParseManifest(strings.NewReader(testManifest))
	if err != nil {
		t.Fatalf("parse manifest: %v", err)
	}

	a, err := m.CmdlineTools("linux", "https://dl.google.com/android/repository")
	if err != nil {
		t.Fatalf("select archive: %v", err)
	}
	if a.Package != "cmdline-tools;11.0" || a.Revision.Major() != 11 {
		t.Fatalf("expected cmdline-tools;11.0, got %s %s", a.Package, a.Revision)
	}
	if a.URL != "https://dl.google.com/android/repository/commandlinetools-linux-10406996_latest.zip" {
		t.Fatalf("unexpected url %s", a.URL)
	}
	if a.SHA1 != "BBBB" || a.Size != 200 {
		t.Fatalf("unexpected integrity data %q %d", a.SHA1, a.Size)
	}

	mac, err := m.CmdlineTools(HostOS("darwin"), "https://dl.google.com/android/repository/")
	if err != nil {
		t.Fatalf("select mac archive: %v", err)
	}
	if !strings.HasSuffix(mac.URL, "commandlinetools-mac-10406996_latest.zip") {
		t.Fatalf("unexpected mac url %s", mac.URL)
	}

	if _, err := m.CmdlineTools("windows", ""); !errdefs.IsNotFound(err) {
		t.Fatalf("expected not found for windows, got %v", err)
	}
}

const previewManifest = `<sdk:sdk-repository xmlns:sdk="http://schemas.android.com/sdk/android/repo/repository2/03">
  <channel id="channel-0">stable</channel>
  <channel id="channel-1">beta</channel>
  <remotePackage path="cmdline-tools;19.0">
    <revision><major>19</major><minor>0</minor></revision>
    <channelRef ref="channel-0"/>
    <archives><archive>
      <complete><size>1</size><checksum type="sha1">aaaa</checksum><url>commandlinetools-linux-19.zip</url></complete>
      <host-os>linux</host-os>
    </archive></archives>
  </remotePackage>
  <remotePackage path="cmdline-tools;latest">
    <revision><major>19</major><minor>0</minor></revision>
    <channelRef ref="channel-0"/>
    <archives><archive>
      <complete><size>2</size><checksum type="sha1">bbbb</checksum><url>commandlinetools-linux-latest.zip</url></complete>
      <host-os>linux</host-os>
    </archive></archives>
  </remotePackage>
  <remotePackage path="cmdline-tools;20.0-rc01">
    <revision><major>20</major><minor>0</minor><preview>1</preview></revision>
    <channelRef ref="channel-1"/>
    <archives><archive>
      <complete><size>3</size><checksum type="sha1">cccc</checksum><url>commandlinetools-linux-20-rc01.zip</url></complete>
      <host-os>linux</host-os>
    </archive></archives>
  </remotePackage>
  <remotePackage path="cmdline-tools;21.0">
    <revision><major>21</major><minor>0</minor></revision>
    <channelRef ref="channel-3"/>
    <archives><archive>
      <complete><size>4</size><checksum type="sha1">dddd</checksum><url>commandlinetools-linux-21-canary.zip</url></complete>
      <host-os>linux</host-os>
    </archive></archives>
  </remotePackage>
</sdk:sdk-repository>`

func TestManifestSkipsPreviewCmdlineTools(t *testing.T) {
	m, err := ParseManifest(strings.NewReader(previewManifest))
	if err != nil {
		t.Fatalf("parse manifest: %v", err)
	}
	a, err := m.CmdlineTools("linux", "https://dl.google.com/android/repository/")
	if err != nil {
		t.Fatalf("select archive: %v", err)
	}
	if a.Package != "cmdline-tools;latest" || a.Revision.String() != "19.0.0" {
		t.Fatalf("expected stable cmdline-tools;latest, got %s %s", a.Package, a.Revision)
	}

	var rc RemotePackage
	for _, p := range m.Packages {
		if p.Path == "cmdline-tools;20.0-rc01" {
			rc = p
		}
	}
	if rc.Stable() {
		t.Fatal("preview package reported as stable")
	}
	if v := rc.Version(); v.Prerelease() != "rc1" || !v.LessThan(semver.MustParse("20.0.0")) {
		t.Fatalf("preview should rank below its release, got %s", v)
	}
}

func TestHostOS(t *testing.T) {
	cases := map[string]string{"darwin": "macosx", "windows": "windows", "linux": "linux", "freebsd": "linux"}
	for goos, want := range cases {
		if got := HostOS(goos); got != want {
			t.Fatalf("HostOS(%s) = %s, want %s", goos, got, want)
		}
	}
}

func TestFetchManifest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/repository2-1.xml" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(testManifest))
	}))
	defer srv.Close()

	m, err := FetchManifest(context.Background(), srv.Client(), srv.URL+"/repository2-1.xml")
	if err != nil {
		t.Fatalf("fetch manifest: %v", err)
	}
	if len(m.Packages) != 4 {
		t.Fatalf("expected 4 packages, got %d", len(m.Packages))
	}
	if _, err := FetchManifest(context.Background(), srv.Client(), srv.URL+"/missing.xml"); !errdefs.IsUnavailable(err) {
		t.Fatalf("expected unavailable, got %v", err)
	}
}
