// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package avd

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/containerd/errdefs"
)

func newTestDownloader(t *testing.T) *Downloader {
	t.Helper()
	quietLogs(t)
	d := NewDownloader(NewRunner(newTestEnv(t)), nil)
	d.ChunkSize = 4096
	return d
}

func TestDownloadFullBody(t *testing.T) {
	payload := bytes.Repeat([]byte("avd"), 40000)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", strconv.Itoa(len(payload)))
		_, _ = w.Write(payload)
	}))
	defer srv.Close()

	d := newTestDownloader(t)
	dest := filepath.Join(t.TempDir(), "out.zip")
	task := d.Download(context.Background(), srv.URL, dest)
	res := waitResult(t, task)
	if res.State != StateSucceeded {
		t.Fatalf("expected succeeded, got %s (%v)", res.State, res.Err)
	}
	st, err := os.Stat(dest)
	if err != nil {
		t.Fatalf("stat dest: %v", err)
	}
	if st.Size() != int64(len(payload)) || res.Bytes != int64(len(payload)) {
		t.Fatalf("expected %d bytes, file has %d, result %d", len(payload), st.Size(), res.Bytes)
	}
	if last := task.LastProgress(); last.Percent != 100 || last.Indeterminate {
		t.Fatalf("expected final progress 100, got %+v", last)
	}
}

func TestDownloadShortBodyRemovesFile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "10000")
		_, _ = w.Write(bytes.Repeat([]byte("x"), 4000))
	}))
	defer srv.Close()

	d := newTestDownloader(t)
	dest := filepath.Join(t.TempDir(), "out.zip")
	res := waitResult(t, d.Download(context.Background(), srv.URL, dest))
	if res.State != StateFailed {
		t.Fatalf("expected failed, got %s", res.State)
	}
	if !errors.Is(res.Err, ErrIncompleteDownload) || !errdefs.IsDataLoss(res.Err) {
		t.Fatalf("expected incomplete download, got %v", res.Err)
	}
	if _, err := os.Stat(dest); !os.IsNotExist(err) {
		t.Fatalf("expected partial file removed, stat err=%v", err)
	}
}

func TestDownloadCancelMidStream(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", strconv.Itoa(1<<20))
		_, _ = w.Write(bytes.Repeat([]byte("y"), 8192))
		w.(http.Flusher).Flush()
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	d := newTestDownloader(t)
	dest := filepath.Join(t.TempDir(), "out.zip")
	task := d.Download(context.Background(), srv.URL, dest)

	if _, ok := <-task.Progress(); !ok {
		t.Fatalf("task finished before any progress: %+v", task.Result())
	}
	task.Cancel()

	res := waitResult(t, task)
	if res.State != StateCancelled {
		t.Fatalf("expected cancelled, got %s (%v)", res.State, res.Err)
	}
	if _, err := os.Stat(dest); !os.IsNotExist(err) {
		t.Fatalf("expected partial file removed, stat err=%v", err)
	}
}

func TestDownloadVerifiedChecksum(t *testing.T) {
	payload := []byte("command line tools archive")
	sum := sha1.Sum(payload)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(payload)
	}))
	defer srv.Close()

	d := newTestDownloader(t)
	dir := t.TempDir()

	good := filepath.Join(dir, "good.zip")
	res := waitResult(t, d.DownloadVerified(context.Background(), srv.URL, good, Expect{
		Size: int64(len(payload)),
		SHA1: hex.EncodeToString(sum[:]),
	}))
	if res.State != StateSucceeded {
		t.Fatalf("expected succeeded, got %s (%v)", res.State, res.Err)
	}

	bad := filepath.Join(dir, "bad.zip")
	res = waitResult(t, d.DownloadVerified(context.Background(), srv.URL, bad, Expect{
		SHA1: "0000000000000000000000000000000000000000",
	}))
	if !errors.Is(res.Err, ErrChecksumMismatch) {
		t.Fatalf("expected checksum mismatch, got %v", res.Err)
	}
	if _, err := os.Stat(bad); !os.IsNotExist(err) {
		t.Fatalf("expected mismatched file removed, stat err=%v", err)
	}

	short := filepath.Join(dir, "short.zip")
	res = waitResult(t, d.DownloadVerified(context.Background(), srv.URL, short, Expect{Size: 1 << 20}))
	if !errors.Is(res.Err, ErrIncompleteDownload) {
		t.Fatalf("expected size mismatch, got %v", res.Err)
	}
}

func TestDownloadUnknownLengthIsIndeterminate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(bytes.Repeat([]byte("z"), 2048))
		w.(http.Flusher).Flush()
		_, _ = w.Write(bytes.Repeat([]byte("z"), 2048))
	}))
	defer srv.Close()

	d := newTestDownloader(t)
	task := d.Download(context.Background(), srv.URL, filepath.Join(t.TempDir(), "out"))
	res := waitResult(t, task)
	if res.State != StateSucceeded || res.Bytes != 4096 {
		t.Fatalf("expected 4096 bytes, got %s %d (%v)", res.State, res.Bytes, res.Err)
	}
	var sawIndeterminate bool
	for p := range task.Progress() {
		if p.Indeterminate && p.Message != "" {
			sawIndeterminate = true
		}
	}
	if !sawIndeterminate {
		t.Fatal("expected indeterminate progress with a byte count")
	}
}

func TestDownloadHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	d := newTestDownloader(t)
	dest := filepath.Join(t.TempDir(), "out")
	res := waitResult(t, d.Download(context.Background(), srv.URL, dest))
	if res.State != StateFailed || !errdefs.IsUnavailable(res.Err) {
		t.Fatalf("expected unavailable failure, got %s %v", res.State, res.Err)
	}
	if _, err := os.Stat(dest); !os.IsNotExist(err) {
		t.Fatal("no file expected after HTTP error")
	}
}
