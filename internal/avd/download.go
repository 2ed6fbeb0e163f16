// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package avd

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/containerd/errdefs"
	"github.com/docker/go-units"
	"go.opentelemetry.io/otel/attribute"
)

const defaultChunkSize = 32 * 1024

// Expect carries optional integrity data for a download (from the manifest).
type Expect struct {
	Size int64
	SHA1 string
}

// Downloader streams URLs to disk as runner tasks. Every chunk is synced to
// disk before it counts toward progress; a failed or cancelled download never
// leaves its destination file behind.
type Downloader struct {
	Client    *http.Client
	ChunkSize int
	runner    *Runner
}

func NewDownloader(runner *Runner, client *http.Client) *Downloader {
	if client == nil {
		client = http.DefaultClient
	}
	return &Downloader{Client: client, ChunkSize: defaultChunkSize, runner: runner}
}

func (d *Downloader) Download(ctx context.Context, url, dest string) *Task {
	return d.DownloadVerified(ctx, url, dest, Expect{})
}

func (d *Downloader) DownloadVerified(ctx context.Context, url, dest string, want Expect) *Task {
	return d.runner.Go(ctx, KindDownload, url, func(ctx context.Context, report func(Progress)) (Result, error) {
		return d.fetch(ctx, url, dest, want, report)
	})
}

func (d *Downloader) fetch(ctx context.Context, url, dest string, want Expect, report func(Progress)) (Result, error) {
	env := d.runner.env
	_, span := startSpan(env, "avd.Download", attribute.String("url", url), attribute.String("dest", dest))
	defer span.End()
	res := Result{Path: dest}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		recordSpanError(span, err)
		return res, fmt.Errorf("build request: %w", err)
	}
	resp, err := d.Client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return res, ErrCancelled
		}
		recordSpanError(span, err)
		return res, fmt.Errorf("get %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		err := fmt.Errorf("get %s: %s: %w", url, resp.Status, errdefs.ErrUnavailable)
		recordSpanError(span, err)
		return res, err
	}

	declared := resp.ContentLength
	logEvent(env, "download start", "url", url, "dest", dest, "content_length", declared)
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return res, err
	}
	f, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		recordSpanError(span, err)
		return res, fmt.Errorf("create %s: %w", dest, err)
	}

	sum := sha1.New()
	written, copyErr := d.copyChunks(ctx, f, resp.Body, declared, sum, report)
	closeErr := f.Close()
	res.Bytes = written

	fail := func(err error) (Result, error) {
		_ = os.Remove(dest)
		if !errors.Is(err, ErrCancelled) {
			recordSpanError(span, err)
		}
		logEvent(env, "download aborted", "url", url, "dest", dest, "bytes", written, "error", err.Error())
		return res, err
	}
	switch {
	case copyErr != nil:
		return fail(copyErr)
	case closeErr != nil:
		return fail(fmt.Errorf("close %s: %w", dest, closeErr))
	case declared >= 0 && written != declared:
		return fail(fmt.Errorf("%s: got %d of %d bytes: %w", url, written, declared, ErrIncompleteDownload))
	case want.Size > 0 && written != want.Size:
		return fail(fmt.Errorf("%s: got %d of %d bytes: %w", url, written, want.Size, ErrIncompleteDownload))
	case want.SHA1 != "" && !strings.EqualFold(hex.EncodeToString(sum.Sum(nil)), want.SHA1):
		return fail(fmt.Errorf("%s: sha1 %x, want %s: %w", url, sum.Sum(nil), want.SHA1, ErrChecksumMismatch))
	}

	span.SetAttributes(attribute.Int64("bytes", written))
	logEvent(env, "download finished", "url", url, "dest", dest, "bytes", written, "size", units.HumanSize(float64(written)))
	report(Progress{Percent: 100})
	return res, nil
}

func (d *Downloader) copyChunks(ctx context.Context, f *os.File, body io.Reader, total int64, sum hash.Hash, report func(Progress)) (int64, error) {
	size := d.ChunkSize
	if size <= 0 {
		size = defaultChunkSize
	}
	buf := make([]byte, size)
	var written int64
	lastPct := -1
	lastHuman := ""
	for {
		n, rerr := body.Read(buf)
		if n > 0 {
			if ctx.Err() != nil {
				return written, ErrCancelled
			}
			if _, err := f.Write(buf[:n]); err != nil {
				return written, fmt.Errorf("write %s: %w", f.Name(), err)
			}
			if err := f.Sync(); err != nil {
				return written, fmt.Errorf("sync %s: %w", f.Name(), err)
			}
			sum.Write(buf[:n])
			written += int64(n)

			if total > 0 {
				if pct := int(written * 100 / total); pct != lastPct {
					lastPct = pct
					report(Progress{Percent: pct})
				}
			} else if human := units.HumanSize(float64(written)); human != lastHuman {
				lastHuman = human
				report(Progress{Indeterminate: true, Message: human})
			}
		}
		switch {
		case rerr == nil:
		case rerr == io.EOF, errors.Is(rerr, io.ErrUnexpectedEOF):
			// A short body surfaces as a size mismatch.
			return written, nil
		case ctx.Err() != nil:
			return written, ErrCancelled
		default:
			return written, fmt.Errorf("read body: %w", rerr)
		}
	}
}
