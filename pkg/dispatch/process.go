package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/cryptolog/apt-offline/pkg/bugs"
	"github.com/cryptolog/apt-offline/pkg/cache"
	"github.com/cryptolog/apt-offline/pkg/fault"
	"github.com/cryptolog/apt-offline/pkg/logctx"
	"github.com/cryptolog/apt-offline/pkg/record"
	"github.com/dustin/go-humanize"
)

// ProbeResult is a cache lookup. A found file that failed verification is
// treated like a miss.
type ProbeResult struct {
	Found    bool
	Path     string
	Verified bool
}

func (r ProbeResult) Hit() bool {
	return r.Found && r.Verified
}

func (e *Engine) locate(ctx context.Context, filename string) (string, bool) {
	p, err := e.locator.Locate(ctx, e.cfg.CacheDir, filename)
	if err != nil {
		if !errors.Is(err, cache.ErrNotFound) {
			logctx.LoggerFromContext(ctx).Warn("cache lookup failed", slog.String("file", filename), slog.String("error", err.Error()))
		}
		return "", false
	}
	return p, true
}

// process drives one job to Done or Failed. Only fatal faults are returned.
func (e *Engine) process(ctx context.Context, job record.Job, locate locateFunc) error {
	log := logctx.LoggerFromContext(ctx).With(slog.String("file", job.Record.Filename))
	ctx = logctx.WithLogger(ctx, log)

	if job.Category == record.Upgrade && e.cfg.CacheDir != "" {
		res := e.probe(ctx, job, locate)
		if res.Hit() {
			e.hits.Add(1)
			log.Info("cache hit", slog.String("package", job.DisplayName()), slog.String("path", res.Path))
			return e.postProcess(ctx, job, res.Path, true)
		}
		if res.Found {
			log.Warn("cached copy failed verification, downloading", slog.String("path", res.Path))
		}
	}
	return e.download(ctx, job)
}

// probe looks the job up in the cache and verifies what it finds. Without
// an archive the verified file is copied into the download directory and
// the returned path points at that copy.
func (e *Engine) probe(ctx context.Context, job record.Job, locate locateFunc) ProbeResult {
	p, ok := locate(ctx, job.Record.Filename)
	if !ok {
		return ProbeResult{}
	}
	res := ProbeResult{Found: true, Path: p}

	if e.archives[job.Category] != nil {
		verified, err := e.verifier.Verify(p, job.Record.Checksum)
		if err != nil {
			logctx.LoggerFromContext(ctx).Warn("verifying cached copy", slog.String("error", err.Error()))
		}
		res.Verified = verified && err == nil
		return res
	}

	verified, err := cache.VerifyAndCopy(ctx, e.verifier, p, job.Record.Checksum, e.cfg.DownloadDir)
	if err != nil {
		logctx.LoggerFromContext(ctx).Warn("copying cached copy", slog.String("error", err.Error()))
		return res
	}
	res.Verified = verified
	if verified {
		res.Path = filepath.Join(e.cfg.DownloadDir, filepath.Base(p))
	}
	return res
}

func (e *Engine) download(ctx context.Context, job record.Job) error {
	log := logctx.LoggerFromContext(ctx)
	rec := job.Record
	log.Info("downloading", slog.String("package", job.DisplayName()), slog.String("size", humanize.Bytes(rec.Size)))

	out, err := e.fetcher.Fetch(ctx, rec.URL, rec.Filename, e.cfg.DownloadDir)
	if err == nil && !out.Success {
		err = errors.New("download unsuccessful")
	}
	if err != nil {
		code, fatal := fault.Handle(ctx, rec.Filename, err)
		e.fail(job, code, err.Error())
		return fatal
	}
	e.bytes.Add(out.Bytes)

	ok, err := e.verifier.Verify(out.Path, rec.Checksum)
	if err != nil || !ok {
		if err == nil {
			err = fmt.Errorf("%w: want %s", errIntegrity, rec.Checksum)
		}
		log.Error("downloaded file failed verification", slog.String("error", err.Error()))
		e.fail(job, 0, err.Error())
		_ = os.Remove(out.Path)
		return nil
	}
	return e.postProcess(ctx, job, out.Path, false)
}

// postProcess finishes a verified file: write-back to the cache, bug
// reports and archiving. Failures here are resource faults.
func (e *Engine) postProcess(ctx context.Context, job record.Job, path string, cached bool) error {
	log := logctx.LoggerFromContext(ctx)
	arc := e.archives[job.Category]

	if job.Category == record.Upgrade {
		if !cached && e.cfg.CacheDir != "" {
			if _, err := cache.Populate(ctx, path, e.cfg.CacheDir); err != nil {
				log.Warn("populating cache", slog.String("error", err.Error()))
			}
		}
		if e.cfg.BugReports {
			var adder bugs.Adder
			if arc != nil {
				adder = arc
			}
			status, err := e.collector.Collect(ctx, job.PackageName(), e.cfg.DownloadDir, adder)
			if err != nil {
				return e.abort(job, fmt.Errorf("writing bug reports for %s: %w", job.PackageName(), err))
			}
			log.Debug("bug reports", slog.String("package", job.PackageName()), slog.String("status", status.String()))
		}
	}

	if arc != nil {
		if _, err := arc.AddFile(ctx, path); err != nil {
			return e.abort(job, fmt.Errorf("archiving %s: %w", job.Record.Filename, err))
		}
		if !cached {
			if err := os.Remove(path); err != nil {
				log.Warn("removing archived file", slog.String("error", err.Error()))
			}
		}
	}

	e.done.Add(1)
	log.Info("done", slog.String("package", job.DisplayName()))
	return nil
}

// abort fails job with a resource fault that stops the run.
func (e *Engine) abort(job record.Job, err error) error {
	e.fail(job, fault.CodeAbort, err.Error())
	return fault.Abort(err)
}
