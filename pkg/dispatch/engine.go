package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/cryptolog/apt-offline/pkg/archive"
	"github.com/cryptolog/apt-offline/pkg/bugs"
	"github.com/cryptolog/apt-offline/pkg/cache"
	"github.com/cryptolog/apt-offline/pkg/checksum"
	"github.com/cryptolog/apt-offline/pkg/fault"
	"github.com/cryptolog/apt-offline/pkg/fetch"
	"github.com/cryptolog/apt-offline/pkg/logctx"
	"github.com/cryptolog/apt-offline/pkg/record"
)

type Config struct {
	DownloadDir string
	CacheDir    string
	Workers     int
	Serial      bool
	Insecure    bool
	BugReports  bool

	// Archive paths per category. An empty path leaves files loose.
	UpdateArchive  string
	UpgradeArchive string
}

func (c Config) archivePath(category record.Category) string {
	switch category {
	case record.Update:
		return c.UpdateArchive
	case record.Upgrade:
		return c.UpgradeArchive
	default:
		return ""
	}
}

// Summary is the outcome of a run.
type Summary struct {
	Done      int
	CacheHits int
	// Failed counts jobs, so a filename repeated across jobs counts each time.
	// Failures lists each filename once.
	Failed int
	// Skipped counts jobs never started because a fatal error stopped the run.
	Skipped  int
	Bytes    int64
	Failures []ErrorRecord
}

type Engine struct {
	cfg       Config
	fetcher   fetch.Fetcher
	locator   cache.Locator
	verifier  checksum.Verifier
	collector *bugs.Collector

	archives map[record.Category]*archive.Archive
	failures *FailureList
	done     atomic.Int64
	failed   atomic.Int64
	hits     atomic.Int64
	skipped  atomic.Int64
	bytes    atomic.Int64
}

// New builds an engine for a single run. collector may be nil when bug
// reports are disabled.
func New(cfg Config, fetcher fetch.Fetcher, locator cache.Locator, verifier checksum.Verifier, collector *bugs.Collector) *Engine {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.Insecure {
		verifier = checksum.Skip{}
	}
	if locator == nil {
		locator = cache.WalkLocator{}
	}
	if collector == nil {
		cfg.BugReports = false
	}
	return &Engine{
		cfg:       cfg,
		fetcher:   fetcher,
		locator:   locator,
		verifier:  verifier,
		collector: collector,
		archives:  map[record.Category]*archive.Archive{},
		failures:  NewFailureList(),
	}
}

// Run processes every job and returns once each has finished or the run
// hit a fatal fault, in which case the error is a *fault.FatalError.
func (e *Engine) Run(ctx context.Context, jobs []record.Job) (Summary, error) {
	log := logctx.LoggerFromContext(ctx)

	if e.cfg.Insecure {
		log.Warn("checksum verification disabled")
	}
	if e.cfg.Workers > 2 && !e.cfg.Serial {
		log.Warn("more than 2 workers on a slow link causes congestion and timeouts", slog.Int("workers", e.cfg.Workers))
	}
	if err := os.MkdirAll(e.cfg.DownloadDir, 0o755); err != nil {
		return Summary{}, fault.Abort(fmt.Errorf("creating download dir: %w", err))
	}
	defer e.closeArchives(ctx)
	if err := e.openArchives(jobs); err != nil {
		return Summary{}, err
	}

	var err error
	if e.cfg.Serial {
		err = e.runSerial(ctx, jobs)
	} else {
		err = e.runPool(ctx, jobs)
	}

	summary := e.summary()
	e.writeFailed(ctx)
	e.report(ctx, summary)
	return summary, err
}

func (e *Engine) openArchives(jobs []record.Job) error {
	for _, job := range jobs {
		if _, ok := e.archives[job.Category]; ok {
			continue
		}
		p := e.cfg.archivePath(job.Category)
		if p == "" {
			e.archives[job.Category] = nil
			continue
		}
		arc, err := archive.New(p)
		if err != nil {
			return fault.Abort(fmt.Errorf("%w, remove it first", err))
		}
		e.archives[job.Category] = arc
	}
	return nil
}

func (e *Engine) closeArchives(ctx context.Context) {
	for _, arc := range e.archives {
		if arc == nil {
			continue
		}
		if err := arc.Close(); err != nil {
			logctx.LoggerFromContext(ctx).Error("closing archive", slog.String("path", arc.Path()), slog.String("error", err.Error()))
			continue
		}
		if arc.Len() > 0 {
			logctx.LoggerFromContext(ctx).Info("archive written", slog.String("path", arc.Path()), slog.Int("members", arc.Len()))
		}
	}
}

func (e *Engine) summary() Summary {
	failures := e.failures.Records()
	return Summary{
		Done:      int(e.done.Load()),
		CacheHits: int(e.hits.Load()),
		Failed:    int(e.failed.Load()),
		Skipped:   int(e.skipped.Load()),
		Bytes:     e.bytes.Load(),
		Failures:  failures,
	}
}

// writeFailed saves the records of failed jobs so they can be retried alone.
func (e *Engine) writeFailed(ctx context.Context) {
	for _, category := range []record.Category{record.Update, record.Upgrade} {
		failed := e.failures.Failed(category)
		if len(failed) == 0 {
			continue
		}
		fn := filepath.Join(e.cfg.DownloadDir, fmt.Sprintf("failed-%s.dat", category))
		if err := record.WriteFile(fn, failed); err != nil {
			logctx.LoggerFromContext(ctx).Warn("writing failed records", slog.String("path", fn), slog.String("error", err.Error()))
		}
	}
}

func (e *Engine) report(ctx context.Context, s Summary) {
	log := logctx.LoggerFromContext(ctx)
	if s.Failed == 0 && s.Skipped == 0 {
		log.Info("all files downloaded", slog.Int("done", s.Done), slog.Int("cache_hits", s.CacheHits))
		return
	}
	for _, f := range s.Failures {
		log.Error("failed", slog.String("file", f.Filename), slog.Int("code", f.Code), slog.String("error", f.Message))
	}
	log.Warn("run finished with errors",
		slog.Int("done", s.Done),
		slog.Int("failed", s.Failed),
		slog.Int("skipped", s.Skipped))
}

// fail moves job to Failed.
func (e *Engine) fail(job record.Job, code int, msg string) {
	e.failed.Add(1)
	e.failures.Add(job, code, msg)
}

var errIntegrity = errors.New("checksum mismatch")
