package cli

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/cryptolog/apt-offline/pkg/bugs"
	"github.com/cryptolog/apt-offline/pkg/cache"
	"github.com/cryptolog/apt-offline/pkg/checksum"
	"github.com/cryptolog/apt-offline/pkg/config"
	"github.com/cryptolog/apt-offline/pkg/dispatch"
	"github.com/cryptolog/apt-offline/pkg/fault"
	"github.com/cryptolog/apt-offline/pkg/fetch"
	"github.com/cryptolog/apt-offline/pkg/logctx"
	"github.com/cryptolog/apt-offline/pkg/record"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

type fetchFlags struct {
	updateFile  string
	upgradeFile string

	downloadDir   string
	cacheDir      string
	workers       int
	serial        bool
	insecure      bool
	archive       bool
	bugReports    bool
	proxy         string
	socketTimeout time.Duration
	retries       int
	progress      bool
	failOnError   bool
}

// apply copies explicitly set flags over the loaded configuration.
func (f *fetchFlags) apply(flags *pflag.FlagSet, cfg *config.Config) {
	overrides := map[string]func(){
		"download-dir":   func() { cfg.DownloadDir = f.downloadDir },
		"cache-dir":      func() { cfg.CacheDir = f.cacheDir },
		"workers":        func() { cfg.Workers = f.workers },
		"serial":         func() { cfg.Serial = f.serial },
		"insecure":       func() { cfg.Insecure = f.insecure },
		"archive":        func() { cfg.Archive = f.archive },
		"bug-reports":    func() { cfg.BugReports = f.bugReports },
		"proxy":          func() { cfg.Proxy = f.proxy },
		"socket-timeout": func() { cfg.SocketTimeout = f.socketTimeout },
		"retries":        func() { cfg.Retries = f.retries },
		"progress":       func() { cfg.Progress = f.progress },
		"fail-on-error":  func() { cfg.FailOnError = f.failOnError },
	}
	for name, set := range overrides {
		if flags.Changed(name) {
			set()
		}
	}
}

func newFetchCommand(opts *rootOptions) *cobra.Command {
	f := &fetchFlags{}
	cmd := &cobra.Command{
		Use:   "fetch",
		Short: "Download the files listed in record files",
		Long: `Each record file holds one line per file:

  'http://deb.debian.org/debian/pool/main/a/apt/apt_2.6.1_amd64.deb' 'apt_2.6.1_amd64.deb' '1390800' 'SHA256:...'

Examples:
  apt-offline fetch --upgrade-file upgrade.dat --cache-dir /var/cache/apt/archives
  apt-offline fetch --update-file update.dat --archive`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := opts.cfg
			f.apply(cmd.Flags(), cfg)
			if err := cfg.Validate(); err != nil {
				return err
			}
			if f.updateFile == "" && f.upgradeFile == "" {
				return fmt.Errorf("at least one of --update-file or --upgrade-file is required")
			}
			return runFetch(cmd, cfg, f)
		},
	}

	d := config.Default()
	flags := cmd.Flags()
	flags.StringVar(&f.updateFile, "update-file", "", "record file of package index files")
	flags.StringVar(&f.upgradeFile, "upgrade-file", "", "record file of packages")
	flags.StringVarP(&f.downloadDir, "download-dir", "d", d.DownloadDir, "directory for downloaded files")
	flags.StringVar(&f.cacheDir, "cache-dir", "", "local package cache searched before downloading")
	flags.IntVarP(&f.workers, "workers", "t", d.Workers, "concurrent downloads")
	flags.BoolVar(&f.serial, "serial", false, "download one file at a time without a worker pool")
	flags.BoolVar(&f.insecure, "insecure", false, "skip checksum verification")
	flags.BoolVar(&f.archive, "archive", false, "bundle files into zip archives")
	flags.BoolVar(&f.bugReports, "bug-reports", false, "fetch bug reports for downloaded packages")
	flags.StringVar(&f.proxy, "proxy", "", "http, https or socks5 proxy URL")
	flags.DurationVar(&f.socketTimeout, "socket-timeout", d.SocketTimeout, "timeout for a single network read")
	flags.IntVar(&f.retries, "retries", d.Retries, "retries of a stalled read before giving up")
	flags.BoolVar(&f.progress, "progress", d.Progress, "show a progress bar")
	flags.BoolVar(&f.failOnError, "fail-on-error", false, "exit with status 3 when any file failed")
	return cmd
}

func runFetch(cmd *cobra.Command, cfg *config.Config, f *fetchFlags) error {
	ctx := cmd.Context()
	log := logctx.LoggerFromContext(ctx)

	var jobs []record.Job
	for _, src := range []struct {
		category record.Category
		path     string
	}{
		{record.Update, f.updateFile},
		{record.Upgrade, f.upgradeFile},
	} {
		if src.path == "" {
			continue
		}
		records, err := record.ReadFile(src.path)
		if err != nil {
			return fault.Abort(err)
		}
		log.Info("loaded records", slog.String("category", src.category.String()), slog.Int("count", len(records)))
		jobs = append(jobs, record.Jobs(src.category, records)...)
	}
	if len(jobs) == 0 {
		log.Info("nothing to fetch")
		return nil
	}

	var progress fetch.Progress = fetch.NopProgress{}
	if cfg.Progress {
		bar := fetch.NewBar(cmd.ErrOrStderr())
		defer func() { _ = bar.Finish() }()
		progress = bar
	}
	fetcher, err := fetch.NewHTTPFetcher(cfg.Fetch(), progress)
	if err != nil {
		return fault.Abort(err)
	}

	var collector *bugs.Collector
	if cfg.BugReports {
		tracker, err := trackerClient(cfg)
		if err != nil {
			return fault.Abort(err)
		}
		collector = bugs.NewCollector(tracker)
	}

	engine := dispatch.New(cfg.Dispatch(), fetcher, cache.LocatorFromConfig(cfg.Cache()), checksum.Files{}, collector)
	summary, err := engine.Run(ctx, jobs)
	if err != nil {
		return err
	}

	log.Info("fetch complete",
		slog.Int("done", summary.Done),
		slog.Int("cache_hits", summary.CacheHits),
		slog.Int("failed", summary.Failed),
		slog.String("downloaded", humanize.Bytes(uint64(summary.Bytes))))
	if summary.Failed > 0 && cfg.FailOnError {
		return fmt.Errorf("%w: %d failed", ErrFailures, summary.Failed)
	}
	return nil
}

// trackerClient talks to the bug tracker through the same proxy and
// timeouts as downloads.
func trackerClient(cfg *config.Config) (*bugs.Client, error) {
	client, err := fetch.NewClient(cfg.Fetch())
	if err != nil {
		return nil, err
	}
	return bugs.NewClient(cfg.BugTrackerURL, client), nil
}
