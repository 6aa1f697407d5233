package fetch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"

	"github.com/cryptolog/apt-offline/pkg/logctx"
)

// Outcome describes one finished download.
type Outcome struct {
	Success bool
	Bytes   int64
	Retries int
	Path    string
}

// Fetcher downloads url into destDir/destFile. It does not verify content.
type Fetcher interface {
	Fetch(ctx context.Context, url, destFile, destDir string) (Outcome, error)
}

type HTTPFetcher struct {
	client   *http.Client
	retries  int
	progress Progress
}

var _ Fetcher = (*HTTPFetcher)(nil)

func NewHTTPFetcher(cfg Config, progress Progress) (*HTTPFetcher, error) {
	client, err := NewClient(cfg)
	if err != nil {
		return nil, err
	}
	return NewHTTPFetcherWithClient(client, cfg.Retries, progress), nil
}

func NewHTTPFetcherWithClient(client *http.Client, retries int, progress Progress) *HTTPFetcher {
	if retries <= 0 {
		retries = DefaultRetries
	}
	if progress == nil {
		progress = NopProgress{}
	}
	return &HTTPFetcher{client: client, retries: retries, progress: progress}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, url, destFile, destDir string) (Outcome, error) {
	log := logctx.LoggerFromContext(ctx).With(slog.String("file", destFile))
	dst := filepath.Join(destDir, destFile)
	out := Outcome{Path: dst}

	file, err := os.Create(dst)
	if err != nil {
		return out, fmt.Errorf("creating %s: %w", dst, err)
	}

	n, retries, err := copyBlocks(ctx, log, httpOpener(f.client, url), file, f.retries, f.progress)
	out.Bytes, out.Retries = n, retries
	if cerr := file.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(dst)
		var exhausted *RetryExhaustedError
		if errors.As(err, &exhausted) {
			exhausted.URL = url
		}
		return out, err
	}

	out.Success = true
	log.Debug("downloaded", slog.Int64("bytes", n), slog.Int("retries", retries))
	return out, nil
}
