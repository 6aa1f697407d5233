package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
)

const blockSize = 4096

// stream is one open response body. offset is the position of its first
// byte in the file, total the full file size or -1 when unknown.
type stream struct {
	io.ReadCloser
	offset int64
	total  int64
}

type openFunc func(ctx context.Context, offset int64) (*stream, error)

type sink interface {
	io.WriteSeeker
	Truncate(size int64) error
}

// copyBlocks reads fixed-size blocks into dst. A transient read failure
// reopens the stream from the current offset; maxRetries consecutive
// failures without new data in between abort the copy.
func copyBlocks(ctx context.Context, log *slog.Logger, open openFunc, dst sink, maxRetries int, progress Progress) (int64, int, error) {
	s, err := open(ctx, 0)
	if err != nil {
		return 0, 0, err
	}
	total := s.total
	if total > 0 {
		progress.Expect(total)
	}

	var written, highWater int64
	var retries, consecutive int
	buf := make([]byte, blockSize)
	for {
		n, rerr := s.Read(buf)
		if n > 0 {
			if _, err := dst.Write(buf[:n]); err != nil {
				_ = s.Close()
				return written, retries, fmt.Errorf("writing: %w", err)
			}
			written += int64(n)
			progress.Advance(int64(n))
			if written > highWater {
				highWater = written
				consecutive = 0
			}
		}
		if rerr == nil {
			continue
		}
		_ = s.Close()
		if errors.Is(rerr, io.EOF) {
			if total < 0 || written >= total {
				return written, retries, nil
			}
			rerr = io.ErrUnexpectedEOF
		}

		for {
			if !transient(rerr) {
				return written, retries, rerr
			}
			consecutive++
			if consecutive >= maxRetries {
				return written, retries, &RetryExhaustedError{Retries: maxRetries, Err: rerr}
			}
			retries++
			log.Warn("read stalled, retrying",
				slog.Int("attempt", consecutive),
				slog.Int("max", maxRetries),
				slog.Int64("offset", written),
				slog.String("error", rerr.Error()))

			s, rerr = open(ctx, written)
			if rerr == nil {
				break
			}
		}

		if s.offset != written {
			// Range was ignored; start over.
			if _, err := dst.Seek(0, io.SeekStart); err != nil {
				_ = s.Close()
				return written, retries, err
			}
			if err := dst.Truncate(0); err != nil {
				_ = s.Close()
				return written, retries, err
			}
			progress.Advance(-written)
			written = 0
		}
		if total < 0 && s.total > 0 {
			total = s.total
			progress.Expect(total)
		}
	}
}

// httpOpener requests url, asking for a byte range when resuming.
func httpOpener(client *http.Client, url string) openFunc {
	return func(ctx context.Context, offset int64) (*stream, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		if offset > 0 {
			req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
		}
		resp, err := client.Do(req)
		if err != nil {
			return nil, err
		}

		switch resp.StatusCode {
		case http.StatusOK:
			return &stream{ReadCloser: resp.Body, total: resp.ContentLength}, nil
		case http.StatusPartialContent:
			start, total := parseContentRange(resp.Header.Get("Content-Range"))
			if start < 0 {
				start = offset
			}
			if total < 0 && resp.ContentLength >= 0 {
				total = start + resp.ContentLength
			}
			return &stream{ReadCloser: resp.Body, offset: start, total: total}, nil
		default:
			_ = resp.Body.Close()
			return nil, &StatusError{URL: url, StatusCode: resp.StatusCode, Status: resp.Status}
		}
	}
}

// parseContentRange reads "bytes start-end/total". Unknown parts are -1.
func parseContentRange(v string) (int64, int64) {
	rest, ok := strings.CutPrefix(v, "bytes ")
	if !ok {
		return -1, -1
	}
	rng, size, ok := strings.Cut(rest, "/")
	if !ok {
		return -1, -1
	}
	start := int64(-1)
	if first, _, ok := strings.Cut(rng, "-"); ok {
		if n, err := strconv.ParseInt(first, 10, 64); err == nil {
			start = n
		}
	}
	total := int64(-1)
	if n, err := strconv.ParseInt(size, 10, 64); err == nil {
		total = n
	}
	return start, total
}
