package fetch

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

// flaky serves data, stalling after chunk bytes of every stream while
// failures remain.
type flaky struct {
	data         []byte
	chunk        int
	failures     int
	ignoreRanges bool
	opens        int
}

type flakyReader struct {
	f    *flaky
	r    io.Reader
	fail bool
}

func (r *flakyReader) Read(b []byte) (int, error) {
	n, err := r.r.Read(b)
	if errors.Is(err, io.EOF) && r.fail {
		r.f.failures--
		return n, timeoutErr{}
	}
	return n, err
}

func (r *flakyReader) Close() error { return nil }

func (f *flaky) open(_ context.Context, offset int64) (*stream, error) {
	f.opens++
	if f.ignoreRanges {
		offset = 0
	}
	rest := f.data[offset:]
	fail := f.failures > 0
	if fail && len(rest) > f.chunk {
		rest = rest[:f.chunk]
	}
	return &stream{
		ReadCloser: &flakyReader{f: f, r: bytes.NewReader(rest), fail: fail},
		offset:     offset,
		total:      int64(len(f.data)),
	}, nil
}

func tempSink(t *testing.T) *os.File {
	t.Helper()
	f, err := os.Create(filepath.Join(t.TempDir(), "out"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Close() })
	return f
}

func contents(t *testing.T, f *os.File) []byte {
	t.Helper()
	b, err := os.ReadFile(f.Name())
	require.NoError(t, err)
	return b
}

func testData() []byte {
	return bytes.Repeat([]byte("0123456789abcdef"), 1000)
}

func TestCopyBlocks(t *testing.T) {
	t.Parallel()
	src := &flaky{data: testData()}
	dst := tempSink(t)

	n, retries, err := copyBlocks(context.Background(), slog.Default(), src.open, dst, 5, NopProgress{})
	require.NoError(t, err)
	assert.Equal(t, int64(len(src.data)), n)
	assert.Equal(t, 0, retries)
	assert.Equal(t, src.data, contents(t, dst))
}

func TestCopyBlocks_Resumes(t *testing.T) {
	t.Parallel()
	src := &flaky{data: testData(), chunk: 5000, failures: 3}
	dst := tempSink(t)

	n, retries, err := copyBlocks(context.Background(), slog.Default(), src.open, dst, 5, NopProgress{})
	require.NoError(t, err)
	assert.Equal(t, int64(len(src.data)), n)
	assert.Equal(t, 3, retries)
	assert.Equal(t, 4, src.opens)
	assert.Equal(t, src.data, contents(t, dst))
}

func TestCopyBlocks_RangeIgnored(t *testing.T) {
	t.Parallel()
	src := &flaky{data: testData(), chunk: 5000, failures: 1, ignoreRanges: true}
	dst := tempSink(t)

	n, retries, err := copyBlocks(context.Background(), slog.Default(), src.open, dst, 5, NopProgress{})
	require.NoError(t, err)
	assert.Equal(t, int64(len(src.data)), n)
	assert.Equal(t, 1, retries)
	assert.Equal(t, src.data, contents(t, dst))
}

func TestCopyBlocks_Exhausted(t *testing.T) {
	t.Parallel()
	src := &flaky{data: testData(), chunk: 0, failures: 100}
	dst := tempSink(t)

	_, retries, err := copyBlocks(context.Background(), slog.Default(), src.open, dst, 5, NopProgress{})
	var exhausted *RetryExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 5, exhausted.Retries)
	assert.Equal(t, 4, retries)
	assert.Equal(t, 5, src.opens)
}

func TestCopyBlocks_RetryLimit(t *testing.T) {
	t.Parallel()
	cases := map[string]struct {
		failures  int
		exhausted bool
	}{
		"one below the limit": {failures: 4},
		"at the limit":        {failures: 5, exhausted: true},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			src := &flaky{data: testData(), chunk: 0, failures: tc.failures}
			dst := tempSink(t)

			n, retries, err := copyBlocks(context.Background(), slog.Default(), src.open, dst, 5, NopProgress{})
			if tc.exhausted {
				var exhausted *RetryExhaustedError
				require.ErrorAs(t, err, &exhausted)
				assert.Equal(t, 5, src.opens)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, 4, retries)
			assert.Equal(t, int64(len(src.data)), n)
			assert.Equal(t, src.data, contents(t, dst))
		})
	}
}

func TestCopyBlocks_ProgressResetsConsecutiveCount(t *testing.T) {
	t.Parallel()
	// Every stream delivers data before stalling, so the limit never trips.
	src := &flaky{data: testData(), chunk: 1000, failures: 8}
	dst := tempSink(t)

	_, retries, err := copyBlocks(context.Background(), slog.Default(), src.open, dst, 5, NopProgress{})
	require.NoError(t, err)
	assert.Equal(t, 8, retries)
	assert.Equal(t, src.data, contents(t, dst))
}

func TestCopyBlocks_FatalOpen(t *testing.T) {
	t.Parallel()
	want := &StatusError{URL: "http://example.test/a", StatusCode: 404, Status: "404 Not Found"}
	open := func(context.Context, int64) (*stream, error) { return nil, want }

	_, retries, err := copyBlocks(context.Background(), slog.Default(), open, tempSink(t), 5, NopProgress{})
	assert.ErrorIs(t, err, want)
	assert.Equal(t, 0, retries)
}

func TestCopyBlocks_ShortBody(t *testing.T) {
	t.Parallel()
	data := testData()
	opens := 0
	open := func(_ context.Context, offset int64) (*stream, error) {
		opens++
		end := len(data)
		if opens == 1 {
			end = 100
		}
		return &stream{
			ReadCloser: io.NopCloser(bytes.NewReader(data[offset:end])),
			offset:     offset,
			total:      int64(len(data)),
		}, nil
	}
	dst := tempSink(t)

	_, retries, err := copyBlocks(context.Background(), slog.Default(), open, dst, 5, NopProgress{})
	require.NoError(t, err)
	assert.Equal(t, 1, retries)
	assert.Equal(t, data, contents(t, dst))
}

func TestParseContentRange(t *testing.T) {
	t.Parallel()
	cases := map[string][2]int64{
		"bytes 100-199/200": {100, 200},
		"bytes 100-199/*":   {100, -1},
		"bytes */200":       {-1, 200},
		"":                  {-1, -1},
	}
	for in, want := range cases {
		start, total := parseContentRange(in)
		assert.Equal(t, want, [2]int64{start, total}, in)
	}
}
