package dispatch_test

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/cryptolog/apt-offline/pkg/bugs"
	"github.com/cryptolog/apt-offline/pkg/cache"
	"github.com/cryptolog/apt-offline/pkg/checksum"
	"github.com/cryptolog/apt-offline/pkg/dispatch"
	"github.com/cryptolog/apt-offline/pkg/fault"
	"github.com/cryptolog/apt-offline/pkg/fetch"
	"github.com/cryptolog/apt-offline/pkg/record"
	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeFetcher serves content by URL and fails with a status for the rest.
type fakeFetcher struct {
	mu       sync.Mutex
	content  map[string]string
	statuses map[string]int
	calls    []string
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{content: map[string]string{}, statuses: map[string]int{}}
}

func (f *fakeFetcher) Fetch(_ context.Context, url, destFile, destDir string) (fetch.Outcome, error) {
	f.mu.Lock()
	f.calls = append(f.calls, url)
	body, ok := f.content[url]
	status := f.statuses[url]
	f.mu.Unlock()

	dst := filepath.Join(destDir, destFile)
	if !ok {
		if status == 0 {
			status = http.StatusNotFound
		}
		return fetch.Outcome{Path: dst}, &fetch.StatusError{URL: url, StatusCode: status, Status: http.StatusText(status)}
	}
	if err := os.WriteFile(dst, []byte(body), 0o644); err != nil {
		return fetch.Outcome{Path: dst}, err
	}
	return fetch.Outcome{Success: true, Bytes: int64(len(body)), Path: dst}, nil
}

func (f *fakeFetcher) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func sum(t *testing.T, content string) record.Checksum {
	t.Helper()
	d, err := checksum.Digest(strings.NewReader(content), "sha256")
	require.NoError(t, err)
	return record.Checksum{Algorithm: "sha256", Digest: d}
}

func upgradeJob(t *testing.T, f *fakeFetcher, name, content string) record.Job {
	t.Helper()
	url := "http://example.test/pool/" + name
	f.content[url] = content
	return record.Job{Category: record.Upgrade, Record: record.Record{
		URL: url, Filename: name, Size: uint64(len(content)), Checksum: sum(t, content),
	}}
}

func missingJob(t *testing.T, category record.Category, name string, status int, f *fakeFetcher) record.Job {
	t.Helper()
	url := "http://example.test/pool/" + name
	f.statuses[url] = status
	return record.Job{Category: category, Record: record.Record{URL: url, Filename: name, Size: 1, Checksum: sum(t, name)}}
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(b)
}

type fixture struct {
	cfg     dispatch.Config
	fetcher *fakeFetcher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return &fixture{
		cfg:     dispatch.Config{DownloadDir: filepath.Join(t.TempDir(), "downloads"), CacheDir: t.TempDir(), Workers: 1},
		fetcher: newFakeFetcher(),
	}
}

func (f *fixture) engine(collector *bugs.Collector) *dispatch.Engine {
	return dispatch.New(f.cfg, f.fetcher, cache.WalkLocator{}, checksum.Files{}, collector)
}

func TestEngine_EmptyCache(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	job := upgradeJob(t, fx.fetcher, "a_1.0_amd64.deb", "package a")

	summary, err := fx.engine(nil).Run(context.Background(), []record.Job{job})
	require.NoError(t, err)
	assert.Equal(t, 1, fx.fetcher.Calls())
	assert.Equal(t, 1, summary.Done)
	assert.Equal(t, 0, summary.CacheHits)
	assert.Empty(t, summary.Failures)
	assert.Equal(t, "package a", readFile(t, filepath.Join(fx.cfg.DownloadDir, "a_1.0_amd64.deb")))

	// Written back to the cache.
	assert.Equal(t, "package a", readFile(t, filepath.Join(fx.cfg.CacheDir, "a_1.0_amd64.deb")))
}

func TestEngine_CacheHit(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	job := upgradeJob(t, fx.fetcher, "a_1.0_amd64.deb", "package a")
	require.NoError(t, os.MkdirAll(filepath.Join(fx.cfg.CacheDir, "nested"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(fx.cfg.CacheDir, "nested", "a_1.0_amd64.deb"), []byte("package a"), 0o644))

	summary, err := fx.engine(nil).Run(context.Background(), []record.Job{job})
	require.NoError(t, err)
	assert.Equal(t, 0, fx.fetcher.Calls())
	assert.Equal(t, 1, summary.Done)
	assert.Equal(t, 1, summary.CacheHits)
	assert.Equal(t, "package a", readFile(t, filepath.Join(fx.cfg.DownloadDir, "a_1.0_amd64.deb")))
}

func TestEngine_CacheMismatch(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	job := upgradeJob(t, fx.fetcher, "a_1.0_amd64.deb", "package a")
	require.NoError(t, os.WriteFile(filepath.Join(fx.cfg.CacheDir, "a_1.0_amd64.deb"), []byte("corrupted"), 0o644))

	summary, err := fx.engine(nil).Run(context.Background(), []record.Job{job})
	require.NoError(t, err)
	assert.Equal(t, 1, fx.fetcher.Calls())
	assert.Equal(t, 1, summary.Done)
	assert.Equal(t, 0, summary.CacheHits)
	assert.Equal(t, "package a", readFile(t, filepath.Join(fx.cfg.DownloadDir, "a_1.0_amd64.deb")))
}

func TestEngine_UpdateSkipsCache(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	url := "http://example.test/dists/bookworm/InRelease"
	fx.fetcher.content[url] = "release"
	job := record.Job{Category: record.Update, Record: record.Record{
		URL: url, Filename: "deb.debian.org_debian_dists_bookworm_InRelease", Size: 7, Checksum: sum(t, "release"),
	}}
	require.NoError(t, os.WriteFile(filepath.Join(fx.cfg.CacheDir, job.Record.Filename), []byte("release"), 0o644))

	summary, err := fx.engine(nil).Run(context.Background(), []record.Job{job})
	require.NoError(t, err)
	assert.Equal(t, 1, fx.fetcher.Calls())
	assert.Equal(t, 1, summary.Done)
}

func TestEngine_Pool(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	fx.cfg.Workers = 4

	var jobs []record.Job
	var wantFailed []string
	for i := 0; i < 30; i++ {
		name := fmt.Sprintf("pkg%02d_1.0_amd64.deb", i)
		if i%5 == 0 {
			jobs = append(jobs, missingJob(t, record.Upgrade, name, http.StatusNotFound, fx.fetcher))
			wantFailed = append(wantFailed, name)
			continue
		}
		jobs = append(jobs, upgradeJob(t, fx.fetcher, name, "content "+name))
	}
	require.NoError(t, os.WriteFile(filepath.Join(fx.cfg.CacheDir, "pkg01_1.0_amd64.deb"), []byte("content pkg01_1.0_amd64.deb"), 0o644))

	summary, err := fx.engine(nil).Run(context.Background(), jobs)
	require.NoError(t, err)
	assert.Equal(t, 24, summary.Done)
	assert.Equal(t, 1, summary.CacheHits)
	assert.Equal(t, 6, summary.Failed)
	assert.Equal(t, len(jobs), summary.Done+summary.Failed+summary.Skipped)
	assert.Equal(t, 29, fx.fetcher.Calls())

	var failed []string
	for _, f := range summary.Failures {
		failed = append(failed, f.Filename)
		assert.Equal(t, http.StatusNotFound, f.Code)
	}
	assert.Equal(t, wantFailed, failed)

	records, err := record.ReadFile(filepath.Join(fx.cfg.DownloadDir, "failed-upgrade.dat"))
	require.NoError(t, err)
	assert.Len(t, records, 6)
}

func TestEngine_DuplicateFailures(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	fx.cfg.Workers = 2
	job := missingJob(t, record.Upgrade, "a_1.0_amd64.deb", http.StatusGatewayTimeout, fx.fetcher)

	jobs := []record.Job{job, job, job}

	summary, err := fx.engine(nil).Run(context.Background(), jobs)
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Failed)
	assert.Equal(t, len(jobs), summary.Done+summary.Failed+summary.Skipped)
	assert.Len(t, summary.Failures, 1)

	records, err := record.ReadFile(filepath.Join(fx.cfg.DownloadDir, "failed-upgrade.dat"))
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestEngine_IntegrityFailure(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	job := upgradeJob(t, fx.fetcher, "a_1.0_amd64.deb", "package a")
	fx.fetcher.content[job.Record.URL] = "tampered"

	summary, err := fx.engine(nil).Run(context.Background(), []record.Job{job})
	require.NoError(t, err)
	require.Len(t, summary.Failures, 1)
	assert.Equal(t, 0, summary.Failures[0].Code)
	assert.Contains(t, summary.Failures[0].Message, "checksum mismatch")
	assert.NoFileExists(t, filepath.Join(fx.cfg.DownloadDir, "a_1.0_amd64.deb"))
	assert.NoFileExists(t, filepath.Join(fx.cfg.CacheDir, "a_1.0_amd64.deb"))
}

func TestEngine_Insecure(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	fx.cfg.Insecure = true
	job := upgradeJob(t, fx.fetcher, "a_1.0_amd64.deb", "package a")
	fx.fetcher.content[job.Record.URL] = "tampered"

	summary, err := fx.engine(nil).Run(context.Background(), []record.Job{job})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Done)
	assert.Empty(t, summary.Failures)
}

func TestEngine_Fatal(t *testing.T) {
	t.Parallel()

	for _, serial := range []bool{true, false} {
		t.Run(fmt.Sprintf("serial=%v", serial), func(t *testing.T) {
			t.Parallel()
			fx := newFixture(t)
			fx.cfg.Serial = serial
			jobs := []record.Job{
				upgradeJob(t, fx.fetcher, "a_1.0_amd64.deb", "a"),
				missingJob(t, record.Upgrade, "b_1.0_amd64.deb", http.StatusProxyAuthRequired, fx.fetcher),
			}
			for i := 0; i < 5; i++ {
				jobs = append(jobs, upgradeJob(t, fx.fetcher, fmt.Sprintf("c%d_1.0_amd64.deb", i), "c"))
			}

			summary, err := fx.engine(nil).Run(context.Background(), jobs)
			var fatal *fault.FatalError
			require.ErrorAs(t, err, &fatal)
			assert.Equal(t, http.StatusProxyAuthRequired, fatal.Code)
			assert.Equal(t, 1, summary.Done)
			assert.Equal(t, 1, summary.Failed)
			assert.Equal(t, 5, summary.Skipped)
			assert.Equal(t, len(jobs), summary.Done+summary.Failed+summary.Skipped)
			assert.Equal(t, 2, fx.fetcher.Calls())
		})
	}
}

func TestEngine_Archive(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	fx.cfg.Workers = 2
	fx.cfg.UpgradeArchive = filepath.Join(t.TempDir(), "upgrade.zip")

	fresh := upgradeJob(t, fx.fetcher, "a_1.0_amd64.deb", "package a")
	cached := upgradeJob(t, fx.fetcher, "b_1.0_amd64.deb", "package b")
	cachedPath := filepath.Join(fx.cfg.CacheDir, "b_1.0_amd64.deb")
	require.NoError(t, os.WriteFile(cachedPath, []byte("package b"), 0o644))

	summary, err := fx.engine(nil).Run(context.Background(), []record.Job{fresh, cached})
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Done)
	assert.Equal(t, 1, fx.fetcher.Calls())

	zr, err := zip.OpenReader(fx.cfg.UpgradeArchive)
	require.NoError(t, err)
	defer zr.Close()
	var names []string
	for _, f := range zr.File {
		names = append(names, f.Name)
	}
	assert.ElementsMatch(t, []string{"a_1.0_amd64.deb", "b_1.0_amd64.deb"}, names)

	assert.NoFileExists(t, filepath.Join(fx.cfg.DownloadDir, "a_1.0_amd64.deb"), "loose file removed once archived")
	assert.FileExists(t, cachedPath, "cache is never modified")
}

func TestEngine_ArchiveExists(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	fx.cfg.UpgradeArchive = filepath.Join(t.TempDir(), "upgrade.zip")
	require.NoError(t, os.WriteFile(fx.cfg.UpgradeArchive, nil, 0o644))
	job := upgradeJob(t, fx.fetcher, "a_1.0_amd64.deb", "package a")

	_, err := fx.engine(nil).Run(context.Background(), []record.Job{job})
	var fatal *fault.FatalError
	require.ErrorAs(t, err, &fatal)
	assert.Equal(t, fault.CodeAbort, fatal.Code)
	assert.Equal(t, 0, fx.fetcher.Calls())
}

type bugSource struct{}

func (bugSource) QueryReports(_ context.Context, pkg string) (int, []bugs.Group, error) {
	if pkg != "a" {
		return 0, nil, nil
	}
	return 1, []bugs.Group{{Label: "Grave bugs", Entries: []string{"#99: a deletes /"}}}, nil
}

func (bugSource) FetchFullReport(context.Context, string) (string, []string, error) {
	return "report", nil, nil
}

func TestEngine_BugReports(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	fx.cfg.BugReports = true
	jobs := []record.Job{
		upgradeJob(t, fx.fetcher, "a_1.0_amd64.deb", "package a"),
		upgradeJob(t, fx.fetcher, "b_1.0_amd64.deb", "package b"),
	}

	_, err := fx.engine(bugs.NewCollector(bugSource{})).Run(context.Background(), jobs)
	require.NoError(t, err)
	assert.Contains(t, readFile(t, filepath.Join(fx.cfg.DownloadDir, "a.99.__pypt__bug__report")), "#99: a deletes /")
}

func TestEngine_BugReportWriteFails(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	fx.cfg.BugReports = true
	// A directory where the report file should go makes the write fail.
	require.NoError(t, os.MkdirAll(filepath.Join(fx.cfg.DownloadDir, "a.99.__pypt__bug__report"), 0o755))
	jobs := []record.Job{upgradeJob(t, fx.fetcher, "a_1.0_amd64.deb", "package a")}

	summary, err := fx.engine(bugs.NewCollector(bugSource{})).Run(context.Background(), jobs)
	var fatal *fault.FatalError
	require.ErrorAs(t, err, &fatal)
	assert.Equal(t, fault.CodeAbort, fatal.Code)
	assert.Equal(t, 0, summary.Done)
	assert.Equal(t, 1, summary.Failed)
	require.Len(t, summary.Failures, 1)
	assert.Equal(t, "a_1.0_amd64.deb", summary.Failures[0].Filename)
	assert.Equal(t, fault.CodeAbort, summary.Failures[0].Code)
}

func TestFailureList(t *testing.T) {
	t.Parallel()
	l := dispatch.NewFailureList()
	job := record.Job{Category: record.Update, Record: record.Record{Filename: "Packages"}}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.Add(job, 404, "not found")
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, l.Len())
	assert.Equal(t, []dispatch.ErrorRecord{{Filename: "Packages", Code: 404, Message: "not found"}}, l.Records())
	assert.Len(t, l.Failed(record.Update), 1)
	assert.Empty(t, l.Failed(record.Upgrade))
}
