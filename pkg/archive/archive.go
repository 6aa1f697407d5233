package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cryptolog/apt-offline/pkg/logctx"
	"github.com/klauspost/compress/zip"
)

var ErrExists = errors.New("archive already exists")

// BugReportSuffix marks bug report members, named <package>.<bug>.<suffix>.
const BugReportSuffix = "__pypt__bug__report"

func IsBugReport(name string) bool {
	return strings.HasSuffix(name, BugReportSuffix)
}

// Archive is a zip container that is created on the first add. All writes
// are serialized; the zero value is not usable.
type Archive struct {
	path string

	mu    sync.Mutex
	f     *os.File
	zw    *zip.Writer
	names map[string]struct{}
}

// New prepares an archive at path. It refuses to reuse an existing file.
func New(path string) (*Archive, error) {
	if _, err := os.Stat(path); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrExists, path)
	} else if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	return &Archive{path: path, names: map[string]struct{}{}}, nil
}

func (a *Archive) Path() string {
	return a.path
}

// Len is the number of members written so far.
func (a *Archive) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.names)
}

// AddFile appends the file at path under its base name. The returned bool is
// false when a member of that name was already present.
func (a *Archive) AddFile(ctx context.Context, path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()
	return a.AddReader(ctx, filepath.Base(path), f)
}

func (a *Archive) AddReader(ctx context.Context, name string, r io.Reader) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.names[name]; ok {
		logctx.LoggerFromContext(ctx).Debug("skipping duplicate archive member", slog.String("name", name))
		return false, nil
	}
	if err := a.open(); err != nil {
		return false, err
	}

	w, err := a.zw.CreateHeader(&zip.FileHeader{
		Name:     name,
		Method:   methodFor(name),
		Modified: time.Now(),
	})
	if err != nil {
		return false, fmt.Errorf("adding %s to %s: %w", name, a.path, err)
	}
	if _, err := io.Copy(w, r); err != nil {
		return false, fmt.Errorf("adding %s to %s: %w", name, a.path, err)
	}
	a.names[name] = struct{}{}
	logctx.LoggerFromContext(ctx).Debug("added to archive", slog.String("name", name), slog.String("archive", a.path))
	return true, nil
}

func (a *Archive) open() error {
	if a.zw != nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(a.path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(a.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("creating archive: %w", err)
	}
	a.f = f
	a.zw = zip.NewWriter(f)
	return nil
}

// Close finalizes the container. It is safe to call more than once and on
// an archive that never received a member.
func (a *Archive) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.zw == nil {
		return nil
	}
	err := a.zw.Close()
	if cerr := a.f.Close(); err == nil {
		err = cerr
	}
	a.zw, a.f = nil, nil
	return err
}

var stored = []string{".deb", ".udeb", ".gz", ".bz2", ".xz", ".lzma", ".zst", ".lz4", ".zip"}

func methodFor(name string) uint16 {
	ext := strings.ToLower(filepath.Ext(name))
	for _, s := range stored {
		if ext == s {
			return zip.Store
		}
	}
	return zip.Deflate
}
