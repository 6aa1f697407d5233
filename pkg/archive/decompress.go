package archive

import (
	"compress/bzip2"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/cryptolog/apt-offline/pkg/logctx"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"
	"github.com/ulikunitz/xz"
)

// Decompress writes the payload of the file at path into targetDir.
// Compressed members lose their compression extension; signed files,
// packages and plain text are copied as-is. Bug reports are never
// installed and report false.
func Decompress(ctx context.Context, path, targetDir, declaredName string, format Format) (bool, error) {
	log := logctx.LoggerFromContext(ctx)
	name := filepath.Base(declaredName)
	if IsBugReport(name) {
		log.Debug("skipping bug report", slog.String("name", name))
		return false, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()

	switch format {
	case FormatBzip2:
		return true, writeFile(targetDir, strings.TrimSuffix(name, ".bz2"), bzip2.NewReader(f))
	case FormatGzip:
		zr, err := gzip.NewReader(f)
		if err != nil {
			return false, fmt.Errorf("reading %s: %w", path, err)
		}
		defer zr.Close()
		return true, writeFile(targetDir, strings.TrimSuffix(name, ".gz"), zr)
	case FormatXz:
		xr, err := xz.NewReader(f)
		if err != nil {
			return false, fmt.Errorf("reading %s: %w", path, err)
		}
		return true, writeFile(targetDir, strings.TrimSuffix(name, ".xz"), xr)
	case FormatZip:
		n, err := extractZip(ctx, path, targetDir)
		return n > 0, err
	case FormatPGP, FormatDeb, FormatBugReport:
		return true, writeFile(targetDir, name, f)
	default:
		return false, &UnknownFormatError{Path: path}
	}
}

func extractZip(ctx context.Context, path, targetDir string) (int, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return 0, fmt.Errorf("opening %s: %w", path, err)
	}
	defer zr.Close()

	var n int
	for _, zf := range zr.File {
		name := filepath.Base(zf.Name)
		if zf.FileInfo().IsDir() || IsBugReport(name) {
			continue
		}
		rc, err := zf.Open()
		if err != nil {
			return n, fmt.Errorf("opening %s in %s: %w", zf.Name, path, err)
		}
		err = writeFile(targetDir, name, rc)
		_ = rc.Close()
		if err != nil {
			return n, err
		}
		n++
	}
	logctx.LoggerFromContext(ctx).Debug("extracted zip", slog.String("path", path), slog.Int("members", n))
	return n, nil
}

func writeFile(dir, name string, r io.Reader) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+name+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, r); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("writing %s: %w", name, err)
	}
	if err := tmp.Chmod(0o644); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), filepath.Join(dir, name))
}
