package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/cryptolog/apt-offline/pkg/checksum"
	"github.com/cryptolog/apt-offline/pkg/logctx"
	"github.com/cryptolog/apt-offline/pkg/record"
)

// VerifyAndCopy copies src into destDir only when it matches sum.
// A destination already holding a matching copy counts as success.
func VerifyAndCopy(ctx context.Context, v checksum.Verifier, src string, sum record.Checksum, destDir string) (bool, error) {
	log := logctx.LoggerFromContext(ctx)

	ok, err := v.Verify(src, sum)
	if err != nil {
		return false, fmt.Errorf("verifying %s: %w", src, err)
	}
	if !ok {
		log.Warn("checksum mismatch", slog.String("path", src), slog.String("checksum", sum.String()))
		return false, nil
	}

	dst := filepath.Join(destDir, filepath.Base(src))
	if sameFile(src, dst) {
		return true, nil
	}
	if _, err := os.Stat(dst); err == nil {
		if match, err := v.Verify(dst, sum); err == nil && match {
			log.Debug("file already present", slog.String("path", dst))
			return true, nil
		}
	}

	if err := copyFile(src, dst); err != nil {
		return false, err
	}
	log.Debug("copied from cache", slog.String("src", src), slog.String("dst", dst))
	return true, nil
}

// Populate writes src into the cache root unless a file of that name is
// already there. The returned bool reports whether anything was written.
func Populate(ctx context.Context, src, root string) (bool, error) {
	if root == "" {
		return false, nil
	}
	stat, err := os.Stat(root)
	if err != nil {
		return false, fmt.Errorf("cache root: %w", err)
	}
	if !stat.IsDir() {
		return false, fmt.Errorf("cache root %s is not a directory", root)
	}

	dst := filepath.Join(root, filepath.Base(src))
	if _, err := os.Stat(dst); err == nil {
		return false, nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return false, err
	}

	if err := copyFile(src, dst); err != nil {
		return false, err
	}
	logctx.LoggerFromContext(ctx).Debug("populated cache", slog.String("path", dst))
	return true, nil
}

// copyFile writes through a temp file in the destination directory so a
// concurrent reader never observes a partial file.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dst), "."+filepath.Base(dst)+".*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, in); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("copying %s: %w", src, err)
	}
	if err := tmp.Chmod(0o644); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), dst)
}

func sameFile(a, b string) bool {
	sa, err := os.Stat(a)
	if err != nil {
		return false
	}
	sb, err := os.Stat(b)
	if err != nil {
		return false
	}
	return os.SameFile(sa, sb)
}
