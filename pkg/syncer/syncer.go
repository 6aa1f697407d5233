package syncer

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/cryptolog/apt-offline/pkg/archive"
	"github.com/cryptolog/apt-offline/pkg/debian"
	"github.com/cryptolog/apt-offline/pkg/logctx"
	"github.com/klauspost/compress/zip"
)

const (
	DefaultUpdateTarget  = "/var/lib/apt/lists/"
	DefaultUpgradeTarget = "/var/cache/apt/archives/"
)

// Targets are the directories members are installed into. Packages go to
// Upgrade; index files and signatures go to Update.
type Targets struct {
	Update  string
	Upgrade string
}

func DefaultTargets() Targets {
	return Targets{Update: DefaultUpdateTarget, Upgrade: DefaultUpgradeTarget}
}

func (t Targets) dir(format archive.Format) string {
	if format == archive.FormatDeb {
		return t.Upgrade
	}
	return t.Update
}

type Result struct {
	Installed int
	Skipped   int
}

// member is one file to install, already on disk.
type member struct {
	name string
	path string
}

// Sync installs every member of src into targets. src is either a zip
// container or a directory of loose files. Bug reports are never installed
// and a member of unknown format aborts the sync.
func Sync(ctx context.Context, src string, targets Targets) (Result, error) {
	var res Result
	err := eachMember(ctx, src, func(m member) error {
		if archive.IsBugReport(m.name) {
			res.Skipped++
			return nil
		}
		installed, err := install(ctx, m, targets)
		if err != nil {
			return err
		}
		if installed {
			res.Installed++
		} else {
			res.Skipped++
		}
		return nil
	})
	return res, err
}

func install(ctx context.Context, m member, targets Targets) (bool, error) {
	log := logctx.LoggerFromContext(ctx).With(slog.String("file", m.name))

	format, err := archive.ProbeFormat(m.path)
	if err != nil {
		return false, err
	}
	if format == archive.FormatDeb {
		if ctrl, err := debian.ReadControlFile(m.path); err == nil {
			log = log.With(slog.String("package", ctrl.Package()), slog.String("version", ctrl.Version()))
		}
	}

	ok, err := archive.Decompress(ctx, m.path, targets.dir(format), m.name, format)
	if err != nil {
		return false, fmt.Errorf("installing %s: %w", m.name, err)
	}
	if ok {
		log.Info("synced", slog.String("format", format.String()))
	}
	return ok, nil
}

// eachMember calls fn for every regular file in a directory, or for every
// member of a zip container after extracting it to a temporary file.
func eachMember(ctx context.Context, src string, fn func(member) error) error {
	stat, err := os.Stat(src)
	if err != nil {
		return err
	}
	if stat.IsDir() {
		entries, err := os.ReadDir(src)
		if err != nil {
			return err
		}
		for _, e := range entries {
			if !e.Type().IsRegular() {
				continue
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := fn(member{name: e.Name(), path: filepath.Join(src, e.Name())}); err != nil {
				return err
			}
		}
		return nil
	}

	zr, err := zip.OpenReader(src)
	if err != nil {
		return fmt.Errorf("opening %s: %w", src, err)
	}
	defer zr.Close()

	tmp, err := os.MkdirTemp("", "apt-offline-sync-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(tmp)

	for _, zf := range zr.File {
		if zf.FileInfo().IsDir() {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		name := filepath.Base(zf.Name)
		p := filepath.Join(tmp, name)
		if err := extract(zf, p); err != nil {
			return err
		}
		err := fn(member{name: name, path: p})
		_ = os.Remove(p)
		if err != nil {
			return err
		}
	}
	return nil
}

func extract(zf *zip.File, dst string) error {
	rc, err := zf.Open()
	if err != nil {
		return fmt.Errorf("opening %s: %w", zf.Name, err)
	}
	defer rc.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, rc); err != nil {
		_ = out.Close()
		return fmt.Errorf("extracting %s: %w", zf.Name, err)
	}
	return out.Close()
}

// BugSummary is the first line of a stored bug report.
type BugSummary struct {
	Package string
	ID      string
	Subject string
}

// BugReports lists the bug reports carried in src.
func BugReports(ctx context.Context, src string) ([]BugSummary, error) {
	var out []BugSummary
	err := eachMember(ctx, src, func(m member) error {
		if !archive.IsBugReport(m.name) {
			return nil
		}
		s, err := readSummary(m)
		if err != nil {
			return err
		}
		out = append(out, s)
		return nil
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].Package != out[j].Package {
			return out[i].Package < out[j].Package
		}
		return out[i].ID < out[j].ID
	})
	return out, err
}

func readSummary(m member) (BugSummary, error) {
	base := strings.TrimSuffix(strings.TrimSuffix(m.name, archive.BugReportSuffix), ".")
	var s BugSummary
	if i := strings.LastIndex(base, "."); i > 0 {
		s.Package, s.ID = base[:i], base[i+1:]
	} else {
		s.Package = base
	}

	f, err := os.Open(m.path)
	if err != nil {
		return s, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	if scanner.Scan() {
		line := strings.TrimPrefix(strings.TrimSpace(scanner.Text()), "#")
		if id, subject, ok := strings.Cut(line, ":"); ok {
			s.ID = strings.TrimSpace(id)
			s.Subject = strings.TrimSpace(subject)
		}
	}
	return s, scanner.Err()
}
