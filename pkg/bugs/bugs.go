package bugs

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/cryptolog/apt-offline/pkg/archive"
	"github.com/cryptolog/apt-offline/pkg/logctx"
)

// Group is a tracker's bucket of reports, such as "Serious bugs".
// Entries have the form "#<id>: <subject>".
type Group struct {
	Label   string
	Entries []string
}

// Source is a bug tracker.
type Source interface {
	QueryReports(ctx context.Context, pkg string) (int, []Group, error)
	FetchFullReport(ctx context.Context, bugID string) (string, []string, error)
}

type Status int

const (
	NoData Status = iota
	NoReports
	ReportsWritten
)

func (s Status) String() string {
	switch s {
	case NoData:
		return "no-data"
	case NoReports:
		return "no-reports"
	case ReportsWritten:
		return "reports-written"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

type Report struct {
	Package string
	ID      string
	Subject string
	Body    string
}

func (r Report) Filename() string {
	return fmt.Sprintf("%s.%s.%s", r.Package, r.ID, archive.BugReportSuffix)
}

// DefaultIgnore lists group labels that do not affect an install decision.
var DefaultIgnore = []string{"Resolved bugs", "Normal bugs", "Minor bugs", "Wishlist items", "FIXED"}

// Adder receives reports when archiving; *archive.Archive satisfies it.
type Adder interface {
	AddReader(ctx context.Context, name string, r io.Reader) (bool, error)
}

var _ Adder = (*archive.Archive)(nil)

type Collector struct {
	source Source
	ignore []string
}

func NewCollector(source Source) *Collector {
	return &Collector{source: source, ignore: DefaultIgnore}
}

func (c *Collector) ignored(label string) bool {
	for _, ig := range c.ignore {
		if strings.Contains(label, ig) {
			return true
		}
	}
	return false
}

// Each calls fn for every actionable report on pkg, fetching them one at a
// time. Tracker failures are logged and reported as NoData unless some
// reports were already handed to fn. An error is returned only when fn fails.
func (c *Collector) Each(ctx context.Context, pkg string, fn func(Report) error) (Status, error) {
	log := logctx.LoggerFromContext(ctx).With(slog.String("package", pkg))

	count, groups, err := c.source.QueryReports(ctx, pkg)
	if err != nil {
		log.Warn("querying bug tracker failed", slog.String("error", err.Error()))
		return NoData, nil
	}
	if count == 0 {
		log.Debug("no bugs recorded")
		return NoReports, nil
	}

	status := NoReports
	for _, g := range groups {
		if c.ignored(g.Label) {
			continue
		}
		for _, entry := range g.Entries {
			id, subject, ok := parseEntry(entry)
			if !ok {
				log.Debug("skipping unparseable bug entry", slog.String("entry", entry))
				continue
			}

			header, followups, err := c.source.FetchFullReport(ctx, id)
			if err != nil {
				log.Warn("fetching bug report failed", slog.String("bug", id), slog.String("error", err.Error()))
				if status == ReportsWritten {
					return status, nil
				}
				return NoData, nil
			}
			r := Report{
				Package: pkg,
				ID:      id,
				Subject: subject,
				Body:    reportBody(entry, header, followups),
			}
			if err := fn(r); err != nil {
				return status, err
			}
			status = ReportsWritten
			log.Info("bug report", slog.String("bug", id), slog.String("group", g.Label), slog.String("subject", subject))
		}
	}
	return status, nil
}

// Collect stores each actionable report for pkg in arc when it is non-nil,
// or as a loose file in destDir.
func (c *Collector) Collect(ctx context.Context, pkg, destDir string, arc Adder) (Status, error) {
	return c.Each(ctx, pkg, func(r Report) error {
		if arc != nil {
			_, err := arc.AddReader(ctx, r.Filename(), strings.NewReader(r.Body))
			return err
		}
		return os.WriteFile(filepath.Join(destDir, r.Filename()), []byte(r.Body), 0o644)
	})
}

func parseEntry(entry string) (string, string, bool) {
	rest, ok := strings.CutPrefix(strings.TrimSpace(entry), "#")
	if !ok {
		return "", "", false
	}
	id, subject, ok := strings.Cut(rest, ":")
	if !ok || id == "" {
		return "", "", false
	}
	return strings.TrimSpace(id), strings.TrimSpace(subject), true
}

func reportBody(entry, header string, followups []string) string {
	var buf bytes.Buffer
	buf.WriteString(entry)
	buf.WriteString("\n")
	buf.WriteString(header)
	buf.WriteString("\n\n")
	for _, f := range followups {
		buf.WriteString(f)
		buf.WriteString("\n")
	}
	buf.WriteString("\n\n\n")
	return buf.String()
}
