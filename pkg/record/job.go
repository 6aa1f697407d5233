package record

import "strings"

// Category decides how a record is post-processed once fetched.
type Category int

const (
	// Update records are package index files. They change daily, so they skip the cache and bug reports.
	Update Category = iota
	// Upgrade records are package files.
	Upgrade
)

func (c Category) String() string {
	switch c {
	case Update:
		return "update"
	case Upgrade:
		return "upgrade"
	default:
		return "unknown"
	}
}

// Job is a record tagged with its category.
type Job struct {
	Category Category
	Record   Record
}

// PackageName is the part of the filename before the first underscore.
func (j Job) PackageName() string {
	name, _, _ := strings.Cut(j.Record.Filename, "_")
	return name
}

// PackageVersion is the second underscore-separated field of the filename, or "NA".
func (j Job) PackageVersion() string {
	parts := strings.Split(j.Record.Filename, "_")
	if len(parts) < 2 || parts[1] == "" {
		return "NA"
	}
	return parts[1]
}

// DisplayName is the human label used in logs.
func (j Job) DisplayName() string {
	if j.Category == Upgrade {
		return j.PackageName() + " " + j.PackageVersion()
	}
	parts := strings.Split(j.Record.Filename, "_")
	if len(parts) == 1 {
		return parts[0]
	}
	return parts[0] + " - " + parts[len(parts)-1]
}

// Jobs tags every record with the same category.
func Jobs(category Category, records []Record) []Job {
	jobs := make([]Job, 0, len(records))
	for _, r := range records {
		jobs = append(jobs, Job{Category: category, Record: r})
	}
	return jobs
}
