package dispatch

import (
	"sort"
	"sync"

	"github.com/cryptolog/apt-offline/pkg/record"
)

// ErrorRecord is one failed file. Code follows fault.CodeOf; integrity
// failures carry code 0.
type ErrorRecord struct {
	Filename string
	Code     int
	Message  string
}

// FailureList collects failures from concurrent workers, once per filename.
type FailureList struct {
	mu      sync.Mutex
	records []ErrorRecord
	seen    map[string]struct{}
	failed  map[record.Category][]record.Record
}

func NewFailureList() *FailureList {
	return &FailureList{
		seen:   map[string]struct{}{},
		failed: map[record.Category][]record.Record{},
	}
}

// Add records a failure and reports whether it was new.
func (l *FailureList) Add(job record.Job, code int, msg string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.seen[job.Record.Filename]; ok {
		return false
	}
	l.seen[job.Record.Filename] = struct{}{}
	l.records = append(l.records, ErrorRecord{Filename: job.Record.Filename, Code: code, Message: msg})
	l.failed[job.Category] = append(l.failed[job.Category], job.Record)
	return true
}

func (l *FailureList) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.records)
}

// Records returns the failures sorted by filename.
func (l *FailureList) Records() []ErrorRecord {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]ErrorRecord, len(l.records))
	copy(out, l.records)
	sort.Slice(out, func(i, j int) bool { return out[i].Filename < out[j].Filename })
	return out
}

// Failed returns the input records of failed jobs in category, for re-runs.
func (l *FailureList) Failed(category record.Category) []record.Record {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]record.Record, len(l.failed[category]))
	copy(out, l.failed[category])
	sort.Slice(out, func(i, j int) bool { return out[i].Filename < out[j].Filename })
	return out
}
