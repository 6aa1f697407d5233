package cache

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/cryptolog/apt-offline/pkg/logctx"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

// IndexedLocator remembers the filenames seen while walking a root, so
// repeated probes against a large cache do not rescan the tree. Entries
// expire after ttl; an index that overflowed its size falls back to a
// walk on a miss.
type IndexedLocator struct {
	size int
	ttl  time.Duration

	mu    sync.Mutex
	roots map[string]*rootIndex
}

type rootIndex struct {
	entries  *expirable.LRU[string, string]
	complete bool
	builtAt  time.Time
}

func NewIndexedLocator(size int, ttl time.Duration) *IndexedLocator {
	return &IndexedLocator{
		size:  size,
		ttl:   ttl,
		roots: map[string]*rootIndex{},
	}
}

var _ Locator = (*IndexedLocator)(nil)

func (l *IndexedLocator) Locate(ctx context.Context, root, filename string) (string, error) {
	idx, err := l.index(ctx, root)
	if err != nil {
		return "", err
	}

	if p, ok := idx.entries.Get(filename); ok {
		if stat, err := os.Stat(p); err == nil && stat.Mode().IsRegular() {
			return p, nil
		}
		idx.entries.Remove(filename)
	} else if idx.complete {
		return "", ErrNotFound
	}

	p, err := WalkLocator{}.Locate(ctx, root, filename)
	if err == nil {
		idx.entries.Add(filename, p)
	}
	return p, err
}

func (l *IndexedLocator) index(ctx context.Context, root string) (*rootIndex, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if idx, ok := l.roots[root]; ok && time.Since(idx.builtAt) < l.ttl {
		return idx, nil
	}

	idx := &rootIndex{
		entries:  expirable.NewLRU[string, string](l.size, nil, l.ttl),
		complete: true,
		builtAt:  time.Now(),
	}
	err := walkRoot(ctx, root, func(p string, d fs.DirEntry) error {
		if idx.entries.Contains(d.Name()) {
			return nil
		}
		if idx.entries.Add(d.Name(), p) {
			idx.complete = false
		}
		return nil
	})
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	logctx.LoggerFromContext(ctx).Debug("indexed cache root",
		slog.String("root", root),
		slog.Int("files", idx.entries.Len()),
		slog.Bool("complete", idx.complete))
	l.roots[root] = idx
	return idx, nil
}
