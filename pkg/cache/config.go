package cache

import (
	"log/slog"
	"time"
)

type Config struct {
	// IndexSize enables the filename index when positive.
	IndexSize int           `yaml:"index_cache_size"`
	IndexTTL  time.Duration `yaml:"index_ttl"`
}

func LocatorFromConfig(cfg Config) Locator {
	if cfg.IndexSize <= 0 {
		return WalkLocator{}
	}
	ttl := cfg.IndexTTL
	if ttl == 0 {
		ttl = time.Hour
	}
	slog.Debug("using indexed cache locator", slog.Int("size", cfg.IndexSize), slog.Duration("ttl", ttl))
	return NewIndexedLocator(cfg.IndexSize, ttl)
}
