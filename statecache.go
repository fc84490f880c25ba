// Package statecache is a bounded in-process object-state cache with a
// segmented-LRU eviction policy, transparent value compression, durable
// snapshot persistence and Prometheus metrics.
//
// It is designed to sit in front of a slower backing store: lookups are
// keyed by an opaque identifier plus a generation (checkpoint) tag, so
// entries written under a superseded generation can be invalidated in
// O(1) by switching the tag.
package statecache

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/scttfrdmn/statecache/internal/cache"
	"github.com/scttfrdmn/statecache/internal/config"
	"github.com/scttfrdmn/statecache/internal/metrics"
	"github.com/scttfrdmn/statecache/pkg/types"
)

// Cache wires the client, snapshot persistence and the metrics exporter
// together according to one configuration.
type Cache struct {
	client    *cache.Client
	snapshots []*cache.Snapshotter
	collector *metrics.Collector
	log       *logrus.Logger
}

var _ types.Cache = (*Cache)(nil)

// New builds a cache from the given configuration. A nil configuration
// uses the defaults. Persistence and metrics are optional; when disabled
// their subsystems are simply absent.
func New(cfg *config.Configuration) (*Cache, error) {
	if cfg == nil {
		cfg = config.NewDefault()
	}

	opts, err := cfg.CacheOptions()
	if err != nil {
		return nil, err
	}

	log := logrus.New()
	if level, err := logrus.ParseLevel(cfg.Monitoring.LogLevel); err == nil {
		log.SetLevel(level)
	}
	opts.Logger = log

	client, err := cache.NewClient(opts)
	if err != nil {
		return nil, err
	}

	c := &Cache{client: client, log: log}

	if snapOpts, enabled := cfg.SnapshotterOptions(); enabled {
		snapOpts.Logger = log
		for i := range client.Buckets() {
			bucketOpts := snapOpts
			bucketOpts.Directory = filepath.Join(snapOpts.Directory, fmt.Sprintf("bucket%d", i))
			s, err := cache.NewSnapshotter(bucketOpts)
			if err != nil {
				return nil, err
			}
			c.snapshots = append(c.snapshots, s)
		}
	}

	if cfg.Monitoring.Metrics.Enabled {
		mc := metrics.Config(cfg.Monitoring.Metrics)
		c.collector, err = metrics.NewCollector(&mc, client.Stats)
		if err != nil {
			return nil, err
		}
	}

	return c, nil
}

// Get returns the value stored under key, or false on a miss.
func (c *Cache) Get(key string) ([]byte, bool) {
	return c.client.Get(key)
}

// Set stores value under key. Values too large to cache are silently
// skipped; caching is always optional.
func (c *Cache) Set(key string, value []byte) {
	c.client.Set(key, value)
}

// GetMulti returns the values found for keys; missing keys are absent
// from the result.
func (c *Cache) GetMulti(keys []string) map[string][]byte {
	return c.client.GetMulti(keys)
}

// SetCheckpoint switches the generation tag, invalidating all entries
// written under previous tags.
func (c *Cache) SetCheckpoint(tag string) {
	c.client.SetCheckpoint(tag)
}

// Stats returns aggregated counters across all buckets.
func (c *Cache) Stats() types.CacheStats {
	return c.client.Stats()
}

// ResetStats zeroes all counters without touching cache contents.
func (c *Cache) ResetStats() {
	c.client.ResetStats()
}

// Save persists a snapshot of every bucket. Persistence is best-effort:
// the live cache stays fully usable whatever the outcome, and a failure
// on one bucket does not stop the others.
func (c *Cache) Save() error {
	if len(c.snapshots) == 0 {
		return errors.New("persistence is not configured")
	}

	var errs []error
	for i, s := range c.snapshots {
		if _, err := s.Save(c.client.Buckets()[i]); err != nil {
			errs = append(errs, fmt.Errorf("bucket %d: %w", i, err))
		}
	}
	return errors.Join(errs...)
}

// Restore populates the cache from the newest valid snapshots, returning
// the number of restored entries. Corrupt snapshot files are skipped
// whole; restoring nothing is not an error.
func (c *Cache) Restore() (int, error) {
	if len(c.snapshots) == 0 {
		return 0, errors.New("persistence is not configured")
	}

	total := 0
	var errs []error
	for i, s := range c.snapshots {
		n, err := s.Load(c.client.Buckets()[i])
		if err != nil {
			errs = append(errs, fmt.Errorf("bucket %d: %w", i, err))
			continue
		}
		total += n
	}
	return total, errors.Join(errs...)
}

// Start launches optional background services (the metrics endpoint).
func (c *Cache) Start(ctx context.Context) error {
	if c.collector != nil {
		return c.collector.Start(ctx)
	}
	return nil
}

// Stop shuts background services down.
func (c *Cache) Stop(ctx context.Context) error {
	if c.collector != nil {
		return c.collector.Stop(ctx)
	}
	return nil
}
