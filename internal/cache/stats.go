package cache

import "github.com/scttfrdmn/statecache/pkg/types"

// statsCollector accumulates operation counters. All mutation happens
// under the owning bucket's lock so observed ratios stay consistent with
// the segment state they describe.
type statsCollector struct {
	hits       uint64
	misses     uint64
	sets       uint64
	promotions uint64
	demotions  uint64
	evictions  uint64
}

func (s *statsCollector) reset() {
	*s = statsCollector{}
}

// snapshot derives a CacheStats view. Entry count, resident bytes and
// capacity are supplied by the bucket.
func (s *statsCollector) snapshot(entries int, size, capacity int64) types.CacheStats {
	stats := types.CacheStats{
		Hits:       s.hits,
		Misses:     s.misses,
		Sets:       s.sets,
		Promotions: s.promotions,
		Demotions:  s.demotions,
		Evictions:  s.evictions,
		Entries:    entries,
		Size:       size,
		Capacity:   capacity,
	}
	if total := s.hits + s.misses; total > 0 {
		stats.HitRate = float64(s.hits) / float64(total)
	}
	if capacity > 0 {
		stats.Utilization = float64(size) / float64(capacity)
	}
	return stats
}
