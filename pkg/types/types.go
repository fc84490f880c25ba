package types

// CacheStats represents cache performance statistics for one bucket or an
// aggregate over several buckets.
type CacheStats struct {
	Hits        uint64  `json:"hits"`
	Misses      uint64  `json:"misses"`
	Sets        uint64  `json:"sets"`
	Promotions  uint64  `json:"promotions"`
	Demotions   uint64  `json:"demotions"`
	Evictions   uint64  `json:"evictions"`
	Entries     int     `json:"entries"`
	Size        int64   `json:"size"`
	Capacity    int64   `json:"capacity"`
	HitRate     float64 `json:"hit_rate"`
	Utilization float64 `json:"utilization"`
}

// SnapshotInfo describes one persisted snapshot file.
type SnapshotInfo struct {
	Path    string `json:"path"`
	Entries int    `json:"entries"`
	Bytes   int64  `json:"bytes"`
}
