package types

// Cache defines the client-facing caching interface. Caching is always
// optional: a value that cannot be cached is silently skipped and later
// lookups for it simply miss.
type Cache interface {
	// Get returns the value stored under key, or false on a miss.
	Get(key string) ([]byte, bool)

	// Set stores value under key, evicting older entries as needed.
	Set(key string, value []byte)

	// GetMulti returns the values found for the given keys. Keys that
	// miss are absent from the result.
	GetMulti(keys []string) map[string][]byte

	// Stats returns a snapshot of the cache counters.
	Stats() CacheStats

	// ResetStats zeroes the counters without touching cache contents.
	ResetStats()
}
