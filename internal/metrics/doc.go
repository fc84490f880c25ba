// Package metrics exposes cache statistics as Prometheus metrics.
//
// The collector does not track events itself: it pulls a consistent
// CacheStats snapshot from the cache on every scrape, so the exported
// counters always agree with the stats the cache reports directly.
package metrics
