/*
Package cache implements a bounded in-process object-state cache with a
segmented-LRU eviction policy and a durable on-disk snapshot format.

# Architecture

	┌─────────────────────────────────────────────┐
	│                 Client                      │
	│  checkpoint namespacing · compression ·     │
	│  oversize cutoff · multi-key lookup         │
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│             SegmentedMap (bucket)           │
	│  ┌───────────────┐    ┌──────────────────┐  │
	│  │   Probation   │───▶│    Protected     │  │
	│  │ new + once-   │hit │ proven-valuable  │  │
	│  │ seen entries  │◀───│ entries          │  │
	│  └───────────────┘demote──────────────────┘ │
	│        │ eviction pressure                  │
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│               Snapshotter                   │
	│  versioned binary file · xxhash64 checksum  │
	│  all-or-nothing reload · warm restore       │
	└─────────────────────────────────────────────┘

# Eviction policy

Each bucket keeps two recency orders over a shared byte budget. New
entries enter probation; a hit promotes an entry into the protected
segment, whose total size is held under a configured fraction of
capacity by demoting its tail back into probation. Eviction always pops
the probation tail, so an entry in protected is never dropped without
first passing back through probation. Frequently-reused data therefore
survives scans that would thrash a plain LRU.

# Persistence

The Snapshotter writes only entries that have been read at least once,
biasing snapshots toward proven-useful data. Files are committed with a
temp-file rename and validated whole (magic, version, stream checksum,
record structure) before a single record touches the bucket; a corrupt
file yields an empty bucket, never a partial one. Entries restored with
enough accumulated hits go straight into the protected segment so a warm
snapshot restores a warm cache.

# Concurrency

One mutex per bucket covers the lookup/promotion/eviction sequence.
Compression and snapshot file I/O run outside that lock.
*/
package cache
