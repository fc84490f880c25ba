package cache

import (
	"sync"

	"github.com/scttfrdmn/statecache/pkg/types"
)

const (
	// DefaultProtectedFraction is the share of a bucket's capacity the
	// protected segment may occupy before its tail is demoted.
	DefaultProtectedFraction = 0.8

	// DefaultPromotionHits is the number of hits an entry must collect
	// before it is promoted out of probation. One means any hit promotes.
	DefaultPromotionHits = 1
)

// SegmentedMap is a byte-budgeted two-segment LRU bucket. New entries
// enter the probation segment and must earn a hit before promotion into
// the protected segment; eviction pressure always lands on the probation
// tail, so reused entries survive scans that would thrash a plain LRU.
//
// All operations are safe for concurrent use. The single mutex covers
// the full lookup + promotion + eviction sequence so the size and
// segment-membership invariants are never observed mid-flight.
type SegmentedMap struct {
	mu sync.Mutex

	capacity        int64
	protectedTarget int64
	promotionHits   uint32

	arena     arena
	index     map[string]int
	probation recencyList
	protected recencyList
	stats     statsCollector
}

// NewSegmentedMap creates a bucket with the given capacity in bytes.
// A protectedFraction outside (0, 1) and a promotionHits below 1 fall
// back to the defaults.
func NewSegmentedMap(capacity int64, protectedFraction float64, promotionHits int) *SegmentedMap {
	if protectedFraction <= 0 || protectedFraction >= 1 {
		protectedFraction = DefaultProtectedFraction
	}
	if promotionHits < 1 {
		promotionHits = DefaultPromotionHits
	}

	m := &SegmentedMap{
		capacity:        capacity,
		protectedTarget: int64(float64(capacity) * protectedFraction),
		promotionHits:   uint32(promotionHits),
		index:           make(map[string]int),
	}
	m.probation = newRecencyList(&m.arena)
	m.protected = newRecencyList(&m.arena)
	return m
}

// Get returns a copy of the value stored under key, or false on a miss.
// A hit bumps the entry's frequency, refreshes its recency and may
// promote it from probation into the protected segment. Never does I/O.
func (m *SegmentedMap) Get(key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx, ok := m.index[key]
	if !ok {
		m.stats.misses++
		return nil, false
	}

	value := m.touch(idx)
	m.stats.hits++

	out := make([]byte, len(value))
	copy(out, value)
	return out, true
}

// GetMulti evaluates each key independently with the same promotion
// logic as Get. Keys not found are simply absent from the result.
func (m *SegmentedMap) GetMulti(keys []string) map[string][]byte {
	out := make(map[string][]byte, len(keys))

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, key := range keys {
		idx, ok := m.index[key]
		if !ok {
			m.stats.misses++
			continue
		}
		value := m.touch(idx)
		m.stats.hits++

		cp := make([]byte, len(value))
		copy(cp, value)
		out[key] = cp
	}
	return out
}

// Set inserts or overwrites the entry under key. New entries always
// enter probation; an overwrite keeps the entry's segment and
// accumulated frequency, replacing only size and value. A value larger
// than the bucket's total capacity is refused outright, and any stale
// entry under the same key is dropped.
func (m *SegmentedMap) Set(key string, value []byte) {
	size := int64(len(value))

	m.mu.Lock()
	defer m.mu.Unlock()

	m.stats.sets++

	if size > m.capacity {
		if idx, ok := m.index[key]; ok {
			m.removeLocked(idx)
			m.stats.evictions++
		}
		return
	}

	stored := make([]byte, len(value))
	copy(stored, value)

	if idx, ok := m.index[key]; ok {
		e := m.arena.at(idx)
		list := m.listFor(e.segment)
		list.resize(idx, size)
		e.value = stored
		list.moveToFront(idx)
		if e.segment == segProtected {
			m.rebalanceProtected()
		}
	} else {
		idx := m.arena.alloc()
		e := m.arena.at(idx)
		e.key = key
		e.value = stored
		e.rawSize = size
		e.frequency = 0
		e.segment = segProbation
		m.index[key] = idx
		m.probation.pushFront(idx)
	}

	m.evictToCapacity()
}

// Delete removes the entry under key, reporting whether it was present.
func (m *SegmentedMap) Delete(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx, ok := m.index[key]
	if !ok {
		return false
	}
	m.removeLocked(idx)
	return true
}

// Len returns the current entry count.
func (m *SegmentedMap) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.index)
}

// SizeBytes returns the total resident bytes across both segments.
func (m *SegmentedMap) SizeBytes() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.probation.bytes + m.protected.bytes
}

// Capacity returns the bucket's byte budget.
func (m *SegmentedMap) Capacity() int64 {
	return m.capacity
}

// Stats returns a snapshot of the bucket's counters.
func (m *SegmentedMap) Stats() types.CacheStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats.snapshot(len(m.index), m.probation.bytes+m.protected.bytes, m.capacity)
}

// ResetStats zeroes the counters without touching cache contents.
func (m *SegmentedMap) ResetStats() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats.reset()
}

// touch records a hit on the entry at idx: bumps its frequency,
// refreshes recency and applies the promotion policy. Returns the stored
// value. Caller holds the lock.
func (m *SegmentedMap) touch(idx int) []byte {
	e := m.arena.at(idx)
	e.frequency++

	if e.segment == segProtected {
		m.protected.moveToFront(idx)
		return e.value
	}

	if e.frequency >= m.promotionHits {
		m.probation.remove(idx)
		e.segment = segProtected
		m.protected.pushFront(idx)
		m.stats.promotions++
		m.rebalanceProtected()
	} else {
		m.probation.moveToFront(idx)
	}
	return e.value
}

// rebalanceProtected demotes protected tails into probation until the
// protected segment is back under its target share. Entries are never
// evicted directly from protected. Caller holds the lock.
func (m *SegmentedMap) rebalanceProtected() {
	for m.protected.bytes > m.protectedTarget && m.protected.count > 0 {
		idx := m.protected.back()
		m.protected.remove(idx)
		m.arena.at(idx).segment = segProbation
		m.probation.pushFront(idx)
		m.stats.demotions++
	}
}

// evictToCapacity drops probation tails until the bucket is back under
// budget. If probation drains first, the protected tail is demoted and
// the loop retries, so every eviction passes through probation.
// Caller holds the lock.
func (m *SegmentedMap) evictToCapacity() {
	for m.probation.bytes+m.protected.bytes > m.capacity {
		idx := m.probation.back()
		if idx == nilIdx {
			pidx := m.protected.back()
			if pidx == nilIdx {
				return
			}
			m.protected.remove(pidx)
			m.arena.at(pidx).segment = segProbation
			m.probation.pushFront(pidx)
			m.stats.demotions++
			continue
		}
		m.removeLocked(idx)
		m.stats.evictions++
	}
}

// removeLocked unlinks the entry at idx from its segment, the key index
// and the arena. Caller holds the lock.
func (m *SegmentedMap) removeLocked(idx int) {
	e := m.arena.at(idx)
	m.listFor(e.segment).remove(idx)
	delete(m.index, e.key)
	m.arena.release(idx)
}

func (m *SegmentedMap) listFor(seg segmentID) *recencyList {
	if seg == segProtected {
		return &m.protected
	}
	return &m.probation
}

// loadEntry installs a record restored from a snapshot, bypassing the
// promotion-by-hit rule so a warm snapshot restores a warm cache. The
// capacity bound still holds after every insertion.
func (m *SegmentedMap) loadEntry(key string, value []byte, frequency uint32, protected bool) {
	size := int64(len(value))

	m.mu.Lock()
	defer m.mu.Unlock()

	if size > m.capacity {
		return
	}
	if idx, ok := m.index[key]; ok {
		m.removeLocked(idx)
	}

	idx := m.arena.alloc()
	e := m.arena.at(idx)
	e.key = key
	e.value = value
	e.rawSize = size
	e.frequency = frequency

	if protected {
		e.segment = segProtected
		m.protected.pushFront(idx)
		m.rebalanceProtected()
	} else {
		e.segment = segProbation
		m.probation.pushFront(idx)
	}

	m.evictToCapacity()
}

// SnapshotEntry is one record handed to the persistence codec.
type SnapshotEntry struct {
	Key       string
	Value     []byte
	Frequency uint32
}

// snapshotEntries copies out every entry that has been read at least
// once since it was written; write-only entries are not worth the
// snapshot cost. Records are emitted least-recently-used first so that
// reloading them in order reproduces the recency order. Only the copy is
// taken under the lock; callers do file I/O without stalling traffic.
// Stored value slices are never mutated in place, so they are shared,
// not copied.
func (m *SegmentedMap) snapshotEntries() []SnapshotEntry {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]SnapshotEntry, 0, len(m.index))
	for _, list := range []*recencyList{&m.probation, &m.protected} {
		for idx := list.back(); idx != nilIdx; idx = m.arena.at(idx).prev {
			e := m.arena.at(idx)
			if e.frequency == 0 {
				continue
			}
			out = append(out, SnapshotEntry{Key: e.key, Value: e.value, Frequency: e.frequency})
		}
	}
	return out
}
