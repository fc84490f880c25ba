package cache

import (
	"fmt"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/sirupsen/logrus"

	"github.com/scttfrdmn/statecache/pkg/types"
)

// Value frame flags. Every stored value carries a one-byte prefix so the
// read path can tell raw payloads from compressed ones.
const (
	frameRaw        = 0x00
	frameCompressed = 0x01
)

// Options configures a Client and its buckets.
type Options struct {
	// CapacityBytes is the byte budget per bucket.
	CapacityBytes int64

	// ObjectMaxBytes is the largest value ever cached, measured after
	// compression. Zero means no limit beyond the bucket capacity.
	ObjectMaxBytes int64

	// Buckets is the number of independent SegmentedMap instances keys
	// are sharded over. Defaults to 1.
	Buckets int

	// ProtectedFraction and PromotionHits tune the segment policy; zero
	// values select the defaults.
	ProtectedFraction float64
	PromotionHits     int

	// CompressionCodec names the codec applied to values at least
	// CompressMinBytes long: "none", "gzip" or "zstd".
	CompressionCodec string
	CompressMinBytes int

	// Checkpoint is the initial generation tag namespacing all keys.
	Checkpoint string

	Logger *logrus.Logger
}

// Client is the public cache entry point. It wraps one or more
// SegmentedMap buckets behind a uniform key/value interface, applying
// the cross-cutting policy the buckets are agnostic to: checkpoint
// namespacing of keys, transparent compression and the oversize cutoff.
type Client struct {
	opts    Options
	codec   Codec
	buckets []*SegmentedMap
	log     *logrus.Logger

	mu         sync.RWMutex
	checkpoint string
}

var _ types.Cache = (*Client)(nil)

// NewClient creates a cache client. Compression and decompression run
// outside the bucket locks so the critical sections stay proportional to
// bookkeeping work, not payload size.
func NewClient(opts Options) (*Client, error) {
	if opts.CapacityBytes <= 0 {
		return nil, fmt.Errorf("capacity must be positive, got %d", opts.CapacityBytes)
	}
	if opts.Buckets < 1 {
		opts.Buckets = 1
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}

	codec, err := NewCodec(opts.CompressionCodec)
	if err != nil {
		return nil, err
	}

	buckets := make([]*SegmentedMap, opts.Buckets)
	for i := range buckets {
		buckets[i] = NewSegmentedMap(opts.CapacityBytes, opts.ProtectedFraction, opts.PromotionHits)
	}

	return &Client{
		opts:       opts,
		codec:      codec,
		buckets:    buckets,
		log:        opts.Logger,
		checkpoint: opts.Checkpoint,
	}, nil
}

// Get returns the value stored under key, decompressed if needed, or
// false on a miss.
func (c *Client) Get(key string) ([]byte, bool) {
	bk := c.namespacedKey(key)
	bucket := c.bucketFor(bk)
	stored, ok := bucket.Get(bk)
	if !ok {
		return nil, false
	}
	value, ok := c.decode(stored)
	if !ok {
		// The bucket already counted this lookup as a hit. Evict the
		// entry so every later access is an honest miss.
		bucket.Delete(bk)
		return nil, false
	}
	return value, true
}

// Set stores value under key. Values that remain larger than the maximum
// cacheable object size after compression are silently not cached;
// caching is always optional, so this is a documented miss-forever
// outcome rather than an error.
func (c *Client) Set(key string, value []byte) {
	stored := c.encode(value)
	if c.opts.ObjectMaxBytes > 0 && int64(len(stored))-1 > c.opts.ObjectMaxBytes {
		return
	}
	bk := c.namespacedKey(key)
	c.bucketFor(bk).Set(bk, stored)
}

// GetMulti looks up all keys in one pass per bucket. Keys that miss are
// absent from the result.
func (c *Client) GetMulti(keys []string) map[string][]byte {
	callerKey := make(map[string]string, len(keys))
	grouped := make([][]string, len(c.buckets))
	for _, key := range keys {
		bk := c.namespacedKey(key)
		callerKey[bk] = key
		i := c.bucketIndex(bk)
		grouped[i] = append(grouped[i], bk)
	}

	out := make(map[string][]byte, len(keys))
	for i, bkeys := range grouped {
		if len(bkeys) == 0 {
			continue
		}
		for bk, stored := range c.buckets[i].GetMulti(bkeys) {
			if value, ok := c.decode(stored); ok {
				out[callerKey[bk]] = value
			} else {
				c.buckets[i].Delete(bk)
			}
		}
	}
	return out
}

// SetCheckpoint switches the generation tag namespacing all keys.
// Entries written under the previous tag become unreachable and age out
// naturally, making invalidation O(1) at the cost of transient memory.
func (c *Client) SetCheckpoint(tag string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checkpoint = tag
}

// Checkpoint returns the current generation tag.
func (c *Client) Checkpoint() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.checkpoint
}

// Stats aggregates counters across all buckets.
func (c *Client) Stats() types.CacheStats {
	var agg types.CacheStats
	for _, b := range c.buckets {
		s := b.Stats()
		agg.Hits += s.Hits
		agg.Misses += s.Misses
		agg.Sets += s.Sets
		agg.Promotions += s.Promotions
		agg.Demotions += s.Demotions
		agg.Evictions += s.Evictions
		agg.Entries += s.Entries
		agg.Size += s.Size
		agg.Capacity += s.Capacity
	}
	if total := agg.Hits + agg.Misses; total > 0 {
		agg.HitRate = float64(agg.Hits) / float64(total)
	}
	if agg.Capacity > 0 {
		agg.Utilization = float64(agg.Size) / float64(agg.Capacity)
	}
	return agg
}

// ResetStats zeroes all bucket counters without touching contents.
func (c *Client) ResetStats() {
	for _, b := range c.buckets {
		b.ResetStats()
	}
}

// Buckets exposes the underlying maps for the persistence path, which
// snapshots each bucket independently of live traffic.
func (c *Client) Buckets() []*SegmentedMap {
	return c.buckets
}

func (c *Client) namespacedKey(key string) string {
	c.mu.RLock()
	checkpoint := c.checkpoint
	c.mu.RUnlock()
	return checkpoint + ":" + key
}

func (c *Client) bucketIndex(bucketKey string) int {
	if len(c.buckets) == 1 {
		return 0
	}
	return int(xxhash.Sum64String(bucketKey) % uint64(len(c.buckets)))
}

func (c *Client) bucketFor(bucketKey string) *SegmentedMap {
	return c.buckets[c.bucketIndex(bucketKey)]
}

// encode frames a value for storage, compressing it when the codec is
// enabled and the payload is large enough. The compressed form is kept
// only if it is actually smaller, so incompressible data never expands.
// Codec failures fall back to storing raw; compression is best-effort.
func (c *Client) encode(value []byte) []byte {
	if c.codec.Name() != CodecNone && len(value) >= c.opts.CompressMinBytes {
		compressed, err := c.codec.Compress(value)
		if err == nil && len(compressed) < len(value) {
			out := make([]byte, 1+len(compressed))
			out[0] = frameCompressed
			copy(out[1:], compressed)
			return out
		}
		if err != nil {
			c.log.WithError(err).Debug("statecache: compression failed, storing raw")
		}
	}
	out := make([]byte, 1+len(value))
	out[0] = frameRaw
	copy(out[1:], value)
	return out
}

// decode strips the value frame, decompressing when flagged. An
// undecodable entry is treated as a miss rather than surfaced as an
// error.
func (c *Client) decode(stored []byte) ([]byte, bool) {
	if len(stored) == 0 {
		return nil, false
	}
	switch stored[0] {
	case frameRaw:
		return stored[1:], true
	case frameCompressed:
		value, err := c.codec.Decompress(stored[1:])
		if err != nil {
			c.log.WithError(err).Warn("statecache: dropping undecodable cache entry")
			return nil, false
		}
		return value, true
	default:
		return nil, false
	}
}
