package cache

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/cespare/xxhash/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSnapshotter(t *testing.T, opts SnapshotterOptions) *Snapshotter {
	t.Helper()
	if opts.Directory == "" {
		opts.Directory = t.TempDir()
	}
	s, err := NewSnapshotter(opts)
	require.NoError(t, err)
	return s
}

func TestNewSnapshotterRequiresDirectory(t *testing.T) {
	_, err := NewSnapshotter(SnapshotterOptions{})
	assert.Error(t, err)
}

func TestSnapshotRoundTrip(t *testing.T) {
	s := newTestSnapshotter(t, SnapshotterOptions{})

	src := NewSegmentedMap(64*1024, 0, 0)
	src.Set("read-once", []byte("alpha"))
	src.Set("read-twice", []byte("beta"))
	src.Set("never-read", []byte("gamma"))
	src.Get("read-once")
	src.Get("read-twice")
	src.Get("read-twice")

	info, err := s.Save(src)
	require.NoError(t, err)
	assert.Equal(t, 2, info.Entries, "write-only entries are not persisted")
	assert.FileExists(t, info.Path)

	dst := NewSegmentedMap(64*1024, 0, 0)
	n, err := s.Load(dst)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// Restored entries are a subset of the original with values intact.
	got, ok := dst.Get("read-once")
	require.True(t, ok)
	assert.Equal(t, []byte("alpha"), got)
	got, ok = dst.Get("read-twice")
	require.True(t, ok)
	assert.Equal(t, []byte("beta"), got)
	_, ok = dst.Get("never-read")
	assert.False(t, ok)
}

func TestSnapshotCompressedRoundTrip(t *testing.T) {
	s := newTestSnapshotter(t, SnapshotterOptions{Compress: true})

	src := NewSegmentedMap(64*1024, 0, 0)
	src.Set("k", []byte("value"))
	src.Get("k")

	_, err := s.Save(src)
	require.NoError(t, err)

	dst := NewSegmentedMap(64*1024, 0, 0)
	n, err := s.Load(dst)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	got, ok := dst.Get("k")
	require.True(t, ok)
	assert.Equal(t, []byte("value"), got)
}

func TestSnapshotWarmReloadRestoresProtected(t *testing.T) {
	s := newTestSnapshotter(t, SnapshotterOptions{WarmProtectMinHits: 2})

	src := NewSegmentedMap(64*1024, 0, 0)
	src.Set("hot", []byte("hh"))
	src.Set("warm", []byte("ww"))
	src.Get("hot")
	src.Get("hot")  // frequency 2: warm-reloads into protected
	src.Get("warm") // frequency 1: stays on probation

	_, err := s.Save(src)
	require.NoError(t, err)

	dst := NewSegmentedMap(64*1024, 0, 0)
	_, err = s.Load(dst)
	require.NoError(t, err)

	hotIdx, ok := dst.index["hot"]
	require.True(t, ok)
	assert.Equal(t, segProtected, dst.arena.at(hotIdx).segment,
		"a warm snapshot must restore a warm cache without re-earning protection")
	assert.Equal(t, uint32(2), dst.arena.at(hotIdx).frequency)

	warmIdx, ok := dst.index["warm"]
	require.True(t, ok)
	assert.Equal(t, segProbation, dst.arena.at(warmIdx).segment)
}

func TestSnapshotChecksumCorruptionRejectsWholeFile(t *testing.T) {
	s := newTestSnapshotter(t, SnapshotterOptions{})

	src := NewSegmentedMap(64*1024, 0, 0)
	for _, key := range []string{"a", "b", "c"} {
		src.Set(key, []byte("value-"+key))
		src.Get(key)
	}
	info, err := s.Save(src)
	require.NoError(t, err)

	// Flip one byte in the record region.
	raw, err := os.ReadFile(info.Path)
	require.NoError(t, err)
	raw[headerSize+2] ^= 0xff
	require.NoError(t, os.WriteFile(info.Path, raw, 0600))

	dst := NewSegmentedMap(64*1024, 0, 0)
	n, err := s.Load(dst)
	require.NoError(t, err, "a corrupt snapshot is skipped, never fatal")
	assert.Equal(t, 0, n)
	assert.Equal(t, 0, dst.Len(), "corruption must reject the whole file, not a partial set")
}

func TestSnapshotStructuralCorruptionRejectsWholeFile(t *testing.T) {
	s := newTestSnapshotter(t, SnapshotterOptions{})

	src := NewSegmentedMap(64*1024, 0, 0)
	src.Set("k", []byte("value"))
	src.Get("k")
	info, err := s.Save(src)
	require.NoError(t, err)

	// Inflate the first key length field so it overruns the file, then
	// recompute the checksum so only structure is at fault.
	raw, err := os.ReadFile(info.Path)
	require.NoError(t, err)
	binary.BigEndian.PutUint32(raw[headerSize:], 1<<20)
	payload := raw[:len(raw)-checksumSize]
	binary.BigEndian.PutUint64(raw[len(raw)-checksumSize:], xxhash.Sum64(payload))
	require.NoError(t, os.WriteFile(info.Path, raw, 0600))

	_, err = s.decodeFile(info.Path)
	assert.ErrorIs(t, err, ErrCorruptSnapshot)

	dst := NewSegmentedMap(64*1024, 0, 0)
	n, err := s.Load(dst)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestSnapshotHostileEntryCountRejectedCheaply(t *testing.T) {
	s := newTestSnapshotter(t, SnapshotterOptions{})

	// A well-checksummed header claiming billions of records with an
	// empty body must fail structural validation without the decoder
	// sizing any buffers from the claimed count.
	raw := make([]byte, headerSize)
	binary.BigEndian.PutUint32(raw[0:4], snapshotMagic)
	binary.BigEndian.PutUint16(raw[4:6], snapshotVersion)
	binary.BigEndian.PutUint16(raw[6:8], 0)
	binary.BigEndian.PutUint32(raw[8:12], 1<<31)
	var sum [checksumSize]byte
	binary.BigEndian.PutUint64(sum[:], xxhash.Sum64(raw))
	raw = append(raw, sum[:]...)

	path := filepath.Join(s.dir, snapshotPrefix+"00000000000000000001"+snapshotExt)
	require.NoError(t, os.WriteFile(path, raw, 0600))

	_, err := s.decodeFile(path)
	assert.ErrorIs(t, err, ErrCorruptSnapshot)

	dst := NewSegmentedMap(64*1024, 0, 0)
	n, err := s.Load(dst)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestSnapshotUnsupportedVersion(t *testing.T) {
	s := newTestSnapshotter(t, SnapshotterOptions{})

	src := NewSegmentedMap(64*1024, 0, 0)
	src.Set("k", []byte("value"))
	src.Get("k")
	info, err := s.Save(src)
	require.NoError(t, err)

	raw, err := os.ReadFile(info.Path)
	require.NoError(t, err)
	binary.BigEndian.PutUint16(raw[4:6], 99)
	payload := raw[:len(raw)-checksumSize]
	binary.BigEndian.PutUint64(raw[len(raw)-checksumSize:], xxhash.Sum64(payload))
	require.NoError(t, os.WriteFile(info.Path, raw, 0600))

	_, err = s.decodeFile(info.Path)
	assert.ErrorIs(t, err, ErrUnsupportedVersion)
}

func TestSnapshotFallsBackToOlderGoodFile(t *testing.T) {
	s := newTestSnapshotter(t, SnapshotterOptions{FileCount: 3})

	src := NewSegmentedMap(64*1024, 0, 0)
	src.Set("stable", []byte("v1"))
	src.Get("stable")
	_, err := s.Save(src)
	require.NoError(t, err)

	src.Set("stable", []byte("v2"))
	src.Get("stable")
	newest, err := s.Save(src)
	require.NoError(t, err)

	// Corrupt only the newest snapshot.
	raw, err := os.ReadFile(newest.Path)
	require.NoError(t, err)
	raw[len(raw)-1] ^= 0xff
	require.NoError(t, os.WriteFile(newest.Path, raw, 0600))

	dst := NewSegmentedMap(64*1024, 0, 0)
	n, err := s.Load(dst)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	got, ok := dst.Get("stable")
	require.True(t, ok)
	assert.Equal(t, []byte("v1"), got, "the last known-good file must win over a corrupt newer one")
}

func TestSnapshotRetention(t *testing.T) {
	dir := t.TempDir()
	s := newTestSnapshotter(t, SnapshotterOptions{Directory: dir, FileCount: 2})

	src := NewSegmentedMap(64*1024, 0, 0)
	src.Set("k", []byte("v"))
	src.Get("k")

	var last string
	for i := 0; i < 4; i++ {
		info, err := s.Save(src)
		require.NoError(t, err)
		last = info.Path
	}

	names, err := s.snapshotFiles()
	require.NoError(t, err)
	assert.Len(t, names, 2, "retention must prune to file_count generations")
	assert.Equal(t, filepath.Base(last), names[0], "newest snapshot survives pruning")
}

func TestSnapshotLoadEmptyDirectory(t *testing.T) {
	s := newTestSnapshotter(t, SnapshotterOptions{})

	dst := NewSegmentedMap(64*1024, 0, 0)
	n, err := s.Load(dst)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestSnapshotLoadRespectsCapacity(t *testing.T) {
	s := newTestSnapshotter(t, SnapshotterOptions{})

	src := NewSegmentedMap(64*1024, 0, 0)
	for i := 0; i < 16; i++ {
		key := string(rune('a' + i))
		src.Set(key, payload(1024))
		src.Get(key)
	}
	_, err := s.Save(src)
	require.NoError(t, err)

	// A smaller bucket reloads only what fits.
	dst := NewSegmentedMap(4096, 0, 0)
	_, err = s.Load(dst)
	require.NoError(t, err)
	assert.LessOrEqual(t, dst.SizeBytes(), int64(4096))
}
