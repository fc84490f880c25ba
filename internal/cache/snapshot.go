package cache

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/sirupsen/logrus"

	"github.com/scttfrdmn/statecache/pkg/types"
	"github.com/scttfrdmn/statecache/pkg/utils"
)

// Snapshot file layout, all integers big-endian:
//
//	[magic u32][version u16][flags u16][entry_count u32]
//	repeat entry_count times:
//	  [key_len u32][key][value_len u32][value][frequency u32]
//	[xxhash64 over all preceding bytes, u64]
//
// When flags has flagCompressed set, the record section between header
// and checksum is a single gzip stream.
const (
	snapshotMagic   uint32 = 0x53434c52 // "SCLR"
	snapshotVersion uint16 = 1

	flagCompressed uint16 = 1 << 0

	headerSize   = 12
	checksumSize = 8

	snapshotPrefix = "bucket-"
	snapshotExt    = ".snap"
)

var (
	// ErrCorruptSnapshot marks a snapshot file that failed checksum or
	// structural validation. The whole file is rejected; a bucket is
	// never partially populated from a bad snapshot.
	ErrCorruptSnapshot = errors.New("corrupt snapshot")

	// ErrUnsupportedVersion marks a snapshot written by an unknown
	// format version.
	ErrUnsupportedVersion = errors.New("unsupported snapshot version")
)

// SnapshotterOptions configures snapshot persistence for a bucket.
type SnapshotterOptions struct {
	// Directory holds the snapshot files. Required.
	Directory string

	// FileCount is how many snapshot generations to retain. A new write
	// never clobbers the last known-good file. Defaults to 1.
	FileCount int

	// Compress gzips the record stream.
	Compress bool

	// WarmProtectMinHits is the frequency at or above which a restored
	// entry is placed directly into the protected segment, so a warm
	// snapshot restores a warm cache. Defaults to 2.
	WarmProtectMinHits int

	Logger *logrus.Logger
}

// Snapshotter persists and restores a bucket's full entry population,
// independent of the live read/write path. Persistence is best-effort:
// failures here never affect cache correctness.
type Snapshotter struct {
	dir         string
	fileCount   int
	compress    bool
	warmMinHits uint32
	log         *logrus.Logger
}

// NewSnapshotter creates the snapshot directory if needed.
func NewSnapshotter(opts SnapshotterOptions) (*Snapshotter, error) {
	if opts.Directory == "" {
		return nil, errors.New("snapshot directory not configured")
	}
	if opts.FileCount < 1 {
		opts.FileCount = 1
	}
	if opts.WarmProtectMinHits < 1 {
		opts.WarmProtectMinHits = 2
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}

	if err := os.MkdirAll(opts.Directory, 0750); err != nil {
		return nil, fmt.Errorf("create snapshot directory: %w", err)
	}

	return &Snapshotter{
		dir:         opts.Directory,
		fileCount:   opts.FileCount,
		compress:    opts.Compress,
		warmMinHits: uint32(opts.WarmProtectMinHits),
		log:         opts.Logger,
	}, nil
}

// Save writes the bucket's read-at-least-once entries to a fresh
// snapshot file and prunes files beyond the retention count. The entry
// copy is taken under the bucket lock; all file I/O happens outside it.
func (s *Snapshotter) Save(bucket *SegmentedMap) (types.SnapshotInfo, error) {
	entries := bucket.snapshotEntries()

	payload, err := s.encode(entries)
	if err != nil {
		return types.SnapshotInfo{}, err
	}

	path := filepath.Join(s.dir, fmt.Sprintf("%s%020d%s", snapshotPrefix, time.Now().UnixNano(), snapshotExt))
	tmp := path + ".tmp"

	if err := os.WriteFile(tmp, payload, 0600); err != nil {
		return types.SnapshotInfo{}, fmt.Errorf("write snapshot: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return types.SnapshotInfo{}, fmt.Errorf("commit snapshot: %w", err)
	}

	s.prune()

	s.log.WithFields(logrus.Fields{
		"file":    filepath.Base(path),
		"entries": len(entries),
		"size":    utils.FormatBytes(int64(len(payload))),
	}).Info("statecache: snapshot saved")

	return types.SnapshotInfo{Path: path, Entries: len(entries), Bytes: int64(len(payload))}, nil
}

// Load populates the bucket from the newest snapshot file that passes
// full validation. Corrupt files are rejected whole, logged and skipped;
// if none validates the bucket is left empty. Returns the number of
// restored entries.
func (s *Snapshotter) Load(bucket *SegmentedMap) (int, error) {
	files, err := s.snapshotFiles()
	if err != nil {
		return 0, err
	}

	for _, name := range files {
		records, err := s.decodeFile(filepath.Join(s.dir, name))
		if err != nil {
			s.log.WithError(err).WithField("file", name).Warn("statecache: rejecting snapshot")
			continue
		}
		for _, r := range records {
			bucket.loadEntry(r.Key, r.Value, r.Frequency, r.Frequency >= s.warmMinHits)
		}
		s.log.WithFields(logrus.Fields{
			"file":    name,
			"entries": len(records),
		}).Info("statecache: snapshot restored")
		return len(records), nil
	}
	return 0, nil
}

// encode serializes entries into a complete snapshot image including
// header and trailing checksum.
func (s *Snapshotter) encode(entries []SnapshotEntry) ([]byte, error) {
	var body bytes.Buffer
	var rec io.Writer = &body
	var gz *gzip.Writer
	if s.compress {
		gz = gzip.NewWriter(&body)
		rec = gz
	}

	var scratch [4]byte
	writeUint32 := func(v uint32) error {
		binary.BigEndian.PutUint32(scratch[:], v)
		_, err := rec.Write(scratch[:])
		return err
	}

	for _, e := range entries {
		if err := writeUint32(uint32(len(e.Key))); err != nil {
			return nil, fmt.Errorf("encode snapshot: %w", err)
		}
		if _, err := io.WriteString(rec, e.Key); err != nil {
			return nil, fmt.Errorf("encode snapshot: %w", err)
		}
		if err := writeUint32(uint32(len(e.Value))); err != nil {
			return nil, fmt.Errorf("encode snapshot: %w", err)
		}
		if _, err := rec.Write(e.Value); err != nil {
			return nil, fmt.Errorf("encode snapshot: %w", err)
		}
		if err := writeUint32(e.Frequency); err != nil {
			return nil, fmt.Errorf("encode snapshot: %w", err)
		}
	}
	if gz != nil {
		if err := gz.Close(); err != nil {
			return nil, fmt.Errorf("encode snapshot: %w", err)
		}
	}

	var flags uint16
	if s.compress {
		flags |= flagCompressed
	}

	out := make([]byte, headerSize, headerSize+body.Len()+checksumSize)
	binary.BigEndian.PutUint32(out[0:4], snapshotMagic)
	binary.BigEndian.PutUint16(out[4:6], snapshotVersion)
	binary.BigEndian.PutUint16(out[6:8], flags)
	binary.BigEndian.PutUint32(out[8:12], uint32(len(entries)))
	out = append(out, body.Bytes()...)

	var sum [checksumSize]byte
	binary.BigEndian.PutUint64(sum[:], xxhash.Sum64(out))
	return append(out, sum[:]...), nil
}

// decodeFile validates and parses one snapshot file. Validation is
// all-or-nothing: the checksum is verified over the full image and every
// length field is checked against the remaining bytes before any record
// is returned.
func (s *Snapshotter) decodeFile(path string) ([]SnapshotEntry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	if len(raw) < headerSize+checksumSize {
		return nil, fmt.Errorf("%w: file too short", ErrCorruptSnapshot)
	}

	payload := raw[:len(raw)-checksumSize]
	want := binary.BigEndian.Uint64(raw[len(raw)-checksumSize:])
	if xxhash.Sum64(payload) != want {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrCorruptSnapshot)
	}

	if binary.BigEndian.Uint32(payload[0:4]) != snapshotMagic {
		return nil, fmt.Errorf("%w: bad magic", ErrCorruptSnapshot)
	}
	if v := binary.BigEndian.Uint16(payload[4:6]); v != snapshotVersion {
		return nil, fmt.Errorf("%w: version %d", ErrUnsupportedVersion, v)
	}
	flags := binary.BigEndian.Uint16(payload[6:8])
	count := binary.BigEndian.Uint32(payload[8:12])

	body := payload[headerSize:]
	if flags&flagCompressed != 0 {
		gz, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorruptSnapshot, err)
		}
		body, err = io.ReadAll(gz)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorruptSnapshot, err)
		}
		if err := gz.Close(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorruptSnapshot, err)
		}
	}

	// A record needs at least 12 bytes, so the header count cannot demand
	// more capacity than the body could possibly hold.
	records := make([]SnapshotEntry, 0, min(int(count), len(body)/12))
	off := 0
	readUint32 := func() (uint32, bool) {
		if off+4 > len(body) {
			return 0, false
		}
		v := binary.BigEndian.Uint32(body[off : off+4])
		off += 4
		return v, true
	}
	readBytes := func(n uint32) ([]byte, bool) {
		if int64(len(body)-off) < int64(n) {
			return nil, false
		}
		b := body[off : off+int(n)]
		off += int(n)
		return b, true
	}

	for i := uint32(0); i < count; i++ {
		keyLen, ok := readUint32()
		if !ok {
			return nil, fmt.Errorf("%w: truncated record %d", ErrCorruptSnapshot, i)
		}
		key, ok := readBytes(keyLen)
		if !ok {
			return nil, fmt.Errorf("%w: truncated record %d", ErrCorruptSnapshot, i)
		}
		valueLen, ok := readUint32()
		if !ok {
			return nil, fmt.Errorf("%w: truncated record %d", ErrCorruptSnapshot, i)
		}
		value, ok := readBytes(valueLen)
		if !ok {
			return nil, fmt.Errorf("%w: truncated record %d", ErrCorruptSnapshot, i)
		}
		frequency, ok := readUint32()
		if !ok {
			return nil, fmt.Errorf("%w: truncated record %d", ErrCorruptSnapshot, i)
		}

		stored := make([]byte, len(value))
		copy(stored, value)
		records = append(records, SnapshotEntry{Key: string(key), Value: stored, Frequency: frequency})
	}
	if off != len(body) {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrCorruptSnapshot, len(body)-off)
	}
	return records, nil
}

// snapshotFiles lists snapshot file names newest-first.
func (s *Snapshotter) snapshotFiles() ([]string, error) {
	dirents, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}

	var names []string
	for _, d := range dirents {
		name := d.Name()
		if d.Type().IsRegular() && strings.HasPrefix(name, snapshotPrefix) && strings.HasSuffix(name, snapshotExt) {
			names = append(names, name)
		}
	}
	// Names embed a zero-padded nanosecond timestamp, so lexical order
	// is chronological.
	sort.Sort(sort.Reverse(sort.StringSlice(names)))
	return names, nil
}

// prune removes snapshot files beyond the retention count, oldest first.
func (s *Snapshotter) prune() {
	names, err := s.snapshotFiles()
	if err != nil {
		s.log.WithError(err).Warn("statecache: snapshot prune skipped")
		return
	}
	for _, name := range names[min(len(names), s.fileCount):] {
		if err := os.Remove(filepath.Join(s.dir, name)); err != nil {
			s.log.WithError(err).WithField("file", name).Warn("statecache: could not prune snapshot")
		}
	}
}
