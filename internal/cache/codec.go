package cache

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// Codec names recognized by NewCodec.
const (
	CodecNone = "none"
	CodecGzip = "gzip"
	CodecZstd = "zstd"
)

// Codec compresses and decompresses opaque payloads. Implementations
// must be safe for concurrent use; the client calls them outside the
// bucket lock.
type Codec interface {
	Name() string
	Compress(data []byte) ([]byte, error)
	Decompress(data []byte) ([]byte, error)
}

// NewCodec returns the codec registered under name. The empty name
// selects the passthrough codec.
func NewCodec(name string) (Codec, error) {
	switch name {
	case "", CodecNone:
		return nopCodec{}, nil
	case CodecGzip:
		return gzipCodec{}, nil
	case CodecZstd:
		return newZstdCodec()
	default:
		return nil, fmt.Errorf("unknown compression codec %q", name)
	}
}

type nopCodec struct{}

func (nopCodec) Name() string                           { return CodecNone }
func (nopCodec) Compress(data []byte) ([]byte, error)   { return data, nil }
func (nopCodec) Decompress(data []byte) ([]byte, error) { return data, nil }

type gzipCodec struct{}

func (gzipCodec) Name() string { return CodecGzip }

func (gzipCodec) Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (gzipCodec) Decompress(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer func() { _ = r.Close() }()
	return io.ReadAll(r)
}

// zstdCodec pools encoders: each one holds large internal buffers, so
// recreating them per call would dominate allocation cost.
type zstdCodec struct {
	encoders sync.Pool
	decoder  *zstd.Decoder
}

func newZstdCodec() (*zstdCodec, error) {
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}

	c := &zstdCodec{decoder: decoder}
	c.encoders = sync.Pool{
		New: func() interface{} {
			enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
			if err != nil {
				// Only reachable with invalid options.
				panic("statecache: zstd encoder init: " + err.Error())
			}
			return enc
		},
	}
	return c, nil
}

func (c *zstdCodec) Name() string { return CodecZstd }

func (c *zstdCodec) Compress(data []byte) ([]byte, error) {
	enc := c.encoders.Get().(*zstd.Encoder)
	defer func() {
		enc.Reset(nil)
		c.encoders.Put(enc)
	}()
	return enc.EncodeAll(data, make([]byte, 0, len(data)/2)), nil
}

func (c *zstdCodec) Decompress(data []byte) ([]byte, error) {
	return c.decoder.DecodeAll(data, nil)
}
