package compression

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/golang/snappy"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

type Algorithm int

const (
	None Algorithm = iota
	Gzip
	Brotli
	LZ4
	Zstd
	Snappy
)

var algorithmNames = map[Algorithm]string{
	None:   "none",
	Gzip:   "gzip",
	Brotli: "brotli",
	LZ4:    "lz4",
	Zstd:   "zstd",
	Snappy: "snappy",
}

// Algorithms lists every supported algorithm, None first.
func Algorithms() []Algorithm {
	return []Algorithm{None, Gzip, Brotli, LZ4, Zstd, Snappy}
}

func (a Algorithm) String() string {
	if s, ok := algorithmNames[a]; ok {
		return s
	}
	return fmt.Sprintf("algorithm(%d)", int(a))
}

func ParseAlgorithm(s string) (Algorithm, error) {
	for a, name := range algorithmNames {
		if strings.EqualFold(s, name) {
			return a, nil
		}
	}
	return None, fmt.Errorf("unknown compression algorithm %q", s)
}

func (a Algorithm) MarshalText() ([]byte, error) { return []byte(a.String()), nil }

func (a *Algorithm) UnmarshalText(b []byte) error {
	v, err := ParseAlgorithm(string(b))
	if err != nil {
		return err
	}
	*a = v
	return nil
}

type Level int

const (
	Fastest Level = iota
	Default
	Best
)

func (l Level) String() string {
	switch l {
	case Fastest:
		return "fastest"
	case Default:
		return "default"
	case Best:
		return "best"
	}
	return fmt.Sprintf("level(%d)", int(l))
}

func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(s) {
	case "fastest":
		return Fastest, nil
	case "", "default":
		return Default, nil
	case "best":
		return Best, nil
	}
	return Default, fmt.Errorf("unknown compression level %q", s)
}

func (l Level) MarshalText() ([]byte, error) { return []byte(l.String()), nil }

func (l *Level) UnmarshalText(b []byte) error {
	v, err := ParseLevel(string(b))
	if err != nil {
		return err
	}
	*l = v
	return nil
}

// Compressor is one compression algorithm. Implementations are safe for
// concurrent use.
type Compressor interface {
	Algorithm() Algorithm
	Compress(data []byte, level Level) ([]byte, error)
	Decompress(data []byte) ([]byte, error)
}

// NewCompressor returns the Compressor for alg.
func NewCompressor(alg Algorithm) (Compressor, error) {
	switch alg {
	case None:
		return noneCompressor{}, nil
	case Gzip:
		return gzipCompressor{}, nil
	case Brotli:
		return brotliCompressor{}, nil
	case LZ4:
		return lz4Compressor{}, nil
	case Zstd:
		return zstdCompressor{}, nil
	case Snappy:
		return snappyCompressor{}, nil
	}
	return nil, fmt.Errorf("unsupported compression algorithm %v", alg)
}

type noneCompressor struct{}

func (noneCompressor) Algorithm() Algorithm { return None }

func (noneCompressor) Compress(data []byte, _ Level) ([]byte, error) {
	return bytes.Clone(data), nil
}

func (noneCompressor) Decompress(data []byte) ([]byte, error) {
	return bytes.Clone(data), nil
}

type gzipCompressor struct{}

func (gzipCompressor) Algorithm() Algorithm { return Gzip }

func (gzipCompressor) Compress(data []byte, level Level) ([]byte, error) {
	lvl := gzip.DefaultCompression
	switch level {
	case Fastest:
		lvl = gzip.BestSpeed
	case Best:
		lvl = gzip.BestCompression
	}
	var bb bytes.Buffer
	w, err := gzip.NewWriterLevel(&bb, lvl)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return bb.Bytes(), nil
}

func (gzipCompressor) Decompress(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

type brotliCompressor struct{}

func (brotliCompressor) Algorithm() Algorithm { return Brotli }

func (brotliCompressor) Compress(data []byte, level Level) ([]byte, error) {
	lvl := brotli.DefaultCompression
	switch level {
	case Fastest:
		lvl = brotli.BestSpeed
	case Best:
		lvl = brotli.BestCompression
	}
	var bb bytes.Buffer
	w := brotli.NewWriterLevel(&bb, lvl)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return bb.Bytes(), nil
}

func (brotliCompressor) Decompress(data []byte) ([]byte, error) {
	return io.ReadAll(brotli.NewReader(bytes.NewReader(data)))
}

type lz4Compressor struct{}

func (lz4Compressor) Algorithm() Algorithm { return LZ4 }

func (lz4Compressor) Compress(data []byte, level Level) ([]byte, error) {
	lvl := lz4.Level5
	switch level {
	case Fastest:
		lvl = lz4.Fast
	case Best:
		lvl = lz4.Level9
	}
	var bb bytes.Buffer
	w := lz4.NewWriter(&bb)
	if err := w.Apply(lz4.CompressionLevelOption(lvl)); err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return bb.Bytes(), nil
}

func (lz4Compressor) Decompress(data []byte) ([]byte, error) {
	return io.ReadAll(lz4.NewReader(bytes.NewReader(data)))
}

type zstdCompressor struct{}

func (zstdCompressor) Algorithm() Algorithm { return Zstd }

func (zstdCompressor) Compress(data []byte, level Level) ([]byte, error) {
	lvl := zstd.SpeedDefault
	switch level {
	case Fastest:
		lvl = zstd.SpeedFastest
	case Best:
		lvl = zstd.SpeedBestCompression
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(lvl), zstd.WithEncoderConcurrency(1))
	if err != nil {
		return nil, err
	}
	defer enc.Close()
	return enc.EncodeAll(data, nil), nil
}

func (zstdCompressor) Decompress(data []byte) ([]byte, error) {
	dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return nil, err
	}
	defer dec.Close()
	return dec.DecodeAll(data, nil)
}

// snappy has a single level.
type snappyCompressor struct{}

func (snappyCompressor) Algorithm() Algorithm { return Snappy }

func (snappyCompressor) Compress(data []byte, _ Level) ([]byte, error) {
	return snappy.Encode(nil, data), nil
}

func (snappyCompressor) Decompress(data []byte) ([]byte, error) {
	return snappy.Decode(nil, data)
}
