// Package compression compresses sync payloads and picks an algorithm for a
// payload given its size, its priority and the current network quality.
package compression

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"offline-sync-engine/internal/config"
	"offline-sync-engine/internal/logger"
	"offline-sync-engine/internal/network"
	"offline-sync-engine/internal/priority"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var ErrCorrupt = errors.New("compression: decompressed size does not match original")

// Bits per byte above which a payload is treated as already compressed.
const incompressibleEntropy = 7.5

// Only the head of a payload is sampled for entropy.
const entropySample = 8 << 10

type Config struct {
	Enabled bool
	// Fixed forces an algorithm; nil lets SelectStrategy decide.
	Fixed *Algorithm
	Level Level
	// Payloads smaller than this are never compressed.
	MinPayloadSize int
	// Payloads at least this big count as large for selection.
	LargePayloadSize int
	MinRatio         float64
	MinSavedBytes    int
}

func DefaultConfig() Config {
	return Config{
		Enabled:          true,
		Level:            Default,
		MinPayloadSize:   1024,
		LargePayloadSize: 64 << 10,
		MinRatio:         1.1,
		MinSavedBytes:    256,
	}
}

// ConfigFrom translates the file configuration.
func ConfigFrom(c config.CompressionConfig) (Config, error) {
	cfg := DefaultConfig()
	cfg.Enabled = c.Enabled
	if c.Algorithm != "" && c.Algorithm != "auto" {
		alg, err := ParseAlgorithm(c.Algorithm)
		if err != nil {
			return cfg, err
		}
		cfg.Fixed = &alg
	}
	lvl, err := ParseLevel(c.Level)
	if err != nil {
		return cfg, err
	}
	cfg.Level = lvl
	if c.MinPayloadSize > 0 {
		cfg.MinPayloadSize = c.MinPayloadSize
	}
	if c.MinRatio > 0 {
		cfg.MinRatio = c.MinRatio
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.MinPayloadSize < 0 || c.MinSavedBytes < 0 {
		return errors.New("compression: size thresholds must not be negative")
	}
	if c.MinRatio < 1 {
		return fmt.Errorf("compression: min ratio %.2f below 1", c.MinRatio)
	}
	return nil
}

// Result is one compressed payload together with what it cost.
type Result struct {
	Algorithm      Algorithm     `json:"algorithm"`
	Level          Level         `json:"level"`
	OriginalSize   int           `json:"original_size"`
	CompressedSize int           `json:"compressed_size"`
	Duration       time.Duration `json:"duration"`
	// Worthwhile is false when the caller should send the payload as is.
	Worthwhile bool   `json:"worthwhile"`
	Data       []byte `json:"-"`
}

func (r *Result) Ratio() float64 {
	if r.CompressedSize == 0 {
		return 0
	}
	return float64(r.OriginalSize) / float64(r.CompressedSize)
}

func (r *Result) SavedBytes() int {
	return r.OriginalSize - r.CompressedSize
}

type Strategy struct {
	Algorithm Algorithm `json:"algorithm"`
	Level     Level     `json:"level"`
	Reason    string    `json:"reason"`
}

type Option func(*Service)

// WithMonitor sets the network signal used for the worthwhile check.
func WithMonitor(m network.Monitor) Option {
	return func(s *Service) { s.monitor = m }
}

type Service struct {
	cfg         Config
	monitor     network.Monitor
	compressors map[Algorithm]Compressor
}

func NewService(cfg Config, opts ...Option) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Service{
		cfg:         cfg,
		monitor:     network.NewStatic(network.Moderate),
		compressors: make(map[Algorithm]Compressor),
	}
	for _, alg := range Algorithms() {
		c, err := NewCompressor(alg)
		if err != nil {
			return nil, err
		}
		s.compressors[alg] = c
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Service) Config() Config { return s.cfg }

// Compress compresses payload with alg at the configured level.
func (s *Service) Compress(payload []byte, alg Algorithm) (*Result, error) {
	return s.CompressLevel(payload, alg, s.cfg.Level)
}

func (s *Service) CompressLevel(payload []byte, alg Algorithm, level Level) (*Result, error) {
	c, ok := s.compressors[alg]
	if !ok {
		return nil, fmt.Errorf("unsupported compression algorithm %v", alg)
	}
	start := time.Now()
	data, err := c.Compress(payload, level)
	if err != nil {
		return nil, fmt.Errorf("failed to compress with %v: %w", alg, err)
	}
	r := &Result{
		Algorithm:      alg,
		Level:          level,
		OriginalSize:   len(payload),
		CompressedSize: len(data),
		Duration:       time.Since(start),
		Data:           data,
	}
	r.Worthwhile = s.worthwhile(r, s.monitor.Quality())
	return r, nil
}

// worthwhile holds when the payload shrank enough and compressing took no
// longer than the transfer time the savings buy at quality q.
func (s *Service) worthwhile(r *Result, q network.Quality) bool {
	if r.Algorithm == None {
		return false
	}
	if r.Ratio() < s.cfg.MinRatio || r.SavedBytes() < s.cfg.MinSavedBytes {
		return false
	}
	bw := q.Bandwidth()
	if bw == 0 {
		return true
	}
	saved := time.Duration(float64(r.SavedBytes()) / bw * float64(time.Second))
	return r.Duration <= saved
}

func (s *Service) Decompress(r *Result) ([]byte, error) {
	if r == nil {
		return nil, errors.New("compression: nil result")
	}
	c, ok := s.compressors[r.Algorithm]
	if !ok {
		return nil, fmt.Errorf("unsupported compression algorithm %v", r.Algorithm)
	}
	out, err := c.Decompress(r.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress %v payload: %w", r.Algorithm, err)
	}
	if len(out) != r.OriginalSize {
		return nil, ErrCorrupt
	}
	return out, nil
}

// CompressJSON serializes v and compresses the bytes.
func (s *Service) CompressJSON(v any, alg Algorithm) (*Result, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}
	return s.Compress(b, alg)
}

func (s *Service) DecompressJSON(r *Result, out any) error {
	b, err := s.Decompress(r)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, out)
}

// SelectStrategy picks an algorithm and level for payload. The rules favour
// ratio on constrained links and speed for urgent items on any link.
func (s *Service) SelectStrategy(payload []byte, q network.Quality, p priority.Level) Strategy {
	size := len(payload)
	switch {
	case !s.cfg.Enabled:
		return Strategy{None, s.cfg.Level, "compression disabled"}
	case size < s.cfg.MinPayloadSize:
		return Strategy{None, s.cfg.Level, "payload below minimum size"}
	case s.cfg.Fixed != nil:
		return Strategy{*s.cfg.Fixed, s.cfg.Level, "algorithm fixed by configuration"}
	case Entropy(payload) > incompressibleEntropy:
		return Strategy{None, s.cfg.Level, "payload looks incompressible"}
	}

	large := size >= s.cfg.LargePayloadSize
	switch {
	case q == network.Offline:
		return Strategy{Brotli, Best, "offline: payload waits, maximise ratio"}
	case p >= priority.High:
		return Strategy{LZ4, Fastest, "urgent item: latency before ratio"}
	case q == network.Poor && large:
		return Strategy{Brotli, Best, "large payload on a poor link"}
	case q == network.Poor:
		return Strategy{Gzip, Best, "poor link"}
	case q == network.Moderate:
		return Strategy{Gzip, Default, "moderate link"}
	case large:
		return Strategy{Zstd, Default, "large payload on a fast link"}
	default:
		return Strategy{LZ4, Default, "fast link"}
	}
}

// Entropy is the Shannon entropy of the payload head in bits per byte.
func Entropy(payload []byte) float64 {
	if len(payload) > entropySample {
		payload = payload[:entropySample]
	}
	if len(payload) == 0 {
		return 0
	}
	var counts [256]int
	for _, b := range payload {
		counts[b]++
	}
	n := float64(len(payload))
	var h float64
	for _, c := range counts {
		if c == 0 {
			continue
		}
		p := float64(c) / n
		h -= p * math.Log2(p)
	}
	return h
}

type BenchmarkEntry struct {
	Algorithm      Algorithm     `json:"algorithm"`
	Level          Level         `json:"level"`
	CompressedSize int           `json:"compressed_size"`
	Ratio          float64       `json:"ratio"`
	CompressTime   time.Duration `json:"compress_time"`
	DecompressTime time.Duration `json:"decompress_time"`
	Worthwhile     bool          `json:"worthwhile"`
	Err            string        `json:"error,omitempty"`
}

type BenchmarkReport struct {
	OriginalSize int              `json:"original_size"`
	Entries      []BenchmarkEntry `json:"entries"`
	BestRatio    Algorithm        `json:"best_ratio"`
	Fastest      Algorithm        `json:"fastest"`
}

// Benchmark compresses payload with every algorithm at the configured level
// and verifies each round trip. Entries are sorted by ratio, best first.
func (s *Service) Benchmark(payload []byte) (*BenchmarkReport, error) {
	report := &BenchmarkReport{OriginalSize: len(payload)}
	for _, alg := range Algorithms() {
		if alg == None {
			continue
		}
		entry := BenchmarkEntry{Algorithm: alg, Level: s.cfg.Level}
		r, err := s.Compress(payload, alg)
		if err != nil {
			entry.Err = err.Error()
			report.Entries = append(report.Entries, entry)
			continue
		}
		start := time.Now()
		_, err = s.Decompress(r)
		entry.DecompressTime = time.Since(start)
		if err != nil {
			entry.Err = err.Error()
		}
		entry.CompressedSize = r.CompressedSize
		entry.Ratio = r.Ratio()
		entry.CompressTime = r.Duration
		entry.Worthwhile = r.Worthwhile && err == nil
		report.Entries = append(report.Entries, entry)
	}

	ok := lo.Filter(report.Entries, func(e BenchmarkEntry, _ int) bool { return e.Err == "" })
	if len(ok) == 0 {
		return report, errors.New("compression: every algorithm failed")
	}
	report.BestRatio = lo.MaxBy(ok, func(a, b BenchmarkEntry) bool { return a.Ratio > b.Ratio }).Algorithm
	report.Fastest = lo.MinBy(ok, func(a, b BenchmarkEntry) bool { return a.CompressTime < b.CompressTime }).Algorithm
	sort.SliceStable(report.Entries, func(i, j int) bool {
		return report.Entries[i].Ratio > report.Entries[j].Ratio
	})

	logger.Log.Debug("Compression benchmark finished",
		zap.Int("size", len(payload)),
		zap.Stringer("best_ratio", report.BestRatio),
		zap.Stringer("fastest", report.Fastest))
	return report, nil
}
