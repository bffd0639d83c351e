package compression

import (
	"bytes"
	"crypto/rand"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"offline-sync-engine/internal/config"
	"offline-sync-engine/internal/network"
	"offline-sync-engine/internal/priority"
)

func newService(t *testing.T, opts ...Option) *Service {
	t.Helper()
	s, err := NewService(DefaultConfig(), opts...)
	require.NoError(t, err)
	return s
}

func repetitiveJSON(size int) []byte {
	var b strings.Builder
	b.WriteString("[")
	for i := 0; b.Len() < size; i++ {
		if i > 0 {
			b.WriteString(",")
		}
		fmt.Fprintf(&b, `{"id":%d,"status":"pending","owner":"user-1","tags":["a","b"]}`, i%10)
	}
	b.WriteString("]")
	return []byte(b.String())
}

func randomBytes(t *testing.T, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	_, err := rand.Read(b)
	require.NoError(t, err)
	return b
}

func TestRoundTripEveryAlgorithm(t *testing.T) {
	s := newService(t)
	payloads := map[string][]byte{
		"empty":      {},
		"tiny":       []byte("x"),
		"json":       repetitiveJSON(20 << 10),
		"random":     randomBytes(t, 4096),
		"binary-ish": bytes.Repeat([]byte{0, 1, 2, 255}, 1000),
	}
	for _, alg := range Algorithms() {
		for _, lvl := range []Level{Fastest, Default, Best} {
			for name, p := range payloads {
				t.Run(fmt.Sprintf("%v/%v/%s", alg, lvl, name), func(t *testing.T) {
					r, err := s.CompressLevel(p, alg, lvl)
					require.NoError(t, err)
					assert.Equal(t, len(p), r.OriginalSize)
					out, err := s.Decompress(r)
					require.NoError(t, err)
					assert.True(t, bytes.Equal(p, out))
				})
			}
		}
	}
}

func TestGzipOnRepetitiveJSONIsWorthwhile(t *testing.T) {
	s := newService(t)
	payload := repetitiveJSON(50 << 10)

	r, err := s.Compress(payload, Gzip)
	require.NoError(t, err)
	assert.True(t, r.Worthwhile)
	assert.Greater(t, r.Ratio(), 5.0)
	assert.Equal(t, len(payload)-r.CompressedSize, r.SavedBytes())
}

func TestRandomPayloadIsNotWorthwhile(t *testing.T) {
	s := newService(t)
	r, err := s.Compress(randomBytes(t, 32<<10), Gzip)
	require.NoError(t, err)
	assert.False(t, r.Worthwhile)

	none, err := s.Compress(repetitiveJSON(8<<10), None)
	require.NoError(t, err)
	assert.False(t, none.Worthwhile)
	assert.Equal(t, 1.0, none.Ratio())
}

func TestDecompressDetectsCorruption(t *testing.T) {
	s := newService(t)
	r, err := s.Compress(repetitiveJSON(4<<10), Gzip)
	require.NoError(t, err)

	r.OriginalSize++
	_, err = s.Decompress(r)
	assert.ErrorIs(t, err, ErrCorrupt)

	r.Data = []byte("not gzip")
	_, err = s.Decompress(r)
	assert.Error(t, err)

	_, err = s.Decompress(nil)
	assert.Error(t, err)
}

func TestCompressJSON(t *testing.T) {
	s := newService(t)
	in := map[string]any{"id": "n1", "body": strings.Repeat("lorem ipsum ", 200)}

	r, err := s.CompressJSON(in, Zstd)
	require.NoError(t, err)

	var out map[string]any
	require.NoError(t, s.DecompressJSON(r, &out))
	assert.Equal(t, in, out)
}

func TestSelectStrategy(t *testing.T) {
	s := newService(t)
	small := []byte(`{"id":1}`)
	medium := repetitiveJSON(8 << 10)
	large := repetitiveJSON(128 << 10)

	tests := []struct {
		name    string
		payload []byte
		quality network.Quality
		prio    priority.Level
		want    Algorithm
		level   Level
	}{
		{"small payload", small, network.Poor, priority.Normal, None, Default},
		{"offline", medium, network.Offline, priority.Normal, Brotli, Best},
		{"urgent on good link", large, network.Good, priority.Critical, LZ4, Fastest},
		{"urgent on poor link", medium, network.Poor, priority.Critical, LZ4, Fastest},
		{"high on moderate link", large, network.Moderate, priority.High, LZ4, Fastest},
		{"large on poor", large, network.Poor, priority.Normal, Brotli, Best},
		{"moderate", medium, network.Moderate, priority.Low, Gzip, Default},
		{"large on excellent", large, network.Excellent, priority.Normal, Zstd, Default},
		{"medium on good", medium, network.Good, priority.Normal, LZ4, Default},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := s.SelectStrategy(tt.payload, tt.quality, tt.prio)
			assert.Equal(t, tt.want, st.Algorithm)
			assert.Equal(t, tt.level, st.Level)
			assert.NotEmpty(t, st.Reason)
		})
	}
}

func TestSelectStrategySkipsIncompressible(t *testing.T) {
	s := newService(t)
	st := s.SelectStrategy(randomBytes(t, 16<<10), network.Poor, priority.Normal)
	assert.Equal(t, None, st.Algorithm)
	assert.Greater(t, Entropy(randomBytes(t, 16<<10)), incompressibleEntropy)
	assert.Less(t, Entropy(repetitiveJSON(16<<10)), 5.0)
}

func TestSelectStrategyHonoursConfig(t *testing.T) {
	cfg, err := ConfigFrom(config.CompressionConfig{Enabled: true, Algorithm: "snappy", Level: "fastest"})
	require.NoError(t, err)
	s, err := NewService(cfg)
	require.NoError(t, err)
	st := s.SelectStrategy(repetitiveJSON(8<<10), network.Poor, priority.Low)
	assert.Equal(t, Snappy, st.Algorithm)
	assert.Equal(t, Fastest, st.Level)

	cfg.Enabled = false
	s, err = NewService(cfg)
	require.NoError(t, err)
	assert.Equal(t, None, s.SelectStrategy(repetitiveJSON(8<<10), network.Poor, priority.Low).Algorithm)

	_, err = ConfigFrom(config.CompressionConfig{Algorithm: "rar"})
	assert.Error(t, err)
	_, err = NewService(Config{MinRatio: 0.5})
	assert.Error(t, err)
}

func TestWorthwhileDependsOnNetwork(t *testing.T) {
	fast := newService(t, WithMonitor(network.NewStatic(network.Excellent)))
	r := &Result{Algorithm: Gzip, OriginalSize: 10000, CompressedSize: 5000}

	r.Duration = 0
	assert.True(t, fast.worthwhile(r, network.Excellent))
	// 5000 bytes at 12MiB/s is well under a millisecond.
	r.Duration = 50 * time.Millisecond
	assert.False(t, fast.worthwhile(r, network.Excellent))
	assert.True(t, fast.worthwhile(r, network.Offline))
	assert.True(t, fast.worthwhile(r, network.Poor))
}

func TestBenchmark(t *testing.T) {
	s := newService(t)
	report, err := s.Benchmark(repetitiveJSON(32 << 10))
	require.NoError(t, err)

	assert.Len(t, report.Entries, len(Algorithms())-1)
	for i := 1; i < len(report.Entries); i++ {
		assert.GreaterOrEqual(t, report.Entries[i-1].Ratio, report.Entries[i].Ratio)
	}
	assert.Equal(t, report.Entries[0].Algorithm, report.BestRatio)
	assert.NotEqual(t, None, report.Fastest)
}

func TestParseAlgorithmAndLevel(t *testing.T) {
	a, err := ParseAlgorithm("Brotli")
	require.NoError(t, err)
	assert.Equal(t, Brotli, a)

	var u Algorithm
	require.NoError(t, u.UnmarshalText([]byte("lz4")))
	assert.Equal(t, LZ4, u)
	assert.Error(t, u.UnmarshalText([]byte("lzma")))

	l, err := ParseLevel("")
	require.NoError(t, err)
	assert.Equal(t, Default, l)
	_, err = ParseLevel("max")
	assert.Error(t, err)

	var lv Level
	require.NoError(t, lv.UnmarshalText([]byte("best")))
	assert.Equal(t, Best, lv)
	b, err := lv.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "best", string(b))
	assert.Error(t, lv.UnmarshalText([]byte("max")))
}
