package index

import (
	"io"
	"log/slog"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openTestFile(t *testing.T, slots, max int32) *File {
	t.Helper()

	f, err := Open(filepath.Join(t.TempDir(), "20240101120000000"), slots, max, 0, 0, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Close() })
	return f
}

func TestFilePutSelect(t *testing.T) {
	f := openTestFile(t, 4, 100)

	require.True(t, f.PutKey("A#x", 1000, 5000))
	require.True(t, f.PutKey("A#y", 2000, 5100))

	require.Equal(t, []int64{1000}, f.SelectPhyOffsets(nil, "A#x", 10, 0, math.MaxInt64))
	require.Equal(t, []int64{2000}, f.SelectPhyOffsets(nil, "A#y", 10, 0, math.MaxInt64))
	require.Empty(t, f.SelectPhyOffsets(nil, "A#z", 10, 0, math.MaxInt64))

	t.Run("TimeFiltered", func(t *testing.T) {
		require.Empty(t, f.SelectPhyOffsets(nil, "A#x", 10, 6000, 7000))
		require.Equal(t, []int64{1000}, f.SelectPhyOffsets(nil, "A#x", 10, 5000, 5000))
	})

	t.Run("Header", func(t *testing.T) {
		require.Equal(t, int64(5000), f.BeginTimestamp())
		require.Equal(t, int64(5100), f.EndTimestamp())
		require.Equal(t, int64(1000), f.BeginPhyOffset())
		require.Equal(t, int64(2000), f.EndPhyOffset())
		require.Equal(t, int32(3), f.IndexCount())
	})
}

func TestFileChainOrder(t *testing.T) {
	f := openTestFile(t, 4, 100)

	require.True(t, f.PutKey("A#k", 10, 5000))
	require.True(t, f.PutKey("A#k", 20, 5010))
	require.True(t, f.PutKey("A#k", 30, 5020))

	// a bucket chain walks newest entry first
	require.Equal(t, []int64{30, 20, 10}, f.SelectPhyOffsets(nil, "A#k", 10, 0, math.MaxInt64))

	t.Run("MaxCount", func(t *testing.T) {
		require.Equal(t, []int64{30, 20}, f.SelectPhyOffsets(nil, "A#k", 2, 0, math.MaxInt64))
	})
}

func TestFileHashCollision(t *testing.T) {
	f := openTestFile(t, 4, 100)

	// "Aa" and "BB" share the full 32-bit hash; the index cannot tell
	// them apart, callers re-read the message to disambiguate
	require.Equal(t, KeyHash("Aa"), KeyHash("BB"))

	require.True(t, f.PutKey("Aa", 100, 5000))
	require.True(t, f.PutKey("BB", 200, 5010))

	require.Equal(t, []int64{200, 100}, f.SelectPhyOffsets(nil, "Aa", 10, 0, math.MaxInt64))
	require.Equal(t, []int64{200, 100}, f.SelectPhyOffsets(nil, "BB", 10, 0, math.MaxInt64))
}

func TestFileWriteFull(t *testing.T) {
	f := openTestFile(t, 4, 2)

	require.False(t, f.WriteFull())
	require.True(t, f.PutKey("A#1", 100, 5000))
	require.True(t, f.PutKey("A#2", 200, 5010))

	require.False(t, f.PutKey("A#3", 300, 5020))
	require.True(t, f.WriteFull())

	// full files still serve queries
	require.Equal(t, []int64{100}, f.SelectPhyOffsets(nil, "A#1", 10, 0, math.MaxInt64))
}

func TestFileTimeMatched(t *testing.T) {
	f := openTestFile(t, 4, 100)

	require.False(t, f.TimeMatched(0, math.MaxInt64), "no puts yet")

	require.True(t, f.PutKey("A#k", 100, 5000))
	require.True(t, f.PutKey("A#k", 200, 6000))

	require.True(t, f.TimeMatched(0, math.MaxInt64))
	require.True(t, f.TimeMatched(5500, 5600))
	require.True(t, f.TimeMatched(4000, 5000))
	require.True(t, f.TimeMatched(6000, 7000))
	require.False(t, f.TimeMatched(1000, 4999))
	require.False(t, f.TimeMatched(6001, 7000))
}

func TestFileTimeDeltaClamp(t *testing.T) {
	f := openTestFile(t, 4, 100)

	require.True(t, f.PutKey("A#k", 100, 5000))

	// skewed clock: entry stays reachable, its time collapses onto
	// the file begin timestamp
	require.True(t, f.PutKey("A#skew", 200, 4000))
	require.Equal(t, []int64{200}, f.SelectPhyOffsets(nil, "A#skew", 10, 5000, 5000))

	// replay after long downtime, delta overflows an int32
	require.True(t, f.PutKey("A#late", 300, 5000+math.MaxInt32+1))
	require.Equal(t, []int64{300}, f.SelectPhyOffsets(nil, "A#late", 10, 5000, 5000))
}

func TestFileReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "20240101120000000")

	f, err := Open(path, 4, 100, 0, 0, testLogger())
	require.NoError(t, err)

	require.True(t, f.PutKey("A#x", 1000, 5000))
	require.True(t, f.PutKey("A#y", 2000, 5100))
	require.NoError(t, f.Close())

	r, err := Open(path, 4, 100, 0, 0, testLogger())
	require.NoError(t, err)
	defer r.Close()

	require.Equal(t, []int64{1000}, r.SelectPhyOffsets(nil, "A#x", 10, 0, math.MaxInt64))
	require.Equal(t, int64(5000), r.BeginTimestamp())
	require.Equal(t, int64(5100), r.EndTimestamp())
	require.Equal(t, int32(3), r.IndexCount())

	t.Run("GeometryMismatch", func(t *testing.T) {
		_ = r.Close()
		_, err := Open(path, 8, 100, 0, 0, testLogger())
		require.Error(t, err)
	})
}

func TestFileSeeds(t *testing.T) {
	f, err := Open(filepath.Join(t.TempDir(), "20240101120000000"), 4, 100, 7000, 9000, testLogger())
	require.NoError(t, err)
	defer f.Close()

	require.Equal(t, int64(7000), f.BeginPhyOffset())
	require.Equal(t, int64(7000), f.EndPhyOffset())
	require.Equal(t, int64(9000), f.EndTimestamp())

	// the first put overwrites the seeds with real values
	require.True(t, f.PutKey("A#k", 7100, 9100))
	require.Equal(t, int64(7100), f.BeginPhyOffset())
	require.Equal(t, int64(9100), f.BeginTimestamp())
}

func TestFileSealedSelect(t *testing.T) {
	f := openTestFile(t, 4, 100)

	require.True(t, f.PutKey("Aa", 100, 5000))
	require.True(t, f.PutKey("A#k", 200, 5010))
	require.True(t, f.PutKey("BB", 300, 5020))
	require.True(t, f.PutKey("A#k", 400, 5030))

	for _, key := range []string{"Aa", "BB", "A#k", "A#missing"} {
		direct := f.SelectPhyOffsets(nil, key, 10, 0, math.MaxInt64)
		cached := f.SelectPhyOffsetsSealed(nil, key, 10, 0, math.MaxInt64)
		require.Equal(t, direct, cached, "key %q", key)
	}

	t.Run("TimeFiltered", func(t *testing.T) {
		require.Equal(t,
			f.SelectPhyOffsets(nil, "A#k", 10, 5010, 5010),
			f.SelectPhyOffsetsSealed(nil, "A#k", 10, 5010, 5010))
	})
}

func TestFileDestroy(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "20240101120000000")

	f, err := Open(path, 4, 100, 0, 0, testLogger())
	require.NoError(t, err)
	require.True(t, f.PutKey("A#k", 100, 5000))

	require.True(t, f.Destroy(time.Second))

	r, err := Open(path, 4, 100, 0, 0, testLogger())
	require.NoError(t, err, "destroy removes the file, reopening starts fresh")
	require.Equal(t, int32(1), r.IndexCount())
	require.NoError(t, r.Close())
}
