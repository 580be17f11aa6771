package checkpoint

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStoreRoundtrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoint")

	s, err := Open(path)
	require.NoError(t, err)
	require.Equal(t, int64(0), s.IndexMsgTimestamp())

	s.SetIndexMsgTimestamp(123456789)
	require.NoError(t, s.Flush())

	r, err := Open(path)
	require.NoError(t, err)
	require.Equal(t, int64(123456789), r.IndexMsgTimestamp())
}

func TestStoreCorrupted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoint")

	s, err := Open(path)
	require.NoError(t, err)
	s.SetIndexMsgTimestamp(42)
	require.NoError(t, s.Flush())

	t.Run("FlippedByte", func(t *testing.T) {
		b, err := os.ReadFile(path)
		require.NoError(t, err)
		b[0] ^= 0xff
		require.NoError(t, os.WriteFile(path, b, 0600))

		r, err := Open(path)
		require.NoError(t, err)
		require.Equal(t, int64(0), r.IndexMsgTimestamp(), "mismatched checksum reads as fresh")
	})

	t.Run("Truncated", func(t *testing.T) {
		require.NoError(t, os.WriteFile(path, []byte{1, 2, 3}, 0600))

		r, err := Open(path)
		require.NoError(t, err)
		require.Equal(t, int64(0), r.IndexMsgTimestamp())
	})
}
