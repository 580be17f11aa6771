// Package checkpoint persists the small set of durable watermarks the
// store trusts on restart. Currently that is the end timestamp of the
// last sealed index file.
package checkpoint

import (
	"encoding/binary"
	"os"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"

	"github.com/klev-dev/kleverr"
)

// Layout: 8 bytes big-endian index message timestamp, followed by the
// 8-byte xxhash of those bytes. A short or mismatched file reads as a
// fresh store rather than an error.
const storeSize = 16

type Store struct {
	path string

	indexMsgTimestamp atomic.Int64

	mu sync.Mutex
}

func Open(path string) (*Store, error) {
	s := &Store{path: path}

	b, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		return s, nil
	case err != nil:
		return nil, kleverr.Newf("could not read checkpoint: %w", err)
	}

	if len(b) < storeSize {
		return s, nil
	}
	if xxhash.Sum64(b[:8]) != binary.BigEndian.Uint64(b[8:]) {
		return s, nil
	}

	s.indexMsgTimestamp.Store(int64(binary.BigEndian.Uint64(b[:8])))
	return s, nil
}

func (s *Store) IndexMsgTimestamp() int64 {
	return s.indexMsgTimestamp.Load()
}

func (s *Store) SetIndexMsgTimestamp(ts int64) {
	s.indexMsgTimestamp.Store(ts)
}

// Flush writes the current values durably. Safe to call concurrently
// with setters; the last flush wins.
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := make([]byte, storeSize)
	binary.BigEndian.PutUint64(b[:8], uint64(s.indexMsgTimestamp.Load()))
	binary.BigEndian.PutUint64(b[8:], xxhash.Sum64(b[:8]))

	f, err := os.OpenFile(s.path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return kleverr.Newf("could not open checkpoint: %w", err)
	}
	if _, err := f.Write(b); err != nil {
		_ = f.Close()
		return kleverr.Newf("could not write checkpoint: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return kleverr.Newf("could not sync checkpoint: %w", err)
	}
	if err := f.Close(); err != nil {
		return kleverr.Newf("could not close checkpoint: %w", err)
	}
	return nil
}
