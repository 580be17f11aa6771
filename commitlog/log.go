// Package commitlog is the broker's append-only byte log. Messages
// are already framed by the store layer above; this package only
// guarantees contiguous, offset-addressed bytes and wakes replication
// when the tail moves.
package commitlog

import (
	"context"
	"errors"
	"os"
	"sync"

	"github.com/klev-dev/kleverr"
)

// ErrOffsetGap is returned when an append to a non-empty log does not
// land exactly at the current tail, which would leave a hole in or
// overwrite the byte stream.
var ErrOffsetGap = errors.New("append beyond log tail")

type Log struct {
	path string

	mu sync.Mutex
	f  *os.File

	watch *Watch
}

func Open(path string) (*Log, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, kleverr.Newf("could not open log: %w", err)
	}

	stat, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, kleverr.Newf("could not stat log: %w", err)
	}

	return &Log{
		path:  path,
		f:     f,
		watch: NewWatch(stat.Size()),
	}, nil
}

// MaxOffset returns the offset one past the last appended byte.
func (l *Log) MaxOffset() int64 {
	return l.watch.Max()
}

// Append writes b at the tail and returns the offset it landed at.
func (l *Log) Append(b []byte) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	offset := l.watch.Max()
	if _, err := l.f.WriteAt(b, offset); err != nil {
		return 0, kleverr.Newf("could not append log: %w", err)
	}

	l.watch.Advance(offset + int64(len(b)))
	return offset, nil
}

// AppendAt writes b at exactly the current tail offset; an empty log
// accepts any start offset. The slave replication path uses it to
// assert the master stream lines up with the local log.
func (l *Log) AppendAt(offset int64, b []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if tail := l.watch.Max(); offset != tail {
		if tail != 0 {
			return kleverr.Newf("%w: %d, tail %d", ErrOffsetGap, offset, tail)
		}
		// an empty log adopts the stream's start offset; the file
		// stays sparse below it
	}
	if len(b) == 0 {
		return nil
	}

	if _, err := l.f.WriteAt(b, offset); err != nil {
		return kleverr.Newf("could not append log: %w", err)
	}

	l.watch.Advance(offset + int64(len(b)))
	return nil
}

// Read returns up to maxBytes contiguous bytes starting at start. It
// returns nil when start is at or past the tail.
func (l *Log) Read(start int64, maxBytes int) ([]byte, error) {
	max := l.watch.Max()
	if start >= max {
		return nil, nil
	}

	n := max - start
	if n > int64(maxBytes) {
		n = int64(maxBytes)
	}

	b := make([]byte, n)
	if _, err := l.f.ReadAt(b, start); err != nil {
		return nil, kleverr.Newf("could not read log: %w", err)
	}
	return b, nil
}

// WaitFor blocks until the tail moves strictly past offset.
func (l *Log) WaitFor(ctx context.Context, offset int64) error {
	return l.watch.Wait(ctx, offset)
}

func (l *Log) Flush() error {
	if err := l.f.Sync(); err != nil {
		return kleverr.Newf("could not sync log: %w", err)
	}
	return nil
}

func (l *Log) Close() error {
	l.watch.Close()
	if err := l.f.Close(); err != nil {
		return kleverr.Newf("could not close log: %w", err)
	}
	return nil
}
