package index

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"
	"golang.org/x/exp/slices"

	"github.com/klev-dev/klevmq/metrics"
	"github.com/klev-dev/kleverr"
)

// ErrUnwritable is returned once the service failed repeatedly to
// roll a new index file. The latch never resets within a process.
var ErrUnwritable = errors.New("index unwritable")

// KeySeparator splits the user keys of a dispatched message.
const KeySeparator = " "

// TxType is the transactional flavor of a dispatched message.
type TxType int

const (
	TxNone TxType = iota
	TxPrepared
	TxCommit
	TxRollback
)

// DispatchRequest describes one committed log message to index.
type DispatchRequest struct {
	Topic           string
	Keys            string
	CommitLogOffset int64
	StoreTimestamp  int64
	Tx              TxType
}

// Checkpoint persists the end timestamp of the last sealed and
// flushed index file; on unclean restart, files beyond it are dropped.
type Checkpoint interface {
	IndexMsgTimestamp() int64
	SetIndexMsgTimestamp(ts int64)
	Flush() error
}

type Options struct {
	SlotCount     int32
	MaxIndexCount int32
	MaxQueryCount int
	Logger        *slog.Logger
}

// Service owns the ordered collection of index files. All puts funnel
// through the dispatch path one at a time; queries and expiry run
// concurrently under the file-list lock.
type Service struct {
	dir  string
	opts Options
	cp   Checkpoint
	lock *flock.Flock

	mu    sync.RWMutex
	files []*File

	unwritable atomic.Bool
	retrySleep time.Duration

	log *slog.Logger
}

func OpenService(dir string, opts Options, cp Checkpoint) (*Service, error) {
	if opts.SlotCount <= 0 {
		opts.SlotCount = 500_000
	}
	if opts.MaxIndexCount <= 0 {
		opts.MaxIndexCount = 2_000_000
	}
	if opts.MaxQueryCount <= 0 {
		opts.MaxQueryCount = 64
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, kleverr.Newf("could not create index dir: %w", err)
	}

	lock := flock.New(filepath.Join(dir, ".lock"))
	switch ok, err := lock.TryLock(); {
	case err != nil:
		return nil, kleverr.Newf("could not lock index dir: %w", err)
	case !ok:
		return nil, kleverr.Newf("index dir already locked")
	}

	return &Service{
		dir:        dir,
		opts:       opts,
		cp:         cp,
		lock:       lock,
		retrySleep: time.Second,
		log:        opts.Logger,
	}, nil
}

// Index files are named by their creation time with millisecond
// resolution, so lexicographic order is chronological order.
func fileName(t time.Time) string {
	return t.Format("20060102150405") + fmt.Sprintf("%03d", t.Nanosecond()/int(time.Millisecond))
}

func isFileName(name string) bool {
	if len(name) != 17 {
		return false
	}
	for i := 0; i < len(name); i++ {
		if name[i] < '0' || name[i] > '9' {
			return false
		}
	}
	return true
}

// Load opens every index file in the directory, oldest first. After an
// unclean shutdown, files whose end timestamp runs past the checkpoint
// may hold partial writes and are deleted instead of loaded.
func (s *Service) Load(cleanShutdown bool) error {
	dents, err := os.ReadDir(s.dir)
	if err != nil {
		return kleverr.Newf("could not read index dir: %w", err)
	}

	var names []string
	for _, d := range dents {
		if isFileName(d.Name()) {
			names = append(names, d.Name())
		}
	}
	slices.Sort(names)

	for _, name := range names {
		f, err := Open(filepath.Join(s.dir, name), s.opts.SlotCount, s.opts.MaxIndexCount, 0, 0, s.log)
		if err != nil {
			return kleverr.Newf("could not load index file %s: %w", name, err)
		}

		if !cleanShutdown && f.EndTimestamp() > s.cp.IndexMsgTimestamp() {
			s.log.Warn("index file beyond checkpoint, deleting", "file", f.Path())
			f.Destroy(0)
			continue
		}

		s.log.Info("load index file", "file", f.Path())

		s.mu.Lock()
		s.files = append(s.files, f)
		s.mu.Unlock()
	}

	return nil
}

// BuildIndex indexes the keys of one committed message. It is called
// once per message by the dispatch loop, in commit log order.
func (s *Service) BuildIndex(req DispatchRequest) error {
	file := s.retryTailFile()
	if file == nil {
		return ErrUnwritable
	}

	if req.CommitLogOffset < file.EndPhyOffset() {
		// re-dispatch of an already indexed message
		return nil
	}

	switch req.Tx {
	case TxCommit, TxRollback:
		// the prepared message already carried the keys
		return nil
	}

	if len(req.Keys) == 0 {
		return nil
	}

	for _, key := range strings.Split(req.Keys, KeySeparator) {
		if len(key) == 0 {
			continue
		}

		for !file.PutKey(BuildKey(req.Topic, key), req.CommitLogOffset, req.StoreTimestamp) {
			s.log.Warn("index file full, creating another", "file", file.Path())
			if file = s.retryTailFile(); file == nil {
				return ErrUnwritable
			}
		}
		metrics.IndexPuts.Inc()
	}

	return nil
}

// retryTailFile returns a writable tail file, rolling over if needed.
// After 3 failed attempts it latches the unwritable flag and gives up.
func (s *Service) retryTailFile() *File {
	for times := 0; times < 3; times++ {
		f, err := s.tailFile()
		if err == nil {
			return f
		}
		s.log.Error("could not get index tail file", "attempt", times, "error", err)
		time.Sleep(s.retrySleep)
	}

	s.unwritable.Store(true)
	metrics.IndexUnwritable.Set(1)
	s.log.Error("index no longer writable, stop building index")
	return nil
}

func (s *Service) tailFile() (*File, error) {
	var seedOffset, seedTime int64
	var sealed *File

	s.mu.RLock()
	if n := len(s.files); n > 0 {
		tail := s.files[n-1]
		if !tail.WriteFull() {
			s.mu.RUnlock()
			return tail, nil
		}
		seedOffset = tail.EndPhyOffset()
		seedTime = tail.EndTimestamp()
		sealed = tail
	}
	s.mu.RUnlock()

	// new tail carries the sealed tail's end offset/time, keeping the
	// file sequence continuous for queries and re-dispatch checks
	now := time.Now()
	path := filepath.Join(s.dir, fileName(now))
	for {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			break
		}
		now = now.Add(time.Millisecond)
		path = filepath.Join(s.dir, fileName(now))
	}

	f, err := Open(path, s.opts.SlotCount, s.opts.MaxIndexCount, seedOffset, seedTime, s.log)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.files = append(s.files, f)
	s.mu.Unlock()

	if sealed != nil {
		metrics.IndexRollovers.Inc()
		go s.flushSealed(sealed)
	}

	return f, nil
}

// flushSealed syncs a rolled-over file and advances the checkpoint,
// marking everything up to its end timestamp as durably indexed.
func (s *Service) flushSealed(f *File) {
	var ts int64
	if f.WriteFull() {
		ts = f.EndTimestamp()
	}

	if err := f.Flush(); err != nil {
		s.log.Error("could not flush sealed index file", "file", f.Path(), "error", err)
		return
	}

	if ts > 0 {
		s.cp.SetIndexMsgTimestamp(ts)
		if err := s.cp.Flush(); err != nil {
			s.log.Error("could not flush checkpoint", "error", err)
		}
	}
}

// QueryResult carries the matched commit log offsets, newest first,
// plus the end position of the newest index file at query time. The
// last update fields are set even when no offset matched.
type QueryResult struct {
	Offsets             []int64
	LastUpdateTimestamp int64
	LastUpdatePhyOffset int64
}

// QueryOffsets finds the commit log offsets of messages indexed under
// (topic, key) with store time in [begin, end], scanning files newest
// to oldest. maxCount is clamped to the configured per-query cap.
func (s *Service) QueryOffsets(topic, key string, maxCount int, begin, end int64) QueryResult {
	if maxCount > s.opts.MaxQueryCount {
		maxCount = s.opts.MaxQueryCount
	}

	var res QueryResult

	s.mu.RLock()
	defer s.mu.RUnlock()

	for i := len(s.files) - 1; i >= 0; i-- {
		f := s.files[i]
		tail := i == len(s.files)-1

		if tail {
			res.LastUpdateTimestamp = f.EndTimestamp()
			res.LastUpdatePhyOffset = f.EndPhyOffset()
		}

		if f.TimeMatched(begin, end) {
			full := BuildKey(topic, key)
			if tail {
				res.Offsets = f.SelectPhyOffsets(res.Offsets, full, maxCount, begin, end)
			} else {
				res.Offsets = f.SelectPhyOffsetsSealed(res.Offsets, full, maxCount, begin, end)
			}
		}

		if f.BeginTimestamp() < begin {
			// older files cannot overlap the range anymore
			break
		}
		if len(res.Offsets) >= maxCount {
			break
		}
	}

	return res
}

// DeleteExpired destroys every non-tail file fully behind the commit
// log retention cutoff. It stops at the first file that fails to
// destroy, leaving younger files for the next sweep, and returns the
// number of files deleted.
func (s *Service) DeleteExpired(offset int64) int {
	var snapshot []*File

	s.mu.RLock()
	if len(s.files) > 0 && s.files[0].EndPhyOffset() < offset {
		snapshot = slices.Clone(s.files)
	}
	s.mu.RUnlock()

	if snapshot == nil {
		return 0
	}

	var expired []*File
	for _, f := range snapshot[:len(snapshot)-1] {
		if f.EndPhyOffset() >= offset {
			break
		}
		expired = append(expired, f)
	}
	if len(expired) == 0 {
		return 0
	}

	deleted := 0

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, f := range expired {
		if !f.Destroy(3 * time.Second) {
			s.log.Error("could not destroy expired index file", "file", f.Path())
			break
		}
		if i := slices.Index(s.files, f); i >= 0 {
			s.files = slices.Delete(s.files, i, i+1)
		}
		deleted++
	}

	return deleted
}

// Unwritable reports whether index building has been latched off.
func (s *Service) Unwritable() bool {
	return s.unwritable.Load()
}

// FileCount returns the number of live index files.
func (s *Service) FileCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.files)
}

// DestroyAll deletes every index file. Used on store teardown.
func (s *Service) DestroyAll() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, f := range s.files {
		f.Destroy(3 * time.Second)
	}
	s.files = nil
}

// Close flushes the tail file, unmaps every file and releases the
// directory lock. The files stay on disk for the next Load.
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, f := range s.files {
		if err := f.Close(); err != nil {
			return err
		}
	}
	s.files = nil

	if err := s.lock.Unlock(); err != nil {
		return kleverr.Newf("could not unlock index dir: %w", err)
	}
	return nil
}
