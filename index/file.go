package index

import (
	"encoding/binary"
	"log/slog"
	"math"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/edsrzf/mmap-go"

	"github.com/klev-dev/kleverr"
)

// On-disk layout, big-endian throughout:
//
//	header (40 bytes):
//	  0  beginTimestamp int64 (millis)
//	  8  endTimestamp   int64 (millis)
//	 16  beginPhyOffset int64
//	 24  endPhyOffset   int64
//	 32  slotCount      int32
//	 36  indexCount     int32
//	slots: slotCount * 4 bytes, each the entry number of the newest
//	  entry hashed into that slot, 0 when empty
//	entries: (maxIndexCount+1) * 20 bytes, each
//	  {keyHash int32, phyOffset int64, timeDelta int32, prevEntry int32}
//
// Entry 0 is never written: it terminates every slot chain, and
// indexCount starts at 1 to account for it.
const (
	headerSize = 40
	slotSize   = 4
	entrySize  = 20

	beginTimestampPos = 0
	endTimestampPos   = 8
	beginPhyOffsetPos = 16
	endPhyOffsetPos   = 24
	slotCountPos      = 32
	indexCountPos     = 36
)

// Size returns the total file size for the given geometry.
func Size(slotCount, maxIndexCount int32) int64 {
	return headerSize + int64(slotCount)*slotSize + (int64(maxIndexCount)+1)*entrySize
}

// File is a single hash-index file mapped into memory.
//
// One key put writes an entry linked in front of its slot chain, so a
// slot is walked newest entry first. Writes are serialized by the
// owning Service; queries run concurrently under the file read lock.
type File struct {
	path          string
	slotCount     int32
	maxIndexCount int32

	f  *os.File
	mm mmap.MMap

	// mu orders queries and puts against Destroy unmapping the region
	mu   sync.RWMutex
	gone bool

	indexCount     atomic.Int32
	beginTimestamp atomic.Int64
	endTimestamp   atomic.Int64
	beginPhyOffset atomic.Int64
	endPhyOffset   atomic.Int64

	cacheOnce sync.Once
	cache     *keyCache

	log *slog.Logger
}

// Open maps the index file at path, creating it when missing. For a
// new file the seed offset/timestamp carry over the sealed previous
// file's end values, so an empty file still orders correctly against
// its neighbours.
func Open(path string, slotCount, maxIndexCount int32, seedPhyOffset, seedTimestamp int64, log *slog.Logger) (*File, error) {
	if slotCount <= 0 || maxIndexCount <= 0 {
		return nil, kleverr.Newf("index geometry invalid: %d slots, %d entries", slotCount, maxIndexCount)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, kleverr.Newf("could not open index: %w", err)
	}

	stat, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, kleverr.Newf("could not stat index: %w", err)
	}

	total := Size(slotCount, maxIndexCount)
	fresh := stat.Size() == 0
	switch {
	case fresh:
		if err := f.Truncate(total); err != nil {
			_ = f.Close()
			return nil, kleverr.Newf("could not size index: %w", err)
		}
	case stat.Size() != total:
		_ = f.Close()
		return nil, kleverr.Newf("index size mismatch: %d, expected %d", stat.Size(), total)
	}

	mm, err := mmap.Map(f, mmap.RDWR, 0)
	if err != nil {
		_ = f.Close()
		return nil, kleverr.Newf("could not map index: %w", err)
	}

	ix := &File{
		path:          path,
		slotCount:     slotCount,
		maxIndexCount: maxIndexCount,
		f:             f,
		mm:            mm,
		log:           log,
	}

	if fresh {
		binary.BigEndian.PutUint32(mm[slotCountPos:], uint32(slotCount))
		binary.BigEndian.PutUint32(mm[indexCountPos:], 1)
		if seedPhyOffset > 0 {
			binary.BigEndian.PutUint64(mm[beginPhyOffsetPos:], uint64(seedPhyOffset))
			binary.BigEndian.PutUint64(mm[endPhyOffsetPos:], uint64(seedPhyOffset))
		}
		if seedTimestamp > 0 {
			binary.BigEndian.PutUint64(mm[beginTimestampPos:], uint64(seedTimestamp))
			binary.BigEndian.PutUint64(mm[endTimestampPos:], uint64(seedTimestamp))
		}
		ix.indexCount.Store(1)
		ix.beginPhyOffset.Store(seedPhyOffset)
		ix.endPhyOffset.Store(seedPhyOffset)
		ix.beginTimestamp.Store(seedTimestamp)
		ix.endTimestamp.Store(seedTimestamp)
	} else {
		if sc := int32(binary.BigEndian.Uint32(mm[slotCountPos:])); sc != slotCount {
			_ = mm.Unmap()
			_ = f.Close()
			return nil, kleverr.Newf("index slot count mismatch: %d, expected %d", sc, slotCount)
		}
		count := int32(binary.BigEndian.Uint32(mm[indexCountPos:]))
		if count < 1 {
			count = 1
		}
		ix.indexCount.Store(count)
		ix.beginTimestamp.Store(int64(binary.BigEndian.Uint64(mm[beginTimestampPos:])))
		ix.endTimestamp.Store(int64(binary.BigEndian.Uint64(mm[endTimestampPos:])))
		ix.beginPhyOffset.Store(int64(binary.BigEndian.Uint64(mm[beginPhyOffsetPos:])))
		ix.endPhyOffset.Store(int64(binary.BigEndian.Uint64(mm[endPhyOffsetPos:])))
	}

	return ix, nil
}

func (ix *File) Path() string {
	return ix.path
}

func (ix *File) IndexCount() int32 {
	return ix.indexCount.Load()
}

func (ix *File) BeginTimestamp() int64 {
	return ix.beginTimestamp.Load()
}

func (ix *File) EndTimestamp() int64 {
	return ix.endTimestamp.Load()
}

func (ix *File) BeginPhyOffset() int64 {
	return ix.beginPhyOffset.Load()
}

func (ix *File) EndPhyOffset() int64 {
	return ix.endPhyOffset.Load()
}

// WriteFull reports whether the file has no room for further puts.
func (ix *File) WriteFull() bool {
	return ix.indexCount.Load() > ix.maxIndexCount
}

func (ix *File) slotPos(slot int32) int {
	return headerSize + int(slot)*slotSize
}

func (ix *File) entryPos(n int32) int {
	return headerSize + int(ix.slotCount)*slotSize + int(n)*entrySize
}

func (ix *File) readSlot(slot int32) int32 {
	return int32(binary.BigEndian.Uint32(ix.mm[ix.slotPos(slot):]))
}

func (ix *File) readEntry(n int32) (hash int32, phyOffset int64, timeDelta int32, prev int32) {
	pos := ix.entryPos(n)
	hash = int32(binary.BigEndian.Uint32(ix.mm[pos:]))
	phyOffset = int64(binary.BigEndian.Uint64(ix.mm[pos+4:]))
	timeDelta = int32(binary.BigEndian.Uint32(ix.mm[pos+12:]))
	prev = int32(binary.BigEndian.Uint32(ix.mm[pos+16:]))
	return
}

// PutKey indexes key at the given commit log offset. It returns false
// when the file is write-full, which is the rollover signal, not an
// error. storeTimestamp is the message store time in millis.
func (ix *File) PutKey(key string, phyOffset int64, storeTimestamp int64) bool {
	if ix.indexCount.Load() > ix.maxIndexCount {
		return false
	}

	ix.mu.RLock()
	defer ix.mu.RUnlock()
	if ix.gone {
		return false
	}

	hash := KeyHash(key)
	slot := hash % ix.slotCount

	prev := ix.readSlot(slot)
	count := ix.indexCount.Load()
	if prev < 0 || prev >= count {
		prev = 0
	}

	first := count <= 1
	if first {
		ix.beginTimestamp.Store(storeTimestamp)
		ix.beginPhyOffset.Store(phyOffset)
		binary.BigEndian.PutUint64(ix.mm[beginTimestampPos:], uint64(storeTimestamp))
		binary.BigEndian.PutUint64(ix.mm[beginPhyOffsetPos:], uint64(phyOffset))
	}

	var timeDelta int64
	if !first {
		timeDelta = storeTimestamp - ix.beginTimestamp.Load()
		if timeDelta < 0 || timeDelta > math.MaxInt32 {
			// a slave replaying after long downtime, or clock skew;
			// keep the entry reachable by key even if time filters miss it
			ix.log.Debug("index time delta out of range",
				"file", ix.path, "delta", timeDelta)
			timeDelta = 0
		}
	}

	pos := ix.entryPos(count)
	binary.BigEndian.PutUint32(ix.mm[pos:], uint32(hash))
	binary.BigEndian.PutUint64(ix.mm[pos+4:], uint64(phyOffset))
	binary.BigEndian.PutUint32(ix.mm[pos+12:], uint32(timeDelta))
	binary.BigEndian.PutUint32(ix.mm[pos+16:], uint32(prev))

	binary.BigEndian.PutUint32(ix.mm[ix.slotPos(slot):], uint32(count))

	ix.endPhyOffset.Store(phyOffset)
	ix.endTimestamp.Store(storeTimestamp)
	binary.BigEndian.PutUint64(ix.mm[endPhyOffsetPos:], uint64(phyOffset))
	binary.BigEndian.PutUint64(ix.mm[endTimestampPos:], uint64(storeTimestamp))

	ix.indexCount.Store(count + 1)
	binary.BigEndian.PutUint32(ix.mm[indexCountPos:], uint32(count+1))

	return true
}

// SelectPhyOffsets appends to dst the commit log offsets of entries
// matching key whose store time falls in [begin, end], walking the
// slot chain newest first. It stops at maxCount collected offsets.
//
// Matches are by hash: distinct keys sharing a hash both surface, and
// the caller disambiguates by reading the message back.
func (ix *File) SelectPhyOffsets(dst []int64, key string, maxCount int, begin, end int64) []int64 {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	if ix.gone {
		return dst
	}

	hash := KeyHash(key)
	slot := hash % ix.slotCount

	next := ix.readSlot(slot)
	count := ix.indexCount.Load()
	beginTimestamp := ix.beginTimestamp.Load()

	for steps := int32(0); next > 0 && next < count && steps < count; steps++ {
		if len(dst) >= maxCount {
			break
		}

		entryHash, phyOffset, timeDelta, prev := ix.readEntry(next)

		storeTime := beginTimestamp + int64(timeDelta)
		if entryHash == hash && storeTime >= begin && storeTime <= end {
			dst = append(dst, phyOffset)
		}

		if prev == next {
			break
		}
		next = prev
	}

	return dst
}

// TimeMatched reports whether the file's time range overlaps
// [begin, end]. A file that never saw a put does not match.
func (ix *File) TimeMatched(begin, end int64) bool {
	bt := ix.beginTimestamp.Load()
	et := ix.endTimestamp.Load()
	if bt == 0 || et == 0 {
		return false
	}
	return begin <= et && end >= bt
}

// Flush syncs the mapped region to disk.
func (ix *File) Flush() error {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	if ix.gone {
		return nil
	}

	if err := ix.mm.Flush(); err != nil {
		return kleverr.Newf("could not flush index: %w", err)
	}
	return nil
}

// Destroy unmaps and deletes the file. It waits at most timeout for
// in-flight queries to drain and reports whether deletion happened.
func (ix *File) Destroy(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for !ix.mu.TryLock() {
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(time.Millisecond)
	}
	defer ix.mu.Unlock()

	if ix.gone {
		return true
	}
	ix.gone = true

	if err := ix.mm.Unmap(); err != nil {
		ix.log.Error("could not unmap index", "file", ix.path, "error", err)
	}
	if err := ix.f.Close(); err != nil {
		ix.log.Error("could not close index", "file", ix.path, "error", err)
	}
	if err := os.Remove(ix.path); err != nil {
		ix.log.Error("could not remove index", "file", ix.path, "error", err)
		return false
	}
	return true
}

// Close flushes and unmaps the file without deleting it.
func (ix *File) Close() error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if ix.gone {
		return nil
	}
	ix.gone = true

	if err := ix.mm.Flush(); err != nil {
		return kleverr.Newf("could not flush index: %w", err)
	}
	if err := ix.mm.Unmap(); err != nil {
		return kleverr.Newf("could not unmap index: %w", err)
	}
	if err := ix.f.Close(); err != nil {
		return kleverr.Newf("could not close index: %w", err)
	}
	return nil
}
