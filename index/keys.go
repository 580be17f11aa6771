package index

import (
	"encoding/binary"

	art "github.com/plar/go-adaptive-radix-tree"
)

// Sealed files never change, so their bucket chains can be folded into
// an in-memory radix tree once and looked up without touching the
// mapped region again. The tree is keyed by the big-endian encoded
// entry hash; values keep the chain's newest-first order.

type cachedEntry struct {
	phyOffset int64
	storeTime int64
}

type keyCache struct {
	tree art.Tree
}

func (ix *File) buildKeyCache() *keyCache {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	if ix.gone {
		return nil
	}

	tree := art.New()
	count := ix.indexCount.Load()
	beginTimestamp := ix.beginTimestamp.Load()

	// entries are insertion ordered, so walking them backwards yields
	// every chain newest first without following prev links
	for n := count - 1; n >= 1; n-- {
		hash, phyOffset, timeDelta, _ := ix.readEntry(n)
		key := binary.BigEndian.AppendUint32(nil, uint32(hash))

		var entries []cachedEntry
		if v, found := tree.Search(key); found {
			entries = v.([]cachedEntry)
		}
		entries = append(entries, cachedEntry{
			phyOffset: phyOffset,
			storeTime: beginTimestamp + int64(timeDelta),
		})
		tree.Insert(key, entries)
	}

	return &keyCache{tree: tree}
}

func (c *keyCache) selectPhyOffsets(dst []int64, hash int32, maxCount int, begin, end int64) []int64 {
	key := binary.BigEndian.AppendUint32(nil, uint32(hash))
	v, found := c.tree.Search(key)
	if !found {
		return dst
	}

	for _, e := range v.([]cachedEntry) {
		if len(dst) >= maxCount {
			break
		}
		if e.storeTime >= begin && e.storeTime <= end {
			dst = append(dst, e.phyOffset)
		}
	}
	return dst
}

// SelectPhyOffsetsSealed is SelectPhyOffsets for files that no longer
// accept puts. The first call folds the file into a key cache; later
// calls answer from memory.
func (ix *File) SelectPhyOffsetsSealed(dst []int64, key string, maxCount int, begin, end int64) []int64 {
	ix.cacheOnce.Do(func() {
		ix.cache = ix.buildKeyCache()
	})
	if ix.cache == nil {
		return ix.SelectPhyOffsets(dst, key, maxCount, begin, end)
	}
	return ix.cache.selectPhyOffsets(dst, KeyHash(key), maxCount, begin, end)
}
