package index

// KeyHash returns the hash stored in index entries for a user key.
//
// It is the classic 31-multiplier polynomial hash accumulated in a
// signed 32-bit integer, folded to a non-negative value. The exact
// function is part of the on-disk format: changing it moves every key
// to a different bucket.
func KeyHash(key string) int32 {
	var h int32
	for i := 0; i < len(key); i++ {
		h = 31*h + int32(key[i])
	}
	if h < 0 {
		h = -h
	}
	if h < 0 {
		// negating math.MinInt32 overflows back to itself
		h = 0
	}
	return h
}

// BuildKey forms the indexed key for a topic and a user key.
func BuildKey(topic, key string) string {
	return topic + "#" + key
}
