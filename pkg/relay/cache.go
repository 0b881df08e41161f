package relay

import "bytes"

// gameDataCacheSize matches the one-byte cache key on the wire.
const gameDataCacheSize = 256

// GameDataCache is the per-direction table behind CachedGameData frames.
// Both ends maintain the same insertion order, so a one-byte slot index is
// enough to name a previously transmitted payload.
type GameDataCache struct {
	entries [gameDataCacheSize][]byte
	next    int
	size    int
}

// Put stores a copy of data in the next slot and returns its key. Old
// entries are overwritten once the table wraps.
func (c *GameDataCache) Put(data []byte) uint8 {
	key := uint8(c.next)
	c.entries[c.next] = append([]byte(nil), data...)
	c.next = (c.next + 1) % gameDataCacheSize
	if c.size < gameDataCacheSize {
		c.size++
	}
	return key
}

func (c *GameDataCache) Get(key uint8) ([]byte, bool) {
	data := c.entries[key]
	if data == nil {
		return nil, false
	}
	return data, true
}

// Find looks up a payload already in the table, newest entries first since
// game input repeats in short cycles.
func (c *GameDataCache) Find(data []byte) (uint8, bool) {
	for i := 1; i <= c.size; i++ {
		idx := (c.next - i + gameDataCacheSize) % gameDataCacheSize
		if bytes.Equal(c.entries[idx], data) {
			return uint8(idx), true
		}
	}
	return 0, false
}
