package relay

import (
	"bytes"
	"testing"
)

func TestGameDataCacheRoundTrip(t *testing.T) {
	var c GameDataCache
	key := c.Put([]byte{1, 2, 3})

	got, hit := c.Get(key)
	if !hit || !bytes.Equal(got, []byte{1, 2, 3}) {
		t.Fatalf("Get(%d) = %v, %v", key, got, hit)
	}

	found, hit := c.Find([]byte{1, 2, 3})
	if !hit || found != key {
		t.Fatalf("Find = %d, %v, want %d", found, hit, key)
	}
	if _, hit := c.Find([]byte{9, 9}); hit {
		t.Fatal("Find matched data never stored")
	}
}

func TestGameDataCacheCopiesInput(t *testing.T) {
	var c GameDataCache
	data := []byte{5, 6}
	key := c.Put(data)
	data[0] = 99

	got, _ := c.Get(key)
	if !bytes.Equal(got, []byte{5, 6}) {
		t.Fatalf("cache aliased caller buffer: %v", got)
	}
}

func TestGameDataCacheWrapsAfter256(t *testing.T) {
	var c GameDataCache
	for i := 0; i < gameDataCacheSize; i++ {
		c.Put([]byte{byte(i), byte(i >> 8)})
	}

	// The next insert reuses slot 0 and must evict the original entry.
	key := c.Put([]byte{0xAA, 0xBB})
	if key != 0 {
		t.Fatalf("wrap key %d, want 0", key)
	}
	got, hit := c.Get(0)
	if !hit || !bytes.Equal(got, []byte{0xAA, 0xBB}) {
		t.Fatalf("slot 0 after wrap = %v, %v", got, hit)
	}
	if foundKey, hit := c.Find([]byte{0, 0}); hit && foundKey == 0 {
		t.Fatal("evicted entry still findable at its old key")
	}
}

func TestGameDataCacheMissOnUnusedKey(t *testing.T) {
	var c GameDataCache
	if _, hit := c.Get(42); hit {
		t.Fatal("hit on empty cache")
	}
}
