package livesync

import (
	"encoding/json"
	"strings"
	"sync"

	"github.com/golang/glog"
)

// the shared query cache contract. keys are "partition/rest" and values are
// stored as JSON documents so the memory and redis backends behave
// identically. any component may invalidate; only the status resolver and
// the data-fetch layer write resolved values.

const cacheKeySeparator = "/"

func CacheKey(partition string, parts ...string) string {
	return strings.Join(append([]string{partition}, parts...), cacheKeySeparator)
}

func cachePartition(key string) string {
	if i := strings.Index(key, cacheKeySeparator); 0 <= i {
		return key[:i]
	}
	return key
}

type Cache interface {
	// fills `value` (a pointer) and returns true on a fresh hit
	Get(key string, value any) bool
	Set(key string, value any)
	// invalidation is idempotent. a second mark on an already-stale
	// entry is a no-op.
	Invalidate(key string)
	InvalidatePartition(partition string)
	InvalidateAll()
}

type memoryCacheEntry struct {
	valueJson []byte
	stale     bool
}

type MemoryCache struct {
	mutex   sync.Mutex
	entries map[string]*memoryCacheEntry
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		entries: map[string]*memoryCacheEntry{},
	}
}

func (self *MemoryCache) Get(key string, value any) bool {
	self.mutex.Lock()
	entry, ok := self.entries[key]
	if !ok || entry.stale {
		self.mutex.Unlock()
		return false
	}
	valueJson := entry.valueJson
	self.mutex.Unlock()

	if err := json.Unmarshal(valueJson, value); err != nil {
		glog.V(2).Infof("[cache]decode %s = %s\n", key, err)
		return false
	}
	return true
}

func (self *MemoryCache) Set(key string, value any) {
	valueJson, err := json.Marshal(value)
	if err != nil {
		glog.Warningf("[cache]encode %s = %s\n", key, err)
		return
	}

	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.entries[key] = &memoryCacheEntry{
		valueJson: valueJson,
	}
}

func (self *MemoryCache) Invalidate(key string) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if entry, ok := self.entries[key]; ok {
		entry.stale = true
	}
}

func (self *MemoryCache) InvalidatePartition(partition string) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	for key, entry := range self.entries {
		if cachePartition(key) == partition {
			entry.stale = true
		}
	}
}

func (self *MemoryCache) InvalidateAll() {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	for _, entry := range self.entries {
		entry.stale = true
	}
}
