package ldap

import (
	"strings"
	"sync"

	"github.com/isometry/admembers/internal/flatten"
)

// EntryCacheStats provides statistics about identity cache usage.
type EntryCacheStats struct {
	Hits    int64
	Misses  int64
	Entries int64
	HitRate float64
}

// EntryCache provides thread-safe caching of resolved user identities keyed
// by objectGUID. Member listings already carry the identity attributes of
// user entries, so priming this cache during member resolution avoids a
// per-user directory lookup during enrichment.
type EntryCache struct {
	// Thread-safe storage using sync.Map for concurrent access
	entries sync.Map // map[string]flatten.UserRecord keyed by lowercase GUID

	// Statistics tracking
	statsMu sync.RWMutex
	stats   EntryCacheStats
}

// NewEntryCache creates a new identity cache instance.
func NewEntryCache() *EntryCache {
	return &EntryCache{}
}

// Get retrieves a cached user record by GUID.
func (ec *EntryCache) Get(guid string) (flatten.UserRecord, bool) {
	key := strings.ToLower(strings.TrimSpace(guid))
	if key == "" {
		return flatten.UserRecord{}, false
	}

	if value, exists := ec.entries.Load(key); exists {
		ec.incrementHits()
		if rec, ok := value.(flatten.UserRecord); ok {
			return rec, true
		}
	}

	ec.incrementMisses()
	return flatten.UserRecord{}, false
}

// Put stores or updates a user record. Records without an ID are ignored.
func (ec *EntryCache) Put(rec flatten.UserRecord) {
	if rec.ID == "" {
		return
	}

	key := strings.ToLower(rec.ID)
	if _, loaded := ec.entries.LoadOrStore(key, rec); loaded {
		ec.entries.Store(key, rec)
	} else {
		ec.incrementEntries()
	}
}

// Clear removes all entries from the cache, keeping historical hit/miss
// counters.
func (ec *EntryCache) Clear() {
	ec.entries = sync.Map{}

	ec.statsMu.Lock()
	ec.stats.Entries = 0
	ec.statsMu.Unlock()
}

// GetStats returns current cache statistics.
func (ec *EntryCache) GetStats() EntryCacheStats {
	ec.statsMu.RLock()
	defer ec.statsMu.RUnlock()

	stats := ec.stats

	totalRequests := stats.Hits + stats.Misses
	if totalRequests > 0 {
		stats.HitRate = float64(stats.Hits) / float64(totalRequests) * 100
	}

	return stats
}

func (ec *EntryCache) incrementHits() {
	ec.statsMu.Lock()
	ec.stats.Hits++
	ec.statsMu.Unlock()
}

func (ec *EntryCache) incrementMisses() {
	ec.statsMu.Lock()
	ec.stats.Misses++
	ec.statsMu.Unlock()
}

func (ec *EntryCache) incrementEntries() {
	ec.statsMu.Lock()
	ec.stats.Entries++
	ec.statsMu.Unlock()
}
