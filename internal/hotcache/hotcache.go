// Package hotcache implements the bridge's in-memory TTL cache.
//
// The cache is advisory: correctness never depends on its contents, only on
// its invalidation. Every mutation to a message must drop both the hydrated
// object key and every list snapshot of the affected folder, strictly after
// the storage write.
package hotcache

import (
	"strings"
	"sync"
	"time"
)

// Key TTLs as used across the bridge.
const (
	TTLMailObj      = 24 * time.Hour
	TTLList         = 24 * time.Hour
	TTLSyncProgress = 60 * time.Second
	TTLSyncActive   = 20 * time.Second
	TTLFolderMap    = 60 * time.Second
	TTLSmartRules   = time.Hour
)

type entry struct {
	value interface{}
	// expires is zero for keys without a TTL (draft staging).
	expires time.Time
}

// Cache is a TTL key/value store. A janitor goroutine evicts expired
// entries; reads also check expiry so a stale value is never returned.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]entry
	stop    chan struct{}
	once    sync.Once
}

// New creates a cache and starts its janitor.
func New() *Cache {
	c := &Cache{
		entries: make(map[string]entry),
		stop:    make(chan struct{}),
	}
	go c.janitor()
	return c
}

func (c *Cache) janitor() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case now := <-ticker.C:
			c.mu.Lock()
			for k, e := range c.entries {
				if !e.expires.IsZero() && now.After(e.expires) {
					delete(c.entries, k)
				}
			}
			c.mu.Unlock()
		}
	}
}

// Close stops the janitor. The cache stays usable afterwards.
func (c *Cache) Close() {
	c.once.Do(func() { close(c.stop) })
}

// Set stores a value. ttl <= 0 means no expiry.
func (c *Cache) Set(key string, value interface{}, ttl time.Duration) {
	e := entry{value: value}
	if ttl > 0 {
		e.expires = time.Now().Add(ttl)
	}
	c.mu.Lock()
	c.entries[key] = e
	c.mu.Unlock()
}

// Get returns the value and whether it was present and unexpired.
func (c *Cache) Get(key string) (interface{}, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if !e.expires.IsZero() && time.Now().After(e.expires) {
		c.Delete(key)
		return nil, false
	}
	return e.value, true
}

// Delete removes a single key.
func (c *Cache) Delete(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// DeletePrefix removes every key starting with prefix.
func (c *Cache) DeletePrefix(prefix string) {
	c.mu.Lock()
	for k := range c.entries {
		if strings.HasPrefix(k, prefix) {
			delete(c.entries, k)
		}
	}
	c.mu.Unlock()
}

// Flush drops everything.
func (c *Cache) Flush() {
	c.mu.Lock()
	c.entries = make(map[string]entry)
	c.mu.Unlock()
}

// --- key conventions ---

// MailObjKey caches a hydrated message object.
func MailObjKey(id, user string) string {
	return "mail_obj:" + id + ":" + user
}

// ListKey caches a folder list snapshot. category is "" or "all" for the
// unfiltered listing.
func ListKey(user, folder, category string) string {
	if category == "" {
		category = "all"
	}
	return "mail:" + user + ":list:" + folder + ":" + category
}

// listPrefix matches every snapshot of one folder, all categories.
func listPrefix(user, folder string) string {
	return "mail:" + user + ":list:" + folder + ":"
}

// SyncProgressKey carries {status, percent} during a sync pass.
func SyncProgressKey(user string) string {
	return "sync_progress:" + user
}

// SyncActiveKey is a presence flag held while a sync is in flight.
func SyncActiveKey(user string) string {
	return "sync_active:" + user
}

// FolderMapKey caches the canonical-to-server folder path map.
func FolderMapKey(user string) string {
	return "folder_map:" + user
}

// SmartRulesKey caches the user's classification rules.
func SmartRulesKey(user string) string {
	return "smart_rules:" + user
}

// DraftStageKey holds a pending draft body until the uplink consumes it.
func DraftStageKey(user, clientDraftID string) string {
	return "draft_stage:" + user + ":" + clientDraftID
}

// InvalidateMessage drops the hydrated object for one message together with
// every list snapshot of the folders it may appear in.
func (c *Cache) InvalidateMessage(id, user string, folders ...string) {
	c.Delete(MailObjKey(id, user))
	for _, f := range folders {
		c.DeletePrefix(listPrefix(user, f))
	}
}

// InvalidateFolderLists drops every list snapshot for the given folders,
// including all Inbox category tabs.
func (c *Cache) InvalidateFolderLists(user string, folders ...string) {
	for _, f := range folders {
		c.DeletePrefix(listPrefix(user, f))
	}
}
