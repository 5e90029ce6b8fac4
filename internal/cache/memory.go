package cache

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
)

// memItem 是内存层的一条记录，gen 用来区分同一摘要先后写入的不同版本。
type memItem struct {
	key        Key
	data       *Data
	gen        uint64
	storedAt   time.Time
	lastAccess time.Time
}

func (m *memItem) size() uint64 {
	return uint64(m.data.Len())
}

func (m *memItem) entry() *Entry {
	return &Entry{
		Key:        m.key,
		Data:       m.data,
		Size:       int64(m.data.Len()),
		Tier:       TierMemory,
		StoredAt:   m.storedAt,
		LastAccess: m.lastAccess,
	}
}

// memoryTier 在 LRU 链表上维护字节预算，链表头为最新访问。
// spilling 保存正在写往磁盘的淘汰条目，使它们在迁移期间仍可被读到。
type memoryTier struct {
	mu       sync.Mutex
	budget   uint64
	used     uint64
	lru      *simplelru.LRU[string, *memItem]
	spilling map[string]*memItem
}

func newMemoryTier(budget uint64) *memoryTier {
	m := &memoryTier{
		budget:   budget,
		spilling: make(map[string]*memItem),
	}
	m.lru = newByteLRU(func(_ string, item *memItem) {
		m.used -= item.size()
	})
	return m
}

// get 命中时刷新 LRU 位置，返回条目快照。
func (m *memoryTier) get(digest string, now time.Time) (*Entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if item, ok := m.lru.Get(digest); ok {
		item.lastAccess = now
		return item.entry(), true
	}
	if item, ok := m.spilling[digest]; ok {
		return item.entry(), true
	}
	return nil, false
}

// peek 查询条目但不改变 LRU 顺序。
func (m *memoryTier) peek(digest string) (*memItem, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if item, ok := m.lru.Peek(digest); ok {
		return item, true
	}
	item, ok := m.spilling[digest]
	return item, ok
}

// insert 放入新条目并返回超出预算后被挤出的 LRU 条目，它们已转入 spilling。
func (m *memoryTier) insert(item *memItem) []*memItem {
	m.mu.Lock()
	defer m.mu.Unlock()

	digest := item.key.Digest()
	m.removeLocked(digest)
	m.lru.Add(digest, item)
	m.used += item.size()
	return m.shrinkLocked()
}

// tryInsert 仅在无需淘汰任何条目时放入，用于磁盘命中后的提升。
func (m *memoryTier) tryInsert(item *memItem) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	digest := item.key.Digest()
	if m.lru.Contains(digest) {
		return false
	}
	if _, exists := m.spilling[digest]; exists {
		return false
	}
	if m.used+item.size() > m.budget {
		return false
	}
	m.lru.Add(digest, item)
	m.used += item.size()
	return true
}

func (m *memoryTier) setBudget(budget uint64) []*memItem {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.budget = budget
	return m.shrinkLocked()
}

func (m *memoryTier) shrinkLocked() []*memItem {
	var victims []*memItem
	for m.used > m.budget {
		digest, item, ok := m.lru.RemoveOldest()
		if !ok {
			break
		}
		m.spilling[digest] = item
		victims = append(victims, item)
	}
	return victims
}

// settle 结束一次降级；若期间条目已被删除或替换则返回 false。
func (m *memoryTier) settle(item *memItem) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	digest := item.key.Digest()
	if current, ok := m.spilling[digest]; ok && current == item {
		delete(m.spilling, digest)
		return true
	}
	return false
}

func (m *memoryTier) remove(digest string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.removeLocked(digest)
}

func (m *memoryTier) removeLocked(digest string) bool {
	removed := m.lru.Remove(digest)
	if _, ok := m.spilling[digest]; ok {
		delete(m.spilling, digest)
		removed = true
	}
	return removed
}

func (m *memoryTier) usage() (used, budget uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.used, m.budget
}

func (m *memoryTier) reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lru.Purge()
	m.spilling = make(map[string]*memItem)
	m.used = 0
}
