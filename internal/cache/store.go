package cache

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync/atomic"

	"github.com/juju/clock"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/any-hub/prefetch/internal/logging"
)

// Options 控制 Store 的根目录、两层预算与时钟。
type Options struct {
	Root       string
	RamBudget  uint64
	FileBudget uint64
	Clock      clock.Clock
	Logger     *logrus.Logger
}

// Store 是两层缓存的入口，内存层与磁盘层各自持有独立的锁。
type Store struct {
	mem    *memoryTier
	disk   *diskTier
	clock  clock.Clock
	logger *logrus.Logger

	gen   atomic.Uint64
	reads singleflight.Group
}

// New 以 opts.Root 为根目录构建缓存，并恢复上次运行遗留在磁盘上的条目。
func New(opts Options) (*Store, error) {
	if opts.Root == "" {
		return nil, errors.New("storage path required")
	}
	abs, err := filepath.Abs(opts.Root)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}
	if err := ensureRoot(abs); err != nil {
		return nil, err
	}

	clk := opts.Clock
	if clk == nil {
		clk = clock.WallClock
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	s := &Store{
		mem:    newMemoryTier(opts.RamBudget),
		disk:   newDiskTier(abs, opts.FileBudget),
		clock:  clk,
		logger: logger,
	}

	restored, err := s.disk.restore(clk.Now())
	if err != nil {
		s.logIOError(err)
	} else if restored > 0 {
		used, _ := s.disk.usage()
		logger.WithFields(logging.BaseFields("cache_restore", "")).
			WithFields(logging.SizeFields("disk", used)).
			WithField("entries", restored).
			Info("恢复磁盘缓存")
	}
	return s, nil
}

// Root 返回磁盘层根目录的绝对路径。
func (s *Store) Root() string {
	return s.disk.root
}

// Get 依次查询内存层与磁盘层。磁盘命中会在内存有空位时提升到内存层。
func (s *Store) Get(key Key) (*Entry, bool) {
	if key.IsZero() {
		return nil, false
	}
	digest := key.Digest()
	now := s.clock.Now()

	if entry, ok := s.mem.get(digest, now); ok {
		entry.Key = key
		return entry, true
	}

	item, ok := s.disk.lookup(digest, now)
	if !ok {
		return nil, false
	}

	body, err, _ := s.reads.Do(digest, func() (interface{}, error) {
		return s.disk.read(digest)
	})
	if err != nil {
		s.logIOError(err)
		return nil, false
	}
	data := NewData(body.([]byte))

	promoted := &memItem{
		key:        key,
		data:       data,
		gen:        item.gen,
		storedAt:   item.storedAt,
		lastAccess: now,
	}
	if uint64(data.Len()) == item.size && s.mem.tryInsert(promoted) {
		if _, err := s.disk.remove(digest, item.gen); err != nil {
			s.logIOError(err)
		}
		return promoted.entry(), true
	}

	return &Entry{
		Key:        key,
		Data:       data,
		Size:       int64(data.Len()),
		Tier:       TierDisk,
		StoredAt:   item.storedAt,
		LastAccess: now,
	}, true
}

// Stat 返回 key 所在层与元数据，不读取正文也不刷新 LRU 位置。返回的 Entry.Data 为 nil。
func (s *Store) Stat(key Key) (*Entry, bool) {
	if key.IsZero() {
		return nil, false
	}
	digest := key.Digest()
	if item, ok := s.mem.peek(digest); ok {
		return &Entry{
			Key:        key,
			Size:       int64(item.size()),
			Tier:       TierMemory,
			StoredAt:   item.storedAt,
			LastAccess: item.lastAccess,
		}, true
	}
	if item, ok := s.disk.peek(digest); ok {
		return &Entry{
			Key:        key,
			Size:       int64(item.size),
			Tier:       TierDisk,
			StoredAt:   item.storedAt,
			LastAccess: item.lastAccess,
		}, true
	}
	return nil, false
}

// Put 写入内存层，随后把超出预算的 LRU 条目降级到磁盘。
// 返回的错误只描述新条目本身未能保留的情况，其他条目的磁盘失败仅记录日志。
func (s *Store) Put(key Key, payload []byte) (*Entry, error) {
	if key.IsZero() {
		return nil, ErrInvalidKey
	}
	digest := key.Digest()
	now := s.clock.Now()

	if _, err := s.disk.remove(digest, 0); err != nil {
		s.logIOError(err)
	}

	item := &memItem{
		key:        key,
		data:       NewData(payload),
		gen:        s.gen.Add(1),
		storedAt:   now,
		lastAccess: now,
	}
	victims := s.mem.insert(item)

	var putErr error
	for _, victim := range victims {
		err := s.demote(victim)
		if victim == item && err != nil {
			putErr = err
		}
	}
	if putErr != nil {
		return nil, putErr
	}

	entry := item.entry()
	for _, victim := range victims {
		if victim == item {
			entry.Tier = TierDisk
		}
	}
	return entry, nil
}

// demote 把被挤出内存的条目写入磁盘；写入失败或超出磁盘预算时直接丢弃。
func (s *Store) demote(item *memItem) error {
	digest := item.key.Digest()
	victims, err := s.disk.store(digest, item.data, item.gen, item.storedAt, s.clock.Now())
	s.logEvictions(TierDisk, victims)

	if !s.mem.settle(item) && err == nil {
		// 迁移期间条目已被删除或替换，撤销刚写入的文件。
		if _, rmErr := s.disk.remove(digest, item.gen); rmErr != nil {
			s.logIOError(rmErr)
		}
	}
	if err != nil {
		if errors.Is(err, ErrTooLarge) {
			s.logEvictions(TierMemory, []string{digest})
		} else {
			s.logIOError(err)
		}
		return err
	}
	return nil
}

// Evict 从两层中删除 key，重复调用是安全的。
func (s *Store) Evict(key Key) bool {
	if key.IsZero() {
		return false
	}
	digest := key.Digest()
	removed := s.mem.remove(digest)
	onDisk, err := s.disk.remove(digest, 0)
	if err != nil {
		s.logIOError(err)
	}
	return removed || onDisk
}

// SetBudget 调整某一层的预算。内存层收缩时条目降级到磁盘，磁盘层收缩时直接删除。
func (s *Store) SetBudget(tier Tier, bytes uint64) {
	switch tier {
	case TierMemory:
		for _, victim := range s.mem.setBudget(bytes) {
			_ = s.demote(victim)
		}
	case TierDisk:
		s.logEvictions(TierDisk, s.disk.setBudget(bytes))
	}
}

// Usage 返回某一层当前已用字节数。
func (s *Store) Usage(tier Tier) uint64 {
	used, _ := s.tierUsage(tier)
	return used
}

// Budget 返回某一层当前预算。
func (s *Store) Budget(tier Tier) uint64 {
	_, budget := s.tierUsage(tier)
	return budget
}

func (s *Store) tierUsage(tier Tier) (uint64, uint64) {
	if tier == TierDisk {
		return s.disk.usage()
	}
	return s.mem.usage()
}

// RebuildDisk 在根目录被删除或移动后重新创建目录，并清空磁盘层索引。
func (s *Store) RebuildDisk() error {
	if err := ensureRoot(s.disk.root); err != nil {
		return &IOError{Op: "rebuild", Path: s.disk.root, Err: err}
	}
	s.disk.reset()
	s.logger.WithFields(logging.BaseFields("storage_rebuild", "")).
		WithField("path", s.disk.root).
		Warn("缓存目录已重建")
	return nil
}

// Close 释放内存层。磁盘上的文件保留，供下次启动恢复。
func (s *Store) Close() {
	s.mem.reset()
}

func (s *Store) logIOError(err error) {
	var ioErr *IOError
	fields := logrus.Fields{"action": "cache_io"}
	if errors.As(err, &ioErr) {
		fields["op"] = ioErr.Op
		fields["path"] = ioErr.Path
	}
	s.logger.WithFields(fields).Warn(err.Error())
}

func (s *Store) logEvictions(tier Tier, digests []string) {
	for _, digest := range digests {
		s.logger.WithFields(logrus.Fields{
			"action": "cache_evict",
			"tier":   tier.String(),
			"digest": digest,
		}).Debug("缓存条目已淘汰")
	}
}
