package cache

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
)

const tempPrefix = ".cache-"

// diskItem 只记录索引信息，正文位于 root/<digest>。pending 表示文件仍在写入。
type diskItem struct {
	digest     string
	size       uint64
	gen        uint64
	storedAt   time.Time
	lastAccess time.Time
	pending    bool
}

// diskTier 通过 entryLock 避免同一摘要并发写入/删除，同时在 LRU 链表上维护字节预算。
type diskTier struct {
	root string

	mu     sync.Mutex
	budget uint64
	used   uint64
	lru    *simplelru.LRU[string, *diskItem]

	lockMu sync.Mutex
	locks  map[string]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

func newDiskTier(root string, budget uint64) *diskTier {
	d := &diskTier{
		root:   root,
		budget: budget,
		locks:  make(map[string]*entryLock),
	}
	d.lru = newByteLRU(func(_ string, item *diskItem) {
		d.used -= item.size
	})
	return d
}

func (d *diskTier) path(digest string) string {
	return filepath.Join(d.root, digest)
}

// lookup 命中已落盘的条目时刷新 LRU 位置。
func (d *diskTier) lookup(digest string, now time.Time) (diskItem, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if item, ok := d.lru.Peek(digest); !ok || item.pending {
		return diskItem{}, false
	}
	item, _ := d.lru.Get(digest)
	item.lastAccess = now
	return *item, true
}

// peek 查询已落盘的条目但不改变 LRU 顺序。
func (d *diskTier) peek(digest string) (diskItem, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	item, ok := d.lru.Peek(digest)
	if !ok || item.pending {
		return diskItem{}, false
	}
	return *item, true
}

// store 预留索引位置、删除 LRU 直到放得下，再写入文件；写入失败时撤销预留。
func (d *diskTier) store(digest string, data *Data, gen uint64, storedAt, now time.Time) ([]string, error) {
	size := uint64(data.Len())

	d.mu.Lock()
	if size > d.budget {
		d.mu.Unlock()
		return nil, ErrTooLarge
	}
	d.lru.Remove(digest)
	victims := d.shrinkLocked(d.budget - size)
	item := &diskItem{
		digest:     digest,
		size:       size,
		gen:        gen,
		storedAt:   storedAt,
		lastAccess: now,
		pending:    true,
	}
	d.lru.Add(digest, item)
	d.used += size
	d.mu.Unlock()

	d.deleteFiles(victims)

	err := d.writeFile(digest, data, storedAt)

	d.mu.Lock()
	defer d.mu.Unlock()
	if err != nil {
		if current, ok := d.lru.Peek(digest); ok && current == item {
			d.lru.Remove(digest)
		}
		return victims, err
	}
	item.pending = false
	return victims, nil
}

// read 读取正文；失败时删除索引，调用方视为未命中。
func (d *diskTier) read(digest string) ([]byte, error) {
	filePath := d.path(digest)
	body, err := os.ReadFile(filePath)
	if err != nil {
		d.forget(digest)
		return nil, &IOError{Op: "read", Path: filePath, Err: err}
	}
	return body, nil
}

// forget 只删除索引，不触碰文件。
func (d *diskTier) forget(digest string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lru.Remove(digest)
}

// remove 删除索引与文件。gen 非零时仅在版本一致时删除。
func (d *diskTier) remove(digest string, gen uint64) (bool, error) {
	d.mu.Lock()
	item, ok := d.lru.Peek(digest)
	if !ok || (gen != 0 && item.gen != gen) {
		d.mu.Unlock()
		return false, nil
	}
	d.lru.Remove(digest)
	d.mu.Unlock()

	return true, d.deleteFile(digest)
}

func (d *diskTier) setBudget(budget uint64) []string {
	d.mu.Lock()
	d.budget = budget
	victims := d.shrinkLocked(budget)
	d.mu.Unlock()

	d.deleteFiles(victims)
	return victims
}

// shrinkLocked 从 LRU 尾部移除条目直到已用容量不超过 limit。
func (d *diskTier) shrinkLocked(limit uint64) []string {
	var victims []string
	for d.used > limit {
		digest, _, ok := d.lru.RemoveOldest()
		if !ok {
			break
		}
		victims = append(victims, digest)
	}
	return victims
}

func (d *diskTier) usage() (used, budget uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.used, d.budget
}

// reset 清空索引，用于根目录被删除后的重建。
func (d *diskTier) reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lru.Purge()
	d.used = 0
}

type restoredFile struct {
	digest  string
	size    uint64
	modTime time.Time
}

// restore 扫描根目录，按修改时间从旧到新建立索引，清理残留临时文件并执行预算。
func (d *diskTier) restore(now time.Time) (int, error) {
	dirEntries, err := os.ReadDir(d.root)
	if err != nil {
		return 0, &IOError{Op: "scan", Path: d.root, Err: err}
	}

	var files []restoredFile
	for _, de := range dirEntries {
		name := de.Name()
		if strings.HasPrefix(name, tempPrefix) {
			_ = os.Remove(filepath.Join(d.root, name))
			continue
		}
		if !de.Type().IsRegular() || !isDigestName(name) {
			continue
		}
		info, err := de.Info()
		if err != nil {
			continue
		}
		files = append(files, restoredFile{digest: name, size: uint64(info.Size()), modTime: info.ModTime()})
	}
	sort.Slice(files, func(i, j int) bool {
		return files[i].modTime.Before(files[j].modTime)
	})

	d.mu.Lock()
	for _, f := range files {
		d.lru.Remove(f.digest)
		item := &diskItem{
			digest:     f.digest,
			size:       f.size,
			storedAt:   f.modTime,
			lastAccess: f.modTime,
		}
		d.lru.Add(f.digest, item)
		d.used += f.size
	}
	victims := d.shrinkLocked(d.budget)
	restored := d.lru.Len()
	d.mu.Unlock()

	d.deleteFiles(victims)
	return restored, nil
}

func (d *diskTier) writeFile(digest string, data *Data, modTime time.Time) error {
	unlock := d.lockEntry(digest)
	defer unlock()

	filePath := d.path(digest)
	tempFile, err := os.CreateTemp(d.root, tempPrefix+"*")
	if err != nil {
		return &IOError{Op: "create", Path: filePath, Err: err}
	}
	tempName := tempFile.Name()

	written, err := io.Copy(tempFile, data.Reader())
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err == nil && written != int64(data.Len()) {
		err = io.ErrShortWrite
	}
	if err != nil {
		os.Remove(tempName)
		return &IOError{Op: "write", Path: filePath, Err: err}
	}

	if err := os.Rename(tempName, filePath); err != nil {
		os.Remove(tempName)
		return &IOError{Op: "rename", Path: filePath, Err: err}
	}
	if err := os.Chtimes(filePath, modTime, modTime); err != nil {
		return &IOError{Op: "chtimes", Path: filePath, Err: err}
	}
	return nil
}

func (d *diskTier) deleteFile(digest string) error {
	unlock := d.lockEntry(digest)
	defer unlock()

	filePath := d.path(digest)
	if err := os.Remove(filePath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return &IOError{Op: "remove", Path: filePath, Err: err}
	}
	return nil
}

func (d *diskTier) deleteFiles(digests []string) {
	for _, digest := range digests {
		_ = d.deleteFile(digest)
	}
}

func (d *diskTier) lockEntry(digest string) func() {
	d.lockMu.Lock()
	lock := d.locks[digest]
	if lock == nil {
		lock = &entryLock{}
		d.locks[digest] = lock
	}
	lock.refs++
	d.lockMu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		d.lockMu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(d.locks, digest)
		}
		d.lockMu.Unlock()
	}
}

func ensureRoot(root string) error {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return fmt.Errorf("create storage path: %w", err)
	}
	return nil
}
