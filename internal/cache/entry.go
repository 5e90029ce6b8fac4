package cache

import (
	"bytes"
	"fmt"
	"time"
)

// Tier 标识条目所在的缓存层。
type Tier int

const (
	TierMemory Tier = iota
	TierDisk
)

func (t Tier) String() string {
	switch t {
	case TierMemory:
		return "memory"
	case TierDisk:
		return "disk"
	default:
		return fmt.Sprintf("tier(%d)", int(t))
	}
}

// Data 是不可变的载荷视图，可在多个订阅者之间共享。调用方不得修改 Bytes 返回的切片。
type Data struct {
	b []byte
}

// NewData 接管 b 的所有权。
func NewData(b []byte) *Data {
	return &Data{b: b}
}

func (d *Data) Bytes() []byte {
	if d == nil {
		return nil
	}
	return d.b
}

func (d *Data) Len() int {
	if d == nil {
		return 0
	}
	return len(d.b)
}

// Reader 返回一个独立的读取器，多个调用方可并发读取。
func (d *Data) Reader() *bytes.Reader {
	return bytes.NewReader(d.Bytes())
}

// Entry 是一次缓存查询的快照，由 Store 产出，修改它不会影响缓存本身。
type Entry struct {
	Key        Key
	Data       *Data
	Size       int64
	Tier       Tier
	StoredAt   time.Time
	LastAccess time.Time
}

// ExpiredAt 判断条目在 now 时刻是否已超过 ttl；ttl <= 0 表示永不过期。
func (e *Entry) ExpiredAt(now time.Time, ttl time.Duration) bool {
	if e == nil || ttl <= 0 {
		return false
	}
	return !now.Before(e.StoredAt.Add(ttl))
}
