package cache

import (
	"math"

	"github.com/hashicorp/golang-lru/v2/simplelru"
)

// newByteLRU 返回不限条目数的 LRU 链表，两层缓存在其上按字节预算自行淘汰最旧条目。
// onEvict 在条目经 Remove、RemoveOldest 或 Purge 离开链表时触发，用来扣减已用字节。
func newByteLRU[V any](onEvict simplelru.EvictCallback[string, V]) *simplelru.LRU[string, V] {
	l, err := simplelru.NewLRU[string, V](math.MaxInt, onEvict)
	if err != nil {
		// 只有 size <= 0 才会失败。
		panic(err)
	}
	return l
}
