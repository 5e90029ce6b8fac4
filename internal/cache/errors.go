package cache

import (
	"errors"
	"fmt"
)

// IOError 描述磁盘层的读写失败。它只会被记录，不会让下载失败。
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("cache %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}

// ErrTooLarge 表示条目超过目标层的预算，只能被丢弃。
var ErrTooLarge = errors.New("cache entry exceeds tier budget")
