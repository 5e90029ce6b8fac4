package engine

import (
	"errors"
	"fmt"

	"github.com/any-hub/prefetch/internal/netgate"
)

var (
	// ErrCancelled 只会传给被取消句柄的 OnCancel。
	ErrCancelled = errors.New("download cancelled")
	// ErrClosed 表示引擎已关闭。
	ErrClosed = errors.New("engine closed")
)

// ConnectivityError 表示网络不可达，任务未发起传输即失败。
type ConnectivityError struct {
	State netgate.State
}

func (e *ConnectivityError) Error() string {
	return fmt.Sprintf("network unreachable (kind=%s)", e.State.Kind)
}
