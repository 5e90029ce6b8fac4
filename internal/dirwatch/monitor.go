// Package dirwatch watches a directory and reports once when it is deleted
// or moved away, so the owner can recreate it and re-arm a fresh monitor.
package dirwatch

import (
	"errors"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"
)

var (
	// ErrStarted 表示 Start 被重复调用。
	ErrStarted = errors.New("monitor already started")
	// ErrStopped 表示 Monitor 已经结束，不能再次启动。
	ErrStopped = errors.New("monitor already stopped")
)

// Monitor 在后台等待目录被删除或移动，触发一次 onVanish 后退出。
// 一个 Monitor 只能启动一次；目录重建后应创建新的 Monitor。
type Monitor struct {
	path     string
	onVanish func()
	logger   *logrus.Logger

	mu       sync.Mutex
	started  bool
	finished bool
	sys      platformState

	stopOnce sync.Once
	done     chan struct{}
}

// New 创建监视 path 的 Monitor，onVanish 在目录消失时于监视 goroutine 中调用一次。
func New(path string, onVanish func(), logger *logrus.Logger) *Monitor {
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	if onVanish == nil {
		onVanish = func() {}
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Monitor{
		path:     path,
		onVanish: onVanish,
		logger:   logger,
		done:     make(chan struct{}),
	}
}

// Path 返回被监视目录的绝对路径。
func (m *Monitor) Path() string {
	return m.path
}

// Start 注册监视并启动后台 goroutine。失败时不会启动任何 goroutine。
func (m *Monitor) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.finished {
		return ErrStopped
	}
	if m.started {
		return ErrStarted
	}
	sys, err := m.arm()
	if err != nil {
		return err
	}
	m.sys = sys
	m.started = true
	go m.run()
	return nil
}

// Stop 唤醒后台 goroutine 并等待其退出，可重复调用，也可以在 onVanish 中调用。
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() {
		m.mu.Lock()
		if !m.started {
			m.finished = true
			m.mu.Unlock()
			close(m.done)
			return
		}
		if !m.finished {
			m.sys.wake()
		}
		m.mu.Unlock()
	})
	<-m.done
}

// Done 在后台 goroutine 退出后关闭。
func (m *Monitor) Done() <-chan struct{} {
	return m.done
}

func (m *Monitor) run() {
	vanished := m.sys.wait(m)

	m.mu.Lock()
	m.finished = true
	m.sys.release()
	m.mu.Unlock()
	close(m.done)

	if vanished {
		m.logger.WithFields(logrus.Fields{
			"action": "storage_vanished",
			"path":   m.path,
		}).Warn("缓存目录被删除或移动")
		m.onVanish()
	}
}
