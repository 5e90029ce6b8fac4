package engine

import (
	"github.com/any-hub/prefetch/internal/dirwatch"
	"github.com/any-hub/prefetch/internal/logging"
)

// armStorageWatch 为磁盘层根目录启动一个新的 Monitor；失败时记录日志并在无保护状态下继续运行。
func (e *Engine) armStorageWatch() {
	m := dirwatch.New(e.store.Root(), e.onStorageVanished, e.logger)
	if err := m.Start(); err != nil {
		e.logger.WithFields(logging.BaseFields("storage_watch", "")).
			WithField("path", e.store.Root()).
			Warn("无法监视缓存目录: " + err.Error())
		return
	}

	e.watchMu.Lock()
	if e.watchClosed {
		e.watchMu.Unlock()
		m.Stop()
		return
	}
	e.monitor = m
	e.watchMu.Unlock()
}

// onStorageVanished 在目录被删除或移动后重建目录并重新订阅。
func (e *Engine) onStorageVanished() {
	e.watchMu.Lock()
	if e.watchClosed {
		e.watchMu.Unlock()
		return
	}
	e.watchWG.Add(1)
	e.watchMu.Unlock()
	defer e.watchWG.Done()

	if err := e.store.RebuildDisk(); err != nil {
		e.tel.RecordCacheIOError()
		e.logger.WithFields(logging.BaseFields("storage_rebuild", "")).Error(err.Error())
		return
	}
	e.armStorageWatch()
}

func (e *Engine) stopStorageWatch() {
	e.watchMu.Lock()
	e.watchClosed = true
	m := e.monitor
	e.monitor = nil
	e.watchMu.Unlock()

	if m != nil {
		m.Stop()
	}
	e.watchWG.Wait()
}

// storageMonitor 返回当前生效的 Monitor，主要用于测试观察重新订阅。
func (e *Engine) storageMonitor() *dirwatch.Monitor {
	e.watchMu.Lock()
	defer e.watchMu.Unlock()
	return e.monitor
}
