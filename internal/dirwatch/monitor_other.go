//go:build !linux

package dirwatch

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// platformState 在非 Linux 平台上通过监视父目录发现根目录被删除或重命名。
type platformState struct {
	watcher *fsnotify.Watcher
	stop    chan struct{}
}

func (m *Monitor) arm() (platformState, error) {
	info, err := os.Stat(m.path)
	if err != nil {
		return platformState{}, fmt.Errorf("stat %s: %w", m.path, err)
	}
	if !info.IsDir() {
		return platformState{}, fmt.Errorf("%s is not a directory", m.path)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return platformState{}, fmt.Errorf("fsnotify: %w", err)
	}
	if err := watcher.Add(filepath.Dir(m.path)); err != nil {
		_ = watcher.Close()
		return platformState{}, fmt.Errorf("watch %s: %w", filepath.Dir(m.path), err)
	}
	return platformState{watcher: watcher, stop: make(chan struct{})}, nil
}

func (st *platformState) wait(m *Monitor) bool {
	for {
		select {
		case <-st.stop:
			return false
		case ev, ok := <-st.watcher.Events:
			if !ok {
				return false
			}
			if filepath.Clean(ev.Name) == m.path && ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
				return true
			}
		case err, ok := <-st.watcher.Errors:
			if !ok {
				return false
			}
			m.logger.WithFields(logrus.Fields{"action": "storage_watch", "path": m.path}).Warn(err.Error())
		}
	}
}

func (st *platformState) wake() {
	close(st.stop)
}

func (st *platformState) release() {
	if st.watcher != nil {
		_ = st.watcher.Close()
		st.watcher = nil
	}
}
