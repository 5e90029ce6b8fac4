//go:build linux

package dirwatch

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

const vanishMask = unix.IN_DELETE_SELF | unix.IN_MOVE_SELF | unix.IN_UNMOUNT | unix.IN_IGNORED

// platformState 持有 inotify、eventfd 与 epoll 三个描述符。
type platformState struct {
	inotifyFd int
	eventFd   int
	epollFd   int
}

func (m *Monitor) arm() (platformState, error) {
	st := platformState{inotifyFd: -1, eventFd: -1, epollFd: -1}

	fd, err := unix.InotifyInit1(unix.IN_CLOEXEC | unix.IN_NONBLOCK)
	if err != nil {
		return st, fmt.Errorf("inotify init: %w", err)
	}
	st.inotifyFd = fd

	if _, err := unix.InotifyAddWatch(fd, m.path, unix.IN_DELETE_SELF|unix.IN_MOVE_SELF|unix.IN_ONLYDIR); err != nil {
		st.release()
		return st, fmt.Errorf("inotify watch %s: %w", m.path, err)
	}

	efd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		st.release()
		return st, fmt.Errorf("eventfd: %w", err)
	}
	st.eventFd = efd

	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		st.release()
		return st, fmt.Errorf("epoll create: %w", err)
	}
	st.epollFd = epfd

	for _, target := range []int{st.inotifyFd, st.eventFd} {
		ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(target)}
		if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, target, &ev); err != nil {
			st.release()
			return st, fmt.Errorf("epoll ctl: %w", err)
		}
	}
	return st, nil
}

// wait 阻塞在 epoll_wait 上，返回 true 表示目录消失，false 表示被唤醒停止或出错。
func (st *platformState) wait(m *Monitor) bool {
	events := make([]unix.EpollEvent, 2)
	buf := make([]byte, 4096)
	for {
		n, err := unix.EpollWait(st.epollFd, events, -1)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			m.logger.WithFields(logrus.Fields{"action": "storage_watch", "path": m.path}).Error(err.Error())
			return false
		}
		for i := 0; i < n; i++ {
			switch int(events[i].Fd) {
			case st.eventFd:
				return false
			case st.inotifyFd:
				if drainInotify(st.inotifyFd, buf) {
					return true
				}
			}
		}
	}
}

// drainInotify 读尽所有待处理事件，出现删除/移动自身时返回 true。
func drainInotify(fd int, buf []byte) bool {
	vanished := false
	for {
		n, err := unix.Read(fd, buf)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return vanished
		}
		if n <= 0 {
			return vanished
		}
		for offset := 0; offset+unix.SizeofInotifyEvent <= n; {
			mask := binary.NativeEndian.Uint32(buf[offset+4:])
			nameLen := binary.NativeEndian.Uint32(buf[offset+12:])
			if mask&vanishMask != 0 {
				vanished = true
			}
			offset += unix.SizeofInotifyEvent + int(nameLen)
		}
	}
}

// wake 向 eventfd 写入计数，使 epoll_wait 返回。
func (st *platformState) wake() {
	var one [8]byte
	binary.NativeEndian.PutUint64(one[:], 1)
	_, _ = unix.Write(st.eventFd, one[:])
}

func (st *platformState) release() {
	for _, fd := range []*int{&st.epollFd, &st.eventFd, &st.inotifyFd} {
		if *fd >= 0 {
			_ = unix.Close(*fd)
			*fd = -1
		}
	}
}
