package engine

import (
	"sync"

	"github.com/any-hub/prefetch/internal/cache"
)

// Callbacks 是调用方关心的事件，任意字段都可以为空。
type Callbacks struct {
	OnProgress func(received, total int64)
	OnSuccess  func(data *cache.Data)
	OnFail     func(err error)
	OnCancel   func(err error)
}

type eventKind int

const (
	eventProgress eventKind = iota
	eventSuccess
	eventFail
	eventCancel
)

type event struct {
	kind     eventKind
	received int64
	total    int64
	data     *cache.Data
	err      error
}

func progressEvent(received, total int64) event {
	return event{kind: eventProgress, received: received, total: total}
}

func (ev event) state() State {
	switch ev.kind {
	case eventSuccess:
		return StateSuccess
	case eventFail:
		return StateFail
	case eventCancel:
		return StateCancel
	default:
		return StateRunning
	}
}

// subscriber 为每个句柄维护一个串行投递队列。入队时过滤掉倒退的进度和终态之后的事件；
// 谁在空闲时入队谁负责排空队列，回调在所有锁之外执行，允许回调重入引擎。
type subscriber struct {
	id uint64
	cb Callbacks

	mu           sync.Mutex
	queue        []event
	draining     bool
	lastReceived int64
	final        State
	done         chan struct{}
}

func newSubscriber(id uint64, cb Callbacks) *subscriber {
	return &subscriber{id: id, cb: cb, done: make(chan struct{})}
}

// push 入队并在必要时排空，返回事件是否被接受。
func (s *subscriber) push(ev event) bool {
	s.mu.Lock()
	if s.final.Terminal() {
		s.mu.Unlock()
		return false
	}
	if ev.kind == eventProgress {
		if ev.received <= s.lastReceived {
			s.mu.Unlock()
			return false
		}
		s.lastReceived = ev.received
	} else {
		s.final = ev.state()
	}
	s.queue = append(s.queue, ev)
	if s.draining {
		s.mu.Unlock()
		return true
	}
	s.draining = true
	s.mu.Unlock()

	s.drain()
	return true
}

func (s *subscriber) drain() {
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.draining = false
			s.mu.Unlock()
			return
		}
		ev := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		s.dispatch(ev)
	}
}

func (s *subscriber) dispatch(ev event) {
	switch ev.kind {
	case eventProgress:
		if s.cb.OnProgress != nil {
			s.cb.OnProgress(ev.received, ev.total)
		}
		return
	case eventSuccess:
		if s.cb.OnSuccess != nil {
			s.cb.OnSuccess(ev.data)
		}
	case eventFail:
		if s.cb.OnFail != nil {
			s.cb.OnFail(ev.err)
		}
	case eventCancel:
		if s.cb.OnCancel != nil {
			s.cb.OnCancel(ev.err)
		}
	}
	close(s.done)
}

// finalState 返回已确定的终态。
func (s *subscriber) finalState() (State, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.final, s.final.Terminal()
}
