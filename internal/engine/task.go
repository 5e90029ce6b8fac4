package engine

import (
	"bytes"
	"net/http"
	"sync"
	"time"

	"github.com/any-hub/prefetch/internal/cache"
	"github.com/any-hub/prefetch/internal/fetch"
)

// task 是某个键唯一的在途下载，同时实现 fetch.Listener。
// url 是发起者传入的原始地址，上游请求使用它而不是归一化后的键。
type task struct {
	id      string
	key     cache.Key
	url     string
	headers []fetch.Header
	eng     *Engine
	started time.Time

	mu       sync.Mutex
	state    State
	subs     map[uint64]*subscriber
	received int64
	total    int64
	buf      bytes.Buffer
	transfer fetch.Transfer
	metrics  *fetch.Metrics
}

func newTask(eng *Engine, id string, key cache.Key, url string, headers []fetch.Header) *task {
	return &task{
		id:      id,
		key:     key,
		url:     url,
		headers: headers,
		eng:     eng,
		started: eng.clock.Now(),
		state:   StateInit,
		subs:    make(map[uint64]*subscriber),
		total:   -1,
	}
}

func (t *task) currentState() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// attachLocked 加入订阅者并返回目前已缓冲的进度。调用方持有 t.mu。
func (t *task) attachLocked(sub *subscriber) (int64, int64) {
	t.subs[sub.id] = sub
	return t.received, t.total
}

// takeSubsLocked 取走全部订阅者。调用方持有 t.mu。
func (t *task) takeSubsLocked() []*subscriber {
	subs := make([]*subscriber, 0, len(t.subs))
	for _, sub := range t.subs {
		subs = append(subs, sub)
	}
	t.subs = make(map[uint64]*subscriber)
	return subs
}

func (t *task) OnHeaders(http.Header) {}

func (t *task) OnData(chunk []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == StateRunning {
		t.buf.Write(chunk)
	}
}

func (t *task) OnProgress(received, total int64) {
	t.mu.Lock()
	if t.state != StateRunning {
		t.mu.Unlock()
		return
	}
	t.received = received
	t.total = total
	subs := make([]*subscriber, 0, len(t.subs))
	for _, sub := range t.subs {
		subs = append(subs, sub)
	}
	t.mu.Unlock()

	ev := progressEvent(received, total)
	for _, sub := range subs {
		sub.push(ev)
	}
}

func (t *task) OnMetrics(m fetch.Metrics) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.metrics = &m
}

// takeMetrics 取走传输上报的耗时信息，没有上报时返回 nil。
func (t *task) takeMetrics() *fetch.Metrics {
	t.mu.Lock()
	defer t.mu.Unlock()
	m := t.metrics
	t.metrics = nil
	return m
}

func (t *task) OnSuccess(status int) {
	t.eng.complete(t, status)
}

func (t *task) OnFail(err *fetch.TransportError) {
	t.eng.finish(t, event{kind: eventFail, err: err})
}

func (t *task) OnCancelled() {
	t.eng.finish(t, event{kind: eventCancel, err: ErrCancelled})
}
