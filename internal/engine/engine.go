package engine

import (
	"bytes"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/prefetch/internal/cache"
	"github.com/any-hub/prefetch/internal/dirwatch"
	"github.com/any-hub/prefetch/internal/fetch"
	"github.com/any-hub/prefetch/internal/logging"
	"github.com/any-hub/prefetch/internal/netgate"
	"github.com/any-hub/prefetch/internal/telemetry"
)

// Gate 是引擎在准入时读取的网络状态。
type Gate interface {
	State() netgate.State
	Subscribe(fn func(netgate.State)) func()
}

// Options 是单次下载的附加参数。Headers 只作用于新发起的传输，加入已有任务时被忽略。
type Options struct {
	Headers []fetch.Header
	// Refresh 跳过缓存查询，直接发起（或加入）一次新的下载。
	Refresh bool
}

// Config 汇总引擎依赖。
type Config struct {
	Store        *cache.Store
	Fetcher      fetch.Fetcher
	Gate         Gate
	Logger       *logrus.Logger
	Telemetry    *telemetry.Telemetry
	Clock        clock.Clock
	CacheTTL     time.Duration
	WatchStorage bool
	// InfoListSize 是保留下载信息的条目数，0 表示不记录。
	InfoListSize int
}

// TierStats 描述一层缓存的用量。
type TierStats struct {
	Used   uint64 `json:"used"`
	Budget uint64 `json:"budget"`
}

// Stats 是引擎的运行时快照。
type Stats struct {
	InFlight      int                  `json:"in_flight"`
	DownloadInfos int                  `json:"download_infos"`
	Network       netgate.State        `json:"network"`
	Tiers         map[string]TierStats `json:"tiers"`
}

// Engine 是下载协调器。任务表由 mu 保护，每个任务另有自己的锁，加锁顺序为 mu → task.mu。
type Engine struct {
	store   *cache.Store
	fetcher fetch.Fetcher
	gate    Gate
	logger  *logrus.Logger
	tel     *telemetry.Telemetry
	clock   clock.Clock
	ttl     time.Duration

	mu     sync.Mutex
	tasks  map[string]*task
	nextID uint64
	closed bool
	// starting 统计已登记但尚未拿到 Transfer 的任务，Close 需要等它们归零。
	starting sync.WaitGroup

	infos infoList

	unsubscribe func()

	watchMu     sync.Mutex
	watchClosed bool
	monitor     *dirwatch.Monitor
	watchWG     sync.WaitGroup
}

// New 创建引擎；WatchStorage 开启时立即开始监视磁盘层根目录。
func New(cfg Config) (*Engine, error) {
	if cfg.Store == nil {
		return nil, errors.New("cache store is required")
	}
	if cfg.Fetcher == nil {
		return nil, errors.New("fetcher is required")
	}
	if cfg.Gate == nil {
		return nil, errors.New("network gate is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.WallClock
	}

	e := &Engine{
		store:   cfg.Store,
		fetcher: cfg.Fetcher,
		gate:    cfg.Gate,
		logger:  logger,
		tel:     cfg.Telemetry,
		clock:   clk,
		ttl:     cfg.CacheTTL,
		tasks:   make(map[string]*task),
	}
	e.infos.resize(min(cfg.InfoListSize, MaxInfoListSize))
	e.unsubscribe = cfg.Gate.Subscribe(e.onNetworkChange)

	if err := e.tel.ObserveTierUsage(e.tierUsage); err != nil {
		logger.WithField("action", "telemetry").Warn(err.Error())
	}
	if cfg.WatchStorage {
		e.armStorageWatch()
	}
	return e, nil
}

// Download 请求 rawURL。仅当 URL 无效或引擎已关闭时返回错误；其余结果都通过回调与句柄状态体现。
// 新发起的传输向上游请求 rawURL 本身，归一化后的键只用于合并与缓存。
func (e *Engine) Download(rawURL string, opts Options, cb Callbacks) (*Handle, error) {
	rawURL = strings.TrimSpace(rawURL)
	key, err := cache.NewKey(rawURL)
	if err != nil {
		return nil, err
	}

	if !opts.Refresh {
		if h, ok := e.serveCached(key, cb); ok {
			return h, nil
		}
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrClosed
	}
	sub := e.newSubscriberLocked(cb)

	if t, ok := e.tasks[key.Digest()]; ok {
		t.mu.Lock()
		received, total := t.attachLocked(sub)
		t.mu.Unlock()
		e.mu.Unlock()

		e.tel.RecordJoin()
		e.logger.WithFields(logging.TaskFields("task_join", t.id, key.String())).Debug("加入已有下载任务")
		if received > 0 {
			sub.push(progressEvent(received, total))
		}
		return &Handle{id: t.id, key: key, eng: e, task: t, sub: sub}, nil
	}

	// 持锁复查缓存，避免与刚完成的任务交错而重复下载。
	if !opts.Refresh {
		if entry, ok := e.lookup(key); ok {
			e.mu.Unlock()
			return e.cachedHandle(key, entry, sub), nil
		}
	}

	t := newTask(e, uuid.NewString(), key, rawURL, opts.Headers)
	t.attachLocked(sub)
	h := &Handle{id: t.id, key: key, eng: e, task: t, sub: sub}

	if state := e.gate.State(); !state.Reachable {
		t.state = StateFail
		t.subs = make(map[uint64]*subscriber)
		e.mu.Unlock()

		e.tel.RecordFetch("offline", 0)
		e.logger.WithFields(logging.TaskFields("task_failed", t.id, key.String())).
			WithField("network", state.Kind.String()).
			Warn("网络不可达，任务未发起")
		sub.push(event{kind: eventFail, err: &ConnectivityError{State: state}})
		return h, nil
	}

	t.state = StateRunning
	e.tasks[key.Digest()] = t
	e.starting.Add(1)
	e.mu.Unlock()
	defer e.starting.Done()

	e.tel.IncrementActiveTasks()
	e.logger.WithFields(logging.TaskFields("task_start", t.id, key.String())).Info("开始下载")

	transfer := e.fetcher.Start(fetch.Request{URL: t.url, Headers: opts.Headers}, t)
	t.mu.Lock()
	t.transfer = transfer
	stillRunning := t.state == StateRunning
	t.mu.Unlock()
	if !stillRunning {
		transfer.Abort()
	}
	return h, nil
}

func (e *Engine) newSubscriberLocked(cb Callbacks) *subscriber {
	e.nextID++
	return newSubscriber(e.nextID, cb)
}

// lookup 查询缓存并执行 TTL；过期条目被删除并视为未命中。
func (e *Engine) lookup(key cache.Key) (*cache.Entry, bool) {
	entry, ok := e.store.Get(key)
	if !ok {
		e.tel.RecordCacheLookup("none", false)
		return nil, false
	}
	if entry.ExpiredAt(e.clock.Now(), e.ttl) {
		e.store.Evict(key)
		e.tel.RecordCacheLookup(entry.Tier.String(), false)
		e.logger.WithFields(logrus.Fields{
			"action": "cache_evict",
			"key":    key.String(),
			"reason": "expired",
		}).Debug("缓存已过期")
		return nil, false
	}
	e.tel.RecordCacheLookup(entry.Tier.String(), true)
	return entry, true
}

func (e *Engine) serveCached(key cache.Key, cb Callbacks) (*Handle, bool) {
	entry, ok := e.lookup(key)
	if !ok {
		return nil, false
	}
	e.mu.Lock()
	sub := e.newSubscriberLocked(cb)
	e.mu.Unlock()
	return e.cachedHandle(key, entry, sub), true
}

// cachedHandle 同步投递 OnSuccess，返回已处于 SUCCESS 的句柄。
func (e *Engine) cachedHandle(key cache.Key, entry *cache.Entry, sub *subscriber) *Handle {
	h := &Handle{id: uuid.NewString(), key: key, eng: e, sub: sub}
	e.logger.WithFields(logging.TaskFields("cache_hit", h.id, key.String())).
		WithField("tier", entry.Tier.String()).
		Debug("缓存命中")
	sub.push(event{kind: eventSuccess, data: entry.Data})
	return h
}

// complete 处理传输成功结束：非 2xx 视为失败，否则先写缓存再通知所有订阅者。
func (e *Engine) complete(t *task, status int) {
	if !fetch.IsSuccessStatus(status) {
		e.finish(t, event{kind: eventFail, err: fetch.StatusError(status)})
		return
	}

	t.mu.Lock()
	if t.state != StateRunning {
		t.mu.Unlock()
		return
	}
	payload := t.buf.Bytes()
	t.mu.Unlock()

	data := cache.NewData(payload)
	if entry, err := e.store.Put(t.key, payload); err != nil {
		var ioErr *cache.IOError
		if errors.As(err, &ioErr) {
			e.tel.RecordCacheIOError()
		}
		e.logger.WithFields(logging.TaskFields("cache_io", t.id, t.key.String())).
			Debug("下载结果未写入缓存: " + err.Error())
	} else {
		data = entry.Data
	}

	if !e.finish(t, event{kind: eventSuccess, data: data}) {
		// 写缓存期间任务已被取消或删除，撤销写入。
		e.store.Evict(t.key)
	}
}

// finish 把任务转入终态、移出任务表并通知全部订阅者。任务已结束时返回 false。
func (e *Engine) finish(t *task, ev event) bool {
	e.mu.Lock()
	t.mu.Lock()
	if t.state != StateRunning {
		t.mu.Unlock()
		e.mu.Unlock()
		return false
	}
	if current, ok := e.tasks[t.key.Digest()]; ok && current == t {
		delete(e.tasks, t.key.Digest())
	}
	t.state = ev.state()
	subs := t.takeSubsLocked()
	size := t.buf.Len()
	t.buf = bytes.Buffer{}
	t.mu.Unlock()
	e.mu.Unlock()

	e.recordFinish(t, ev, size)
	for _, sub := range subs {
		sub.push(ev)
	}
	return true
}

func (e *Engine) recordFinish(t *task, ev event, size int) {
	elapsed := e.clock.Now().Sub(t.started)
	state := ev.state()
	outcome := map[State]string{
		StateSuccess: "success",
		StateFail:    "failed",
		StateCancel:  "cancelled",
	}[state]

	e.tel.DecrementActiveTasks()
	e.tel.RecordFetch(outcome, elapsed)
	if state != StateCancel {
		if m := t.takeMetrics(); m != nil {
			e.infos.add(t.key.Digest(), newDownloadInfo(t.url, *m, e.clock.Now()))
		}
	}

	fields := logging.TaskFields("task_complete", t.id, t.key.String())
	fields["elapsed_ms"] = elapsed.Milliseconds()
	switch state {
	case StateSuccess:
		e.logger.WithFields(fields).WithFields(logging.SizeFields("size", uint64(size))).Info("下载完成")
	case StateFail:
		fields["action"] = "task_failed"
		if ev.err != nil {
			fields["error"] = ev.err.Error()
		}
		e.logger.WithFields(fields).Warn("下载失败")
	case StateCancel:
		fields["action"] = "task_cancel"
		e.logger.WithFields(fields).Info("下载已取消")
	}
}

// detach 移除一个订阅者；若它是运行中任务的最后一个订阅者，任务转为 CANCEL 并中止传输。
func (e *Engine) detach(t *task, sub *subscriber) {
	e.mu.Lock()
	t.mu.Lock()
	_, present := t.subs[sub.id]
	delete(t.subs, sub.id)

	var transfer fetch.Transfer
	last := present && len(t.subs) == 0 && t.state == StateRunning
	if last {
		t.state = StateCancel
		transfer = t.transfer
		t.buf = bytes.Buffer{}
		if current, ok := e.tasks[t.key.Digest()]; ok && current == t {
			delete(e.tasks, t.key.Digest())
		}
	}
	t.mu.Unlock()
	e.mu.Unlock()

	if present {
		sub.push(event{kind: eventCancel, err: ErrCancelled})
	}
	if last {
		e.recordFinish(t, event{kind: eventCancel}, 0)
		if transfer != nil {
			transfer.Abort()
		}
	}
}

// Cancel 中止 rawURL 的在途任务，所有订阅者收到 CANCEL。没有任务时返回 false。
func (e *Engine) Cancel(rawURL string) (bool, error) {
	key, err := cache.NewKey(rawURL)
	if err != nil {
		return false, err
	}
	return e.cancelKey(key), nil
}

func (e *Engine) cancelKey(key cache.Key) bool {
	e.mu.Lock()
	t, ok := e.tasks[key.Digest()]
	if !ok {
		e.mu.Unlock()
		return false
	}
	delete(e.tasks, key.Digest())
	t.mu.Lock()
	t.state = StateCancel
	subs := t.takeSubsLocked()
	transfer := t.transfer
	t.buf = bytes.Buffer{}
	t.mu.Unlock()
	e.mu.Unlock()

	e.recordFinish(t, event{kind: eventCancel}, 0)
	ev := event{kind: eventCancel, err: ErrCancelled}
	for _, sub := range subs {
		sub.push(ev)
	}
	if transfer != nil {
		transfer.Abort()
	}
	return true
}

// Remove 取消在途任务并删除缓存条目，重复调用没有副作用。
func (e *Engine) Remove(rawURL string) error {
	key, err := cache.NewKey(rawURL)
	if err != nil {
		return err
	}
	e.cancelKey(key)
	if e.store.Evict(key) {
		e.logger.WithFields(logrus.Fields{
			"action": "cache_evict",
			"key":    key.String(),
			"reason": "removed",
		}).Info("缓存条目已删除")
	}
	return nil
}

// Contains 报告 rawURL 是否有未过期的缓存条目，不读取正文也不改变 LRU 顺序。
func (e *Engine) Contains(rawURL string) bool {
	key, err := cache.NewKey(rawURL)
	if err != nil {
		return false
	}
	entry, ok := e.store.Stat(key)
	return ok && !entry.ExpiredAt(e.clock.Now(), e.ttl)
}

// DownloadInfo 返回 rawURL 最近一次结束的下载信息。列表容量为 0 或已被淘汰时返回 false。
func (e *Engine) DownloadInfo(rawURL string) (DownloadInfo, bool) {
	key, err := cache.NewKey(rawURL)
	if err != nil {
		return DownloadInfo{}, false
	}
	return e.infos.get(key.Digest())
}

// SetDownloadInfoListSize 调整保留下载信息的条目数，超出 MaxInfoListSize 时取上限。
// 缩小时淘汰最久未访问的记录，0 表示清空并停止记录。
func (e *Engine) SetDownloadInfoListSize(size int) {
	size = min(max(size, 0), MaxInfoListSize)
	e.infos.resize(size)
	e.logger.WithFields(logging.BaseFields("info_list_size", "")).
		WithField("size", size).
		Info("下载信息列表容量已更新")
}

// SetRamCacheSize 调整内存层预算。
func (e *Engine) SetRamCacheSize(size uint64) {
	e.store.SetBudget(cache.TierMemory, size)
	e.logger.WithFields(logging.BaseFields("cache_budget", "")).
		WithFields(logging.SizeFields("ram", size)).
		Info("内存层预算已更新")
}

// SetFileCacheSize 调整磁盘层预算。
func (e *Engine) SetFileCacheSize(size uint64) {
	e.store.SetBudget(cache.TierDisk, size)
	e.logger.WithFields(logging.BaseFields("cache_budget", "")).
		WithFields(logging.SizeFields("file", size)).
		Info("磁盘层预算已更新")
}

// InFlight 返回在途任务数。
func (e *Engine) InFlight() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.tasks)
}

// Stats 返回任务数、各层用量与网络状态。
func (e *Engine) Stats() Stats {
	return Stats{
		InFlight:      e.InFlight(),
		DownloadInfos: e.infos.count(),
		Network:       e.gate.State(),
		Tiers: map[string]TierStats{
			cache.TierMemory.String(): {Used: e.store.Usage(cache.TierMemory), Budget: e.store.Budget(cache.TierMemory)},
			cache.TierDisk.String():   {Used: e.store.Usage(cache.TierDisk), Budget: e.store.Budget(cache.TierDisk)},
		},
	}
}

func (e *Engine) tierUsage() map[string]int64 {
	return map[string]int64{
		cache.TierMemory.String(): int64(e.store.Usage(cache.TierMemory)),
		cache.TierDisk.String():   int64(e.store.Usage(cache.TierDisk)),
	}
}

func (e *Engine) onNetworkChange(state netgate.State) {
	e.tel.RecordNetworkChange(state.Kind.String(), state.Reachable)
	e.logger.WithFields(logrus.Fields{
		"action":    "network_change",
		"reachable": state.Reachable,
		"kind":      state.Kind.String(),
		"metered":   state.Metered,
		"roaming":   state.Roaming,
	}).Info("网络状态变化")
}

// Close 取消全部任务并等待传输结束，停止目录监视。之后的 Download 返回 ErrClosed。
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	tasks := make([]*task, 0, len(e.tasks))
	for _, t := range e.tasks {
		tasks = append(tasks, t)
	}
	e.mu.Unlock()

	for _, t := range tasks {
		e.cancelKey(t.key)
	}
	// Start 尚未返回的任务会在拿到 Transfer 后自行中止它。
	e.starting.Wait()
	for _, t := range tasks {
		t.mu.Lock()
		transfer := t.transfer
		t.mu.Unlock()
		if transfer != nil {
			<-transfer.Done()
		}
	}

	e.unsubscribe()
	e.stopStorageWatch()
}
