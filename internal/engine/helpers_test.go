package engine

import (
	"io"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/juju/clock"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/any-hub/prefetch/internal/cache"
	"github.com/any-hub/prefetch/internal/fetch"
	"github.com/any-hub/prefetch/internal/netgate"
)

type fakeFetcher struct {
	mu        sync.Mutex
	transfers []*fakeTransfer
	started   chan *fakeTransfer
	// hold 非空时 Start 在登记传输后阻塞，直到它被关闭。
	hold chan struct{}
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{started: make(chan *fakeTransfer, 256)}
}

func (f *fakeFetcher) Start(req fetch.Request, listener fetch.Listener) fetch.Transfer {
	tr := &fakeTransfer{
		req:      req,
		listener: listener,
		aborted:  make(chan struct{}),
		done:     make(chan struct{}),
	}
	f.mu.Lock()
	f.transfers = append(f.transfers, tr)
	f.mu.Unlock()
	f.started <- tr
	if f.hold != nil {
		<-f.hold
	}
	return tr
}

func (f *fakeFetcher) starts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.transfers)
}

func (f *fakeFetcher) next(t *testing.T) *fakeTransfer {
	t.Helper()
	select {
	case tr := <-f.started:
		return tr
	case <-time.After(5 * time.Second):
		t.Fatal("fetch was not started")
		return nil
	}
}

// fakeTransfer 模拟适配器：Abort 与其他终态互斥，Abort 时投递 OnCancelled。
type fakeTransfer struct {
	req      fetch.Request
	listener fetch.Listener
	metrics  fetch.Metrics

	abortOnce  sync.Once
	aborted    chan struct{}
	finishOnce sync.Once
	done       chan struct{}
}

func (tr *fakeTransfer) Abort() {
	tr.abortOnce.Do(func() { close(tr.aborted) })
	tr.finish(func() { tr.listener.OnCancelled() })
}

func (tr *fakeTransfer) Done() <-chan struct{} {
	return tr.done
}

func (tr *fakeTransfer) wasAborted() bool {
	select {
	case <-tr.aborted:
		return true
	default:
		return false
	}
}

func (tr *fakeTransfer) finish(fn func()) {
	tr.finishOnce.Do(func() {
		fn()
		close(tr.done)
	})
}

func (tr *fakeTransfer) progress(chunk []byte, received, total int64) {
	tr.listener.OnData(chunk)
	tr.listener.OnProgress(received, total)
}

func (tr *fakeTransfer) succeed(payload []byte) {
	tr.respond(http.StatusOK, payload)
}

func (tr *fakeTransfer) respond(status int, payload []byte) {
	tr.finish(func() {
		tr.listener.OnHeaders(http.Header{})
		tr.listener.OnData(payload)
		tr.listener.OnProgress(int64(len(payload)), int64(len(payload)))
		m := tr.metrics
		m.Size = int64(len(payload))
		tr.listener.OnMetrics(m)
		tr.listener.OnSuccess(status)
	})
}

func (tr *fakeTransfer) fail(err *fetch.TransportError) {
	tr.finish(func() {
		tr.listener.OnMetrics(tr.metrics)
		tr.listener.OnFail(err)
	})
}

// recording 是 recorder 在某一时刻的快照。
type recording struct {
	progress      []int64
	data          *cache.Data
	failure       error
	cancelErr     error
	terminals     int
	afterTerminal int
}

type recorder struct {
	mu         sync.Mutex
	rec        recording
	onProgress func(received int64)
}

func (r *recorder) callbacks() Callbacks {
	return Callbacks{
		OnProgress: func(received, total int64) {
			r.mu.Lock()
			if r.rec.terminals > 0 {
				r.rec.afterTerminal++
			}
			r.rec.progress = append(r.rec.progress, received)
			hook := r.onProgress
			r.mu.Unlock()
			if hook != nil {
				hook(received)
			}
		},
		OnSuccess: func(data *cache.Data) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.rec.data = data
			r.rec.terminals++
		},
		OnFail: func(err error) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.rec.failure = err
			r.rec.terminals++
		},
		OnCancel: func(err error) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.rec.cancelErr = err
			r.rec.terminals++
		},
	}
}

func (r *recorder) snapshot() recording {
	r.mu.Lock()
	defer r.mu.Unlock()
	snap := r.rec
	snap.progress = append([]int64(nil), r.rec.progress...)
	return snap
}

type testEnv struct {
	engine  *Engine
	fetcher *fakeFetcher
	gate    *netgate.Gate
	store   *cache.Store
}

type envOption func(*Config)

func withTTL(ttl time.Duration) envOption {
	return func(c *Config) { c.CacheTTL = ttl }
}

func withClock(clk clock.Clock) envOption {
	return func(c *Config) { c.Clock = clk }
}

func withStorageWatch() envOption {
	return func(c *Config) { c.WatchStorage = true }
}

func withInfoListSize(size int) envOption {
	return func(c *Config) { c.InfoListSize = size }
}

func offline() envOption {
	return func(c *Config) { c.Gate = netgate.New() }
}

func newTestEnv(t *testing.T, opts ...envOption) *testEnv {
	t.Helper()
	logger := quietLogger()

	gate := netgate.New()
	gate.Apply(netgate.Available(netgate.Info{Bearers: []netgate.Bearer{netgate.BearerWifi}, Validated: true}))

	fetcher := newFakeFetcher()
	cfg := Config{
		Fetcher: fetcher,
		Gate:    gate,
		Logger:  logger,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	store, err := cache.New(cache.Options{
		Root:       t.TempDir(),
		RamBudget:  1 << 20,
		FileBudget: 4 << 20,
		Clock:      cfg.Clock,
		Logger:     logger,
	})
	require.NoError(t, err)
	cfg.Store = store

	eng, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		eng.Close()
		store.Close()
	})

	g, _ := cfg.Gate.(*netgate.Gate)
	return &testEnv{engine: eng, fetcher: fetcher, gate: g, store: store}
}

func (env *testEnv) download(t *testing.T, url string, opts Options) (*Handle, *recorder) {
	t.Helper()
	rec := &recorder{}
	h, err := env.engine.Download(url, opts, rec.callbacks())
	require.NoError(t, err)
	return h, rec
}

func waitHandle(t *testing.T, h *Handle) {
	t.Helper()
	select {
	case <-h.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("handle %s did not finish, state=%s", h.TaskID(), h.State())
	}
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}
