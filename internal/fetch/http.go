package fetch

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptrace"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const chunkSize = 32 * 1024

// errStalled 表示正文在空闲超时内没有任何数据到达。
var errStalled = errors.New("response body stalled")

// HTTPFetcher 基于共享 http.Client 执行 GET 请求。
type HTTPFetcher struct {
	client      *http.Client
	userAgent   string
	idleTimeout time.Duration
}

// NewHTTPFetcher 创建 fetcher；client 为空时使用默认超时的客户端。
// idleTimeout 限制两次读到正文数据之间的最长间隔，<= 0 表示不限制。
func NewHTTPFetcher(client *http.Client, userAgent string, idleTimeout time.Duration) *HTTPFetcher {
	if client == nil {
		client = NewClient(0)
	}
	return &HTTPFetcher{
		client:      client,
		userAgent:   strings.TrimSpace(userAgent),
		idleTimeout: idleTimeout,
	}
}

// Start 在独立 goroutine 中执行请求，立即返回可取消的 Transfer。
func (f *HTTPFetcher) Start(req Request, listener Listener) Transfer {
	ctx, cancel := context.WithCancel(context.Background())
	t := &httpTransfer{
		cancel:      cancel,
		done:        make(chan struct{}),
		idleTimeout: f.idleTimeout,
		trace:       &tracer{start: time.Now()},
	}

	httpReq, err := f.buildRequest(httptrace.WithClientTrace(ctx, t.trace.clientTrace()), req)
	go func() {
		defer close(t.done)
		defer cancel()
		if err != nil {
			listener.OnFail(&TransportError{Message: err.Error()})
			return
		}
		t.run(f.client, httpReq, listener)
	}()
	return t
}

func (f *HTTPFetcher) buildRequest(ctx context.Context, req Request) (*http.Request, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL, http.NoBody)
	if err != nil {
		return nil, err
	}
	for _, h := range req.Headers {
		if !forwardable(h.Name) {
			continue
		}
		httpReq.Header.Add(strings.TrimSpace(h.Name), h.Value)
	}
	if httpReq.Header.Get("User-Agent") == "" && f.userAgent != "" {
		httpReq.Header.Set("User-Agent", f.userAgent)
	}
	return httpReq, nil
}

type httpTransfer struct {
	cancel      context.CancelFunc
	done        chan struct{}
	idleTimeout time.Duration
	trace       *tracer

	aborted atomic.Bool
	stalled atomic.Bool
}

func (t *httpTransfer) Abort() {
	t.aborted.Store(true)
	t.cancel()
}

func (t *httpTransfer) Done() <-chan struct{} {
	return t.done
}

func (t *httpTransfer) run(client *http.Client, req *http.Request, listener Listener) {
	resp, err := client.Do(req)
	if err != nil {
		t.fail(listener, err, 0)
		return
	}
	defer resp.Body.Close()
	if resp.Request != nil && resp.Request.Response != nil {
		t.trace.markRedirected()
	}

	listener.OnHeaders(responseHeaders(resp.Header))

	var idle *time.Timer
	if t.idleTimeout > 0 {
		idle = time.AfterFunc(t.idleTimeout, func() {
			t.stalled.Store(true)
			t.cancel()
		})
		defer idle.Stop()
	}

	// ContentLength 在 chunked 或缺失时为 -1。
	total := resp.ContentLength
	var received int64
	buf := make([]byte, chunkSize)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if idle != nil {
				idle.Reset(t.idleTimeout)
			}
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			received += int64(n)
			listener.OnData(chunk)
			listener.OnProgress(received, total)
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				break
			}
			t.fail(listener, readErr, received)
			return
		}
	}

	if t.aborted.Load() {
		listener.OnCancelled()
		return
	}
	listener.OnMetrics(t.trace.finish(received))
	listener.OnSuccess(resp.StatusCode)
}

func (t *httpTransfer) fail(listener Listener, err error, received int64) {
	if t.aborted.Load() {
		listener.OnCancelled()
		return
	}
	listener.OnMetrics(t.trace.finish(received))
	if t.stalled.Load() {
		listener.OnFail(&TransportError{Message: errStalled.Error(), Timeout: true})
		return
	}
	listener.OnFail(classify(err))
}

func classify(err error) *TransportError {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return &TransportError{Message: err.Error(), Timeout: true}
	}
	return &TransportError{Message: err.Error()}
}

// tracer 通过 httptrace 记录各阶段相对请求开始的耗时。跟随重定向时后一跳覆盖前一跳。
type tracer struct {
	start time.Time

	mu          sync.Mutex
	m           Metrics
	lastGetConn time.Duration
}

func (tr *tracer) clientTrace() *httptrace.ClientTrace {
	return &httptrace.ClientTrace{
		GetConn: func(string) {
			tr.record(func(at time.Duration) { tr.lastGetConn = at })
		},
		DNSDone: func(info httptrace.DNSDoneInfo) {
			if info.Err == nil {
				tr.record(func(at time.Duration) { tr.m.DNS = at })
			}
		},
		ConnectDone: func(_, _ string, err error) {
			if err == nil {
				tr.record(func(at time.Duration) { tr.m.Connect = at })
			}
		},
		TLSHandshakeDone: func(_ tls.ConnectionState, err error) {
			if err == nil {
				tr.record(func(at time.Duration) { tr.m.TLS = at })
			}
		},
		GotConn: func(info httptrace.GotConnInfo) {
			tr.record(func(at time.Duration) {
				tr.m.FirstSend = at
				if info.Conn != nil {
					tr.m.RemoteAddr = info.Conn.RemoteAddr().String()
				}
			})
		},
		GotFirstResponseByte: func() {
			tr.record(func(at time.Duration) { tr.m.FirstReceive = at })
		},
	}
}

func (tr *tracer) record(fn func(at time.Duration)) {
	at := time.Since(tr.start)
	tr.mu.Lock()
	defer tr.mu.Unlock()
	fn(at)
}

// markRedirected 把最后一跳开始取连接的时刻记为重定向完成时间。
func (tr *tracer) markRedirected() {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.m.Redirect = tr.lastGetConn
}

func (tr *tracer) finish(received int64) Metrics {
	total := time.Since(tr.start)
	tr.mu.Lock()
	defer tr.mu.Unlock()
	m := tr.m
	m.Total = total
	m.Size = received
	return m
}
