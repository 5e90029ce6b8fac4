package fetch

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Header 是一个有序的请求头键值对。
type Header struct {
	Name  string
	Value string
}

// Request 描述一次下载。Headers 按顺序追加到上游请求。
type Request struct {
	URL     string
	Headers []Header
}

// Metrics 是一次传输的耗时分解，各阶段均为相对请求开始的偏移。
// 连接被复用时 DNS、Connect、TLS 保持为零；Size 为已接收的正文字节数。
type Metrics struct {
	DNS          time.Duration
	Connect      time.Duration
	TLS          time.Duration
	FirstSend    time.Duration
	FirstReceive time.Duration
	Redirect     time.Duration
	Total        time.Duration
	RemoteAddr   string
	Size         int64
}

// Listener 接收一次传输的事件。OnSuccess、OnFail、OnCancelled 三者恰好触发一个，
// 之后不会再有任何回调。所有回调都在传输自己的 goroutine 中顺序执行。
type Listener interface {
	OnHeaders(header http.Header)
	OnData(chunk []byte)
	OnProgress(received, total int64)
	// OnMetrics 在 OnSuccess 或 OnFail 之前触发一次，取消时不触发。
	OnMetrics(m Metrics)
	OnSuccess(status int)
	OnFail(err *TransportError)
	OnCancelled()
}

// Transfer 是一次正在进行的传输。
type Transfer interface {
	// Abort 请求取消；若传输尚未结束，Listener 将收到 OnCancelled。可重复调用。
	Abort()
	// Done 在终态回调返回后关闭。
	Done() <-chan struct{}
}

// Fetcher 启动传输，测试中可替换为假实现。
type Fetcher interface {
	Start(req Request, listener Listener) Transfer
}

// TransportError 描述传输失败：Code 为 HTTP 状态码（网络层失败时为 0）。
type TransportError struct {
	Code    int
	Message string
	Timeout bool
}

func (e *TransportError) Error() string {
	switch {
	case e.Timeout:
		return fmt.Sprintf("transport timeout: %s", e.Message)
	case e.Code != 0:
		return fmt.Sprintf("upstream status %d: %s", e.Code, e.Message)
	default:
		return fmt.Sprintf("transport failed: %s", e.Message)
	}
}

// StatusError 为非 2xx 响应构造 TransportError。
func StatusError(status int) *TransportError {
	return &TransportError{Code: status, Message: http.StatusText(status)}
}

// IsSuccessStatus 判断状态码是否为 2xx。
func IsSuccessStatus(status int) bool {
	return status >= 200 && status < 300
}

// ErrInvalidHeader 表示无法解析的 "Name: Value" 请求头。
var ErrInvalidHeader = errors.New("invalid header")

// ParseHeader 解析 "Name: Value" 形式的请求头，名称不能为空。
func ParseHeader(raw string) (Header, error) {
	name, value, ok := strings.Cut(raw, ":")
	name = strings.TrimSpace(name)
	if !ok || name == "" || strings.ContainsAny(name, " \t") {
		return Header{}, fmt.Errorf("%w: %q", ErrInvalidHeader, raw)
	}
	return Header{Name: http.CanonicalHeaderKey(name), Value: strings.TrimSpace(value)}, nil
}
