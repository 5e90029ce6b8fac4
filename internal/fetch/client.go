package fetch

import (
	"net"
	"net/http"
	"net/textproto"
	"strings"
	"time"
)

// DefaultTimeout 是未配置 FetchTimeout 时建连与等待响应头的上限。
const DefaultTimeout = 30 * time.Second

// NewClient 构建所有下载共用的 http.Client。timeout 只约束拨号、TLS 握手与等待响应头，
// 正文传输不设总时长，卡住的正文由 HTTPFetcher 的空闲超时中止。
func NewClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	dialer := &net.Dialer{
		Timeout:   timeout,
		KeepAlive: 30 * time.Second,
	}
	return &http.Client{
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			DialContext:           dialer.DialContext,
			ForceAttemptHTTP2:     true,
			MaxIdleConns:          64,
			MaxIdleConnsPerHost:   8,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   min(timeout, 10*time.Second),
			ResponseHeaderTimeout: timeout,
			ExpectContinueTimeout: time.Second,
		},
	}
}

// forwardable 报告某个头能否在请求方与上游之间传递，RFC 7230 的逐跳字段除外。
func forwardable(name string) bool {
	switch textproto.CanonicalMIMEHeaderKey(strings.TrimSpace(name)) {
	case "", "Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
		"Proxy-Connection", "Te", "Trailer", "Transfer-Encoding", "Upgrade":
		return false
	}
	return true
}

// responseHeaders 复制可转发的响应头，Connection 中点名的字段同样视为逐跳字段丢弃。
func responseHeaders(src http.Header) http.Header {
	named := make(map[string]struct{})
	for _, value := range src.Values("Connection") {
		for _, token := range strings.Split(value, ",") {
			if token = strings.TrimSpace(token); token != "" {
				named[textproto.CanonicalMIMEHeaderKey(token)] = struct{}{}
			}
		}
	}

	dst := make(http.Header, len(src))
	for name, values := range src {
		if !forwardable(name) {
			continue
		}
		if _, ok := named[name]; ok {
			continue
		}
		dst[name] = append([]string(nil), values...)
	}
	return dst
}
