package engine

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"

	"github.com/any-hub/prefetch/internal/fetch"
)

// MaxInfoListSize 是下载信息列表容量的上限。
const MaxInfoListSize = 65535

// DownloadInfo 记录一次已结束（成功或失败）下载的大小、服务端地址与各阶段耗时，耗时单位为毫秒。
type DownloadInfo struct {
	URL             string    `json:"url"`
	Size            int64     `json:"size"`
	RemoteAddr      string    `json:"remote_addr"`
	DNSMillis       float64   `json:"dns_ms"`
	ConnectMillis   float64   `json:"connect_ms"`
	TLSMillis       float64   `json:"tls_ms"`
	FirstSendMillis float64   `json:"first_send_ms"`
	FirstRecvMillis float64   `json:"first_recv_ms"`
	RedirectMillis  float64   `json:"redirect_ms"`
	TotalMillis     float64   `json:"total_ms"`
	FinishedAt      time.Time `json:"finished_at"`
}

func newDownloadInfo(url string, m fetch.Metrics, finishedAt time.Time) DownloadInfo {
	return DownloadInfo{
		URL:             url,
		Size:            m.Size,
		RemoteAddr:      m.RemoteAddr,
		DNSMillis:       millis(m.DNS),
		ConnectMillis:   millis(m.Connect),
		TLSMillis:       millis(m.TLS),
		FirstSendMillis: millis(m.FirstSend),
		FirstRecvMillis: millis(m.FirstReceive),
		RedirectMillis:  millis(m.Redirect),
		TotalMillis:     millis(m.Total),
		FinishedAt:      finishedAt,
	}
}

func millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

// infoList 按缓存键摘要保存最近的下载信息，容量为 0 时不记录。
type infoList struct {
	mu  sync.Mutex
	lru *simplelru.LRU[string, DownloadInfo]
}

func (l *infoList) resize(size int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch {
	case size <= 0:
		l.lru = nil
	case l.lru == nil:
		l.lru, _ = simplelru.NewLRU[string, DownloadInfo](size, nil)
	default:
		l.lru.Resize(size)
	}
}

func (l *infoList) add(digest string, info DownloadInfo) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.lru != nil {
		l.lru.Add(digest, info)
	}
}

func (l *infoList) get(digest string) (DownloadInfo, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.lru == nil {
		return DownloadInfo{}, false
	}
	return l.lru.Get(digest)
}

func (l *infoList) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.lru == nil {
		return 0
	}
	return l.lru.Len()
}
