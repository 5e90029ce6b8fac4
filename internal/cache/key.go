package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"path"
	"sort"
	"strings"
)

// ErrInvalidKey 表示 URL 为空、无法解析或缺少 scheme/host。
var ErrInvalidKey = errors.New("invalid cache key")

// Key 是由资源 URL 归一化得到的缓存键，计算后不可变。
type Key struct {
	value  string
	digest string
}

// NewKey 归一化 URL：scheme/host 小写、去掉默认端口与 fragment、清理路径并按参数名排序查询串。
// 查询串不解码，任何字节差异都会得到不同的键。
func NewKey(rawURL string) (Key, error) {
	raw := strings.TrimSpace(rawURL)
	if raw == "" {
		return Key{}, ErrInvalidKey
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return Key{}, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}

	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "http" && scheme != "https" {
		return Key{}, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidKey, parsed.Scheme)
	}
	host := strings.ToLower(parsed.Host)
	switch {
	case scheme == "http" && strings.HasSuffix(host, ":80"):
		host = strings.TrimSuffix(host, ":80")
	case scheme == "https" && strings.HasSuffix(host, ":443"):
		host = strings.TrimSuffix(host, ":443")
	}
	if host == "" {
		return Key{}, fmt.Errorf("%w: missing host", ErrInvalidKey)
	}

	var b strings.Builder
	b.WriteString(scheme)
	b.WriteString("://")
	if parsed.User != nil {
		b.WriteString(parsed.User.String())
		b.WriteByte('@')
	}
	b.WriteString(host)
	b.WriteString(cleanPath(parsed.EscapedPath()))
	if query := normalizeQuery(parsed.RawQuery); query != "" {
		b.WriteByte('?')
		b.WriteString(query)
	}

	value := b.String()
	sum := sha256.Sum256([]byte(value))
	return Key{value: value, digest: hex.EncodeToString(sum[:])}, nil
}

// normalizeQuery 按 '&' 拆分原始查询串并按参数名稳定排序，不做解码，
// 因此无法解码的转义与 ';' 都原样保留在键中。同名参数保持原有先后顺序。
func normalizeQuery(raw string) string {
	if raw == "" {
		return ""
	}
	pairs := make([]string, 0, strings.Count(raw, "&")+1)
	for _, pair := range strings.Split(raw, "&") {
		if pair != "" {
			pairs = append(pairs, pair)
		}
	}
	sort.SliceStable(pairs, func(i, j int) bool {
		return queryName(pairs[i]) < queryName(pairs[j])
	})
	return strings.Join(pairs, "&")
}

func queryName(pair string) string {
	name, _, _ := strings.Cut(pair, "=")
	return name
}

func cleanPath(p string) string {
	if p == "" || p == "/" {
		return "/"
	}
	cleaned := path.Clean("/" + p)
	if strings.HasSuffix(p, "/") && cleaned != "/" {
		cleaned += "/"
	}
	return cleaned
}

// String 返回归一化后的 URL。
func (k Key) String() string {
	return k.value
}

// Digest 返回归一化 URL 的 SHA-256 十六进制串，同时作为磁盘文件名。
func (k Key) Digest() string {
	return k.digest
}

// IsZero 判断是否为未初始化的键。
func (k Key) IsZero() bool {
	return k.value == ""
}

func isDigestName(name string) bool {
	if len(name) != sha256.Size*2 {
		return false
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
