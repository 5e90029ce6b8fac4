package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if seconds, err := time.ParseDuration(raw); err == nil {
		*d = Duration(seconds)
		return nil
	}

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// ByteSize 表示缓存容量，支持 "20MiB"、"100 MB" 或纯字节整数。
type ByteSize uint64

// UnmarshalText 通过 humanize 解析带单位的容量字符串。
func (b *ByteSize) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*b = 0
		return nil
	}
	parsed, err := humanize.ParseBytes(raw)
	if err != nil {
		return fmt.Errorf("invalid byte size value: %s", raw)
	}
	*b = ByteSize(parsed)
	return nil
}

// Bytes 返回字节数。
func (b ByteSize) Bytes() uint64 {
	return uint64(b)
}

// String 输出人类可读的容量，用于日志。
func (b ByteSize) String() string {
	return humanize.IBytes(uint64(b))
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// 网络状态来源，见 netgate 包。
const (
	NetworkSourceNetlink = "netlink"
	NetworkSourceStatic  = "static"
)

// GlobalConfig 描述进程级运行时行为，引擎、缓存与 HTTP 控制面共享同一份参数。
type GlobalConfig struct {
	ListenPort    int    `mapstructure:"ListenPort"`
	LogLevel      string `mapstructure:"LogLevel"`
	LogFilePath   string `mapstructure:"LogFilePath"`
	LogMaxSize    int    `mapstructure:"LogMaxSize"`
	LogMaxBackups int    `mapstructure:"LogMaxBackups"`
	LogCompress   bool   `mapstructure:"LogCompress"`

	// StoragePath 是磁盘层的根目录，每个缓存键对应其中一个文件。
	StoragePath   string   `mapstructure:"StoragePath"`
	RamCacheSize  ByteSize `mapstructure:"RamCacheSize"`
	FileCacheSize ByteSize `mapstructure:"FileCacheSize"`
	// CacheTTL 为 0 时缓存永不过期；大于 0 时超过 TTL 的条目视为未命中并重新下载。
	CacheTTL     Duration `mapstructure:"CacheTTL"`
	FetchTimeout Duration `mapstructure:"FetchTimeout"`
	UserAgent    string   `mapstructure:"UserAgent"`

	WatchStorage   bool   `mapstructure:"WatchStorage"`
	NetworkSource  string `mapstructure:"NetworkSource"`
	MetricsEnabled bool   `mapstructure:"MetricsEnabled"`
	// DownloadInfoListSize 是保留最近下载耗时信息的条数，0 表示不记录。
	DownloadInfoListSize int `mapstructure:"DownloadInfoListSize"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global GlobalConfig `mapstructure:",squash"`
}

// CacheTTLValue 返回生效的缓存过期时间，0 表示永不过期。
func (c *Config) CacheTTLValue() time.Duration {
	if c == nil {
		return 0
	}
	return c.Global.CacheTTL.DurationValue()
}
