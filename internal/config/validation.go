package config

import (
	"errors"
	"strings"

	"github.com/sirupsen/logrus"
)

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError(globalField("ListenPort"), "必须在 1-65535")
	}
	if strings.TrimSpace(g.StoragePath) == "" {
		return newFieldError(globalField("StoragePath"), "不能为空")
	}
	if g.LogLevel != "" {
		if _, err := logrus.ParseLevel(g.LogLevel); err != nil {
			return newFieldError(globalField("LogLevel"), "无法识别的日志级别")
		}
	}
	if g.LogMaxSize < 0 {
		return newFieldError(globalField("LogMaxSize"), "不能为负数")
	}
	if g.LogMaxBackups < 0 {
		return newFieldError(globalField("LogMaxBackups"), "不能为负数")
	}
	if g.CacheTTL.DurationValue() < 0 {
		return newFieldError(globalField("CacheTTL"), "不能为负数")
	}
	if g.FetchTimeout.DurationValue() <= 0 {
		return newFieldError(globalField("FetchTimeout"), "必须大于 0")
	}
	if g.DownloadInfoListSize < 0 || g.DownloadInfoListSize > MaxDownloadInfoListSize {
		return newFieldError(globalField("DownloadInfoListSize"), "必须在 0-65535")
	}
	switch g.NetworkSource {
	case NetworkSourceNetlink, NetworkSourceStatic:
	default:
		return newFieldError(globalField("NetworkSource"), "仅支持 netlink|static")
	}
	return nil
}
