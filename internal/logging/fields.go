package logging

import (
	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
)

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// TaskFields 提供任务 ID 与缓存键字段，供下载协调器的日志复用。
func TaskFields(action, taskID, key string) logrus.Fields {
	return logrus.Fields{
		"action":  action,
		"task_id": taskID,
		"key":     key,
	}
}

// SizeFields 同时输出原始字节数与人类可读容量。
func SizeFields(prefix string, bytes uint64) logrus.Fields {
	return logrus.Fields{
		prefix + "_bytes": bytes,
		prefix:            humanize.IBytes(bytes),
	}
}
