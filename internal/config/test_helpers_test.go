package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// fixturePath 返回 testdata 下的配置样例。
func fixturePath(name string) string {
	return filepath.Join("testdata", name)
}

// loadTOML 把若干行 TOML 写入临时文件后加载。未写 StoragePath 时指向同一临时目录，
// 避免测试依赖工作目录。
func loadTOML(t *testing.T, lines ...string) (*Config, error) {
	t.Helper()
	dir := t.TempDir()
	body := strings.Join(lines, "\n")
	if !strings.Contains(body, "StoragePath") {
		body = fmt.Sprintf("StoragePath = %q\n%s", filepath.Join(dir, "storage"), body)
	}
	path := filepath.Join(dir, "prefetch.toml")
	if err := os.WriteFile(path, []byte(body+"\n"), 0o600); err != nil {
		t.Fatalf("写入临时配置失败: %v", err)
	}
	return Load(path)
}

// mustLoadTOML 与 loadTOML 相同，加载失败时直接结束测试。
func mustLoadTOML(t *testing.T, lines ...string) *Config {
	t.Helper()
	cfg, err := loadTOML(t, lines...)
	if err != nil {
		t.Fatalf("Load 返回错误: %v", err)
	}
	return cfg
}

// requireFieldError 断言 err 是指向 field 的 FieldError。
func requireFieldError(t *testing.T, err error, field string) {
	t.Helper()
	var fieldErr FieldError
	if !errors.As(err, &fieldErr) {
		t.Fatalf("期望 %s 字段错误, got %v", field, err)
	}
	if fieldErr.Field != field {
		t.Fatalf("字段错误指向 %s, 期望 %s", fieldErr.Field, field)
	}
}
