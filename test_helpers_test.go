package main

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

// gatewayRoot 缓存模块根目录（含 go.mod 的目录），供定位配置夹具使用。
var gatewayRoot string

func init() {
	_, file, _, ok := runtime.Caller(0)
	if !ok {
		return
	}
	dir := filepath.Dir(file)
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			gatewayRoot = dir
			return
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return
		}
		dir = parent
	}
}

// configFixture 返回 internal/config/testdata 下某个 TOML 夹具的绝对路径。
func configFixture(t *testing.T, name string) string {
	t.Helper()
	if gatewayRoot == "" {
		t.Fatal("无法定位模块根目录")
	}
	return filepath.Join(gatewayRoot, "internal", "config", "testdata", name)
}
