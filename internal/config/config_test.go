package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadWithDefaults(t *testing.T) {
	cfgPath := testConfigPath(t, "valid.toml")

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load 返回错误: %v", err)
	}
	if cfg.Global.ListenPort != 5000 {
		t.Fatalf("ListenPort 应当被解析")
	}
	if cfg.Global.UpstreamTimeout.DurationValue() != 30*time.Second {
		t.Fatalf("UpstreamTimeout 应该自动填充默认值")
	}
	if cfg.Agent.CacheName != DefaultCacheName {
		t.Fatalf("CacheName 应回退到默认代数名，得到 %s", cfg.Agent.CacheName)
	}
	if cfg.Agent.OfflinePath != DefaultOfflinePath {
		t.Fatalf("OfflinePath 应回退到 %s", DefaultOfflinePath)
	}
	if len(cfg.Agent.Precache) == 0 {
		t.Fatalf("Precache 应回退到默认清单")
	}
	if !strings.HasPrefix(cfg.Global.StoragePath, "/") {
		t.Fatalf("StoragePath 应被转换为绝对路径")
	}
}

func TestLoadRejectsMissingUpstream(t *testing.T) {
	cfgPath := testConfigPath(t, "missing.toml")

	if _, err := Load(cfgPath); err == nil {
		t.Fatalf("缺少 Upstream 的配置应返回错误")
	}
}

func TestValidateEnforcesListenPortRange(t *testing.T) {
	cfg := validConfig()
	cfg.Global.ListenPort = 70000
	if err := cfg.Validate(); err == nil {
		t.Fatalf("ListenPort 超出范围应当报错")
	}
}

func TestValidateRejectsCacheNameWithSeparator(t *testing.T) {
	cfg := validConfig()
	cfg.Agent.CacheName = "ustabul/v3"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("CacheName 含路径分隔符应当报错")
	}
}

func TestValidateRequiresOfflineInPrecache(t *testing.T) {
	cfg := validConfig()
	cfg.Agent.Precache = []string{"/", "/static/js/app.js"}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("预缓存清单缺少离线页应当报错")
	}
}

func TestValidateRejectsDuplicatePrecacheEntries(t *testing.T) {
	cfg := validConfig()
	cfg.Agent.Precache = []string{"/offline/", "/", "/"}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("重复预缓存条目应当报错")
	}
}

func TestValidateDomain(t *testing.T) {
	testCases := []struct {
		name      string
		domain    string
		shouldErr bool
	}{
		{"plain host ok", "ustabul.local", false},
		{"host with port ok", "ustabul.local:8443", false},
		{"empty", "", true},
		{"with scheme", "https://ustabul.local", true},
		{"with path", "ustabul.local/app", true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			cfg.Agent.Domain = tc.domain
			err := cfg.Validate()
			if tc.shouldErr && err == nil {
				t.Fatalf("expected error for domain %q", tc.domain)
			}
			if !tc.shouldErr && err != nil {
				t.Fatalf("unexpected error for domain %q: %v", tc.domain, err)
			}
		})
	}
}

func validConfig() *Config {
	return &Config{
		Global: GlobalConfig{
			ListenPort:      5000,
			StoragePath:     "./data",
			UpstreamTimeout: Duration(time.Second),
		},
		Agent: AgentConfig{
			CacheName:   "ustabul-pwa-v2",
			Domain:      "ustabul.local",
			Upstream:    "https://app.ustabul.com",
			OfflinePath: "/offline/",
			Precache:    []string{"/", "/offline/"},
		},
	}
}
