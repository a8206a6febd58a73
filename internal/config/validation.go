package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if g.StoragePath == "" {
		return newFieldError("Global.StoragePath", "不能为空")
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("Global.UpstreamTimeout", "必须大于 0")
	}

	return c.Agent.validate()
}

func (a AgentConfig) validate() error {
	name := strings.TrimSpace(a.CacheName)
	if name == "" {
		return newFieldError(agentField("CacheName"), "不能为空")
	}
	if strings.ContainsAny(name, "/\\") {
		return newFieldError(agentField("CacheName"), "不允许包含路径分隔符")
	}

	if err := validateDomain(a.Domain); err != nil {
		return fmt.Errorf("%s: %w", agentField("Domain"), err)
	}
	if err := validateUpstream(a.Upstream); err != nil {
		return fmt.Errorf("%s: %w", agentField("Upstream"), err)
	}

	if !strings.HasPrefix(a.OfflinePath, "/") {
		return newFieldError(agentField("OfflinePath"), "必须以 / 开头")
	}

	if len(a.Precache) == 0 {
		return newFieldError(agentField("Precache"), "至少需要一个预缓存条目")
	}
	seen := map[string]struct{}{}
	offlineListed := false
	for _, entry := range a.Precache {
		if !strings.HasPrefix(entry, "/") {
			return newFieldError(agentField("Precache"), fmt.Sprintf("条目必须以 / 开头: %q", entry))
		}
		if _, exists := seen[entry]; exists {
			return newFieldError(agentField("Precache"), fmt.Sprintf("重复条目: %s", entry))
		}
		seen[entry] = struct{}{}
		if entry == a.OfflinePath {
			offlineListed = true
		}
	}
	if !offlineListed {
		return newFieldError(agentField("Precache"), "必须包含 OfflinePath，否则无法离线降级")
	}

	return nil
}

func validateDomain(domain string) error {
	if domain == "" {
		return errors.New("Domain 不能为空")
	}
	if strings.Contains(domain, "/") {
		return errors.New("Domain 不允许包含路径")
	}
	if strings.Contains(domain, " ") {
		return errors.New("Domain 不允许包含空格")
	}
	if strings.HasPrefix(domain, "http") {
		return errors.New("Domain 不应包含协议头")
	}
	return nil
}

func validateUpstream(raw string) error {
	if raw == "" {
		return errors.New("缺少上游地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https，上游: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("上游缺少 Host: %s", raw)
	}
	return nil
}
