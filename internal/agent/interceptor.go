package agent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/ustabul/ustabul-gateway/internal/cache"
	"github.com/ustabul/ustabul-gateway/internal/logging"
	"github.com/ustabul/ustabul-gateway/internal/server"
)

const (
	policyNavigation  = "navigation"
	policySubresource = "subresource"
	policyPassthrough = "passthrough"
)

// Handle 对单个请求执行线性决策树：非 GET 与外部 Host 直接透传；导航请求走
// network-first，同源子资源走 cache-first；两者失败时降级到离线页。
func (a *Agent) Handle(c fiber.Ctx) error {
	started := time.Now()
	requestID := server.RequestID(c)

	if c.Method() != http.MethodGet {
		return a.passthrough(c, requestID, started)
	}
	if !a.matchesDomain(c) {
		return a.passthrough(c, requestID, started)
	}

	generation := a.CurrentGeneration()
	rawQuery := append([]byte(nil), c.Request().URI().QueryString()...)
	locator := cache.LocatorFor(generation, string(c.Request().URI().Path()), rawQuery)

	if isNavigation(c) {
		return a.handleNavigation(c, generation, locator, requestID, started)
	}
	return a.handleSubresource(c, generation, locator, requestID, started)
}

// handleNavigation 实现导航请求的 network-first 策略。
func (a *Agent) handleNavigation(
	c fiber.Ctx,
	generation string,
	locator cache.Locator,
	requestID string,
	started time.Time,
) error {
	resp, fetchErr := a.fetchUpstream(c)
	if fetchErr == nil {
		body, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr == nil {
			if a.shouldStore(resp) {
				a.storeAsync(generation, locator, resp.StatusCode, resp.Header, body)
			}
			a.logResult(policyNavigation, generation, requestID, resp.StatusCode, false, started, nil)
			return a.relay(c, resp, body, false, requestID)
		}
		fetchErr = readErr
	}

	ctx := requestContext(c)
	if cached, err := a.store.Match(ctx, locator); err == nil {
		a.logResult(policyNavigation, generation, requestID, cached.Entry.Snapshot.Status, true, started, nil)
		return a.serveSnapshot(c, cached, requestID)
	} else if !errors.Is(err, cache.ErrNotFound) {
		a.logger.WithError(err).
			WithFields(logging.RequestFields(generation, policyNavigation, false)).
			Warn("cache_match_failed")
	}

	a.logResult(policyNavigation, generation, requestID, 0, false, started, fetchErr)
	return a.serveOffline(c, generation, policyNavigation, requestID)
}

// handleSubresource 实现同源子资源的 cache-first 策略。命中即返回，不做任何
// 新鲜度校验；条目在下一次代数更替前一直有效。
func (a *Agent) handleSubresource(
	c fiber.Ctx,
	generation string,
	locator cache.Locator,
	requestID string,
	started time.Time,
) error {
	ctx := requestContext(c)

	cached, err := a.store.Match(ctx, locator)
	switch {
	case err == nil:
		a.logResult(policySubresource, generation, requestID, cached.Entry.Snapshot.Status, true, started, nil)
		return a.serveSnapshot(c, cached, requestID)
	case errors.Is(err, cache.ErrNotFound):
		// miss, continue
	default:
		a.logger.WithError(err).
			WithFields(logging.RequestFields(generation, policySubresource, false)).
			Warn("cache_match_failed")
	}

	resp, fetchErr := a.fetchUpstream(c)
	if fetchErr != nil {
		a.logResult(policySubresource, generation, requestID, 0, false, started, fetchErr)
		return a.serveOffline(c, generation, policySubresource, requestID)
	}

	body, readErr := io.ReadAll(resp.Body)
	resp.Body.Close()
	if readErr != nil {
		a.logResult(policySubresource, generation, requestID, resp.StatusCode, false, started, readErr)
		return a.serveOffline(c, generation, policySubresource, requestID)
	}

	if a.shouldStore(resp) {
		a.storeAsync(generation, locator, resp.StatusCode, resp.Header, body)
	}
	a.logResult(policySubresource, generation, requestID, resp.StatusCode, false, started, nil)
	return a.relay(c, resp, body, false, requestID)
}

// passthrough 不做任何缓存参与，原样转发请求并回写响应。
func (a *Agent) passthrough(c fiber.Ctx, requestID string, started time.Time) error {
	target := a.passthroughTarget(c)
	body := bytesReader(c.Body())

	req, err := a.buildRequest(c, c.Method(), target, body)
	if err != nil {
		a.logResult(policyPassthrough, "", requestID, 0, false, started, err)
		return writeError(c, fiber.StatusBadGateway, "upstream_failed")
	}

	resp, err := a.fetcher.Do(req)
	if err != nil {
		a.logResult(policyPassthrough, "", requestID, 0, false, started, err)
		return writeError(c, fiber.StatusBadGateway, "upstream_failed")
	}
	defer resp.Body.Close()

	copyResponseHeaders(c, resp.Header)
	c.Status(resp.StatusCode)

	_, copyErr := io.Copy(c.Response().BodyWriter(), resp.Body)
	a.logResult(policyPassthrough, "", requestID, resp.StatusCode, false, started, copyErr)
	if copyErr != nil {
		return fiber.NewError(fiber.StatusBadGateway, fmt.Sprintf("proxy stream failed: %v", copyErr))
	}
	return nil
}

// serveOffline 返回预缓存的离线页快照；离线页本身缺失属于二次 miss，
// 以网关错误形式暴露。
func (a *Agent) serveOffline(c fiber.Ctx, generation string, policy string, requestID string) error {
	locator := cache.LocatorFor(generation, a.cfg.OfflinePath, nil)
	cached, err := a.store.Match(requestContext(c), locator)
	if err != nil {
		a.logger.WithError(err).
			WithFields(logging.RequestFields(generation, policy, false)).
			Error("offline_page_unavailable")
		return writeError(c, fiber.StatusBadGateway, "offline_unavailable")
	}
	c.Set("X-Ustabul-Fallback", "offline")
	return a.serveSnapshot(c, cached, requestID)
}

// serveSnapshot 将缓存快照原样回放给调用方。
func (a *Agent) serveSnapshot(c fiber.Ctx, result *cache.ReadResult, requestID string) error {
	defer result.Reader.Close()

	copyResponseHeaders(c, result.Entry.Snapshot.Header)
	if result.Entry.SizeBytes > 0 {
		c.Response().Header.SetContentLength(int(result.Entry.SizeBytes))
	} else {
		c.Response().Header.Del("Content-Length")
	}
	c.Set("X-Ustabul-Upstream", a.upstream.String())
	c.Set("X-Ustabul-Cache-Hit", "true")
	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}
	c.Status(result.Entry.Snapshot.Status)

	if _, err := io.Copy(c.Response().BodyWriter(), result.Reader); err != nil {
		return fiber.NewError(fiber.StatusBadGateway, fmt.Sprintf("read cache failed: %v", err))
	}
	return nil
}

// relay 将上游响应回写给调用方；正文已被完整读出以便异步写缓存复制一份。
func (a *Agent) relay(c fiber.Ctx, resp *http.Response, body []byte, cacheHit bool, requestID string) error {
	copyResponseHeaders(c, resp.Header)
	c.Response().Header.SetContentLength(len(body))
	c.Set("X-Ustabul-Upstream", a.upstream.String())
	c.Set("X-Ustabul-Cache-Hit", fmt.Sprintf("%t", cacheHit))
	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}
	c.Status(resp.StatusCode)

	if _, err := io.Copy(c.Response().BodyWriter(), bytes.NewReader(body)); err != nil {
		return fiber.NewError(fiber.StatusBadGateway, fmt.Sprintf("proxy stream failed: %v", err))
	}
	return nil
}

// storeAsync 派生独立的写缓存任务；响应回写不等待它完成，失败只记日志。
func (a *Agent) storeAsync(generation string, locator cache.Locator, status int, header http.Header, body []byte) {
	opts := cache.PutOptions{
		Status:   status,
		Header:   cacheableHeader(header),
		StoredAt: time.Now().UTC(),
	}
	a.writes.Add(1)
	go func() {
		defer a.writes.Done()
		if _, err := a.store.Put(context.Background(), locator, bytes.NewReader(body), opts); err != nil {
			a.logger.WithError(err).
				WithFields(logrus.Fields{"generation": generation, "path": locator.Path}).
				Warn("cache_write_failed")
		}
	}()
}

// shouldStore 判定响应是否可写入缓存：仅限 200、最终落在配置的源站上
// （重定向到其它源的响应视为不透明），且不携带凭据。带 Set-Cookie 的响应
// 是单个用户的会话产物，回放给其他客户端等于泄露会话。
func (a *Agent) shouldStore(resp *http.Response) bool {
	if resp.StatusCode != http.StatusOK {
		return false
	}
	if resp.Request == nil || resp.Request.URL == nil {
		return false
	}
	if len(resp.Header.Values("Set-Cookie")) > 0 {
		return false
	}
	return resp.Request.URL.Host == a.upstream.Host
}

func (a *Agent) fetchUpstream(c fiber.Ctx) (*http.Response, error) {
	uri := c.Request().URI()
	relative := &url.URL{Path: string(uri.Path())}
	if query := uri.QueryString(); len(query) > 0 {
		relative.RawQuery = string(query)
	}
	target := a.upstream.ResolveReference(relative)

	req, err := a.buildRequest(c, http.MethodGet, target, http.NoBody)
	if err != nil {
		return nil, err
	}
	return a.fetcher.Do(req)
}

func (a *Agent) buildRequest(c fiber.Ctx, method string, target *url.URL, body io.Reader) (*http.Request, error) {
	ctx := requestContext(c)
	if body == nil {
		body = http.NoBody
	}

	req, err := http.NewRequestWithContext(ctx, method, target.String(), body)
	if err != nil {
		return nil, err
	}

	server.CopyHeaders(req.Header, fiberHeadersAsHTTP(c))
	req.Header.Del("Accept-Encoding")
	req.Host = target.Host
	req.Header.Set("Host", target.Host)
	req.Header.Set("X-Forwarded-Host", c.Hostname())
	if ip := c.IP(); ip != "" {
		if prior := req.Header.Get("X-Forwarded-For"); prior != "" {
			req.Header.Set("X-Forwarded-For", prior+", "+ip)
		} else {
			req.Header.Set("X-Forwarded-For", ip)
		}
	}
	req.Header.Set("X-Forwarded-Proto", c.Scheme())

	return req, nil
}

// passthroughTarget 同源请求转发到配置的上游，其余 Host 按原地址放行。
func (a *Agent) passthroughTarget(c fiber.Ctx) *url.URL {
	uri := c.Request().URI()
	relative := &url.URL{Path: string(uri.Path())}
	if query := uri.QueryString(); len(query) > 0 {
		relative.RawQuery = string(query)
	}
	if a.matchesDomain(c) {
		return a.upstream.ResolveReference(relative)
	}

	target := *relative
	target.Scheme = c.Scheme()
	if target.Scheme == "" {
		target.Scheme = "http"
	}
	target.Host = requestHost(c)
	return &target
}

// matchesDomain 判断请求 Host 是否命中配置的代理域名（容忍端口差异）。
func (a *Agent) matchesDomain(c fiber.Ctx) bool {
	host := strings.ToLower(requestHost(c))
	domain := strings.ToLower(strings.TrimSpace(a.cfg.Domain))
	if host == domain {
		return true
	}
	if idx := strings.LastIndex(host, ":"); idx > 0 && !strings.Contains(domain, ":") {
		return host[:idx] == domain
	}
	return false
}

// isNavigation 识别整页导航：优先信任 Sec-Fetch-Mode，缺失时退回 Accept 探测。
func isNavigation(c fiber.Ctx) bool {
	if mode := strings.TrimSpace(c.Get("Sec-Fetch-Mode")); mode != "" {
		return strings.EqualFold(mode, "navigate")
	}
	return strings.Contains(c.Get("Accept"), "text/html")
}

func (a *Agent) logResult(
	policy string,
	generation string,
	requestID string,
	status int,
	cacheHit bool,
	started time.Time,
	err error,
) {
	fields := logging.RequestFields(generation, policy, cacheHit)
	fields["action"] = "intercept"
	fields["upstream"] = a.upstream.String()
	fields["upstream_status"] = status
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if requestID != "" {
		fields["request_id"] = requestID
	}
	if err != nil {
		fields["error"] = err.Error()
		a.logger.WithFields(fields).Warn("intercept_degraded")
		return
	}
	a.logger.WithFields(fields).Info("intercept_complete")
}

func requestContext(c fiber.Ctx) context.Context {
	ctx := c.Context()
	if ctx == nil {
		return context.Background()
	}
	return ctx
}

func requestHost(c fiber.Ctx) string {
	if raw := c.Request().Header.Peek(fiber.HeaderHost); len(raw) > 0 {
		return strings.TrimSpace(string(raw))
	}
	return c.Host()
}

func fiberHeadersAsHTTP(c fiber.Ctx) http.Header {
	header := http.Header{}
	c.Request().Header.VisitAll(func(key, value []byte) {
		header.Add(string(key), string(value))
	})
	return header
}

func copyResponseHeaders(c fiber.Ctx, headers http.Header) {
	for key, values := range headers {
		if server.IsHopByHopHeader(key) {
			continue
		}
		for _, value := range values {
			c.Set(key, value)
		}
	}
}

// cacheableHeader 复制将要持久化的响应头，剔除 hop-by-hop 字段与 Set-Cookie。
func cacheableHeader(src http.Header) http.Header {
	dst := http.Header{}
	server.CopyHeaders(dst, src)
	dst.Del("Set-Cookie")
	return dst
}

func bytesReader(b []byte) io.Reader {
	if len(b) == 0 {
		return http.NoBody
	}
	return bytes.NewReader(b)
}

func writeError(c fiber.Ctx, status int, code string) error {
	return c.Status(status).JSON(fiber.Map{"error": code})
}
