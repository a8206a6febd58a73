package agent

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"testing"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/ustabul/ustabul-gateway/internal/cache"
	"github.com/ustabul/ustabul-gateway/internal/config"
)

// fakeFetcher 以内存路由表模拟网络抓取原语，并记录全部收到的请求。
type fakeFetcher struct {
	mu       sync.Mutex
	requests []*http.Request
	handler  func(req *http.Request) (*http.Response, error)
}

func (f *fakeFetcher) Do(req *http.Request) (*http.Response, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	return f.handler(req)
}

func (f *fakeFetcher) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func (f *fakeFetcher) lastRequest() *http.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.requests) == 0 {
		return nil
	}
	return f.requests[len(f.requests)-1]
}

// respondWith 构造带 final request 信息的响应，模拟 http.Client 的行为。
func respondWith(req *http.Request, status int, contentType, body string) (*http.Response, error) {
	header := http.Header{}
	if contentType != "" {
		header.Set("Content-Type", contentType)
	}
	return &http.Response{
		StatusCode: status,
		Header:     header,
		Body:       io.NopCloser(bytes.NewReader([]byte(body))),
		Request:    req,
	}, nil
}

// respondRedirected 模拟跟随重定向后落在另一 Host 上的最终响应。
func respondRedirected(status int, finalURL, body string) (*http.Response, error) {
	parsed, err := url.Parse(finalURL)
	if err != nil {
		return nil, err
	}
	return &http.Response{
		StatusCode: status,
		Header:     http.Header{},
		Body:       io.NopCloser(bytes.NewReader([]byte(body))),
		Request:    &http.Request{URL: parsed},
	}, nil
}

func offlineError(req *http.Request) (*http.Response, error) {
	return nil, fmt.Errorf("dial tcp: connection refused (%s)", req.URL.Host)
}

func testAgentConfig() config.AgentConfig {
	return config.AgentConfig{
		CacheName:   "ustabul-pwa-v2",
		Upstream:    "http://app.internal",
		Domain:      "ustabul.local",
		OfflinePath: "/offline/",
		Precache:    []string{"/", "/offline/"},
	}
}

func newTestAgent(t *testing.T, fetcher Fetcher, cfg config.AgentConfig) (*Agent, cache.Store) {
	t.Helper()

	store, err := cache.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("store error: %v", err)
	}

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	agt, err := New(Options{
		Store:   store,
		Fetcher: fetcher,
		Logger:  logger,
		Config:  cfg,
	})
	if err != nil {
		t.Fatalf("agent error: %v", err)
	}
	return agt, store
}

// newTestApp 将 Agent 挂到最小的 Fiber 应用上，复刻生产路由形态。
func newTestApp(t *testing.T, agt *Agent) *fiber.App {
	t.Helper()
	app := fiber.New(fiber.Config{CaseSensitive: true})
	app.All("/*", agt.Handle)
	return app
}
