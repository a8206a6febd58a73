package integration

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/ustabul/ustabul-gateway/internal/agent"
	"github.com/ustabul/ustabul-gateway/internal/cache"
	"github.com/ustabul/ustabul-gateway/internal/config"
	"github.com/ustabul/ustabul-gateway/internal/server"
	"github.com/ustabul/ustabul-gateway/internal/server/routes"
)

const gatewayDomain = "ustabul.local"

// gateway 将真实组件按生产装配方式组合起来，仅把上游换成测试 stub。
type gateway struct {
	App   *fiber.App
	Agent *agent.Agent
	Store cache.Store
}

func gatewayConfig(t *testing.T, upstreamURL string) *config.Config {
	t.Helper()
	return &config.Config{
		Global: config.GlobalConfig{
			ListenPort:  5000,
			StoragePath: t.TempDir(),
		},
		Agent: config.AgentConfig{
			CacheName:   "ustabul-pwa-v2",
			Upstream:    upstreamURL,
			Domain:      gatewayDomain,
			OfflinePath: "/offline/",
			Precache: []string{
				"/",
				"/offline/",
				"/giris/",
				"/static/css/style.css",
			},
		},
	}
}

func newGateway(t *testing.T, cfg *config.Config) *gateway {
	t.Helper()

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	store, err := cache.NewStore(cfg.Global.StoragePath)
	if err != nil {
		t.Fatalf("store error: %v", err)
	}

	agt, err := agent.New(agent.Options{
		Store:   store,
		Fetcher: server.NewUpstreamClient(cfg),
		Logger:  logger,
		Config:  cfg.Agent,
	})
	if err != nil {
		t.Fatalf("agent error: %v", err)
	}

	app, err := server.NewApp(server.AppOptions{
		Logger:      logger,
		Interceptor: agt,
		ListenPort:  cfg.Global.ListenPort,
	})
	if err != nil {
		t.Fatalf("app error: %v", err)
	}
	routes.RegisterAgentRoutes(app, agt, logger)

	return &gateway{App: app, Agent: agt, Store: store}
}

func (g *gateway) navigate(t *testing.T, path string) *http.Response {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "http://"+gatewayDomain+path, nil)
	req.Host = gatewayDomain
	req.Header.Set("Sec-Fetch-Mode", "navigate")
	req.Header.Set("Accept", "text/html,application/xhtml+xml")
	resp, err := g.App.Test(req)
	if err != nil {
		t.Fatalf("app.Test error: %v", err)
	}
	return resp
}

func (g *gateway) fetchAsset(t *testing.T, path string) *http.Response {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "http://"+gatewayDomain+path, nil)
	req.Host = gatewayDomain
	req.Header.Set("Sec-Fetch-Mode", "no-cors")
	req.Header.Set("Accept", "*/*")
	resp, err := g.App.Test(req)
	if err != nil {
		t.Fatalf("app.Test error: %v", err)
	}
	return resp
}

func newDiagnosticsRequest(t *testing.T, method, path string) *http.Request {
	t.Helper()
	req := httptest.NewRequest(method, "http://"+gatewayDomain+path, nil)
	req.Host = gatewayDomain
	return req
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body error: %v", err)
	}
	return string(body)
}
