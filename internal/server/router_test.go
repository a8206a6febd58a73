package server

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func echoInterceptor() Interceptor {
	return InterceptorFunc(func(c fiber.Ctx) error {
		return c.SendString("intercepted:" + RequestID(c))
	})
}

func TestNewAppValidatesOptions(t *testing.T) {
	cases := []struct {
		name string
		opts AppOptions
	}{
		{"missing logger", AppOptions{Interceptor: echoInterceptor(), ListenPort: 5000}},
		{"missing interceptor", AppOptions{Logger: testLogger(), ListenPort: 5000}},
		{"bad port", AppOptions{Logger: testLogger(), Interceptor: echoInterceptor(), ListenPort: 0}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := NewApp(tc.opts); err == nil {
				t.Fatalf("期望校验失败")
			}
		})
	}
}

func TestRequestIDAttachedToEveryResponse(t *testing.T) {
	app, err := NewApp(AppOptions{Logger: testLogger(), Interceptor: echoInterceptor(), ListenPort: 5000})
	if err != nil {
		t.Fatalf("NewApp error: %v", err)
	}

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/static/js/app.js", nil))
	if err != nil {
		t.Fatalf("app.Test error: %v", err)
	}
	defer resp.Body.Close()

	reqID := resp.Header.Get("X-Request-ID")
	if reqID == "" {
		t.Fatalf("每个响应都应带 X-Request-ID")
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "intercepted:"+reqID {
		t.Fatalf("拦截器应能读取到同一个 request ID，得到 %s", string(body))
	}
}

func TestDiagnosticsPathsBypassInterceptor(t *testing.T) {
	called := false
	app, err := NewApp(AppOptions{
		Logger: testLogger(),
		Interceptor: InterceptorFunc(func(c fiber.Ctx) error {
			called = true
			return c.SendString("intercepted")
		}),
		ListenPort: 5000,
	})
	if err != nil {
		t.Fatalf("NewApp error: %v", err)
	}
	app.Get("/-/agent", func(c fiber.Ctx) error {
		return c.SendString("diagnostics")
	})

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/-/agent", nil))
	if err != nil {
		t.Fatalf("app.Test error: %v", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if string(body) != "diagnostics" {
		t.Fatalf("诊断路径应直达诊断 handler，得到 %s", string(body))
	}
	if called {
		t.Fatalf("诊断路径不应经过拦截器")
	}
}
