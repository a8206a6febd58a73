package server

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Interceptor describes the component responsible for routing requests through
// the cache or to the upstream. It allows injecting fake handlers during tests.
type Interceptor interface {
	Handle(fiber.Ctx) error
}

// InterceptorFunc adapts a function to the Interceptor interface.
type InterceptorFunc func(fiber.Ctx) error

// Handle makes InterceptorFunc satisfy Interceptor.
func (f InterceptorFunc) Handle(c fiber.Ctx) error {
	return f(c)
}

// AppOptions controls how the Fiber application should behave.
type AppOptions struct {
	Logger      *logrus.Logger
	Interceptor Interceptor
	ListenPort  int
}

const contextKeyRequestID = "_ustabul_request_id"

// NewApp builds a Fiber application with request-ID middleware and structured
// error handling. Diagnostics paths (/-/...) bypass the interceptor.
func NewApp(opts AppOptions) (*fiber.App, error) {
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.Interceptor == nil {
		return nil, errors.New("interceptor is required")
	}
	if opts.ListenPort <= 0 {
		return nil, fmt.Errorf("invalid listen port: %d", opts.ListenPort)
	}

	app := fiber.New(fiber.Config{
		CaseSensitive: true,
	})

	app.Use(recover.New())
	app.Use(requestIDMiddleware())

	app.All("/*", func(c fiber.Ctx) error {
		if isDiagnosticsPath(string(c.Request().URI().Path())) {
			return c.Next()
		}
		return opts.Interceptor.Handle(c)
	})

	return app, nil
}

// requestIDMiddleware 为每个请求生成 ID，便于跨日志关联同一次拦截。
func requestIDMiddleware() fiber.Handler {
	return func(c fiber.Ctx) error {
		reqID := uuid.NewString()
		c.Locals(contextKeyRequestID, reqID)
		c.Set("X-Request-ID", reqID)
		return c.Next()
	}
}

// RequestID returns the request identifier stored by the router middleware.
func RequestID(c fiber.Ctx) string {
	if value := c.Locals(contextKeyRequestID); value != nil {
		if reqID, ok := value.(string); ok {
			return reqID
		}
	}
	return ""
}

func isDiagnosticsPath(path string) bool {
	return strings.HasPrefix(path, "/-/")
}
