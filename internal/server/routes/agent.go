package routes

import (
	"context"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"
)

// AgentController 是诊断接口依赖的最小 Agent 能力集。
type AgentController interface {
	CurrentGeneration() string
	Generations(ctx context.Context) ([]string, error)
	PrecacheSize() int
	Refresh(ctx context.Context) error
}

// RegisterAgentRoutes 暴露 /-/agent 诊断接口与 /-/agent/refresh 手动更新入口。
func RegisterAgentRoutes(app *fiber.App, agent AgentController, logger *logrus.Logger) {
	if app == nil || agent == nil {
		return
	}

	app.Get("/-/agent", func(c fiber.Ctx) error {
		names, err := agent.Generations(c.Context())
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "generation_list_failed"})
		}
		return c.JSON(fiber.Map{
			"active_generation": agent.CurrentGeneration(),
			"generations":       names,
			"precache_entries":  agent.PrecacheSize(),
		})
	})

	// refresh 重新预缓存并激活当前代数，效果等同于重启时的升级周期。
	app.Post("/-/agent/refresh", func(c fiber.Ctx) error {
		if err := agent.Refresh(c.Context()); err != nil {
			if logger != nil {
				logger.WithError(err).WithFields(logrus.Fields{
					"action": "agent_refresh",
				}).Error("refresh_failed")
			}
			return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": "refresh_failed"})
		}
		return c.JSON(fiber.Map{
			"result":            "ok",
			"active_generation": agent.CurrentGeneration(),
		})
	})
}
