package main

import (
	"context"
	"encoding/json"
	"os/exec"
	"runtime"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"go.uber.org/zap"

	"github.com/feira-labs/feira-notify/internal/agent"
)

// newApp exposes the agent on a local port: /__agent routes drive push,
// click and message events, everything else goes through the offline proxy.
func newApp(a *agent.Agent, tray *agent.Tray, logger *zap.Logger) *fiber.App {
	if logger == nil {
		logger = zap.NewNop()
	}
	app := fiber.New(fiber.Config{
		AppName:               "feira-agent",
		DisableStartupMessage: true,
	})
	app.Use(recover.New())

	local := app.Group("/__agent")
	local.Get("/state", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"state": a.State().String(), "cache": a.CacheName()})
	})
	local.Get("/notifications", func(c *fiber.Ctx) error {
		return c.JSON(tray.List())
	})
	local.Post("/push", func(c *fiber.Ctx) error {
		if err := a.Push(c.UserContext(), c.Body()); err != nil {
			return fiber.NewError(fiber.StatusInternalServerError, err.Error())
		}
		return c.SendStatus(fiber.StatusAccepted)
	})
	local.Post("/message", func(c *fiber.Ctx) error {
		var msg agent.Message
		if err := json.Unmarshal(c.Body(), &msg); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "invalid message")
		}
		if err := a.Post(c.UserContext(), msg); err != nil {
			return err
		}
		return c.SendStatus(fiber.StatusAccepted)
	})
	local.Post("/click", func(c *fiber.Ctx) error {
		var body struct {
			Tag string `json:"tag"`
		}
		if err := json.Unmarshal(c.Body(), &body); err != nil || body.Tag == "" {
			return fiber.NewError(fiber.StatusBadRequest, "tag is required")
		}
		if err := a.Click(c.UserContext(), body.Tag); err != nil {
			logger.Warn("click failed", zap.String("tag", body.Tag), zap.Error(err))
			return fiber.NewError(fiber.StatusBadGateway, err.Error())
		}
		return c.SendStatus(fiber.StatusNoContent)
	})

	app.Use(adaptor.HTTPHandler(a.Handler()))
	return app
}

// browserClients opens notification targets in the desktop browser. It
// cannot see existing windows, so every click opens the target.
type browserClients struct {
	launch func(ctx context.Context, url string) error
}

func newBrowserClients() *browserClients {
	return &browserClients{launch: openBrowser}
}

func (b *browserClients) MatchAll(context.Context) ([]agent.Window, error) {
	return nil, nil
}

func (b *browserClients) OpenWindow(ctx context.Context, rawURL string) error {
	return b.launch(ctx, rawURL)
}

func openBrowser(_ context.Context, url string) error {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", url)
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", url)
	default:
		cmd = exec.Command("xdg-open", url)
	}
	return cmd.Start()
}
