package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/feira-labs/feira-notify/internal/model"
	"github.com/feira-labs/feira-notify/internal/service"
	"github.com/feira-labs/feira-notify/internal/storage"
)

func (s *Server) handleRegisterToken(c *fiber.Ctx) error {
	userID, err := currentUser(c)
	if err != nil {
		return err
	}
	var req service.TokenRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(http.StatusBadRequest).JSON(model.Error("malformed request body"))
	}
	token, err := s.svc.Tokens.Register(c.UserContext(), userID, req)
	if err != nil {
		return s.storeError(c, err)
	}
	return c.JSON(model.Success("token registered", token.View()))
}

func (s *Server) handleListTokens(c *fiber.Ctx) error {
	userID, err := currentUser(c)
	if err != nil {
		return err
	}
	views, err := s.svc.Tokens.ListViews(c.UserContext(), userID)
	if err != nil {
		return s.storeError(c, err)
	}
	return c.JSON(model.Success("ok", views))
}

func (s *Server) handleRevokeToken(c *fiber.Ctx) error {
	userID, err := currentUser(c)
	if err != nil {
		return err
	}
	token := strings.TrimSpace(c.Query("token"))
	if token == "" && len(c.Body()) > 0 {
		var req service.TokenRequest
		if err := c.BodyParser(&req); err != nil {
			return c.Status(http.StatusBadRequest).JSON(model.Error("malformed request body"))
		}
		token = req.Token
	}
	if err := s.svc.Tokens.Revoke(c.UserContext(), userID, token); err != nil {
		return s.storeError(c, err)
	}
	return c.JSON(model.Success("token revoked", nil))
}

func (s *Server) handleRevokeAllTokens(c *fiber.Ctx) error {
	userID, err := currentUser(c)
	if err != nil {
		return err
	}
	removed, err := s.svc.Tokens.RevokeAll(c.UserContext(), userID)
	if err != nil {
		return s.storeError(c, err)
	}
	return c.JSON(model.Success("tokens revoked", fiber.Map{"removed": removed}))
}

func (s *Server) handleAdminListTokens(c *fiber.Ctx) error {
	views, err := s.svc.Tokens.ListViews(c.UserContext(), strings.TrimSpace(c.Query("userId")))
	if err != nil {
		return s.storeError(c, err)
	}
	return c.JSON(model.Success("ok", views))
}

func (s *Server) handleAdminClearTokens(c *fiber.Ctx) error {
	removed, err := s.svc.Tokens.Clear(c.UserContext())
	if err != nil {
		return s.storeError(c, err)
	}
	return c.JSON(model.Success("all tokens cleared", fiber.Map{"removed": removed}))
}

// storeError maps service and storage errors onto the envelope.
func (s *Server) storeError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, service.ErrInvalidInput):
		return c.Status(http.StatusBadRequest).JSON(model.Error(err.Error()))
	case errors.Is(err, storage.ErrNotFound):
		return c.Status(http.StatusNotFound).JSON(model.Error("not found"))
	default:
		return err
	}
}
