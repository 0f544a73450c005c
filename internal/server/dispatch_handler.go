package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gofiber/fiber/v2"

	"github.com/feira-labs/feira-notify/internal/model"
	"github.com/feira-labs/feira-notify/internal/service"
)

// handleDispatch answers with the bare dispatch body rather than the
// BasicResponse envelope, matching the serverless function contract.
func (s *Server) handleDispatch(c *fiber.Ctx) error {
	var req model.DispatchRequest
	if err := json.Unmarshal(c.Body(), &req); err != nil {
		return s.fail(c, http.StatusBadRequest, "malformed JSON body")
	}
	summary, err := s.svc.Dispatch.Dispatch(c.UserContext(), req)
	switch {
	case err == nil:
		return c.JSON(summary.Body())
	case errors.Is(err, service.ErrInvalidInput):
		return s.fail(c, http.StatusBadRequest, err.Error())
	default:
		return s.fail(c, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) fail(c *fiber.Ctx, status int, message string) error {
	return c.Status(status).JSON(fiber.Map{"error": message})
}
