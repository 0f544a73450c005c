package server

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/feira-labs/feira-notify/internal/model"
	"github.com/feira-labs/feira-notify/internal/realtime"
)

func (s *Server) handleListNotifications(c *fiber.Ctx) error {
	userID, err := currentUser(c)
	if err != nil {
		return err
	}
	page, _ := strconv.Atoi(c.Query("page", "1"))
	pageSize, _ := strconv.Atoi(c.Query("pageSize", "10"))
	begin, end := parseTimeRange(c)
	result, err := s.svc.Notifications.Query(c.UserContext(), model.NotificationFilter{
		UserID:     userID,
		UnreadOnly: c.QueryBool("unread", false),
		Type:       strings.TrimSpace(c.Query("type")),
		BeginTime:  begin,
		EndTime:    end,
		Page:       page,
		PageSize:   pageSize,
	})
	if err != nil {
		return s.storeError(c, err)
	}
	return c.JSON(model.Success("ok", result))
}

func (s *Server) handleUnreadCount(c *fiber.Ctx) error {
	userID, err := currentUser(c)
	if err != nil {
		return err
	}
	count, err := s.svc.Notifications.UnreadCount(c.UserContext(), userID)
	if err != nil {
		return s.storeError(c, err)
	}
	return c.JSON(model.Success("ok", fiber.Map{"unread": count}))
}

func (s *Server) handleMarkRead(c *fiber.Ctx) error {
	userID, err := currentUser(c)
	if err != nil {
		return err
	}
	if err := s.svc.Notifications.MarkRead(c.UserContext(), userID, c.Params("id")); err != nil {
		return s.storeError(c, err)
	}
	return c.JSON(model.Success("marked as read", nil))
}

func (s *Server) handleMarkAllRead(c *fiber.Ctx) error {
	userID, err := currentUser(c)
	if err != nil {
		return err
	}
	updated, err := s.svc.Notifications.MarkAllRead(c.UserContext(), userID)
	if err != nil {
		return s.storeError(c, err)
	}
	return c.JSON(model.Success("all marked as read", fiber.Map{"updated": updated}))
}

func (s *Server) handleCountByType(c *fiber.Ctx) error {
	begin, end := parseTimeRange(c)
	data, err := s.svc.Notifications.CountByType(c.UserContext(), begin, end)
	if err != nil {
		return s.storeError(c, err)
	}
	return c.JSON(model.Success("ok", data))
}

// handleStream pushes new records of the current user as server-sent events
// until the client goes away or the server shuts down.
func (s *Server) handleStream(c *fiber.Ctx) error {
	userID, err := currentUser(c)
	if err != nil {
		return err
	}
	if s.svc.Feed == nil {
		return c.Status(http.StatusServiceUnavailable).JSON(model.Error("realtime feed not configured"))
	}
	ctx, cancel := context.WithCancel(context.Background())
	events, err := s.svc.Feed.Subscribe(ctx, userID)
	if err != nil {
		cancel()
		return err
	}

	c.Set(fiber.HeaderContentType, "text/event-stream")
	c.Set(fiber.HeaderCacheControl, "no-cache")
	c.Set("X-Accel-Buffering", "no")
	log := s.log.With(zap.String("user", userID))
	log.Debug("stream opened")

	c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
		defer cancel()
		defer log.Debug("stream closed")
		ticker := time.NewTicker(s.heartbeat)
		defer ticker.Stop()

		fmt.Fprint(w, ": connected\n\n")
		if err := w.Flush(); err != nil {
			return
		}
		for {
			select {
			case <-s.closing:
				return
			case record, ok := <-events:
				if !ok {
					return
				}
				if err := realtime.WriteEvent(w, record); err != nil {
					return
				}
			case <-ticker.C:
				fmt.Fprint(w, ": ping\n\n")
			}
			if err := w.Flush(); err != nil {
				return
			}
		}
	})
	return nil
}

func parseTimeRange(c *fiber.Ctx) (*time.Time, *time.Time) {
	begin := parseTime(c.Query("beginTime"))
	end := parseTime(c.Query("endTime"))
	return begin, end
}

func parseTime(value string) *time.Time {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	layouts := []string{
		time.RFC3339,
		"2006-01-02 15:04:05",
		"2006-01-02",
	}
	for _, layout := range layouts {
		if t, err := time.ParseInLocation(layout, value, time.Local); err == nil {
			utc := t.UTC()
			return &utc
		}
	}
	return nil
}
