package service

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/feira-labs/feira-notify/internal/model"
	"github.com/feira-labs/feira-notify/internal/storage"
)

const (
	defaultPageSize = 10
	maxPageSize     = 100
)

// NotificationService exposes the in-app notification list of a user.
type NotificationService struct {
	store storage.NotificationStore
}

// NewNotificationService builds the notification service.
func NewNotificationService(store storage.NotificationStore) *NotificationService {
	return &NotificationService{store: store}
}

// Query returns a page of records, newest first, with the user's unread count.
func (s *NotificationService) Query(ctx context.Context, filter model.NotificationFilter) (*model.NotificationPage, error) {
	records, err := s.store.ListNotifications(ctx, filter)
	if err != nil {
		return nil, err
	}

	unread := 0
	if filter.UnreadOnly {
		unread = len(records)
	} else {
		for _, r := range records {
			if !r.Read {
				unread++
			}
		}
	}

	total := len(records)
	if filter.PageSize <= 0 {
		filter.PageSize = defaultPageSize
	}
	if filter.PageSize > maxPageSize {
		filter.PageSize = maxPageSize
	}
	if filter.Page <= 0 {
		filter.Page = 1
	}

	start := (filter.Page - 1) * filter.PageSize
	if start > total {
		start = total
	}
	end := start + filter.PageSize
	if end > total {
		end = total
	}

	return &model.NotificationPage{
		Data:     records[start:end],
		Total:    total,
		Unread:   unread,
		Pages:    (total + filter.PageSize - 1) / filter.PageSize,
		PageNum:  filter.Page,
		PageSize: filter.PageSize,
	}, nil
}

// UnreadCount returns how many records of userID are unread.
func (s *NotificationService) UnreadCount(ctx context.Context, userID string) (int, error) {
	records, err := s.store.ListNotifications(ctx, model.NotificationFilter{UserID: userID, UnreadOnly: true})
	if err != nil {
		return 0, err
	}
	return len(records), nil
}

// MarkRead flags one record as read. Only the owner may do so.
func (s *NotificationService) MarkRead(ctx context.Context, userID, id string) error {
	return s.store.MarkRead(ctx, userID, id)
}

// MarkAllRead flags every unread record of userID.
func (s *NotificationService) MarkAllRead(ctx context.Context, userID string) (int, error) {
	return s.store.MarkAllRead(ctx, userID)
}

// CountByType aggregates records by type tag within the optional window.
func (s *NotificationService) CountByType(ctx context.Context, begin, end *time.Time) ([]map[string]any, error) {
	records, err := s.store.ListNotifications(ctx, model.NotificationFilter{BeginTime: begin, EndTime: end})
	if err != nil {
		return nil, err
	}
	counter := make(map[string]int)
	for _, r := range records {
		kind := strings.TrimSpace(r.Type)
		if kind == "" {
			kind = "general"
		}
		counter[kind]++
	}
	return mapToKV(counter, "type"), nil
}

func mapToKV(counter map[string]int, key string) []map[string]any {
	result := make([]map[string]any, 0, len(counter))
	for k, v := range counter {
		result = append(result, map[string]any{
			key:     k,
			"count": v,
		})
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i][key].(string) < result[j][key].(string)
	})
	return result
}
