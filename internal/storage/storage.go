package storage

import (
	"context"

	"github.com/feira-labs/feira-notify/internal/model"
)

// TokenStore persists push tokens keyed by (user, token).
type TokenStore interface {
	UpsertToken(ctx context.Context, token *model.PushToken) error
	ListTokens(ctx context.Context) ([]*model.PushToken, error)
	ListTokensByUsers(ctx context.Context, userIDs []string) ([]*model.PushToken, error)
	DeleteToken(ctx context.Context, userID, token string) error
	DeleteUserTokens(ctx context.Context, userID string) (int, error)
	DeleteAllTokens(ctx context.Context) (int, error)
}

// NotificationStore persists in-app notification records.
type NotificationStore interface {
	InsertNotifications(ctx context.Context, records []*model.Notification) error
	ListNotifications(ctx context.Context, filter model.NotificationFilter) ([]*model.Notification, error)
	MarkRead(ctx context.Context, userID, id string) error
	MarkAllRead(ctx context.Context, userID string) (int, error)
}

// Store combines both stores behind one handle.
type Store interface {
	TokenStore
	NotificationStore
	Close() error
}
