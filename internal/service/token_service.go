package service

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/feira-labs/feira-notify/internal/model"
	"github.com/feira-labs/feira-notify/internal/storage"
)

// TokenService manages device push tokens.
type TokenService struct {
	store storage.TokenStore
	log   *zap.Logger
}

// TokenRequest describes the register/revoke payload.
type TokenRequest struct {
	Token  string `json:"token"`
	Device string `json:"device"`
}

// NewTokenService constructs TokenService.
func NewTokenService(store storage.TokenStore, log *zap.Logger) *TokenService {
	if log == nil {
		log = zap.NewNop()
	}
	return &TokenService{store: store, log: log.Named("tokens")}
}

// Register stores or refreshes a token for userID.
func (s *TokenService) Register(ctx context.Context, userID string, req TokenRequest) (*model.PushToken, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}
	token := strings.TrimSpace(req.Token)
	if token == "" {
		return nil, fmt.Errorf("%w: token is required", ErrInvalidInput)
	}
	record := &model.PushToken{
		UserID: userID,
		Token:  token,
		Device: strings.TrimSpace(req.Device),
	}
	if err := s.store.UpsertToken(ctx, record); err != nil {
		return nil, err
	}
	s.log.Info("token registered", zap.String("user", userID), zap.String("token", model.MaskValue(token)))
	return record, nil
}

// ListViews returns masked tokens of userID, or every token when userID is empty.
func (s *TokenService) ListViews(ctx context.Context, userID string) ([]*model.PushTokenView, error) {
	var (
		tokens []*model.PushToken
		err    error
	)
	if userID == "" {
		tokens, err = s.store.ListTokens(ctx)
	} else {
		tokens, err = s.store.ListTokensByUsers(ctx, []string{userID})
	}
	if err != nil {
		return nil, err
	}
	views := make([]*model.PushTokenView, 0, len(tokens))
	for _, t := range tokens {
		views = append(views, t.View())
	}
	return views, nil
}

// Revoke deletes one token of userID.
func (s *TokenService) Revoke(ctx context.Context, userID, token string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return fmt.Errorf("%w: token is required", ErrInvalidInput)
	}
	if err := s.store.DeleteToken(ctx, userID, token); err != nil {
		return err
	}
	s.log.Info("token revoked", zap.String("user", userID), zap.String("token", model.MaskValue(token)))
	return nil
}

// RevokeAll deletes every token of userID, e.g. when the user disables notifications.
func (s *TokenService) RevokeAll(ctx context.Context, userID string) (int, error) {
	removed, err := s.store.DeleteUserTokens(ctx, userID)
	if err != nil {
		return 0, err
	}
	s.log.Info("user tokens revoked", zap.String("user", userID), zap.Int("removed", removed))
	return removed, nil
}

// Clear is the administrator bulk clear.
func (s *TokenService) Clear(ctx context.Context) (int, error) {
	removed, err := s.store.DeleteAllTokens(ctx)
	if err != nil {
		return 0, err
	}
	s.log.Warn("all tokens cleared", zap.Int("removed", removed))
	return removed, nil
}
