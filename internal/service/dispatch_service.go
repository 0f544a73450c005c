package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"firebase.google.com/go/v4/messaging"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/sync/errgroup"

	"github.com/feira-labs/feira-notify/internal/config"
	"github.com/feira-labs/feira-notify/internal/credential"
	"github.com/feira-labs/feira-notify/internal/fcm"
	"github.com/feira-labs/feira-notify/internal/metrics"
	"github.com/feira-labs/feira-notify/internal/model"
	"github.com/feira-labs/feira-notify/internal/realtime"
	"github.com/feira-labs/feira-notify/internal/storage"
)

// CredentialSource mints one access token per dispatch.
type CredentialSource interface {
	Exchange(ctx context.Context) (*credential.Access, error)
}

// Sender delivers one message to one device token.
type Sender interface {
	Send(ctx context.Context, bearer *oauth2.Token, projectID string, msg *messaging.Message) fcm.Result
}

// DispatchOptions tunes the push phase.
type DispatchOptions struct {
	SendTimeout       time.Duration
	ExchangeTimeout   time.Duration
	MaxParallel       int
	PruneUnregistered bool
	Icon              string
	ClickURL          string
	AppOrigin         string
	DefaultType       string
}

// DispatchOptionsFromConfig maps the push section of the config.
func DispatchOptionsFromConfig(cfg *config.Config) DispatchOptions {
	return DispatchOptions{
		SendTimeout:       cfg.Push.SendTimeout,
		ExchangeTimeout:   cfg.Push.ExchangeTimeout,
		MaxParallel:       cfg.Push.MaxParallel,
		PruneUnregistered: cfg.Push.PruneUnregistered,
		Icon:              cfg.Push.Icon,
		ClickURL:          cfg.Push.ClickURL,
		AppOrigin:         cfg.Push.AppOrigin,
		DefaultType:       cfg.Push.DefaultType,
	}
}

// DispatchService writes in-app records and fans push sends out to every
// device of the target users.
type DispatchService struct {
	store  storage.Store
	feed   realtime.Publisher
	creds  CredentialSource
	sender Sender
	opts   DispatchOptions
	log    *zap.Logger
}

// NewDispatchService builds DispatchService. A nil creds means push is not
// configured; records are still written.
func NewDispatchService(store storage.Store, feed realtime.Publisher, creds CredentialSource, sender Sender, opts DispatchOptions, log *zap.Logger) *DispatchService {
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = 10 * time.Second
	}
	if opts.ClickURL == "" {
		opts.ClickURL = "/"
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &DispatchService{
		store:  store,
		feed:   feed,
		creds:  creds,
		sender: sender,
		opts:   opts,
		log:    log.Named("dispatch"),
	}
}

// Dispatch runs one request end to end. Only invalid input and a failed
// record write are returned as errors; every push-side problem is folded
// into the summary.
func (s *DispatchService) Dispatch(ctx context.Context, req model.DispatchRequest) (*model.DispatchSummary, error) {
	users := req.TargetUsers()
	if len(users) == 0 {
		metrics.Dispatches.WithLabelValues("invalid").Inc()
		return nil, fmt.Errorf("%w: userId or a non-empty userIds is required", ErrInvalidInput)
	}

	records, err := s.writeRecords(ctx, req, users)
	if err != nil {
		metrics.Dispatches.WithLabelValues("record_error").Inc()
		return nil, err
	}
	s.publish(ctx, records)

	summary := &model.DispatchSummary{
		NotificationsCreated: len(records),
		Notifications:        records,
	}

	tokens, err := s.store.ListTokensByUsers(ctx, users)
	if err != nil {
		s.log.Error("token lookup failed", zap.Strings("users", users), zap.Error(err))
		return s.skip(summary, model.SkipTokenLookupFailed, "notification created, token lookup failed", err.Error()), nil
	}
	if len(tokens) == 0 {
		return s.skip(summary, model.SkipNoTokens, "notification created, no push tokens for target users", ""), nil
	}
	if s.creds == nil || s.sender == nil {
		return s.skip(summary, model.SkipNotConfigured, "notification created, push not configured", ""), nil
	}

	access, err := s.exchange(ctx)
	if err != nil {
		s.log.Warn("push credential unavailable", zap.Error(err))
		return s.skip(summary, model.SkipCredentialError, "notification created, push credential unavailable", err.Error()), nil
	}

	recordOf := make(map[string]*model.Notification, len(records))
	for _, r := range records {
		recordOf[r.UserID] = r
	}
	summary.PushAttempted = true
	summary.Results = s.fanOut(ctx, access, tokens, recordOf)
	summary.Total = len(summary.Results)
	for _, r := range summary.Results {
		if r.Success {
			summary.Sent++
		} else {
			summary.Failed++
		}
	}
	summary.Message = fmt.Sprintf("push sent to %d of %d devices", summary.Sent, summary.Total)
	metrics.Dispatches.WithLabelValues("sent").Inc()
	s.log.Info("dispatch completed",
		zap.Int("users", len(users)),
		zap.Int("sent", summary.Sent),
		zap.Int("failed", summary.Failed),
	)
	return summary, nil
}

func (s *DispatchService) writeRecords(ctx context.Context, req model.DispatchRequest, users []string) ([]*model.Notification, error) {
	kind := strings.TrimSpace(req.Type)
	if kind == "" {
		kind = s.opts.DefaultType
	}
	records := make([]*model.Notification, 0, len(users))
	for _, userID := range users {
		records = append(records, &model.Notification{
			UserID:    userID,
			Title:     req.Title,
			Message:   req.Message,
			Type:      kind,
			RelatedID: strings.TrimSpace(req.RelatedID),
		})
	}
	if err := s.store.InsertNotifications(ctx, records); err != nil {
		s.log.Error("insert notification records", zap.Int("count", len(records)), zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrRecordWrite, err)
	}
	metrics.NotificationsCreated.Add(float64(len(records)))
	return records, nil
}

func (s *DispatchService) publish(ctx context.Context, records []*model.Notification) {
	if s.feed == nil {
		return
	}
	for _, r := range records {
		if err := s.feed.Publish(ctx, r); err != nil {
			metrics.RealtimePublishErrors.Inc()
			s.log.Warn("realtime publish failed", zap.String("user", r.UserID), zap.Error(err))
		}
	}
}

func (s *DispatchService) exchange(ctx context.Context) (*credential.Access, error) {
	if s.opts.ExchangeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.ExchangeTimeout)
		defer cancel()
	}
	access, err := s.creds.Exchange(ctx)
	if err != nil {
		metrics.CredentialExchanges.WithLabelValues(metrics.StatusFailed).Inc()
		return nil, err
	}
	metrics.CredentialExchanges.WithLabelValues(metrics.StatusOK).Inc()
	return access, nil
}

// fanOut sends to every token concurrently. Each goroutine owns one slot of
// the result slice and never returns an error, so one failure cannot cancel
// the others.
func (s *DispatchService) fanOut(ctx context.Context, access *credential.Access, tokens []*model.PushToken, recordOf map[string]*model.Notification) []model.DeliveryResult {
	results := make([]model.DeliveryResult, len(tokens))
	var g errgroup.Group
	if s.opts.MaxParallel > 0 {
		g.SetLimit(s.opts.MaxParallel)
	}
	for i, token := range tokens {
		g.Go(func() error {
			results[i] = s.sendOne(ctx, access, token, recordOf[token.UserID])
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (s *DispatchService) sendOne(ctx context.Context, access *credential.Access, token *model.PushToken, record *model.Notification) model.DeliveryResult {
	result := model.DeliveryResult{
		Token:  model.MaskToken(token.Token),
		UserID: token.UserID,
	}
	content := fcm.Content{
		Icon:   s.opts.Icon,
		Link:   s.opts.ClickURL,
		Origin: s.opts.AppOrigin,
	}
	if record != nil {
		content.Title = record.Title
		content.Body = record.Message
		content.Type = record.Type
		content.RelatedID = record.RelatedID
		content.RecordID = record.ID
	}

	sendCtx, cancel := context.WithTimeout(ctx, s.opts.SendTimeout)
	defer cancel()
	started := time.Now()
	res := s.sender.Send(sendCtx, access.Token, access.ProjectID, fcm.BuildMessage(token.Token, content))
	metrics.PushSendDuration.Observe(time.Since(started).Seconds())

	result.StatusCode = res.StatusCode
	result.Response = res.Body
	result.ErrorCode = res.ErrorCode
	if res.OK() {
		result.Success = true
		metrics.PushSends.WithLabelValues(metrics.StatusOK).Inc()
		return result
	}
	metrics.PushSends.WithLabelValues(metrics.StatusFailed).Inc()
	if res.Err != nil {
		result.Error = res.Err.Error()
	}
	s.log.Warn("push send failed",
		zap.String("user", token.UserID),
		zap.String("token", result.Token),
		zap.Int("status", res.StatusCode),
		zap.String("error_code", res.ErrorCode),
		zap.Error(res.Err),
	)
	if s.opts.PruneUnregistered && res.Unregistered() {
		result.Pruned = s.prune(ctx, token)
	}
	return result
}

func (s *DispatchService) prune(ctx context.Context, token *model.PushToken) bool {
	err := s.store.DeleteToken(ctx, token.UserID, token.Token)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		s.log.Warn("prune unregistered token", zap.String("user", token.UserID), zap.Error(err))
		return false
	}
	metrics.TokensPruned.Inc()
	return true
}

func (s *DispatchService) skip(summary *model.DispatchSummary, reason, message, detail string) *model.DispatchSummary {
	summary.SkipReason = reason
	summary.SkipDetail = detail
	summary.Message = message
	metrics.Dispatches.WithLabelValues(reason).Inc()
	s.log.Info("push skipped",
		zap.String("reason", reason),
		zap.Int("notifications", summary.NotificationsCreated),
	)
	return summary
}
