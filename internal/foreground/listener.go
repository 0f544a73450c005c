// Package foreground renders realtime notification inserts while the app
// is focused, without waiting for the push round trip.
package foreground

import (
	"context"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/feira-labs/feira-notify/internal/agent"
	"github.com/feira-labs/feira-notify/internal/realtime"
)

// Poster delivers messages to the background agent.
type Poster interface {
	Post(ctx context.Context, msg agent.Message) error
}

// Listener forwards new records of one user to the agent.
type Listener struct {
	feed    realtime.Subscriber
	agent   Poster
	player  Player
	tone    []byte
	focused atomic.Bool
	playing atomic.Bool
	log     *zap.Logger
}

// NewListener builds a Listener; player may be nil for silent rendering.
// The listener starts focused.
func NewListener(feed realtime.Subscriber, poster Poster, player Player, log *zap.Logger) *Listener {
	if log == nil {
		log = zap.NewNop()
	}
	l := &Listener{
		feed:   feed,
		agent:  poster,
		player: player,
		tone:   DefaultTone.WAV(),
		log:    log.Named("foreground"),
	}
	l.focused.Store(true)
	return l
}

// SetFocused toggles rendering; unfocused events are left to the push path.
func (l *Listener) SetFocused(focused bool) {
	l.focused.Store(focused)
}

// Run subscribes for userID and handles rows until ctx ends or the feed
// closes.
func (l *Listener) Run(ctx context.Context, userID string) error {
	events, err := l.feed.Subscribe(ctx, userID)
	if err != nil {
		return err
	}
	l.log.Info("listening for notifications", zap.String("user", userID))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case record, ok := <-events:
			if !ok {
				return ctx.Err()
			}
			if !l.focused.Load() {
				l.log.Debug("not focused, skipping", zap.String("id", record.ID))
				continue
			}
			l.cue(ctx)
			msg := agent.Message{
				Type:    agent.TypeShowNotification,
				Title:   record.Title,
				Message: record.Message,
				ID:      record.ID,
			}
			if err := l.agent.Post(ctx, msg); err != nil {
				return err
			}
		}
	}
}

// cue plays the tone without holding up forwarding. Rows arriving while a
// tone is still playing share it.
func (l *Listener) cue(ctx context.Context) {
	if l.player == nil || !l.playing.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer l.playing.Store(false)
		if err := l.player.Play(ctx, l.tone); err != nil && ctx.Err() == nil {
			l.log.Warn("play tone", zap.Error(err))
		}
	}()
}
