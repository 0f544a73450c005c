package agent

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// Message types accepted from the foreground page.
const (
	TypeShowNotification = "SHOW_NOTIFICATION"
	TypeSkipWaiting      = "SKIP_WAITING"
)

// Message is posted by the foreground page to the agent.
type Message struct {
	Type    string `json:"type"`
	Title   string `json:"title,omitempty"`
	Message string `json:"message,omitempty"`
	ID      string `json:"id,omitempty"`
}

// Post enqueues msg for Run. It blocks while the inbox is full.
func (a *Agent) Post(ctx context.Context, msg Message) error {
	select {
	case a.inbox <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run handles posted messages until ctx is done.
func (a *Agent) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-a.inbox:
			if err := a.HandleMessage(ctx, msg); err != nil {
				a.log.Warn("message failed", zap.String("type", msg.Type), zap.Error(err))
			}
		}
	}
}

// HandleMessage processes one message synchronously.
func (a *Agent) HandleMessage(ctx context.Context, msg Message) error {
	switch msg.Type {
	case TypeShowNotification:
		return a.show(ctx, a.fromMessage(msg))
	case TypeSkipWaiting:
		return a.SkipWaiting(ctx)
	default:
		return fmt.Errorf("unknown message type %q", msg.Type)
	}
}

// fromMessage renders under the same tag convention as push: the record id.
func (a *Agent) fromMessage(msg Message) Notification {
	n := Notification{
		Title: strings.TrimSpace(msg.Title),
		Body:  strings.TrimSpace(msg.Message),
		Icon:  a.cfg.Icon,
		Badge: a.cfg.Badge,
		Tag:   strings.TrimSpace(msg.ID),
		Data:  map[string]any{"url": "/"},
	}
	if n.Title == "" {
		n.Title = a.cfg.DefaultTitle
	}
	if n.Body == "" {
		n.Body = a.cfg.DefaultBody
	}
	if n.Tag == "" {
		n.Tag = fallbackTag()
	} else {
		n.Data["id"] = n.Tag
	}
	return n
}
