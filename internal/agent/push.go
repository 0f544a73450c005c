package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Notification is the normalised shape every trigger renders through.
type Notification struct {
	Title              string         `json:"title"`
	Body               string         `json:"body"`
	Icon               string         `json:"icon,omitempty"`
	Badge              string         `json:"badge,omitempty"`
	Tag                string         `json:"tag"`
	Data               map[string]any `json:"data,omitempty"`
	RequireInteraction bool           `json:"requireInteraction,omitempty"`
}

// ParsePush normalises a raw push payload. It accepts a notification-keyed
// object, a data-only object or a flat object; anything that is not a JSON
// object becomes the body.
func (a *Agent) ParsePush(raw []byte) Notification {
	n := Notification{
		Title: a.cfg.DefaultTitle,
		Body:  a.cfg.DefaultBody,
		Icon:  a.cfg.Icon,
		Badge: a.cfg.Badge,
		Data:  map[string]any{},
	}

	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil || payload == nil {
		if text := strings.TrimSpace(string(raw)); text != "" {
			n.Body = text
		}
		n.Tag = fallbackTag()
		return n
	}

	data, _ := payload["data"].(map[string]any)
	envelope, _ := payload["notification"].(map[string]any)
	for k, v := range data {
		n.Data[k] = v
	}

	var title, body string
	switch {
	case envelope != nil:
		title = str(envelope["title"])
		body = firstString(envelope["body"], envelope["message"])
		if icon := str(envelope["icon"]); icon != "" {
			n.Icon = icon
		}
	case data != nil:
		title = str(data["title"])
		body = firstString(data["message"], data["body"])
	default:
		title = str(payload["title"])
		body = firstString(payload["body"], payload["message"])
		for k, v := range payload {
			if _, ok := n.Data[k]; !ok {
				n.Data[k] = v
			}
		}
	}
	if title != "" {
		n.Title = title
	}
	if body != "" {
		n.Body = body
	}

	n.Tag = firstString(n.Data["id"], payload["id"], payload["tag"])
	if n.Tag == "" {
		n.Tag = fallbackTag()
	}
	return n
}

// Push handles one push event.
func (a *Agent) Push(ctx context.Context, raw []byte) error {
	n := a.ParsePush(raw)
	a.log.Debug("push received", zap.String("tag", n.Tag))
	return a.show(ctx, n)
}

func (a *Agent) show(ctx context.Context, n Notification) error {
	if a.notify == nil {
		return fmt.Errorf("no notifier configured")
	}
	return a.notify.Show(ctx, n)
}

func fallbackTag() string {
	return "feira-" + uuid.NewString()
}

func str(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case nil:
		return ""
	case float64, bool:
		return fmt.Sprint(t)
	default:
		return ""
	}
}

func firstString(values ...any) string {
	for _, v := range values {
		if s := str(v); s != "" {
			return s
		}
	}
	return ""
}
