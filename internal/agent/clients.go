package agent

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// Window is an open app window.
type Window interface {
	URL() string
	Focus(ctx context.Context) error
}

// Clients enumerates and opens app windows.
type Clients interface {
	MatchAll(ctx context.Context) ([]Window, error)
	OpenWindow(ctx context.Context, rawURL string) error
}

// Click handles a click on the notification with tag: it is closed, then an
// open window of the app is focused or a new one is opened at the target.
func (a *Agent) Click(ctx context.Context, tag string) error {
	var n Notification
	if a.notify != nil {
		n, _ = a.notify.Close(tag)
	}
	target := firstString(n.Data["url"], n.Data["click_action"])
	if target == "" {
		target = "/"
	}
	if a.clients == nil {
		return fmt.Errorf("no window clients available")
	}

	windows, err := a.clients.MatchAll(ctx)
	if err != nil {
		return fmt.Errorf("list windows: %w", err)
	}
	for _, w := range windows {
		if a.sameOrigin(w.URL()) {
			a.log.Debug("focusing window", zap.String("url", w.URL()))
			return w.Focus(ctx)
		}
	}
	target = a.resolve(target)
	a.log.Debug("opening window", zap.String("url", target))
	return a.clients.OpenWindow(ctx, target)
}
