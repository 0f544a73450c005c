package agent

import (
	"context"
	"sync"
)

// Notifier renders system notifications.
type Notifier interface {
	Show(ctx context.Context, n Notification) error
	Close(tag string) (Notification, bool)
}

// Tray is an in-memory Notifier where a tag identifies one visible
// notification: showing a tag again replaces it in place.
type Tray struct {
	mu       sync.Mutex
	order    []string
	shown    map[string]Notification
	onChange func(n Notification, replaced bool)
}

// NewTray builds an empty tray. onChange, when set, is called after every
// Show outside the lock.
func NewTray(onChange func(n Notification, replaced bool)) *Tray {
	return &Tray{shown: make(map[string]Notification), onChange: onChange}
}

// Show displays n, replacing any notification with the same tag.
func (t *Tray) Show(_ context.Context, n Notification) error {
	t.mu.Lock()
	_, replaced := t.shown[n.Tag]
	if !replaced {
		t.order = append(t.order, n.Tag)
	}
	t.shown[n.Tag] = n
	t.mu.Unlock()

	if t.onChange != nil {
		t.onChange(n, replaced)
	}
	return nil
}

// Close removes the notification with tag.
func (t *Tray) Close(tag string) (Notification, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n, ok := t.shown[tag]
	if !ok {
		return Notification{}, false
	}
	delete(t.shown, tag)
	for i, v := range t.order {
		if v == tag {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
	return n, true
}

// List returns the visible notifications in first-shown order.
func (t *Tray) List() []Notification {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Notification, 0, len(t.order))
	for _, tag := range t.order {
		out = append(out, t.shown[tag])
	}
	return out
}
