package realtime

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/feira-labs/feira-notify/internal/model"
)

var _ Broker = (*MemoryBroker)(nil)

// MemoryBroker fans records out to in-process subscribers.
type MemoryBroker struct {
	mu      sync.RWMutex
	subs    map[string]map[chan *model.Notification]struct{}
	dropped atomic.Int64
	closed  bool
}

// NewMemoryBroker builds an empty broker.
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{subs: make(map[string]map[chan *model.Notification]struct{})}
}

// Publish delivers record to every subscriber of its user without blocking.
func (b *MemoryBroker) Publish(_ context.Context, record *model.Notification) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs[record.UserID] {
		copied := *record
		select {
		case ch <- &copied:
		default:
			b.dropped.Add(1)
		}
	}
	return nil
}

// Subscribe registers a subscriber for userID.
func (b *MemoryBroker) Subscribe(ctx context.Context, userID string) (<-chan *model.Notification, error) {
	ch := make(chan *model.Notification, subscriberBuffer)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, nil
	}
	if b.subs[userID] == nil {
		b.subs[userID] = make(map[chan *model.Notification]struct{})
	}
	b.subs[userID][ch] = struct{}{}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.remove(userID, ch)
	}()
	return ch, nil
}

func (b *MemoryBroker) remove(userID string, ch chan *model.Notification) {
	b.mu.Lock()
	defer b.mu.Unlock()
	set, ok := b.subs[userID]
	if !ok {
		return
	}
	if _, ok := set[ch]; !ok {
		return
	}
	delete(set, ch)
	if len(set) == 0 {
		delete(b.subs, userID)
	}
	close(ch)
}

// Dropped reports how many events were discarded for slow subscribers.
func (b *MemoryBroker) Dropped() int64 {
	return b.dropped.Load()
}

// Close detaches every subscriber.
func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for userID, set := range b.subs {
		for ch := range set {
			close(ch)
		}
		delete(b.subs, userID)
	}
	b.closed = true
	return nil
}
