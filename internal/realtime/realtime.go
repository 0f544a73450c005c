package realtime

import (
	"context"

	"github.com/feira-labs/feira-notify/internal/model"
)

// Publisher announces newly inserted notification records.
type Publisher interface {
	Publish(ctx context.Context, record *model.Notification) error
}

// Subscriber delivers new records of one user until ctx is done, after
// which the returned channel is closed.
type Subscriber interface {
	Subscribe(ctx context.Context, userID string) (<-chan *model.Notification, error)
}

// Broker is a realtime feed of notification inserts.
type Broker interface {
	Publisher
	Subscriber
	Close() error
}

// subscriberBuffer bounds how far a slow subscriber may lag before events are dropped.
const subscriberBuffer = 32
