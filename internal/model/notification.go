package model

import "time"

// Notification is an in-app notification record addressed to one user.
type Notification struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	Type      string    `json:"type"`
	RelatedID string    `json:"relatedId,omitempty"`
	Read      bool      `json:"read"`
	CreatedAt time.Time `json:"createdAt"`
}

// NotificationFilter describes query parameters for listing records.
type NotificationFilter struct {
	UserID     string
	UnreadOnly bool
	Type       string
	BeginTime  *time.Time
	EndTime    *time.Time
	Page       int
	PageSize   int
}

// Match reports whether n satisfies the filter, ignoring pagination.
func (f NotificationFilter) Match(n *Notification) bool {
	if f.UserID != "" && n.UserID != f.UserID {
		return false
	}
	if f.UnreadOnly && n.Read {
		return false
	}
	if f.Type != "" && n.Type != f.Type {
		return false
	}
	if f.BeginTime != nil && n.CreatedAt.Before(f.BeginTime.UTC()) {
		return false
	}
	if f.EndTime != nil && n.CreatedAt.After(f.EndTime.UTC()) {
		return false
	}
	return true
}
