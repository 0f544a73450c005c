package model

import "strings"

// DispatchRequest is the body accepted by the dispatch function.
type DispatchRequest struct {
	Title     string   `json:"title"`
	Message   string   `json:"message"`
	UserID    string   `json:"userId,omitempty"`
	UserIDs   []string `json:"userIds,omitempty"`
	Type      string   `json:"type,omitempty"`
	RelatedID string   `json:"relatedId,omitempty"`
}

// TargetUsers returns the union of the single and list targets, trimmed
// and deduplicated in first-seen order.
func (r DispatchRequest) TargetUsers() []string {
	seen := make(map[string]struct{}, len(r.UserIDs)+1)
	users := make([]string, 0, len(r.UserIDs)+1)
	add := func(id string) {
		id = strings.TrimSpace(id)
		if id == "" {
			return
		}
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		users = append(users, id)
	}
	add(r.UserID)
	for _, id := range r.UserIDs {
		add(id)
	}
	return users
}

// Skip reasons reported when the push phase does not run.
const (
	SkipNoTokens          = "no_tokens"
	SkipNotConfigured     = "push_not_configured"
	SkipCredentialError   = "credential_error"
	SkipTokenLookupFailed = "token_lookup_failed"
)

// DeliveryResult summarises one per-token send.
type DeliveryResult struct {
	Token      string `json:"token"`
	UserID     string `json:"userId"`
	Success    bool   `json:"success"`
	StatusCode int    `json:"statusCode,omitempty"`
	Response   string `json:"response,omitempty"`
	ErrorCode  string `json:"errorCode,omitempty"`
	Error      string `json:"error,omitempty"`
	Pruned     bool   `json:"pruned,omitempty"`
}

// DispatchSummary is the aggregate outcome of one dispatch.
type DispatchSummary struct {
	Message              string
	NotificationsCreated int
	Notifications        []*Notification
	PushAttempted        bool
	SkipReason           string
	SkipDetail           string
	Sent                 int
	Failed               int
	Total                int
	Results              []DeliveryResult
}

// PushSkippedBody is returned when no push send was attempted.
type PushSkippedBody struct {
	Message              string `json:"message"`
	NotificationsCreated int    `json:"notificationsCreated"`
	PushSkipped          string `json:"pushSkipped,omitempty"`
	Detail               string `json:"detail,omitempty"`
}

// PushResultBody is returned when the fan-out ran.
type PushResultBody struct {
	Message              string           `json:"message"`
	NotificationsCreated int              `json:"notificationsCreated"`
	Sent                 int              `json:"sent"`
	Failed               int              `json:"failed"`
	Total                int              `json:"total"`
	Results              []DeliveryResult `json:"results"`
}

// Body picks the response shape matching whether push was attempted.
func (s *DispatchSummary) Body() any {
	if !s.PushAttempted {
		return PushSkippedBody{
			Message:              s.Message,
			NotificationsCreated: s.NotificationsCreated,
			PushSkipped:          s.SkipReason,
			Detail:               s.SkipDetail,
		}
	}
	results := s.Results
	if results == nil {
		results = []DeliveryResult{}
	}
	return PushResultBody{
		Message:              s.Message,
		NotificationsCreated: s.NotificationsCreated,
		Sent:                 s.Sent,
		Failed:               s.Failed,
		Total:                s.Total,
		Results:              results,
	}
}
