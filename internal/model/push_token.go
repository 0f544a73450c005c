package model

import "time"

// PushToken is a provider-issued device token owned by one user.
// (UserID, Token) is unique; a user may hold many tokens.
type PushToken struct {
	UserID    string    `json:"userId"`
	Token     string    `json:"token"`
	Device    string    `json:"device"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// PushTokenView hides the raw token when returning tokens to clients.
type PushTokenView struct {
	UserID    string    `json:"userId"`
	Token     string    `json:"token"`
	Device    string    `json:"device"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// View returns the masked representation of the token.
func (t *PushToken) View() *PushTokenView {
	if t == nil {
		return nil
	}
	return &PushTokenView{
		UserID:    t.UserID,
		Token:     MaskValue(t.Token),
		Device:    t.Device,
		CreatedAt: t.CreatedAt,
		UpdatedAt: t.UpdatedAt,
	}
}
