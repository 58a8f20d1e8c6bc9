package model

import "time"

// USSDSession is the conversational state of one gateway-issued USSD dialog.
// History is append-only; Data is scratch space for values fetched mid-dialog.
type USSDSession struct {
	SessionID   string            `json:"sessionId"`
	PhoneNumber string            `json:"phoneNumber"`
	CurrentMenu string            `json:"currentMenu"`
	History     []string          `json:"history"`
	Data        map[string]string `json:"data,omitempty"`
	CreatedAt   time.Time         `json:"createdAt"`
	UpdatedAt   time.Time         `json:"updatedAt"`
	ExpiresAt   time.Time         `json:"expiresAt"`
}

func (s *USSDSession) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// Touch refreshes UpdatedAt and slides the expiry window forward.
func (s *USSDSession) Touch(now time.Time, ttl time.Duration) {
	s.UpdatedAt = now
	s.ExpiresAt = now.Add(ttl)
}
