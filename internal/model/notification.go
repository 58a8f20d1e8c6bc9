package model

import "time"

// NotificationRecord is an append-only audit row for one delivery attempt or
// one later status update reported by the carrier.
type NotificationRecord struct {
	ID         string             `db:"id" json:"id"`
	Type       NotificationType   `db:"type" json:"type"`
	Recipient  string             `db:"recipient" json:"recipient"`
	Message    string             `db:"message" json:"message"`
	Status     NotificationStatus `db:"status" json:"status"`
	ExternalID *string            `db:"external_id" json:"externalId,omitempty"`
	JobID      *string            `db:"job_id" json:"jobId,omitempty"`
	Error      *string            `db:"error" json:"error,omitempty"`
	CreatedAt  time.Time          `db:"created_at" json:"createdAt"`
}

type CreateNotificationParams struct {
	Type       NotificationType
	Recipient  string
	Message    string
	Status     NotificationStatus
	ExternalID *string
	JobID      *string
	Error      *string
}

// SendResult is what the carrier returns for an accepted message.
type SendResult struct {
	ExternalID string
	Status     NotificationStatus
	Cost       string
}
