package model

type JobKind string

const (
	JobKindSingle    JobKind = "single"
	JobKindBulkChunk JobKind = "bulk-chunk"
	JobKindScheduled JobKind = "scheduled"
)

type JobStatus string

const (
	JobStatusWaiting   JobStatus = "waiting"
	JobStatusActive    JobStatus = "active"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusDelayed   JobStatus = "delayed"
	JobStatusCancelled JobStatus = "cancelled"
)

// Cancellable reports whether a job in this status has not started yet.
func (s JobStatus) Cancellable() bool {
	return s == JobStatusWaiting || s == JobStatusDelayed
}

type NotificationType string

const (
	NotificationTypeSMS  NotificationType = "sms"
	NotificationTypeUSSD NotificationType = "ussd"
	NotificationTypePush NotificationType = "push"
)

type NotificationStatus string

const (
	NotificationStatusSent      NotificationStatus = "sent"
	NotificationStatusFailed    NotificationStatus = "failed"
	NotificationStatusMock      NotificationStatus = "mock"
	NotificationStatusScheduled NotificationStatus = "scheduled"
	NotificationStatusDelivered NotificationStatus = "delivered"
)
