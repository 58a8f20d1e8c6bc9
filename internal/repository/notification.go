package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/ecocollect/phonegate/internal/database"
	"github.com/ecocollect/phonegate/internal/model"
)

// NotificationRepository is append-only: carrier status updates are stored
// as new rows that reference the original externalId.
type NotificationRepository interface {
	Create(ctx context.Context, params model.CreateNotificationParams) (*model.NotificationRecord, error)
	FindByRecipient(ctx context.Context, recipient string, limit int) ([]model.NotificationRecord, error)
	FindByExternalID(ctx context.Context, externalID string) ([]model.NotificationRecord, error)
	CountByStatusSince(ctx context.Context, status model.NotificationStatus, since time.Time) (int, error)
}

type notificationRepo struct {
	db database.DBTX
}

func NewNotificationRepository(db *sqlx.DB) NotificationRepository {
	return &notificationRepo{db: db}
}

func (r *notificationRepo) Create(ctx context.Context, params model.CreateNotificationParams) (*model.NotificationRecord, error) {
	var record model.NotificationRecord
	err := r.db.GetContext(ctx, &record, `
		INSERT INTO notifications (id, type, recipient, message, status, external_id, job_id, error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING *
	`, uuid.NewString(), params.Type, params.Recipient, params.Message, params.Status,
		params.ExternalID, params.JobID, params.Error)
	if err != nil {
		return nil, fmt.Errorf("insert notification: %w", err)
	}
	return &record, nil
}

func (r *notificationRepo) FindByRecipient(ctx context.Context, recipient string, limit int) ([]model.NotificationRecord, error) {
	records := []model.NotificationRecord{}
	err := r.db.SelectContext(ctx, &records, `
		SELECT * FROM notifications
		WHERE recipient = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, recipient, limit)
	if err != nil {
		return nil, fmt.Errorf("find notifications by recipient: %w", err)
	}
	return records, nil
}

func (r *notificationRepo) FindByExternalID(ctx context.Context, externalID string) ([]model.NotificationRecord, error) {
	records := []model.NotificationRecord{}
	err := r.db.SelectContext(ctx, &records, `
		SELECT * FROM notifications
		WHERE external_id = $1
		ORDER BY created_at ASC
	`, externalID)
	if err != nil {
		return nil, fmt.Errorf("find notifications by external id: %w", err)
	}
	return records, nil
}

func (r *notificationRepo) CountByStatusSince(ctx context.Context, status model.NotificationStatus, since time.Time) (int, error) {
	var count int
	err := r.db.GetContext(ctx, &count, `
		SELECT COUNT(*) FROM notifications
		WHERE status = $1 AND created_at >= $2
	`, status, since)
	if err != nil {
		return 0, fmt.Errorf("count notifications: %w", err)
	}
	return count, nil
}
