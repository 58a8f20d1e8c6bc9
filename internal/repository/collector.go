package repository

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/ecocollect/phonegate/internal/database"
	"github.com/ecocollect/phonegate/internal/model"
)

// DomainReader exposes the read-only lookups the USSD menus render from.
// A missing row yields nil without error.
type DomainReader interface {
	FindCollectorByPhone(ctx context.Context, phoneNumber string) (*model.Collector, error)
	FindRecentCollections(ctx context.Context, phoneNumber string, limit int) ([]model.Collection, error)
	FindLatestCollection(ctx context.Context, phoneNumber string) (*model.Collection, error)
	FindActiveHub(ctx context.Context) (*model.Hub, error)
}

type domainRepo struct {
	db database.DBTX
}

func NewDomainReader(db *sqlx.DB) DomainReader {
	return &domainRepo{db: db}
}

func (r *domainRepo) FindCollectorByPhone(ctx context.Context, phoneNumber string) (*model.Collector, error) {
	var collector model.Collector
	err := r.db.GetContext(ctx, &collector, `
		SELECT id, name, phone_number, cash, health_tokens, total_earnings
		FROM collectors
		WHERE phone_number = $1
	`, phoneNumber)
	return HandleNotFound("collector", &collector, err)
}

func (r *domainRepo) FindRecentCollections(ctx context.Context, phoneNumber string, limit int) ([]model.Collection, error) {
	collections := []model.Collection{}
	err := r.db.SelectContext(ctx, &collections, `
		SELECT c.id, c.weight, c.plastic_type, c.amount, c.status, c.created_at
		FROM collections c
		JOIN collectors u ON u.id = c.collector_id
		WHERE u.phone_number = $1
		ORDER BY c.created_at DESC
		LIMIT $2
	`, phoneNumber, limit)
	if err != nil {
		return nil, fmt.Errorf("find recent collections: %w", err)
	}
	return collections, nil
}

func (r *domainRepo) FindLatestCollection(ctx context.Context, phoneNumber string) (*model.Collection, error) {
	var collection model.Collection
	err := r.db.GetContext(ctx, &collection, `
		SELECT c.id, c.weight, c.plastic_type, c.amount, c.status, c.created_at
		FROM collections c
		JOIN collectors u ON u.id = c.collector_id
		WHERE u.phone_number = $1
		ORDER BY c.created_at DESC
		LIMIT 1
	`, phoneNumber)
	return HandleNotFound("latest collection", &collection, err)
}

// FindActiveHub returns the most recently opened active hub. Hubs carry no
// coordinates yet, so "nearest" is the newest one.
func (r *domainRepo) FindActiveHub(ctx context.Context) (*model.Hub, error) {
	var hub model.Hub
	err := r.db.GetContext(ctx, &hub, `
		SELECT id, name, address, operating_hours
		FROM hubs
		WHERE active
		ORDER BY created_at DESC
		LIMIT 1
	`)
	return HandleNotFound("active hub", &hub, err)
}
