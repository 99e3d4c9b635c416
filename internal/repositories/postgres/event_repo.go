package postgres

import (
	"context"

	"github.com/yoockh/cogload/internal/models"
	"gorm.io/gorm"
)

type EventRepo interface {
	Insert(ctx context.Context, e *models.Event) error
	ListBySession(ctx context.Context, sessionID string, limit int) ([]models.Event, error)
}

type eventRepo struct {
	db *gorm.DB
}

func NewEventRepo(db *gorm.DB) EventRepo {
	return &eventRepo{db: db}
}

func (r *eventRepo) Insert(ctx context.Context, e *models.Event) error {
	return r.db.WithContext(ctx).Create(e).Error
}

func (r *eventRepo) ListBySession(ctx context.Context, sessionID string, limit int) ([]models.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []models.Event
	err := r.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("timestamp ASC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}
