package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/yoockh/cogload/internal/models"
	"github.com/yoockh/cogload/internal/utils"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type SessionRepo interface {
	// Create is idempotent: a session id that already exists is left as is.
	Create(ctx context.Context, s *models.Session) error
	Get(ctx context.Context, sessionID string) (*models.Session, error)
	End(ctx context.Context, sessionID string, endTime time.Time, totalSamples int64) error
	UpdateDeviceInfo(ctx context.Context, sessionID string, info []byte) error
	ListByUser(ctx context.Context, userID string, limit int) ([]models.Session, error)
}

type sessionRepo struct {
	db *gorm.DB
}

func NewSessionRepo(db *gorm.DB) SessionRepo {
	return &sessionRepo{db: db}
}

func (r *sessionRepo) Create(ctx context.Context, s *models.Session) error {
	if s.StartTime.IsZero() {
		s.StartTime = time.Now().UTC()
	}
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "session_id"}}, DoNothing: true}).
		Create(s).Error
}

func (r *sessionRepo) Get(ctx context.Context, sessionID string) (*models.Session, error) {
	var s models.Session
	err := r.db.WithContext(ctx).Where("session_id = ?", sessionID).Take(&s).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, utils.ErrNotFound
	}
	return &s, err
}

func (r *sessionRepo) End(ctx context.Context, sessionID string, endTime time.Time, totalSamples int64) error {
	return r.db.WithContext(ctx).
		Model(&models.Session{}).
		Where("session_id = ?", sessionID).
		Updates(map[string]any{
			"end_time":      endTime.UTC(),
			"total_samples": totalSamples,
		}).Error
}

func (r *sessionRepo) UpdateDeviceInfo(ctx context.Context, sessionID string, info []byte) error {
	return r.db.WithContext(ctx).
		Model(&models.Session{}).
		Where("session_id = ?", sessionID).
		Update("device_info", datatypes.JSON(info)).Error
}

func (r *sessionRepo) ListByUser(ctx context.Context, userID string, limit int) ([]models.Session, error) {
	if limit <= 0 {
		limit = 20
	}
	var rows []models.Session
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("start_time DESC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}
