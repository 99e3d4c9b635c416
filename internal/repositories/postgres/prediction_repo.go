package postgres

import (
	"context"

	"github.com/yoockh/cogload/internal/models"
	"gorm.io/gorm"
)

type PredictionRepo interface {
	// WriteBatch stores the predictions of one flush, and their feature
	// vectors when enabled, in a single transaction.
	WriteBatch(ctx context.Context, batch []models.ClassificationResult) error
	ListBySession(ctx context.Context, sessionID string, limit int) ([]models.Prediction, error)
}

type predictionRepo struct {
	db             *gorm.DB
	featureVectors bool
}

func NewPredictionRepo(db *gorm.DB, storeFeatureVectors bool) PredictionRepo {
	return &predictionRepo{db: db, featureVectors: storeFeatureVectors}
}

func (r *predictionRepo) WriteBatch(ctx context.Context, batch []models.ClassificationResult) error {
	if len(batch) == 0 {
		return nil
	}

	rows := make([]models.Prediction, 0, len(batch))
	var vecs []models.FeatureVector
	for _, res := range batch {
		rows = append(rows, models.NewPrediction(res))
		if !r.featureVectors {
			continue
		}
		if fv, ok := models.NewFeatureVector(res); ok {
			vecs = append(vecs, fv)
		}
	}

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&rows).Error; err != nil {
			return err
		}
		if len(vecs) > 0 {
			return tx.Create(&vecs).Error
		}
		return nil
	})
}

func (r *predictionRepo) ListBySession(ctx context.Context, sessionID string, limit int) ([]models.Prediction, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []models.Prediction
	err := r.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("timestamp DESC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}
