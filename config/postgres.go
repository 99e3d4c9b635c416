package config

import (
	"errors"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/yoockh/cogload/internal/models"
)

// NewPostgres opens the pooled gorm connection. With migrate set the
// pipeline tables are created or updated in place; feature_vectors needs the
// pgvector extension.
func NewPostgres(uri string, migrate bool) (*gorm.DB, error) {
	if uri == "" {
		return nil, errors.New("POSTGRES_URI is not set")
	}
	db, err := gorm.Open(postgres.Open(uri), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}

	// Connection Pooling settings
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(100)
	sqlDB.SetConnMaxLifetime(30 * time.Minute)
	sqlDB.SetConnMaxIdleTime(5 * time.Minute)

	if migrate {
		if err := db.Exec("CREATE EXTENSION IF NOT EXISTS vector").Error; err != nil {
			return nil, err
		}
		if err := db.AutoMigrate(
			&models.Session{},
			&models.Prediction{},
			&models.FeatureVector{},
			&models.Event{},
		); err != nil {
			return nil, err
		}
	}
	return db, nil
}
