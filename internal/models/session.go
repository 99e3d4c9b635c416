package models

import (
	"time"

	"github.com/lib/pq"
	"gorm.io/datatypes"
)

type Session struct {
	SessionID         string         `gorm:"column:session_id;type:uuid;primaryKey" json:"session_id"` // uuid v4
	UserID            string         `gorm:"column:user_id;type:text;index" json:"user_id"`
	StartTime         time.Time      `gorm:"column:start_time;type:timestamptz" json:"start_time"`
	EndTime           *time.Time     `gorm:"column:end_time;type:timestamptz" json:"end_time,omitempty"`
	TotalSamples      int64          `gorm:"column:total_samples" json:"total_samples"`
	DeviceInfo        datatypes.JSON `gorm:"column:device_info;type:jsonb" json:"device_info,omitempty"`
	ActiveClassifiers pq.StringArray `gorm:"column:active_classifiers;type:text[]" json:"active_classifiers"`
	Notes             string         `gorm:"column:notes;type:text" json:"notes,omitempty"`
}

func (Session) TableName() string { return "sessions" }

type SessionStatus string

const (
	SessionActive SessionStatus = "active"
	SessionIdle   SessionStatus = "idle"
	SessionClosed SessionStatus = "closed"
)
