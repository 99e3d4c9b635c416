package models

import (
	"time"

	"gorm.io/datatypes"
)

// Event is a user supplied marker inside a session ("started task B", "break").
type Event struct {
	ID        string         `gorm:"column:id;type:uuid;primaryKey" json:"id"`
	SessionID string         `gorm:"column:session_id;type:uuid;index" json:"session_id"`
	UserID    string         `gorm:"column:user_id;type:text;index" json:"user_id"`
	Label     string         `gorm:"column:label;type:text" json:"label"`
	Notes     string         `gorm:"column:notes;type:text" json:"notes,omitempty"`
	Timestamp time.Time      `gorm:"column:timestamp;type:timestamptz;index" json:"timestamp"`
	Metadata  datatypes.JSON `gorm:"column:metadata;type:jsonb" json:"metadata,omitempty"`
}

func (Event) TableName() string { return "events" }
