package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// StreamSample is one archived raw sample or feature message.
type StreamSample struct {
	ID         primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	SessionID  string             `bson:"session_id" json:"session_id"`
	UserID     string             `bson:"user_id" json:"user_id"`
	StreamType string             `bson:"stream_type" json:"stream_type"` // raw_sample|features
	Seq        uint64             `bson:"seq,omitempty" json:"seq,omitempty"`
	Timestamp  time.Time          `bson:"timestamp" json:"timestamp"`
	Channels   []float64          `bson:"channels,omitempty" json:"channels,omitempty"`
	Features   map[string]float64 `bson:"features,omitempty" json:"features,omitempty"`

	ExpiresAt time.Time `bson:"expires_at" json:"expires_at"` // TTL
}
