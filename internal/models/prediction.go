package models

import (
	"time"

	"github.com/goccy/go-json"
	"github.com/pgvector/pgvector-go"
	"gorm.io/datatypes"
)

type Prediction struct {
	ID                int64          `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	Timestamp         time.Time      `gorm:"column:timestamp;type:timestamptz;index" json:"timestamp"`
	SessionID         string         `gorm:"column:session_id;type:uuid;index" json:"session_id"`
	UserID            string         `gorm:"column:user_id;type:text;index" json:"user_id"`
	ClassifierName    string         `gorm:"column:classifier_name;type:text" json:"classifier_name"`
	ClassifierVersion string         `gorm:"column:classifier_version;type:text" json:"classifier_version,omitempty"`
	Workload          float64        `gorm:"column:workload" json:"workload"`
	Confidence        float64        `gorm:"column:confidence" json:"confidence"`
	Outcome           string         `gorm:"column:outcome;type:text" json:"outcome"`
	Features          datatypes.JSON `gorm:"column:features;type:jsonb" json:"features,omitempty"`
	ProcessingTimeMS  float64        `gorm:"column:processing_time_ms" json:"processing_time_ms"`
}

func (Prediction) TableName() string { return "predictions" }

// FeatureVector keeps the canonical metrics of one result searchable by similarity.
type FeatureVector struct {
	ID          int64           `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	Timestamp   time.Time       `gorm:"column:timestamp;type:timestamptz;index" json:"timestamp"`
	SessionID   string          `gorm:"column:session_id;type:uuid;index" json:"session_id"`
	Metrics     pgvector.Vector `gorm:"column:metrics;type:vector(5)" json:"metrics"`
	AllFeatures datatypes.JSON  `gorm:"column:all_features;type:jsonb" json:"all_features"`
}

func (FeatureVector) TableName() string { return "feature_vectors" }

// CanonicalMetrics is the column order of FeatureVector.Metrics.
var CanonicalMetrics = []string{
	"frontal_theta",
	"frontal_theta_beta_ratio",
	"parietal_alpha",
	"frontal_theta_parietal_alpha_ratio",
	"workload_index",
}

func NewPrediction(r ClassificationResult) Prediction {
	p := Prediction{
		Timestamp:         r.Timestamp.UTC(),
		SessionID:         r.SessionID,
		UserID:            r.UserID,
		ClassifierName:    r.Classifier,
		ClassifierVersion: r.ClassifierVersion,
		Workload:          r.Workload,
		Confidence:        r.Confidence,
		Outcome:           string(r.Outcome),
		ProcessingTimeMS:  r.ProcessingMS,
	}
	if len(r.Features) > 0 {
		if b, err := json.Marshal(r.Features); err == nil {
			p.Features = datatypes.JSON(b)
		}
	}
	return p
}

// NewFeatureVector returns false when the result carries no features.
func NewFeatureVector(r ClassificationResult) (FeatureVector, bool) {
	if len(r.Features) == 0 {
		return FeatureVector{}, false
	}
	vec := make([]float32, len(CanonicalMetrics))
	for i, k := range CanonicalMetrics {
		vec[i] = float32(r.Features[k])
	}
	all, err := json.Marshal(r.Features)
	if err != nil {
		return FeatureVector{}, false
	}
	return FeatureVector{
		Timestamp:   r.Timestamp.UTC(),
		SessionID:   r.SessionID,
		Metrics:     pgvector.NewVector(vec),
		AllFeatures: datatypes.JSON(all),
	}, true
}
