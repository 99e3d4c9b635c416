package models

import "time"

// Outcome is the terminal (or transient) state of one classification request.
type Outcome string

const (
	OutcomePending           Outcome = "PENDING"
	OutcomeInProgress        Outcome = "IN_PROGRESS"
	OutcomeSucceeded         Outcome = "SUCCEEDED"
	OutcomeFallbackSucceeded Outcome = "FALLBACK_SUCCEEDED"
	OutcomeFailed            Outcome = "FAILED"
)

// ClassificationResult is produced once per classified window and never mutated.
type ClassificationResult struct {
	SessionID         string             `json:"session_id"`
	UserID            string             `json:"user_id"`
	Workload          float64            `json:"workload"`   // 0..1
	Confidence        float64            `json:"confidence"` // 0..1
	Classifier        string             `json:"classifier"`
	ClassifierVersion string             `json:"classifier_version,omitempty"`
	Timestamp         time.Time          `json:"timestamp"`
	Features          map[string]float64 `json:"features,omitempty"`
	ProcessingMS      float64            `json:"processing_time_ms"`
	Outcome           Outcome            `json:"outcome"`
}
