package models

import "time"

type RotationTrigger string

const (
	TriggerScheduled RotationTrigger = "scheduled"
	TriggerManual    RotationTrigger = "manual"
)

// RotationHistoryEntry is an append-only audit record of one rotation
// attempt, successful or not. History rows deliberately survive
// experiment deletion.
type RotationHistoryEntry struct {
	ID           string          `json:"id"`
	ExperimentID string          `json:"experiment_id"`
	FromCase     Case            `json:"from_case"`
	ToCase       Case            `json:"to_case"`
	Trigger      RotationTrigger `json:"trigger"`
	Success      bool            `json:"success"`
	Error        string          `json:"error,omitempty"`
	Duration     time.Duration   `json:"duration"`
	CreatedAt    time.Time       `json:"created_at"`
}

// RotationResult is the per-experiment outcome of one rotation attempt.
type RotationResult struct {
	ExperimentID   string     `json:"experiment_id"`
	FromCase       Case       `json:"from_case"`
	ToCase         Case       `json:"to_case"`
	Success        bool       `json:"success"`
	Skipped        bool       `json:"skipped,omitempty"`
	Error          string     `json:"error,omitempty"`
	DurationMillis int64      `json:"duration_ms"`
	NextRotationAt *time.Time `json:"next_rotation_at,omitempty"`
}

// TickSummary aggregates one scheduler pass over all due experiments.
type TickSummary struct {
	Processed int              `json:"processed"`
	Succeeded int              `json:"succeeded"`
	Failed    int              `json:"failed"`
	Results   []RotationResult `json:"results"`
	RanAt     time.Time        `json:"ran_at"`
}
