package task

import (
	"time"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusUploading  Status = "uploading"
	StatusAnalyzing  Status = "analyzing"
	StatusSeparating Status = "separating"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
	StatusFailed     Status = "failed"
)

// Terminal reports whether a task in this status may never change again.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusFailed:
		return true
	default:
		return false
	}
}

type Task struct {
	ID          string            `json:"id"`
	Status      Status            `json:"status"`
	Progress    int               `json:"progress"`
	DetectedKey string            `json:"detectedKey,omitempty"`
	DetectedBPM float64           `json:"detectedBpm,omitempty"`
	Error       string            `json:"error,omitempty"`
	Artifacts   map[string]string `json:"artifacts,omitempty"`
	CreatedAt   time.Time         `json:"createdAt"`
	FinishedAt  time.Time         `json:"finishedAt,omitempty"`
}

// validTransition enforces the allowed stage edges. Terminal states have
// no outgoing edges; a fresh upload under the same id goes through Create,
// which replaces the record outright.
func validTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusUploading || to == StatusCancelled || to == StatusFailed
	case StatusUploading:
		return to == StatusAnalyzing || to == StatusCancelled || to == StatusFailed
	case StatusAnalyzing:
		return to == StatusSeparating || to == StatusCancelled
	case StatusSeparating:
		return to == StatusCompleted || to == StatusCancelled || to == StatusFailed
	default:
		return false
	}
}
