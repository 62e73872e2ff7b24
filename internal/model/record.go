package model

import "time"

// Operation status constants, as recorded in the op journal.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// OpRecord is one journal entry describing a finished operation.
type OpRecord struct {
	ID         string     `json:"id"`
	OpID       string     `json:"op_id"`
	Name       string     `json:"name,omitempty"`
	Property   FnProperty `json:"property"`
	Context    Context    `json:"context"`
	Status     string     `json:"status"`
	Error      string     `json:"error,omitempty"`
	QueuedAt   time.Time  `json:"queued_at"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt time.Time  `json:"finished_at"`
	DurationUS int64      `json:"duration_us"`
}

// Wait reports how long the operation waited on its dependencies.
func (r *OpRecord) Wait() time.Duration {
	return r.StartedAt.Sub(r.QueuedAt)
}
