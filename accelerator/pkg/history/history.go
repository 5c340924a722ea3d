package history

import (
	"context"
	"time"

	"github.com/google/uuid"
)

const (
	StatusSuccess   = "success"
	StatusError     = "error"
	StatusCancelled = "cancelled"
)

// Run is the record of one refresh cycle.
type Run struct {
	ID         uuid.UUID `json:"id"`
	Dataset    string    `json:"dataset"`
	Mode       string    `json:"mode"`
	Status     string    `json:"status"`
	Rows       int       `json:"rows"`
	Attempts   int       `json:"attempts"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Error      string    `json:"error,omitempty"`
}

// Recorder persists refresh runs.
type Recorder interface {
	RecordRun(ctx context.Context, run Run) error
}
