package scoring

import (
	"context"
	"time"

	"github.com/finomaly/finomaly/internal/pagination"
)

// Run is the audit record of one completed analysis.
type Run struct {
	ID           string    `json:"id"`
	Mode         Mode      `json:"mode"`
	Submitted    int       `json:"submitted"`
	Returned     int       `json:"returned"`
	Flagged      int       `json:"flagged"`
	Degraded     int       `json:"degraded"`
	Error        string    `json:"error,omitempty"`
	StartedAt    time.Time `json:"startedAt"`
	FinishedAt   time.Time `json:"finishedAt"`
	DurationMsec int64     `json:"durationMs"`
}

// RunStore persists analysis runs for the history view.
type RunStore interface {
	Record(ctx context.Context, run *Run) error
	// ListRecent returns up to limit runs started before the cursor (all
	// runs when after is nil), newest first.
	ListRecent(ctx context.Context, limit int, after *pagination.Cursor) ([]*Run, error)
}
