package sweep

import (
	"context"
	"time"

	"remindd/internal/notify"
)

// Config controls the dispatch sweeper.
type Config struct {
	Enabled     bool
	Cadence     time.Duration // interval between due-scans (default 1m)
	Workers     int           // parallel task processors per sweep (default 4)
	HistorySize int           // sweep history ring size (default 50)
	TaskTimeout time.Duration // per-task processing budget (default 30s)
}

// Dispatcher hands a due reminder to the delivery pipeline.
type Dispatcher interface {
	Dispatch(ctx context.Context, msg notify.Message) error
}

// HistoryItem summarizes one completed sweep.
type HistoryItem struct {
	At          time.Time
	Took        time.Duration
	Due         int
	Dispatched  int
	Completed   int
	Rescheduled int
	Canceled    int
	Errors      int
}

// SweepEvent is published on the event bus per sweep tick.
type SweepEvent struct {
	At  time.Time `json:"at"`
	Due int       `json:"due"`
}

// TaskEvent is published on the event bus for per-task transitions.
type TaskEvent struct {
	ReminderID string    `json:"reminder_id"`
	At         time.Time `json:"at"`
	NextAt     time.Time `json:"next_at,omitempty"`
	Error      string    `json:"error,omitempty"`
}
