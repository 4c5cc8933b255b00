package notify

import (
	"context"
	"time"
)

// Config controls the async delivery pipeline.
type Config struct {
	Enabled       bool
	Workers       int
	QueueSize     int
	RatePerSec    int
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	SendTimeout   time.Duration
}

// Message is a single reminder notification to deliver.
type Message struct {
	ReminderID     string
	UserID         string
	DeliveryToken  string
	MedicationName string
	Dosage         string
	Title          string
	Body           string
	FireAt         time.Time
}

// Sender pushes a rendered message to one delivery token. Implementations
// must be safe for concurrent use.
type Sender interface {
	Send(ctx context.Context, token, title, body string) error
}

// DeliveryEvent is emitted on the event bus for pipeline lifecycle events.
type DeliveryEvent struct {
	ReminderID string    `json:"reminder_id"`
	UserID     string    `json:"user_id"`
	At         time.Time `json:"at"`
	Error      string    `json:"error,omitempty"`
}
