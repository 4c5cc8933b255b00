package storage

import (
	"context"
	"time"

	"remindd/internal/recurrence"
)

type ReminderStatus string

const (
	ReminderActive    ReminderStatus = "active"
	ReminderCompleted ReminderStatus = "completed"
	ReminderCanceled  ReminderStatus = "canceled"
	ReminderError     ReminderStatus = "error"
)

type TaskStatus string

const (
	TaskScheduled TaskStatus = "scheduled"
	TaskCompleted TaskStatus = "completed"
	TaskCanceled  TaskStatus = "canceled"
	TaskError     TaskStatus = "error"
)

// Reminder is the user-facing schedule record. Medication name/dosage are
// denormalized at schedule time so the fire path never re-joins the
// medication table.
type Reminder struct {
	ReminderID     string
	UserID         string
	MedicationID   string
	MedicationName string
	Dosage         string

	Frequency recurrence.Frequency
	Hour      int
	Minute    int
	Date      string // Once only, "YYYY-MM-DD"
	Day       string // Weekly only, weekday name

	TimeZone string // IANA zone the recurrence is evaluated in
	NextAt   time.Time
	Status   ReminderStatus

	CreatedAt time.Time
	UpdatedAt time.Time
}

// ScheduledTask is the sweep-optimized projection paired 1:1 with a Reminder.
// Its next_at must equal the reminder's whenever both are in an active state;
// a mismatch means a partially-applied update and is never trusted for firing.
type ScheduledTask struct {
	ReminderID    string
	UserID        string
	DeliveryToken string
	NextAt        time.Time
	Status        TaskStatus
	Error         string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Medication is a row from the companion app's medication table.
type Medication struct {
	MedicationID string
	UserID       string
	Name         string
	Dosage       string
}

// User is a directory row resolved across the patient and caregiver
// namespaces. DeliveryToken may be empty when the user never registered a
// device; callers decide whether that is an error.
type User struct {
	UserID        string
	Role          string // "patient" or "caregiver"
	DeliveryToken string
}

// DeliveryRecord is an append-only entry of a dispatched notification, kept
// for user-facing history.
type DeliveryRecord struct {
	ID             string
	ReminderID     string
	UserID         string
	MedicationName string
	Dosage         string
	Title          string
	Body           string
	SentAt         time.Time
}

// Store is the persistence API used by the schedule service and the sweeper.
//
// The boolean results on CompleteOnce/RollForward report whether the
// compare-and-set matched: false means another writer got there first (a
// concurrent sweep or a cancel) and the caller must treat the task as no
// longer its own.
type Store interface {
	WriteSchedule(ctx context.Context, r Reminder, t ScheduledTask) error
	QueryDue(ctx context.Context, now time.Time) ([]ScheduledTask, error)
	GetReminder(ctx context.Context, reminderID string) (Reminder, error)

	CompleteOnce(ctx context.Context, reminderID string, now time.Time) (bool, error)
	RollForward(ctx context.Context, reminderID string, next, now time.Time) (bool, error)
	Cancel(ctx context.Context, reminderID string, now time.Time) error
	MarkTaskCanceled(ctx context.Context, reminderID string, now time.Time) error
	MarkTaskError(ctx context.Context, reminderID, msg string, now time.Time) error

	GetMedication(ctx context.Context, medicationID string) (Medication, error)
	GetUser(ctx context.Context, userID string) (User, error)

	AppendDelivery(ctx context.Context, rec DeliveryRecord) error

	Close() error
}

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file (the production driver)
//   - "memory": in-process maps (tests, throwaway dev runs)
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}
