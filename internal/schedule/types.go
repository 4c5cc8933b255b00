package schedule

import (
	"context"
	"time"

	"remindd/internal/storage"
)

// Identity is the authenticated caller attached to a request context by the
// transport layer. The service refuses to act without one.
type Identity struct {
	Caller string
}

type identityKey struct{}

func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

func IdentityFrom(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok
}

// ReminderSpec is the externally supplied reminder specification.
//
// Hour and Minute are pointers so a missing field is distinguishable from a
// literal zero; the service names the missing field in its validation error.
type ReminderSpec struct {
	ReminderID   string `json:"reminderId"`
	MedicationID string `json:"medicationId"`
	Frequency    string `json:"frequency"`
	Hour         *int   `json:"hour"`
	Minute       *int   `json:"minute"`
	Date         string `json:"date,omitempty"`
	Day          string `json:"day,omitempty"`
}

// MedicationDirectory resolves a medication by id. In production this is the
// schedule store reading the companion app's medication table.
type MedicationDirectory interface {
	GetMedication(ctx context.Context, medicationID string) (storage.Medication, error)
}

// UserDirectory resolves a user's delivery token across the patient and
// caregiver namespaces.
type UserDirectory interface {
	GetUser(ctx context.Context, userID string) (storage.User, error)
}

// Config controls the schedule service.
type Config struct {
	// LookupTimeout bounds each collaborator call (medication/user lookup).
	LookupTimeout time.Duration
}
