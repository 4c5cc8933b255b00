package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"remindd/internal/fault"
)

// Memory is an in-process Store used by tests and throwaway dev runs.
// It mirrors the sqlite driver's transactional semantics: paired writes are
// applied under one lock, and fire-path transitions are compare-and-set on
// the task's prior status.
type Memory struct {
	mu sync.Mutex

	reminders map[string]Reminder
	tasks     map[string]ScheduledTask

	medications map[string]Medication
	patients    map[string]string
	caregivers  map[string]string

	deliveries []DeliveryRecord
}

func NewMemory() *Memory {
	return &Memory{
		reminders:   map[string]Reminder{},
		tasks:       map[string]ScheduledTask{},
		medications: map[string]Medication{},
		patients:    map[string]string{},
		caregivers:  map[string]string{},
	}
}

func (m *Memory) Close() error { return nil }

func (m *Memory) WriteSchedule(_ context.Context, r Reminder, t ScheduledTask) error {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()

	if prev, ok := m.reminders[r.ReminderID]; ok && r.CreatedAt.IsZero() {
		r.CreatedAt = prev.CreatedAt
	} else if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = now
	}
	if prev, ok := m.tasks[t.ReminderID]; ok && t.CreatedAt.IsZero() {
		t.CreatedAt = prev.CreatedAt
	} else if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = now
	}

	m.reminders[r.ReminderID] = r
	m.tasks[t.ReminderID] = t
	return nil
}

func (m *Memory) QueryDue(_ context.Context, now time.Time) ([]ScheduledTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []ScheduledTask
	for _, t := range m.tasks {
		if t.Status == TaskScheduled && !t.NextAt.After(now) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].NextAt.Equal(out[j].NextAt) {
			return out[i].NextAt.Before(out[j].NextAt)
		}
		return out[i].ReminderID < out[j].ReminderID
	})
	return out, nil
}

func (m *Memory) GetReminder(_ context.Context, reminderID string) (Reminder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reminders[reminderID]
	if !ok {
		return Reminder{}, fault.Newf(fault.KindNotFound, "reminder %q not found", reminderID)
	}
	return r, nil
}

func (m *Memory) CompleteOnce(_ context.Context, reminderID string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[reminderID]
	if !ok || t.Status != TaskScheduled {
		return false, nil
	}
	r, ok := m.reminders[reminderID]
	if !ok || r.Status != ReminderActive {
		return false, nil
	}

	t.Status = TaskCompleted
	t.UpdatedAt = now
	r.Status = ReminderCompleted
	r.UpdatedAt = now
	m.tasks[reminderID] = t
	m.reminders[reminderID] = r
	return true, nil
}

func (m *Memory) RollForward(_ context.Context, reminderID string, next, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[reminderID]
	if !ok || t.Status != TaskScheduled {
		return false, nil
	}
	r, ok := m.reminders[reminderID]
	if !ok || r.Status != ReminderActive {
		return false, nil
	}

	t.NextAt = next
	t.UpdatedAt = now
	r.NextAt = next
	r.UpdatedAt = now
	m.tasks[reminderID] = t
	m.reminders[reminderID] = r
	return true, nil
}

func (m *Memory) Cancel(_ context.Context, reminderID string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.reminders[reminderID]
	if !ok {
		return fault.Newf(fault.KindNotFound, "reminder %q not found", reminderID)
	}
	if r.Status == ReminderCanceled {
		// Idempotent: canceling twice succeeds silently.
		return nil
	}
	r.Status = ReminderCanceled
	r.UpdatedAt = now
	m.reminders[reminderID] = r

	if t, ok := m.tasks[reminderID]; ok {
		t.Status = TaskCanceled
		t.UpdatedAt = now
		m.tasks[reminderID] = t
	}
	return nil
}

func (m *Memory) MarkTaskCanceled(_ context.Context, reminderID string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.tasks[reminderID]; ok && t.Status == TaskScheduled {
		t.Status = TaskCanceled
		t.UpdatedAt = now
		m.tasks[reminderID] = t
	}
	return nil
}

func (m *Memory) MarkTaskError(_ context.Context, reminderID, msg string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.tasks[reminderID]; ok && t.Status == TaskScheduled {
		t.Status = TaskError
		t.Error = msg
		t.UpdatedAt = now
		m.tasks[reminderID] = t
	}
	return nil
}

func (m *Memory) GetMedication(_ context.Context, medicationID string) (Medication, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	med, ok := m.medications[medicationID]
	if !ok {
		return Medication{}, fault.Newf(fault.KindNotFound, "medication %q not found", medicationID)
	}
	return med, nil
}

func (m *Memory) GetUser(_ context.Context, userID string) (User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if token, ok := m.patients[userID]; ok {
		return User{UserID: userID, Role: "patient", DeliveryToken: token}, nil
	}
	if token, ok := m.caregivers[userID]; ok {
		return User{UserID: userID, Role: "caregiver", DeliveryToken: token}, nil
	}
	return User{}, fault.Newf(fault.KindNotFound, "user %q not found", userID)
}

func (m *Memory) AppendDelivery(_ context.Context, rec DeliveryRecord) error {
	if rec.SentAt.IsZero() {
		rec.SentAt = time.Now()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deliveries = append(m.deliveries, rec)
	return nil
}

// ---- Seeding/inspection helpers (directory tables are written out of band
// in production; tests and dev runs seed them here). ----

func (m *Memory) PutMedication(med Medication) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.medications[med.MedicationID] = med
}

func (m *Memory) PutPatient(userID, deliveryToken string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.patients[userID] = deliveryToken
}

func (m *Memory) PutCaregiver(userID, deliveryToken string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.caregivers[userID] = deliveryToken
}

func (m *Memory) GetTask(reminderID string) (ScheduledTask, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[reminderID]
	return t, ok
}

func (m *Memory) Deliveries() []DeliveryRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]DeliveryRecord(nil), m.deliveries...)
}

var _ Store = (*Memory)(nil)
