// Package schedule implements the reminder scheduling service: it validates
// inbound reminder specifications, resolves the medication and delivery
// token, computes the first fire instant, and writes the Reminder plus its
// paired ScheduledTask through the store in one transaction.
package schedule

import (
	"context"
	"strings"
	"time"

	"remindd/internal/eventbus"
	"remindd/internal/fault"
	"remindd/internal/recurrence"
	"remindd/internal/storage"
	logx "remindd/pkg/logx"
)

type Service struct {
	cfg   Config
	store storage.Store
	meds  MedicationDirectory
	users UserDirectory
	log   logx.Logger
	bus   eventbus.Bus

	// now is swappable for tests.
	now func() time.Time
}

func New(cfg Config, store storage.Store, meds MedicationDirectory, users UserDirectory, log logx.Logger, bus eventbus.Bus) *Service {
	if cfg.LookupTimeout <= 0 {
		cfg.LookupTimeout = 5 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:   cfg,
		store: store,
		meds:  meds,
		users: users,
		log:   log,
		bus:   bus,
		now:   time.Now,
	}
}

// Schedule validates spec, resolves collaborators, computes the next fire
// instant in userTimeZone, and persists both schedule records atomically.
// It returns the computed fire instant (UTC).
func (s *Service) Schedule(ctx context.Context, spec ReminderSpec, userTimeZone string) (time.Time, error) {
	if _, ok := IdentityFrom(ctx); !ok {
		return time.Time{}, fault.New(fault.KindUnauthenticated, "caller identity required")
	}
	if err := validateRequired(spec); err != nil {
		return time.Time{}, err
	}

	tz := strings.TrimSpace(userTimeZone)
	if tz == "" {
		return time.Time{}, fault.New(fault.KindInvalid, "userTimeZone is required")
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.Time{}, fault.Newf(fault.KindInvalid, "userTimeZone: unknown IANA zone %q", tz)
	}

	freq, err := recurrence.ParseFrequency(spec.Frequency)
	if err != nil {
		return time.Time{}, err
	}
	if err := validateShape(freq, spec); err != nil {
		return time.Time{}, err
	}

	med, err := s.lookupMedication(ctx, spec.MedicationID)
	if err != nil {
		return time.Time{}, err
	}
	user, err := s.lookupUser(ctx, med.UserID)
	if err != nil {
		return time.Time{}, err
	}
	if strings.TrimSpace(user.DeliveryToken) == "" {
		return time.Time{}, fault.Newf(fault.KindPrecondition, "user %q has no delivery token registered", med.UserID)
	}

	now := s.now()
	next, err := recurrence.Next(recurrence.Spec{
		Frequency: freq,
		Hour:      *spec.Hour,
		Minute:    *spec.Minute,
		Date:      spec.Date,
		Day:       spec.Day,
	}, loc, now)
	if err != nil {
		return time.Time{}, err
	}

	reminder := storage.Reminder{
		ReminderID:     spec.ReminderID,
		UserID:         med.UserID,
		MedicationID:   spec.MedicationID,
		MedicationName: med.Name,
		Dosage:         med.Dosage,
		Frequency:      freq,
		Hour:           *spec.Hour,
		Minute:         *spec.Minute,
		Date:           spec.Date,
		Day:            spec.Day,
		TimeZone:       tz,
		NextAt:         next,
		Status:         storage.ReminderActive,
		UpdatedAt:      now,
	}
	task := storage.ScheduledTask{
		ReminderID:    spec.ReminderID,
		UserID:        med.UserID,
		DeliveryToken: user.DeliveryToken,
		NextAt:        next,
		Status:        storage.TaskScheduled,
		UpdatedAt:     now,
	}
	if err := s.store.WriteSchedule(ctx, reminder, task); err != nil {
		return time.Time{}, fault.Wrap(fault.KindStore, "persist schedule", err)
	}

	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeScheduleCreated, Data: spec.ReminderID})
	}
	s.log.Info("reminder scheduled",
		logx.String("reminder_id", spec.ReminderID),
		logx.String("frequency", string(freq)),
		logx.String("tz", tz),
		logx.Time("next_at", next),
	)
	return next, nil
}

// Cancel flips both records to canceled. Canceling an already-canceled
// reminder succeeds silently; an unknown reminder is not-found.
func (s *Service) Cancel(ctx context.Context, reminderID string) error {
	if _, ok := IdentityFrom(ctx); !ok {
		return fault.New(fault.KindUnauthenticated, "caller identity required")
	}
	if strings.TrimSpace(reminderID) == "" {
		return fault.New(fault.KindInvalid, "reminderId is required")
	}
	if err := s.store.Cancel(ctx, reminderID, s.now()); err != nil {
		return err
	}
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeScheduleCanceled, Data: reminderID})
	}
	s.log.Info("reminder canceled", logx.String("reminder_id", reminderID))
	return nil
}

func (s *Service) lookupMedication(ctx context.Context, medicationID string) (storage.Medication, error) {
	lctx, cancel := context.WithTimeout(ctx, s.cfg.LookupTimeout)
	defer cancel()
	med, err := s.meds.GetMedication(lctx, medicationID)
	if err != nil {
		if fault.KindOf(err) == fault.KindNotFound {
			return storage.Medication{}, err
		}
		return storage.Medication{}, fault.Wrap(fault.KindInternal, "medication lookup", err)
	}
	return med, nil
}

func (s *Service) lookupUser(ctx context.Context, userID string) (storage.User, error) {
	lctx, cancel := context.WithTimeout(ctx, s.cfg.LookupTimeout)
	defer cancel()
	user, err := s.users.GetUser(lctx, userID)
	if err != nil {
		if fault.KindOf(err) == fault.KindNotFound {
			return storage.User{}, err
		}
		return storage.User{}, fault.Wrap(fault.KindInternal, "user lookup", err)
	}
	return user, nil
}

func validateRequired(spec ReminderSpec) error {
	switch {
	case strings.TrimSpace(spec.ReminderID) == "":
		return fault.New(fault.KindInvalid, "reminderId is required")
	case strings.TrimSpace(spec.MedicationID) == "":
		return fault.New(fault.KindInvalid, "medicationId is required")
	case strings.TrimSpace(spec.Frequency) == "":
		return fault.New(fault.KindInvalid, "frequency is required")
	case spec.Hour == nil:
		return fault.New(fault.KindInvalid, "hour is required")
	case spec.Minute == nil:
		return fault.New(fault.KindInvalid, "minute is required")
	}
	return nil
}

// validateShape enforces the date/day invariant: date iff Once, day iff
// Weekly, neither for Daily.
func validateShape(freq recurrence.Frequency, spec ReminderSpec) error {
	switch freq {
	case recurrence.Once:
		if strings.TrimSpace(spec.Date) == "" {
			return fault.New(fault.KindInvalid, "date is required for Once reminders")
		}
		if strings.TrimSpace(spec.Day) != "" {
			return fault.New(fault.KindInvalid, "day must be absent for Once reminders")
		}
	case recurrence.Daily:
		if strings.TrimSpace(spec.Date) != "" {
			return fault.New(fault.KindInvalid, "date must be absent for Daily reminders")
		}
		if strings.TrimSpace(spec.Day) != "" {
			return fault.New(fault.KindInvalid, "day must be absent for Daily reminders")
		}
	case recurrence.Weekly:
		if strings.TrimSpace(spec.Day) == "" {
			return fault.New(fault.KindInvalid, "day is required for Weekly reminders")
		}
		if strings.TrimSpace(spec.Date) != "" {
			return fault.New(fault.KindInvalid, "date must be absent for Weekly reminders")
		}
	}
	return nil
}
