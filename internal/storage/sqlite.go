package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"remindd/internal/fault"
	"remindd/internal/recurrence"
	logx "remindd/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, fault.New(fault.KindStore, "sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fault.Wrap(fault.KindStore, "create data dir", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fault.Wrap(fault.KindStore, "open sqlite", err)
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fault.Wrap(fault.KindStore, "migrate", err)
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// withTx runs fn inside a transaction, rolling back on error.
func (s *sqliteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fault.Wrap(fault.KindStore, "begin tx", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fault.Wrap(fault.KindStore, "commit tx", err)
	}
	return nil
}

func (s *sqliteStore) WriteSchedule(ctx context.Context, r Reminder, t ScheduledTask) error {
	now := time.Now()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = now
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = now
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO reminders(reminder_id, user_id, medication_id, medication_name, dosage,
			                       frequency, hour, minute, date, day, time_zone,
			                       next_at, status, created_at, updated_at)
			 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
			 ON CONFLICT(reminder_id) DO UPDATE SET
			   user_id=excluded.user_id, medication_id=excluded.medication_id,
			   medication_name=excluded.medication_name, dosage=excluded.dosage,
			   frequency=excluded.frequency, hour=excluded.hour, minute=excluded.minute,
			   date=excluded.date, day=excluded.day, time_zone=excluded.time_zone,
			   next_at=excluded.next_at, status=excluded.status, updated_at=excluded.updated_at`,
			r.ReminderID, r.UserID, r.MedicationID, r.MedicationName, r.Dosage,
			string(r.Frequency), r.Hour, r.Minute, r.Date, r.Day, r.TimeZone,
			r.NextAt.UnixMilli(), string(r.Status), r.CreatedAt.UnixMilli(), r.UpdatedAt.UnixMilli(),
		)
		if err != nil {
			return fault.Wrap(fault.KindStore, "upsert reminder", err)
		}

		_, err = tx.ExecContext(ctx,
			`INSERT INTO scheduled_tasks(reminder_id, user_id, delivery_token, next_at, status, error, created_at, updated_at)
			 VALUES(?,?,?,?,?,?,?,?)
			 ON CONFLICT(reminder_id) DO UPDATE SET
			   user_id=excluded.user_id, delivery_token=excluded.delivery_token,
			   next_at=excluded.next_at, status=excluded.status, error=excluded.error,
			   updated_at=excluded.updated_at`,
			t.ReminderID, t.UserID, t.DeliveryToken, t.NextAt.UnixMilli(), string(t.Status), t.Error,
			t.CreatedAt.UnixMilli(), t.UpdatedAt.UnixMilli(),
		)
		if err != nil {
			return fault.Wrap(fault.KindStore, "upsert task", err)
		}
		return nil
	})
}

func (s *sqliteStore) QueryDue(ctx context.Context, now time.Time) ([]ScheduledTask, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT reminder_id, user_id, delivery_token, next_at, status, error, created_at, updated_at
		 FROM scheduled_tasks
		 WHERE status = ? AND next_at <= ?
		 ORDER BY next_at, reminder_id`,
		string(TaskScheduled), now.UnixMilli(),
	)
	if err != nil {
		return nil, fault.Wrap(fault.KindStore, "query due", err)
	}
	defer rows.Close()

	var out []ScheduledTask
	for rows.Next() {
		var t ScheduledTask
		var status string
		var nextAt, createdAt, updatedAt int64
		if err := rows.Scan(&t.ReminderID, &t.UserID, &t.DeliveryToken, &nextAt, &status, &t.Error, &createdAt, &updatedAt); err != nil {
			return nil, fault.Wrap(fault.KindStore, "scan task", err)
		}
		t.NextAt = time.UnixMilli(nextAt).UTC()
		t.Status = TaskStatus(status)
		t.CreatedAt = time.UnixMilli(createdAt).UTC()
		t.UpdatedAt = time.UnixMilli(updatedAt).UTC()
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fault.Wrap(fault.KindStore, "iterate due", err)
	}
	return out, nil
}

func (s *sqliteStore) GetReminder(ctx context.Context, reminderID string) (Reminder, error) {
	var r Reminder
	var freq, status string
	var nextAt, createdAt, updatedAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT reminder_id, user_id, medication_id, medication_name, dosage,
		        frequency, hour, minute, date, day, time_zone, next_at, status, created_at, updated_at
		 FROM reminders WHERE reminder_id = ?`, reminderID,
	).Scan(&r.ReminderID, &r.UserID, &r.MedicationID, &r.MedicationName, &r.Dosage,
		&freq, &r.Hour, &r.Minute, &r.Date, &r.Day, &r.TimeZone, &nextAt, &status, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Reminder{}, fault.Newf(fault.KindNotFound, "reminder %q not found", reminderID)
	}
	if err != nil {
		return Reminder{}, fault.Wrap(fault.KindStore, "get reminder", err)
	}
	r.Frequency = recurrence.Frequency(freq)
	r.Status = ReminderStatus(status)
	r.NextAt = time.UnixMilli(nextAt).UTC()
	r.CreatedAt = time.UnixMilli(createdAt).UTC()
	r.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return r, nil
}

func (s *sqliteStore) CompleteOnce(ctx context.Context, reminderID string, now time.Time) (bool, error) {
	matched := false
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE scheduled_tasks SET status = ?, updated_at = ?
			 WHERE reminder_id = ? AND status = ?`,
			string(TaskCompleted), now.UnixMilli(), reminderID, string(TaskScheduled),
		)
		if err != nil {
			return fault.Wrap(fault.KindStore, "complete task", err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			// Lost the race: another sweep or a cancel got there first.
			return errCASMiss
		}
		res, err = tx.ExecContext(ctx,
			`UPDATE reminders SET status = ?, updated_at = ?
			 WHERE reminder_id = ? AND status = ?`,
			string(ReminderCompleted), now.UnixMilli(), reminderID, string(ReminderActive),
		)
		if err != nil {
			return fault.Wrap(fault.KindStore, "complete reminder", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return errCASMiss
		}
		matched = true
		return nil
	})
	if errors.Is(err, errCASMiss) {
		return false, nil
	}
	return matched, err
}

func (s *sqliteStore) RollForward(ctx context.Context, reminderID string, next, now time.Time) (bool, error) {
	matched := false
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE scheduled_tasks SET next_at = ?, updated_at = ?
			 WHERE reminder_id = ? AND status = ?`,
			next.UnixMilli(), now.UnixMilli(), reminderID, string(TaskScheduled),
		)
		if err != nil {
			return fault.Wrap(fault.KindStore, "roll task forward", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return errCASMiss
		}
		res, err = tx.ExecContext(ctx,
			`UPDATE reminders SET next_at = ?, updated_at = ?
			 WHERE reminder_id = ? AND status = ?`,
			next.UnixMilli(), now.UnixMilli(), reminderID, string(ReminderActive),
		)
		if err != nil {
			return fault.Wrap(fault.KindStore, "roll reminder forward", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return errCASMiss
		}
		matched = true
		return nil
	})
	if errors.Is(err, errCASMiss) {
		return false, nil
	}
	return matched, err
}

// errCASMiss aborts a transaction when a compare-and-set matched zero rows.
// It never escapes this package: callers see (false, nil).
var errCASMiss = errors.New("cas precondition not met")

func (s *sqliteStore) Cancel(ctx context.Context, reminderID string, now time.Time) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var status string
		err := tx.QueryRowContext(ctx,
			`SELECT status FROM reminders WHERE reminder_id = ?`, reminderID,
		).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			return fault.Newf(fault.KindNotFound, "reminder %q not found", reminderID)
		}
		if err != nil {
			return fault.Wrap(fault.KindStore, "read reminder status", err)
		}
		if ReminderStatus(status) == ReminderCanceled {
			// Idempotent: canceling twice succeeds silently.
			return nil
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE reminders SET status = ?, updated_at = ? WHERE reminder_id = ?`,
			string(ReminderCanceled), now.UnixMilli(), reminderID,
		); err != nil {
			return fault.Wrap(fault.KindStore, "cancel reminder", err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE scheduled_tasks SET status = ?, updated_at = ? WHERE reminder_id = ?`,
			string(TaskCanceled), now.UnixMilli(), reminderID,
		); err != nil {
			return fault.Wrap(fault.KindStore, "cancel task", err)
		}
		return nil
	})
}

func (s *sqliteStore) MarkTaskCanceled(ctx context.Context, reminderID string, now time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE scheduled_tasks SET status = ?, updated_at = ?
		 WHERE reminder_id = ? AND status = ?`,
		string(TaskCanceled), now.UnixMilli(), reminderID, string(TaskScheduled),
	)
	return fault.Wrap(fault.KindStore, "mark task canceled", err)
}

func (s *sqliteStore) MarkTaskError(ctx context.Context, reminderID, msg string, now time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE scheduled_tasks SET status = ?, error = ?, updated_at = ?
		 WHERE reminder_id = ? AND status = ?`,
		string(TaskError), msg, now.UnixMilli(), reminderID, string(TaskScheduled),
	)
	return fault.Wrap(fault.KindStore, "mark task error", err)
}

func (s *sqliteStore) GetMedication(ctx context.Context, medicationID string) (Medication, error) {
	var m Medication
	err := s.db.QueryRowContext(ctx,
		`SELECT medication_id, user_id, name, dosage FROM medications WHERE medication_id = ?`,
		medicationID,
	).Scan(&m.MedicationID, &m.UserID, &m.Name, &m.Dosage)
	if errors.Is(err, sql.ErrNoRows) {
		return Medication{}, fault.Newf(fault.KindNotFound, "medication %q not found", medicationID)
	}
	if err != nil {
		return Medication{}, fault.Wrap(fault.KindStore, "get medication", err)
	}
	return m, nil
}

func (s *sqliteStore) GetUser(ctx context.Context, userID string) (User, error) {
	// Patient namespace first, caregiver second.
	var token string
	err := s.db.QueryRowContext(ctx,
		`SELECT delivery_token FROM patients WHERE user_id = ?`, userID,
	).Scan(&token)
	if err == nil {
		return User{UserID: userID, Role: "patient", DeliveryToken: token}, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return User{}, fault.Wrap(fault.KindStore, "get patient", err)
	}

	err = s.db.QueryRowContext(ctx,
		`SELECT delivery_token FROM caregivers WHERE user_id = ?`, userID,
	).Scan(&token)
	if err == nil {
		return User{UserID: userID, Role: "caregiver", DeliveryToken: token}, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return User{}, fault.Wrap(fault.KindStore, "get caregiver", err)
	}
	return User{}, fault.Newf(fault.KindNotFound, "user %q not found", userID)
}

func (s *sqliteStore) AppendDelivery(ctx context.Context, rec DeliveryRecord) error {
	if rec.SentAt.IsZero() {
		rec.SentAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO deliveries(id, reminder_id, user_id, medication_name, dosage, title, body, sent_at)
		 VALUES(?,?,?,?,?,?,?,?)`,
		rec.ID, rec.ReminderID, rec.UserID, rec.MedicationName, rec.Dosage, rec.Title, rec.Body,
		rec.SentAt.UnixMilli(),
	)
	return fault.Wrap(fault.KindStore, "append delivery", err)
}
