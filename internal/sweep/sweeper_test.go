package sweep

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"remindd/internal/fault"
	"remindd/internal/notify"
	"remindd/internal/recurrence"
	"remindd/internal/storage"
	logx "remindd/pkg/logx"
)

type fakeDispatcher struct {
	mu   sync.Mutex
	msgs []notify.Message
	err  error
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, msg notify.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msg)
	return nil
}

func (f *fakeDispatcher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.msgs)
}

func mustLoc(t *testing.T, name string) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation(name)
	if err != nil {
		t.Fatalf("LoadLocation(%s): %v", name, err)
	}
	return loc
}

type seed struct {
	id             string
	freq           recurrence.Frequency
	hour, minute   int
	date, day      string
	tz             string
	nextAt         time.Time
	reminderStatus storage.ReminderStatus
	taskStatus     storage.TaskStatus
}

func writeSeed(t *testing.T, mem *storage.Memory, s seed) {
	t.Helper()
	if s.tz == "" {
		s.tz = "Asia/Hong_Kong"
	}
	if s.reminderStatus == "" {
		s.reminderStatus = storage.ReminderActive
	}
	if s.taskStatus == "" {
		s.taskStatus = storage.TaskScheduled
	}
	err := mem.WriteSchedule(context.Background(),
		storage.Reminder{
			ReminderID:     s.id,
			UserID:         "u1",
			MedicationID:   "med1",
			MedicationName: "Metformin",
			Dosage:         "500mg",
			Frequency:      s.freq,
			Hour:           s.hour,
			Minute:         s.minute,
			Date:           s.date,
			Day:            s.day,
			TimeZone:       s.tz,
			NextAt:         s.nextAt,
			Status:         s.reminderStatus,
		},
		storage.ScheduledTask{
			ReminderID:    s.id,
			UserID:        "u1",
			DeliveryToken: "12345",
			NextAt:        s.nextAt,
			Status:        s.taskStatus,
		},
	)
	if err != nil {
		t.Fatalf("WriteSchedule(%s): %v", s.id, err)
	}
}

func newSweeper(store storage.Store, d Dispatcher) *Service {
	return New(Config{Enabled: true, Workers: 2}, store, d, logx.Nop(), nil)
}

func TestSweepRollsDailyForward(t *testing.T) {
	t.Parallel()
	hk := mustLoc(t, "Asia/Hong_Kong")
	fire := time.Date(2025, time.January, 15, 9, 0, 0, 0, hk).UTC()
	now := fire.Add(30 * time.Second)

	mem := storage.NewMemory()
	writeSeed(t, mem, seed{id: "r1", freq: recurrence.Daily, hour: 9, minute: 0, nextAt: fire})

	d := &fakeDispatcher{}
	item := newSweeper(mem, d).SweepOnce(context.Background(), now)

	if item.Due != 1 || item.Dispatched != 1 || item.Rescheduled != 1 || item.Errors != 0 {
		t.Fatalf("item = %+v", item)
	}
	if d.count() != 1 {
		t.Fatalf("dispatched = %d, want 1", d.count())
	}
	msg := d.msgs[0]
	if msg.ReminderID != "r1" || msg.DeliveryToken != "12345" || msg.MedicationName != "Metformin" {
		t.Fatalf("msg = %+v", msg)
	}

	task, _ := mem.GetTask("r1")
	if task.Status != storage.TaskScheduled {
		t.Fatalf("task status = %s, want scheduled", task.Status)
	}
	wantNext := time.Date(2025, time.January, 16, 9, 0, 0, 0, hk).UTC()
	if !task.NextAt.Equal(wantNext) {
		t.Fatalf("next_at = %v, want %v", task.NextAt, wantNext)
	}

	// The advanced task is no longer due; a second sweep is a no-op.
	item = newSweeper(mem, d).SweepOnce(context.Background(), now)
	if item.Due != 0 {
		t.Fatalf("second sweep due = %d, want 0", item.Due)
	}
}

func TestSweepCompletesOnce(t *testing.T) {
	t.Parallel()
	hk := mustLoc(t, "Asia/Hong_Kong")
	fire := time.Date(2025, time.June, 1, 20, 30, 0, 0, hk).UTC()
	now := fire.Add(time.Second)

	mem := storage.NewMemory()
	writeSeed(t, mem, seed{id: "r1", freq: recurrence.Once, hour: 20, minute: 30, date: "2025-06-01", nextAt: fire})

	d := &fakeDispatcher{}
	item := newSweeper(mem, d).SweepOnce(context.Background(), now)
	if item.Completed != 1 || item.Dispatched != 1 {
		t.Fatalf("item = %+v", item)
	}

	r, err := mem.GetReminder(context.Background(), "r1")
	if err != nil {
		t.Fatalf("GetReminder: %v", err)
	}
	if r.Status != storage.ReminderCompleted {
		t.Fatalf("reminder status = %s, want completed", r.Status)
	}
	task, _ := mem.GetTask("r1")
	if task.Status != storage.TaskCompleted {
		t.Fatalf("task status = %s, want completed", task.Status)
	}

	item = newSweeper(mem, d).SweepOnce(context.Background(), now.Add(time.Minute))
	if item.Due != 0 || d.count() != 1 {
		t.Fatalf("completed reminder fired again: item=%+v sends=%d", item, d.count())
	}
}

func TestSweepIgnoresFutureTasks(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, time.January, 15, 1, 0, 0, 0, time.UTC)
	mem := storage.NewMemory()
	writeSeed(t, mem, seed{id: "r1", freq: recurrence.Daily, hour: 9, minute: 0, nextAt: now.Add(time.Hour)})

	d := &fakeDispatcher{}
	item := newSweeper(mem, d).SweepOnce(context.Background(), now)
	if item.Due != 0 || d.count() != 0 {
		t.Fatalf("item = %+v, sends = %d", item, d.count())
	}
}

func TestSweepRetiresTaskOfInactiveReminder(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, time.January, 15, 10, 0, 0, 0, time.UTC)
	mem := storage.NewMemory()
	// Reminder already canceled but its task still reads scheduled, as if a
	// cancel landed between the scan and the fire.
	writeSeed(t, mem, seed{
		id: "r1", freq: recurrence.Daily, hour: 9, minute: 0,
		nextAt:         now.Add(-time.Minute),
		reminderStatus: storage.ReminderCanceled,
	})

	d := &fakeDispatcher{}
	item := newSweeper(mem, d).SweepOnce(context.Background(), now)
	if item.Canceled != 1 || item.Dispatched != 0 {
		t.Fatalf("item = %+v", item)
	}
	if d.count() != 0 {
		t.Fatal("canceled reminder must not be dispatched")
	}
	task, _ := mem.GetTask("r1")
	if task.Status != storage.TaskCanceled {
		t.Fatalf("task status = %s, want canceled", task.Status)
	}
}

type orphanStore struct {
	storage.Store
}

func (orphanStore) GetReminder(ctx context.Context, reminderID string) (storage.Reminder, error) {
	return storage.Reminder{}, fault.Newf(fault.KindNotFound, "reminder %q not found", reminderID)
}

func TestSweepRetiresOrphanedTask(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, time.January, 15, 10, 0, 0, 0, time.UTC)
	mem := storage.NewMemory()
	writeSeed(t, mem, seed{id: "r1", freq: recurrence.Daily, hour: 9, minute: 0, nextAt: now.Add(-time.Minute)})

	d := &fakeDispatcher{}
	item := newSweeper(orphanStore{mem}, d).SweepOnce(context.Background(), now)
	if item.Canceled != 1 {
		t.Fatalf("item = %+v", item)
	}
	task, _ := mem.GetTask("r1")
	if task.Status != storage.TaskCanceled {
		t.Fatalf("task status = %s, want canceled", task.Status)
	}
}

func TestDispatchRefusalStillAdvances(t *testing.T) {
	t.Parallel()
	hk := mustLoc(t, "Asia/Hong_Kong")
	fire := time.Date(2025, time.January, 15, 9, 0, 0, 0, hk).UTC()
	now := fire.Add(time.Second)

	mem := storage.NewMemory()
	writeSeed(t, mem, seed{id: "r1", freq: recurrence.Daily, hour: 9, minute: 0, nextAt: fire})

	d := &fakeDispatcher{err: errors.New("queue full")}
	item := newSweeper(mem, d).SweepOnce(context.Background(), now)
	if item.Dispatched != 0 || item.Rescheduled != 1 {
		t.Fatalf("item = %+v", item)
	}
	task, _ := mem.GetTask("r1")
	if !task.NextAt.After(fire) {
		t.Fatalf("schedule did not advance: %v", task.NextAt)
	}
}

type failRollStore struct {
	storage.Store
	failID string
}

func (f failRollStore) RollForward(ctx context.Context, reminderID string, next, now time.Time) (bool, error) {
	if reminderID == f.failID {
		return false, fault.New(fault.KindStore, "disk on fire")
	}
	return f.Store.RollForward(ctx, reminderID, next, now)
}

func TestTaskFailureIsIsolated(t *testing.T) {
	t.Parallel()
	hk := mustLoc(t, "Asia/Hong_Kong")
	fire := time.Date(2025, time.January, 15, 9, 0, 0, 0, hk).UTC()
	now := fire.Add(time.Second)

	mem := storage.NewMemory()
	writeSeed(t, mem, seed{id: "bad", freq: recurrence.Daily, hour: 9, minute: 0, nextAt: fire})
	writeSeed(t, mem, seed{id: "good", freq: recurrence.Daily, hour: 9, minute: 0, nextAt: fire})

	d := &fakeDispatcher{}
	item := newSweeper(failRollStore{Store: mem, failID: "bad"}, d).SweepOnce(context.Background(), now)
	if item.Rescheduled != 1 || item.Errors != 1 {
		t.Fatalf("item = %+v", item)
	}

	good, _ := mem.GetTask("good")
	if good.Status != storage.TaskScheduled || !good.NextAt.After(fire) {
		t.Fatalf("good task = %+v", good)
	}
	bad, _ := mem.GetTask("bad")
	if bad.Status != storage.TaskError {
		t.Fatalf("bad task status = %s, want error", bad.Status)
	}
	if bad.Error == "" {
		t.Fatal("bad task must record the failure message")
	}
}

func TestSweepHistoryRing(t *testing.T) {
	t.Parallel()
	mem := storage.NewMemory()
	s := New(Config{Enabled: true, HistorySize: 3}, mem, &fakeDispatcher{}, logx.Nop(), nil)

	now := time.Date(2025, time.January, 15, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		s.appendHistory(s.SweepOnce(context.Background(), now.Add(time.Duration(i)*time.Minute)))
	}
	hist := s.Snapshot()
	if len(hist) != 3 {
		t.Fatalf("history len = %d, want 3", len(hist))
	}
	if !hist[2].At.Equal(now.Add(4 * time.Minute)) {
		t.Fatalf("newest entry At = %v", hist[2].At)
	}
}
