// Package sweep implements the dispatch sweeper: a cron-triggered scan of
// the scheduled task table that fires every due reminder, hands it to the
// delivery pipeline, and advances or retires the schedule.
//
// Delivery is at-least-once. The fire-path transitions compare-and-swap on
// the scheduled status, so a reminder canceled mid-sweep stays canceled and
// concurrent sweeps never double-advance a schedule.
package sweep

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"remindd/internal/eventbus"
	"remindd/internal/fault"
	"remindd/internal/notify"
	"remindd/internal/recurrence"
	rtsup "remindd/internal/runtime/supervisor"
	"remindd/internal/storage"
	logx "remindd/pkg/logx"
)

type Service struct {
	mu sync.Mutex

	cfg        Config
	store      storage.Store
	dispatcher Dispatcher
	log        logx.Logger
	bus        eventbus.Bus

	c    *cron.Cron
	sup  *rtsup.Supervisor
	wake chan struct{}

	// inFlight guards against overlapping sweeps when a scan outlasts the
	// cadence interval.
	inFlight bool

	hmu     sync.Mutex
	history []HistoryItem

	// now is swappable for tests.
	now func() time.Time
}

func New(cfg Config, store storage.Store, dispatcher Dispatcher, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Cadence <= 0 {
		cfg.Cadence = time.Minute
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 50
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = 30 * time.Second
	}
	return &Service{
		cfg:        cfg,
		store:      store,
		dispatcher: dispatcher,
		log:        log,
		bus:        bus,
		now:        time.Now,
	}
}

// Apply swaps the config. Cadence and worker changes take effect on the
// next Start; callers restart the sweeper when those matter.
func (s *Service) Apply(cfg Config) {
	if cfg.Cadence <= 0 {
		cfg.Cadence = time.Minute
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 50
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = 30 * time.Second
	}
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
}

func (s *Service) config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	en := s.cfg.Enabled
	s.mu.Unlock()
	return en
}

// Start is idempotent.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.c != nil {
		s.mu.Unlock()
		return
	}
	if !s.cfg.Enabled {
		s.mu.Unlock()
		return
	}

	s.wake = make(chan struct{}, 1)
	wake := s.wake
	cfg := s.cfg

	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "sweep"))),
		rtsup.WithCancelOnError(false),
	)
	s.sup.GoRestart("loop", func(c context.Context) error {
		s.loop(c, wake)
		if c.Err() != nil {
			return c.Err()
		}
		return context.Canceled
	}, rtsup.WithPublishFirstError(true))

	c := cron.New()
	s.c = c
	_, err := c.AddFunc(fmt.Sprintf("@every %s", cfg.Cadence), func() {
		select {
		case wake <- struct{}{}:
		default:
			// A sweep is already pending; the next scan picks everything up.
		}
	})
	s.mu.Unlock()
	if err != nil {
		s.log.Error("sweep trigger registration failed", logx.Any("err", err))
		return
	}
	c.Start()
	// Fire an immediate sweep so due tasks don't wait a full cadence after
	// startup.
	select {
	case wake <- struct{}{}:
	default:
	}
	s.log.Info("sweeper started",
		logx.Duration("cadence", cfg.Cadence),
		logx.Int("workers", cfg.Workers),
	)
}

// Stop halts the trigger and waits for an in-flight sweep up to ctx deadline.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	c := s.c
	sup := s.sup
	s.c = nil
	s.sup = nil
	s.wake = nil
	s.mu.Unlock()

	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
		}
	}
	if sup != nil {
		sup.Cancel()
		_ = sup.Wait(ctx)
	}
	s.log.Info("sweeper stopped")
}

// Snapshot returns a copy of the sweep history ring, newest last.
func (s *Service) Snapshot() []HistoryItem {
	s.hmu.Lock()
	out := append([]HistoryItem(nil), s.history...)
	s.hmu.Unlock()
	return out
}

func (s *Service) loop(ctx context.Context, wake <-chan struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-wake:
			if !ok {
				return
			}
			s.runSweep(ctx)
		}
	}
}

func (s *Service) runSweep(ctx context.Context) {
	s.mu.Lock()
	if s.inFlight {
		s.mu.Unlock()
		return
	}
	s.inFlight = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.inFlight = false
		s.mu.Unlock()
	}()

	item := s.SweepOnce(ctx, s.now())
	s.appendHistory(item)
}

// SweepOnce scans for tasks due at or before now and processes them. It
// returns a summary of the sweep. A store failure on the scan itself is the
// only thing that aborts a sweep; individual task failures are isolated.
func (s *Service) SweepOnce(ctx context.Context, now time.Time) HistoryItem {
	start := s.now()
	item := HistoryItem{At: now}

	due, err := s.store.QueryDue(ctx, now)
	if err != nil {
		s.log.Error("due scan failed", logx.Any("err", err))
		item.Errors++
		item.Took = s.now().Sub(start)
		return item
	}
	item.Due = len(due)

	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeSweepTick, Time: now, Data: SweepEvent{At: now, Due: len(due)}})
	}
	if len(due) == 0 {
		item.Took = s.now().Sub(start)
		return item
	}

	s.log.Info("sweep started", logx.Int("due", len(due)))

	var (
		rmu     sync.Mutex
		wg      sync.WaitGroup
		tasks   = make(chan storage.ScheduledTask)
		workers = s.config().Workers
	)
	if workers > len(due) {
		workers = len(due)
	}
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for t := range tasks {
				res := s.processTask(ctx, t, now)
				rmu.Lock()
				item.Dispatched += res.Dispatched
				item.Completed += res.Completed
				item.Rescheduled += res.Rescheduled
				item.Canceled += res.Canceled
				item.Errors += res.Errors
				rmu.Unlock()
			}
		}()
	}
	for _, t := range due {
		select {
		case tasks <- t:
		case <-ctx.Done():
			// Stop feeding; workers drain and exit.
			close(tasks)
			wg.Wait()
			item.Took = s.now().Sub(start)
			return item
		}
	}
	close(tasks)
	wg.Wait()

	item.Took = s.now().Sub(start)
	s.log.Info("sweep finished",
		logx.Int("due", item.Due),
		logx.Int("dispatched", item.Dispatched),
		logx.Int("completed", item.Completed),
		logx.Int("rescheduled", item.Rescheduled),
		logx.Int("errors", item.Errors),
		logx.Duration("took", item.Took),
	)
	return item
}

// processTask handles one due task end to end. A panic or unexpected store
// failure marks the task errored so it stops matching the due scan instead
// of wedging every subsequent sweep.
func (s *Service) processTask(ctx context.Context, t storage.ScheduledTask, now time.Time) (res HistoryItem) {
	tctx, cancel := context.WithTimeout(ctx, s.config().TaskTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			s.log.Error("task processing panicked",
				logx.String("reminder_id", t.ReminderID),
				logx.Any("panic", r),
			)
			s.markError(t.ReminderID, fmt.Sprintf("panic: %v", r), now)
			res.Errors++
		}
	}()

	r, err := s.store.GetReminder(tctx, t.ReminderID)
	if err != nil {
		if fault.KindOf(err) == fault.KindNotFound {
			// Orphaned task: the reminder row is gone. Retire the task so it
			// stops showing up in every scan.
			s.log.Warn("orphaned task retired", logx.String("reminder_id", t.ReminderID))
			if err := s.store.MarkTaskCanceled(tctx, t.ReminderID, now); err != nil {
				s.log.Warn("orphan retire failed", logx.String("reminder_id", t.ReminderID), logx.Any("err", err))
			}
			res.Canceled++
			return res
		}
		s.log.Warn("reminder fetch failed", logx.String("reminder_id", t.ReminderID), logx.Any("err", err))
		res.Errors++
		return res
	}
	if r.Status != storage.ReminderActive {
		// The reminder was canceled or completed after the scan.
		if err := s.store.MarkTaskCanceled(tctx, t.ReminderID, now); err != nil {
			s.log.Warn("stale task retire failed", logx.String("reminder_id", t.ReminderID), logx.Any("err", err))
		}
		res.Canceled++
		return res
	}

	// Hand off to the delivery pipeline. A full queue or disabled pipeline
	// is logged and the schedule still advances; the task table is not a
	// delivery retry queue.
	if s.dispatcher != nil {
		msg := notify.Message{
			ReminderID:     r.ReminderID,
			UserID:         r.UserID,
			DeliveryToken:  t.DeliveryToken,
			MedicationName: r.MedicationName,
			Dosage:         r.Dosage,
			Title:          "Medication Reminder",
			Body:           renderBody(r),
			FireAt:         t.NextAt,
		}
		if err := s.dispatcher.Dispatch(tctx, msg); err != nil {
			s.log.Warn("dispatch refused",
				logx.String("reminder_id", r.ReminderID),
				logx.Any("err", err),
			)
		} else {
			res.Dispatched++
			if s.bus != nil {
				s.bus.Publish(eventbus.Event{Type: eventbus.TypeTaskFired, Time: now, Data: TaskEvent{ReminderID: r.ReminderID, At: now}})
			}
		}
	}

	if r.Frequency == recurrence.Once {
		ok, err := s.store.CompleteOnce(tctx, r.ReminderID, now)
		if err != nil {
			s.log.Warn("complete failed", logx.String("reminder_id", r.ReminderID), logx.Any("err", err))
			s.markError(r.ReminderID, err.Error(), now)
			res.Errors++
			return res
		}
		if !ok {
			// Lost the race to a concurrent sweep or a cancel.
			s.log.Debug("complete skipped, task no longer scheduled", logx.String("reminder_id", r.ReminderID))
			return res
		}
		res.Completed++
		if s.bus != nil {
			s.bus.Publish(eventbus.Event{Type: eventbus.TypeTaskCompleted, Time: now, Data: TaskEvent{ReminderID: r.ReminderID, At: now}})
		}
		return res
	}

	next, err := s.nextFire(r, now)
	if err != nil {
		s.log.Warn("reschedule computation failed", logx.String("reminder_id", r.ReminderID), logx.Any("err", err))
		s.markError(r.ReminderID, err.Error(), now)
		res.Errors++
		return res
	}
	ok, err := s.store.RollForward(tctx, r.ReminderID, next, now)
	if err != nil {
		s.log.Warn("roll-forward failed", logx.String("reminder_id", r.ReminderID), logx.Any("err", err))
		s.markError(r.ReminderID, err.Error(), now)
		res.Errors++
		return res
	}
	if !ok {
		s.log.Debug("roll-forward skipped, task no longer scheduled", logx.String("reminder_id", r.ReminderID))
		return res
	}
	res.Rescheduled++
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeTaskRescheduled, Time: now, Data: TaskEvent{ReminderID: r.ReminderID, At: now, NextAt: next}})
	}
	return res
}

// nextFire recomputes the recurrence from the persisted definition. The
// result is strictly after now, so a recurring reminder never re-fires in
// the same sweep.
func (s *Service) nextFire(r storage.Reminder, now time.Time) (time.Time, error) {
	loc, err := time.LoadLocation(r.TimeZone)
	if err != nil {
		return time.Time{}, fmt.Errorf("zone %q: %w", r.TimeZone, err)
	}
	return recurrence.Next(recurrence.Spec{
		Frequency: r.Frequency,
		Hour:      r.Hour,
		Minute:    r.Minute,
		Date:      r.Date,
		Day:       r.Day,
	}, loc, now)
}

// markError uses a fresh context: the per-task one may already be dead, and
// an unrecorded failure would wedge the task in every later sweep.
func (s *Service) markError(reminderID, msg string, now time.Time) {
	ectx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.store.MarkTaskError(ectx, reminderID, msg, now); err != nil {
		s.log.Error("error state write failed", logx.String("reminder_id", reminderID), logx.Any("err", err))
	}
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeTaskFailed, Time: now, Data: TaskEvent{ReminderID: reminderID, At: now, Error: msg}})
	}
}

func (s *Service) appendHistory(item HistoryItem) {
	s.hmu.Lock()
	s.history = append(s.history, item)
	if n := s.config().HistorySize; len(s.history) > n {
		s.history = s.history[len(s.history)-n:]
	}
	s.hmu.Unlock()
}

func renderBody(r storage.Reminder) string {
	if r.Dosage != "" {
		return fmt.Sprintf("Time to take %s (%s)", r.MedicationName, r.Dosage)
	}
	return fmt.Sprintf("Time to take %s", r.MedicationName)
}
