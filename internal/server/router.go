package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"remindd/internal/fault"
	"remindd/internal/schedule"
	logx "remindd/pkg/logx"
)

// Scheduler is the schedule service surface the API exposes.
type Scheduler interface {
	Schedule(ctx context.Context, spec schedule.ReminderSpec, userTimeZone string) (time.Time, error)
	Cancel(ctx context.Context, reminderID string) error
}

// Handler builds the API router. Split from the server lifecycle so tests
// can drive it with httptest directly.
func (s *Service) Handler() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Route("/v1/reminders", func(r chi.Router) {
		r.Use(s.authenticate)
		r.Post("/schedule", s.handleSchedule)
		r.Post("/cancel", s.handleCancel)
	})

	return r
}

// authenticate resolves the bearer token against the configured API tokens
// and attaches the caller identity to the request context.
func (s *Service) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		s.mu.Lock()
		tokens := s.cfg.APITokens
		s.mu.Unlock()

		ah := req.Header.Get("Authorization")
		const prefix = "Bearer "
		if !strings.HasPrefix(ah, prefix) {
			s.writeError(w, fault.New(fault.KindUnauthenticated, "missing bearer token"))
			return
		}
		got := strings.TrimSpace(strings.TrimPrefix(ah, prefix))
		for _, t := range tokens {
			if t.Token != "" && t.Token == got {
				ctx := schedule.WithIdentity(req.Context(), schedule.Identity{Caller: t.Caller})
				next.ServeHTTP(w, req.WithContext(ctx))
				return
			}
		}
		s.writeError(w, fault.New(fault.KindUnauthenticated, "unknown bearer token"))
	})
}

func (s *Service) handleSchedule(w http.ResponseWriter, req *http.Request) {
	var body scheduleRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		s.writeError(w, fault.Wrap(fault.KindInvalid, "malformed request body", err))
		return
	}

	next, err := s.scheduler.Schedule(req.Context(), schedule.ReminderSpec{
		ReminderID:   body.Reminder.ReminderID,
		MedicationID: body.Reminder.MedicationID,
		Frequency:    body.Reminder.Frequency,
		Hour:         body.Reminder.Hour,
		Minute:       body.Reminder.Minute,
		Date:         body.Reminder.Date,
		Day:          body.Reminder.Day,
	}, body.UserTimeZone)
	if err != nil {
		s.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, scheduleResponse{
		Success:          true,
		Scheduled:        true,
		NextReminderTime: next.UTC().UnixMilli(),
	})
}

func (s *Service) handleCancel(w http.ResponseWriter, req *http.Request) {
	var body cancelRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		s.writeError(w, fault.Wrap(fault.KindInvalid, "malformed request body", err))
		return
	}
	if err := s.scheduler.Cancel(req.Context(), body.ReminderID); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cancelResponse{Success: true, Message: "reminder canceled"})
}

// writeError maps the error kind to an HTTP status. Store and internal
// failures collapse into a generic 500 so persistence detail never reaches
// clients.
func (s *Service) writeError(w http.ResponseWriter, err error) {
	kind := fault.KindOf(err)

	var status int
	msg := err.Error()
	label := kind.String()
	switch kind {
	case fault.KindUnauthenticated:
		status = http.StatusUnauthorized
	case fault.KindInvalid:
		status = http.StatusBadRequest
	case fault.KindNotFound:
		status = http.StatusNotFound
	case fault.KindPrecondition:
		status = http.StatusPreconditionFailed
	default:
		status = http.StatusInternalServerError
		msg = "internal error"
		label = fault.KindInternal.String()
		s.log.Error("request failed", logx.Any("err", err))
	}

	writeJSON(w, status, errorResponse{
		Success: false,
		Error:   errorBody{Kind: label, Message: msg},
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
