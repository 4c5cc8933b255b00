package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"remindd/internal/fault"
	"remindd/internal/schedule"
	"remindd/internal/storage"
	logx "remindd/pkg/logx"
)

func newTestHandler(t *testing.T) (http.Handler, *storage.Memory) {
	t.Helper()
	mem := storage.NewMemory()
	mem.PutMedication(storage.Medication{MedicationID: "med1", UserID: "u1", Name: "Metformin", Dosage: "500mg"})
	mem.PutPatient("u1", "12345")

	svc := schedule.New(schedule.Config{}, mem, mem, mem, logx.Nop(), nil)
	srv := New(Config{
		APITokens: []APIToken{{Token: "secret", Caller: "mobile-app"}},
	}, svc, logx.Nop())
	return srv.Handler(), mem
}

func doJSON(t *testing.T, h http.Handler, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorResponse {
	t.Helper()
	var er errorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &er); err != nil {
		t.Fatalf("decode error body: %v (%s)", err, rec.Body.String())
	}
	return er
}

const scheduleBody = `{
	"reminder": {
		"reminderId": "r1",
		"medicationId": "med1",
		"frequency": "Daily",
		"hour": 9,
		"minute": 0
	},
	"userTimeZone": "Asia/Hong_Kong"
}`

func TestHealthzNeedsNoAuth(t *testing.T) {
	t.Parallel()
	h, _ := newTestHandler(t)
	rec := doJSON(t, h, http.MethodGet, "/healthz", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestScheduleRejectsMissingToken(t *testing.T) {
	t.Parallel()
	h, _ := newTestHandler(t)
	rec := doJSON(t, h, http.MethodPost, "/v1/reminders/schedule", "", scheduleBody)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	er := decodeError(t, rec)
	if er.Success || er.Error.Kind != "unauthenticated" {
		t.Fatalf("body = %+v", er)
	}
}

func TestScheduleRejectsUnknownToken(t *testing.T) {
	t.Parallel()
	h, _ := newTestHandler(t)
	rec := doJSON(t, h, http.MethodPost, "/v1/reminders/schedule", "wrong", scheduleBody)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestScheduleHappyPath(t *testing.T) {
	t.Parallel()
	h, mem := newTestHandler(t)
	rec := doJSON(t, h, http.MethodPost, "/v1/reminders/schedule", "secret", scheduleBody)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var resp scheduleResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.Success || !resp.Scheduled {
		t.Fatalf("resp = %+v", resp)
	}
	if resp.NextReminderTime <= time.Now().Add(-time.Minute).UnixMilli() {
		t.Fatalf("nextReminderTime = %d, want a future instant", resp.NextReminderTime)
	}

	r, err := mem.GetReminder(context.Background(), "r1")
	if err != nil {
		t.Fatalf("GetReminder: %v", err)
	}
	if r.NextAt.UnixMilli() != resp.NextReminderTime {
		t.Fatalf("persisted next_at %d != response %d", r.NextAt.UnixMilli(), resp.NextReminderTime)
	}
}

func TestScheduleMalformedBody(t *testing.T) {
	t.Parallel()
	h, _ := newTestHandler(t)
	rec := doJSON(t, h, http.MethodPost, "/v1/reminders/schedule", "secret", "{not json")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestScheduleValidationError(t *testing.T) {
	t.Parallel()
	h, _ := newTestHandler(t)
	body := `{"reminder":{"reminderId":"r1","medicationId":"med1","frequency":"Daily","minute":0},"userTimeZone":"Asia/Hong_Kong"}`
	rec := doJSON(t, h, http.MethodPost, "/v1/reminders/schedule", "secret", body)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	er := decodeError(t, rec)
	if er.Error.Kind != "invalid-argument" || !strings.Contains(er.Error.Message, "hour") {
		t.Fatalf("body = %+v", er)
	}
}

func TestScheduleUnknownMedication(t *testing.T) {
	t.Parallel()
	h, _ := newTestHandler(t)
	body := strings.Replace(scheduleBody, "med1", "ghost", 1)
	rec := doJSON(t, h, http.MethodPost, "/v1/reminders/schedule", "secret", body)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestCancelFlow(t *testing.T) {
	t.Parallel()
	h, _ := newTestHandler(t)

	rec := doJSON(t, h, http.MethodPost, "/v1/reminders/cancel", "secret", `{"reminderId":"ghost"}`)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown cancel status = %d, want 404", rec.Code)
	}

	if rec := doJSON(t, h, http.MethodPost, "/v1/reminders/schedule", "secret", scheduleBody); rec.Code != http.StatusOK {
		t.Fatalf("schedule status = %d", rec.Code)
	}
	rec = doJSON(t, h, http.MethodPost, "/v1/reminders/cancel", "secret", `{"reminderId":"r1"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("cancel status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var resp cancelResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.Success {
		t.Fatalf("resp = %+v", resp)
	}

	// Idempotent second cancel.
	rec = doJSON(t, h, http.MethodPost, "/v1/reminders/cancel", "secret", `{"reminderId":"r1"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("second cancel status = %d", rec.Code)
	}
}

type failingScheduler struct{}

func (failingScheduler) Schedule(ctx context.Context, spec schedule.ReminderSpec, tz string) (time.Time, error) {
	return time.Time{}, fault.Wrap(fault.KindStore, "persist schedule", context.DeadlineExceeded)
}

func (failingScheduler) Cancel(ctx context.Context, reminderID string) error {
	return fault.Wrap(fault.KindStore, "cancel", context.DeadlineExceeded)
}

func TestStoreFailureDoesNotLeakDetail(t *testing.T) {
	t.Parallel()
	srv := New(Config{APITokens: []APIToken{{Token: "secret", Caller: "mobile-app"}}}, failingScheduler{}, logx.Nop())
	rec := doJSON(t, srv.Handler(), http.MethodPost, "/v1/reminders/schedule", "secret", scheduleBody)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	er := decodeError(t, rec)
	if er.Error.Kind != "internal" || er.Error.Message != "internal error" {
		t.Fatalf("body = %+v", er)
	}
	if strings.Contains(rec.Body.String(), "persist schedule") {
		t.Fatal("store detail leaked to client")
	}
}
