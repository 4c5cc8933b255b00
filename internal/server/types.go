package server

import "time"

// APIToken maps a bearer token to a caller name for request attribution.
type APIToken struct {
	Token  string
	Caller string
}

// Config controls the HTTP API server.
type Config struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	APITokens    []APIToken
}

type scheduleRequest struct {
	Reminder     scheduleReminder `json:"reminder"`
	UserTimeZone string           `json:"userTimeZone"`
}

type scheduleReminder struct {
	ReminderID   string `json:"reminderId"`
	MedicationID string `json:"medicationId"`
	Frequency    string `json:"frequency"`
	Hour         *int   `json:"hour"`
	Minute       *int   `json:"minute"`
	Date         string `json:"date,omitempty"`
	Day          string `json:"day,omitempty"`
}

type scheduleResponse struct {
	Success          bool  `json:"success"`
	Scheduled        bool  `json:"scheduled"`
	NextReminderTime int64 `json:"nextReminderTime"` // UTC millis
}

type cancelRequest struct {
	ReminderID string `json:"reminderId"`
}

type cancelResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type errorBody struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

type errorResponse struct {
	Success bool      `json:"success"`
	Error   errorBody `json:"error"`
}
