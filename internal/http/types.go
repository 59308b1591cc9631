package http

import "github.com/fyrsmithlabs/healingd/internal/healing"

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

// SignalResponse is the response body for accepted or ignored signals.
type SignalResponse struct {
	Status  string `json:"status"`
	Reason  string `json:"reason,omitempty"`
	Key     string `json:"key,omitempty"`
	Created bool   `json:"created,omitempty"`
	State   string `json:"state,omitempty"`
	EventID string `json:"event_id,omitempty"`
}

// ErrorResponse is the response body for rejected signals.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// StatusResponse is the response body for GET /api/v1/status.
type StatusResponse struct {
	Status   string            `json:"status"`
	Version  string            `json:"version,omitempty"`
	Uptime   string            `json:"uptime"`
	Services map[string]string `json:"services"`
	Counts   SessionCounts     `json:"counts"`
}

// SessionCounts summarizes live sessions.
type SessionCounts struct {
	Live        int                   `json:"live"`
	ByState     map[healing.State]int `json:"by_state"`
	Attempts    int                   `json:"attempts"`
	Duplicates  int                   `json:"duplicates_suppressed"`
	CoolingDown int                   `json:"cooling_down"`
}
