package api

import (
	"encoding/json"
	"fmt"
)

type User struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// AuthResponse is returned by every authentication endpoint. Token is empty
// for API key logins.
type AuthResponse struct {
	Token string `json:"token,omitempty"`
	User  User   `json:"user"`
}

type Version struct {
	Version  string `json:"version"`
	Build    string `json:"build,omitempty"`
	Hostname string `json:"hostname,omitempty"`
}

type Health struct {
	Status        string   `json:"status"`
	UptimeSeconds *float64 `json:"uptime_seconds,omitempty"`
}

// Message is the acknowledgement returned by command endpoints.
type Message struct {
	Message string `json:"message"`
}

type loginRequest struct {
	APIKey string `json:"api_key"`
}

type powerRequest struct {
	Action string `json:"action"`
}

type intervalSetting struct {
	Interval int `json:"interval"`
}

type retentionSetting struct {
	Retention int `json:"retention"`
}

type historyResponse struct {
	Metrics []json.RawMessage `json:"metrics"`
}

// StatusError describes a non-2xx response.
type StatusError struct {
	StatusCode int
	Method     string
	Path       string
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s %s: status %d", e.Method, e.Path, e.StatusCode)
	}
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.StatusCode, e.Body)
}
