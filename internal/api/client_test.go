package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"codeberg.org/mutker/telesync/internal/backoff"
	"codeberg.org/mutker/telesync/internal/errors"
	"codeberg.org/mutker/telesync/internal/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type apiKeyAuth string

func (a apiKeyAuth) Attach(req *http.Request) error {
	req.Header.Set("X-API-Key", string(a))
	return nil
}

type failingAuth struct{}

func (failingAuth) Attach(*http.Request) error {
	return errors.New().New(errors.ErrAuthExpired)
}

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	c, err := New(Config{
		BaseURL: server.URL + "/",
		Retries: 2,
		Backoff: backoff.Policy{Initial: time.Millisecond, Max: 2 * time.Millisecond},
	}, logger.Nop())
	require.NoError(t, err)
	return c.Authorized(apiKeyAuth("secret"))
}

func TestNewRejectsInvalidBaseURL(t *testing.T) {
	for _, base := range []string{"", "localhost:8080", "ftp://host", "http://"} {
		_, err := New(Config{BaseURL: base}, logger.Nop())
		require.Error(t, err, base)
		assert.True(t, errors.HasCode(err, ErrInvalidBaseURL), base)
	}
}

func TestPushURL(t *testing.T) {
	tests := []struct {
		base string
		want string
	}{
		{"http://localhost:8080", "ws://localhost:8080/ws"},
		{"https://pi.local/", "wss://pi.local/ws"},
		{"https://host/dash", "wss://host/dash/ws"},
	}

	for _, tt := range tests {
		c, err := New(Config{BaseURL: tt.base}, logger.Nop())
		require.NoError(t, err)
		assert.Equal(t, tt.want, c.PushURL())
	}
}

func TestHistory(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/metrics/history", r.URL.Path)
		assert.Equal(t, "15", r.URL.Query().Get("minutes"))
		assert.Equal(t, "secret", r.Header.Get("X-API-Key"))
		_, _ = io.WriteString(w, `{"metrics":[
			{"timestamp":120,"cpu_percent":3},
			{"cpu_percent":99},
			{"timestamp":60,"cpu_percent":2}
		]}`)
	}))

	points, err := c.History(context.Background(), 15)
	require.NoError(t, err)
	require.Len(t, points, 2, "Expected the point without timestamp dropped")
	assert.Equal(t, int64(120), points[0].Timestamp)
	assert.Equal(t, int64(60), points[1].Timestamp)

	_, err = c.History(context.Background(), 0)
	assert.True(t, errors.HasCode(err, ErrInvalidArgument))
}

func TestCurrent(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/metrics/current", r.URL.Path)
		_, _ = io.WriteString(w, `{"timestamp":1700000000,"memory_percent":41.5}`)
	}))

	snap, err := c.Current(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1700000000), snap.Timestamp)
	assert.InDelta(t, 41.5, *snap.MemoryPercent, 0.0001)
}

func TestStatusMapping(t *testing.T) {
	tests := []struct {
		name   string
		status int
		code   errors.ErrorCode
	}{
		{"unauthorized", http.StatusUnauthorized, ErrUnauthorized},
		{"forbidden", http.StatusForbidden, ErrUnauthorized},
		{"not found", http.StatusNotFound, ErrRequest},
		{"server error", http.StatusInternalServerError, ErrRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				http.Error(w, `{"error":"nope"}`, tt.status)
			}))

			_, err := c.Version(context.Background())
			require.Error(t, err)
			assert.True(t, errors.HasCode(err, tt.code))
			assert.Equal(t, tt.status, StatusCode(err))
			assert.Contains(t, err.Error(), "nope")
		})
	}
}

func TestReadsRetryServerErrors(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = io.WriteString(w, `{"interval":7}`)
	}))

	interval, err := c.Interval(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 7, interval)
	assert.Equal(t, int32(3), calls.Load())
}

func TestReadsDoNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))

	_, err := c.Retention(context.Background())
	assert.True(t, IsUnauthorized(err))
	assert.Equal(t, int32(1), calls.Load())
}

func TestWritesAreNotRetried(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))

	_, err := c.Power(context.Background(), "reboot")
	assert.True(t, errors.HasCode(err, ErrRequest))
	assert.Equal(t, int32(1), calls.Load())
}

func TestCommands(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)

		switch r.URL.Path {
		case "/api/system/power":
			assert.Equal(t, "shutdown", body["action"])
			_, _ = io.WriteString(w, `{"message":"Shutting down"}`)
		case "/api/services/nginx/restart":
			_, _ = io.WriteString(w, `{"message":"nginx restarted"}`)
		case "/api/settings/interval":
			assert.InDelta(t, 10, body["interval"], 0.0001)
			_, _ = io.WriteString(w, `{"interval":10}`)
		case "/api/settings/retention":
			assert.InDelta(t, 30, body["retention"], 0.0001)
			w.WriteHeader(http.StatusNoContent)
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))

	ctx := context.Background()

	msg, err := c.Power(ctx, "shutdown")
	require.NoError(t, err)
	assert.Equal(t, "Shutting down", msg.Message)

	msg, err = c.Service(ctx, "nginx", "restart")
	require.NoError(t, err)
	assert.Equal(t, "nginx restarted", msg.Message)

	require.NoError(t, c.SetInterval(ctx, 10))
	require.NoError(t, c.SetRetention(ctx, 30))

	assert.True(t, errors.HasCode(c.SetInterval(ctx, 0), ErrInvalidArgument))
	assert.True(t, errors.HasCode(c.SetRetention(ctx, -1), ErrInvalidArgument))
	_, err = c.Service(ctx, "", "start")
	assert.True(t, errors.HasCode(err, ErrInvalidArgument))
	_, err = c.Power(ctx, "")
	assert.True(t, errors.HasCode(err, ErrInvalidArgument))
}

func TestAuthEndpointsArePublic(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("X-API-Key"))
		assert.Empty(t, r.Header.Get("Authorization"))

		switch r.URL.Path {
		case "/api/auth/login":
			var req loginRequest
			_ = json.NewDecoder(r.Body).Decode(&req)
			if req.APIKey != "good" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			_, _ = io.WriteString(w, `{"user":{"id":"1","name":"admin"}}`)
		case "/api/auth/passkey/login/begin":
			_, _ = io.WriteString(w, `{"publicKey":{"challenge":"abc"}}`)
		case "/api/auth/passkey/login/finish":
			_, _ = io.WriteString(w, `{"token":"tok","user":{"id":"2","name":"op"}}`)
		case "/health":
			_, _ = io.WriteString(w, `{"status":"ok","uptime_seconds":12}`)
		}
	}))
	t.Cleanup(server.Close)

	c, err := New(Config{BaseURL: server.URL}, logger.Nop())
	require.NoError(t, err)
	ctx := context.Background()

	resp, err := c.Login(ctx, "good")
	require.NoError(t, err)
	assert.Equal(t, "admin", resp.User.Name)
	assert.Empty(t, resp.Token)

	_, err = c.Login(ctx, "bad")
	assert.True(t, IsUnauthorized(err))

	options, err := c.BeginPasskey(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `{"publicKey":{"challenge":"abc"}}`, string(options))

	resp, err = c.FinishPasskey(ctx, json.RawMessage(`{"id":"cred"}`))
	require.NoError(t, err)
	assert.Equal(t, "tok", resp.Token)

	_, err = c.FinishPasskey(ctx, nil)
	assert.True(t, errors.HasCode(err, ErrInvalidArgument))

	health, err := c.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ok", health.Status)
	require.NotNil(t, health.UptimeSeconds)

	// Protected endpoints need an authorizer.
	_, err = c.Version(ctx)
	assert.True(t, errors.HasCode(err, errors.ErrNotAuthenticated))
}

func TestAttachFailureStopsRequest(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		calls.Add(1)
	}))
	t.Cleanup(server.Close)

	c, err := New(Config{BaseURL: server.URL}, logger.Nop())
	require.NoError(t, err)

	_, err = c.Authorized(failingAuth{}).Version(context.Background())
	assert.True(t, errors.HasCode(err, errors.ErrAuthExpired))
	assert.Equal(t, int32(0), calls.Load())
}

func TestMalformedBodyIsParseError(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{"version":`)
	}))

	_, err := c.Version(context.Background())
	assert.True(t, errors.HasCode(err, ErrParse))
}
