// Package api is the REST client for the telemetry backend.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"codeberg.org/mutker/telesync/internal/backoff"
	"codeberg.org/mutker/telesync/internal/errors"
	"codeberg.org/mutker/telesync/internal/logger"
	"codeberg.org/mutker/telesync/internal/telemetry"
)

const (
	// maxResponseSize bounds JSON response reads.
	maxResponseSize int64 = 8 << 20
	maxErrorBody          = 256

	DefaultTimeout = 10 * time.Second
	DefaultRetries = 2
)

// Authorizer decorates outgoing requests with the current credential.
type Authorizer interface {
	Attach(req *http.Request) error
}

type Config struct {
	BaseURL string
	// Timeout bounds each attempt. Zero means DefaultTimeout.
	Timeout time.Duration
	// Retries is the number of extra attempts for idempotent reads that
	// failed in transport or with a 5xx status.
	Retries    int
	Backoff    backoff.Policy
	HTTPClient *http.Client
}

// Client issues requests against the backend. A Client without an
// Authorizer can only reach public endpoints.
type Client struct {
	baseURL    string
	httpClient *http.Client
	timeout    time.Duration
	retries    int
	backoff    backoff.Policy
	auth       Authorizer
	logger     logger.Logger
}

func New(cfg Config, log logger.Logger) (*Client, error) {
	errFactory := errors.New()

	u, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, errFactory.Wrap(ErrInvalidBaseURL, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, errFactory.WithData(ErrInvalidBaseURL, cfg.BaseURL)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	policy := cfg.Backoff
	if policy.Initial <= 0 {
		policy = backoff.Default()
	}

	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: httpClient,
		timeout:    timeout,
		retries:    max(cfg.Retries, 0),
		backoff:    policy,
		logger:     log,
	}, nil
}

// Authorized returns a copy of c that attaches credentials through auth.
func (c *Client) Authorized(auth Authorizer) *Client {
	clone := *c
	clone.auth = auth
	return &clone
}

// BaseURL returns the backend origin without a trailing slash.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// PushURL returns the websocket endpoint of the backend.
func (c *Client) PushURL() string {
	u, _ := url.Parse(c.baseURL)
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	return u.String()
}

// CloseIdleConnections drops pooled connections, forcing fresh dials after
// a network disruption.
func (c *Client) CloseIdleConnections() {
	c.httpClient.CloseIdleConnections()
}

// Current returns the latest snapshot known to the backend.
func (c *Client) Current(ctx context.Context) (telemetry.Snapshot, error) {
	var raw json.RawMessage
	if err := c.do(ctx, http.MethodGet, "/api/metrics/current", nil, nil, &raw, false); err != nil {
		return telemetry.Snapshot{}, err
	}
	return telemetry.DecodeSnapshot(raw)
}

// History returns the backend's points for the last minutes minutes, in
// the order the backend sent them. Points that fail to decode are dropped.
func (c *Client) History(ctx context.Context, minutes int) ([]telemetry.Snapshot, error) {
	errFactory := errors.New()

	if minutes < 1 {
		return nil, errFactory.WithData(ErrInvalidArgument, "minutes must be >= 1")
	}

	query := url.Values{"minutes": {strconv.Itoa(minutes)}}
	var resp historyResponse
	if err := c.do(ctx, http.MethodGet, "/api/metrics/history", query, nil, &resp, false); err != nil {
		return nil, err
	}

	points := make([]telemetry.Snapshot, 0, len(resp.Metrics))
	dropped := 0
	for _, raw := range resp.Metrics {
		snap, err := telemetry.DecodeSnapshot(raw)
		if err != nil {
			dropped++
			continue
		}
		points = append(points, snap)
	}
	if dropped > 0 {
		c.logger.Warn().
			Int("dropped", dropped).
			Int("minutes", minutes).
			Msg("Dropped malformed history points")
	}

	return points, nil
}

func (c *Client) Version(ctx context.Context) (Version, error) {
	var v Version
	err := c.do(ctx, http.MethodGet, "/api/system/version", nil, nil, &v, false)
	return v, err
}

// Health queries the public liveness endpoint.
func (c *Client) Health(ctx context.Context) (Health, error) {
	var h Health
	err := c.do(ctx, http.MethodGet, "/health", nil, nil, &h, true)
	return h, err
}

// BeginPasskey starts a passkey login and returns the request options for
// the platform authenticator untouched.
func (c *Client) BeginPasskey(ctx context.Context) (json.RawMessage, error) {
	var options json.RawMessage
	err := c.do(ctx, http.MethodPost, "/api/auth/passkey/login/begin", nil, struct{}{}, &options, true)
	return options, err
}

// FinishPasskey submits the platform assertion and returns the session
// token.
func (c *Client) FinishPasskey(ctx context.Context, assertion json.RawMessage) (AuthResponse, error) {
	var resp AuthResponse
	if len(assertion) == 0 {
		return resp, errors.New().WithData(ErrInvalidArgument, "empty passkey assertion")
	}
	err := c.do(ctx, http.MethodPost, "/api/auth/passkey/login/finish", nil, assertion, &resp, true)
	return resp, err
}

func (c *Client) Login(ctx context.Context, apiKey string) (AuthResponse, error) {
	var resp AuthResponse
	err := c.do(ctx, http.MethodPost, "/api/auth/login", nil, loginRequest{APIKey: apiKey}, &resp, true)
	return resp, err
}

// Refresh exchanges the attached bearer token for a new one.
func (c *Client) Refresh(ctx context.Context) (AuthResponse, error) {
	var resp AuthResponse
	err := c.do(ctx, http.MethodPost, "/api/auth/refresh", nil, struct{}{}, &resp, false)
	return resp, err
}

func (c *Client) Logout(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/api/auth/logout", nil, struct{}{}, nil, false)
}

func (c *Client) Power(ctx context.Context, action string) (Message, error) {
	var msg Message
	if action == "" {
		return msg, errors.New().WithData(ErrInvalidArgument, "empty power action")
	}
	err := c.do(ctx, http.MethodPost, "/api/system/power", nil, powerRequest{Action: action}, &msg, false)
	return msg, err
}

func (c *Client) Service(ctx context.Context, name, action string) (Message, error) {
	var msg Message
	if name == "" || action == "" {
		return msg, errors.New().WithData(ErrInvalidArgument, "service name and action are required")
	}
	path := "/api/services/" + url.PathEscape(name) + "/" + url.PathEscape(action)
	err := c.do(ctx, http.MethodPost, path, nil, struct{}{}, &msg, false)
	return msg, err
}

// Interval returns the backend refresh interval in seconds.
func (c *Client) Interval(ctx context.Context) (int, error) {
	var s intervalSetting
	err := c.do(ctx, http.MethodGet, "/api/settings/interval", nil, nil, &s, false)
	return s.Interval, err
}

func (c *Client) SetInterval(ctx context.Context, seconds int) error {
	if seconds < 1 {
		return errors.New().WithData(ErrInvalidArgument, "interval must be >= 1 second")
	}
	return c.do(ctx, http.MethodPost, "/api/settings/interval", nil, intervalSetting{Interval: seconds}, nil, false)
}

// Retention returns the backend history retention in days.
func (c *Client) Retention(ctx context.Context) (int, error) {
	var s retentionSetting
	err := c.do(ctx, http.MethodGet, "/api/settings/retention", nil, nil, &s, false)
	return s.Retention, err
}

func (c *Client) SetRetention(ctx context.Context, days int) error {
	if days < 1 {
		return errors.New().WithData(ErrInvalidArgument, "retention must be >= 1 day")
	}
	return c.do(ctx, http.MethodPost, "/api/settings/retention", nil, retentionSetting{Retention: days}, nil, false)
}

// do performs a request and decodes a 2xx JSON body into out. GET requests
// are retried on transport failures and 5xx responses.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any, public bool) error {
	errFactory := errors.New()

	var encoded []byte
	if body != nil {
		var err error
		if encoded, err = json.Marshal(body); err != nil {
			return errFactory.Wrap(ErrInvalidArgument, err)
		}
	}

	attempts := 1
	if method == http.MethodGet {
		attempts += c.retries
	}

	bo := backoff.New(c.backoff)
	var (
		data []byte
		err  error
	)
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			delay := bo.Next()
			c.logger.Debug().
				Str("method", method).
				Str("path", path).
				Int("attempt", attempt).
				Dur("delay", delay).
				Err(err).
				Msg("Retrying request")
			if sleepErr := backoff.Sleep(ctx, delay); sleepErr != nil {
				return err
			}
		}

		data, err = c.once(ctx, method, path, query, encoded, public)
		if err == nil || !retryable(ctx, err) {
			break
		}
	}
	if err != nil {
		return err
	}

	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return errFactory.Wrap(ErrParse, err)
	}

	return nil
}

func (c *Client) once(ctx context.Context, method, path string, query url.Values, body []byte, public bool) ([]byte, error) {
	errFactory := errors.New()

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, bodyReader)
	if err != nil {
		return nil, errFactory.Wrap(ErrRequest, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if !public {
		if c.auth == nil {
			return nil, errFactory.WithData(errors.ErrNotAuthenticated, path)
		}
		if err := c.auth.Attach(req); err != nil {
			return nil, err
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errFactory.Wrap(ErrRequest, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, errFactory.Wrap(ErrRequest, err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return data, nil
	}

	statusErr := &StatusError{
		StatusCode: resp.StatusCode,
		Method:     method,
		Path:       path,
		Body:       truncate(strings.TrimSpace(string(data)), maxErrorBody),
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, errFactory.Wrap(ErrUnauthorized, statusErr)
	}

	return nil, errFactory.Wrap(ErrRequest, statusErr)
}

func retryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil || !errors.HasCode(err, ErrRequest) {
		return false
	}
	status := StatusCode(err)
	return status == 0 || status >= 500 || status == http.StatusTooManyRequests
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
