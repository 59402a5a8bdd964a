// Package client is the single entry point for applications: it wires the
// session, the live channel, the hub and the history cache together.
package client

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"codeberg.org/mutker/telesync/internal/api"
	"codeberg.org/mutker/telesync/internal/backoff"
	"codeberg.org/mutker/telesync/internal/config"
	"codeberg.org/mutker/telesync/internal/connection"
	"codeberg.org/mutker/telesync/internal/errors"
	"codeberg.org/mutker/telesync/internal/history"
	"codeberg.org/mutker/telesync/internal/hub"
	"codeberg.org/mutker/telesync/internal/journal"
	"codeberg.org/mutker/telesync/internal/logger"
	"codeberg.org/mutker/telesync/internal/session"
	"codeberg.org/mutker/telesync/internal/telemetry"
	"codeberg.org/mutker/telesync/internal/transport"
)

const recordTimeout = 5 * time.Second

type Config struct {
	API        api.Config
	Push       transport.PushConfig
	Poll       transport.PollConfig
	Connection connection.Config
	History    history.Config
	Journal    journal.Config
}

// FromConfig maps loaded configuration onto the client's components.
func FromConfig(cfg *config.Config) Config {
	policy := backoff.Policy{Initial: cfg.BackoffInitial, Max: cfg.BackoffMax}

	return Config{
		API: api.Config{
			BaseURL: cfg.Server,
			Timeout: cfg.RequestTimeout,
			Retries: cfg.RequestRetries,
			Backoff: policy,
		},
		Push: transport.PushConfig{
			HandshakeTimeout: cfg.HandshakeTimeout,
			HeartbeatTimeout: cfg.HeartbeatTimeout,
		},
		Poll: transport.PollConfig{
			Interval:         cfg.PollInterval,
			FailureThreshold: cfg.PollFailureThreshold,
		},
		Connection: connection.Config{
			PushEnabled:       cfg.PushEnabled,
			MaxRetries:        cfg.MaxRetries,
			Backoff:           policy,
			PushProbeInterval: cfg.PushProbeInterval,
		},
		History: history.Config{
			MinStaleness: cfg.HistoryMinStaleness,
		},
		Journal: journal.FromConfig(cfg.Journal),
	}
}

// Client is what application code talks to. Each Client owns its own hub,
// so snapshots never leak between instances.
type Client struct {
	public  *api.Client
	authed  *api.Client
	session *session.Manager
	hub     *hub.Hub
	poll    *transport.Poll
	machine *connection.Machine
	history *history.Cache
	journal journal.Journal
	logger  logger.Logger

	unsubscribe []func()
	closeOnce   sync.Once
	closeErr    error
}

func New(cfg Config, log logger.Logger) (*Client, error) {
	public, err := api.New(cfg.API, log)
	if err != nil {
		return nil, err
	}

	j, err := journal.New(cfg.Journal, log)
	if err != nil {
		return nil, err
	}

	c := &Client{
		public:  public,
		session: session.New(public, log),
		hub:     hub.New(log),
		journal: j,
		logger:  log,
	}
	c.authed = public.Authorized(c.session)
	c.poll = transport.NewPoll(c.authed, cfg.Poll, log)

	var push transport.Adapter
	if cfg.Connection.PushEnabled {
		if cfg.Push.URL == "" {
			cfg.Push.URL = public.PushURL()
		}
		push = transport.NewPush(cfg.Push, c.session, log)
	}
	c.machine = connection.New(cfg.Connection, push, c.poll, c.hub, log,
		connection.WithAuthenticator(c.session))

	histOpts := []history.Option{}
	if j.Enabled() {
		histOpts = append(histOpts, history.WithFallback(j))
	}
	c.history = history.New(history.FetcherFunc(c.fetchHistory), cfg.History, log, histOpts...)

	c.unsubscribe = append(c.unsubscribe, c.hub.Subscribe(c.history.Observe))
	if j.Enabled() && !j.IsReadOnly() {
		c.unsubscribe = append(c.unsubscribe, c.hub.Subscribe(c.record))
	}
	c.unsubscribe = append(c.unsubscribe, c.session.OnReauth(func() {
		c.logger.Warn().Msg("Re-authentication required")
	}))

	return c, nil
}

// Connect starts the live channel in the background. Watch State or
// OnStatus for progress.
func (c *Client) Connect() {
	c.machine.Connect()
}

// Disconnect stops the live channel and waits for it to wind down.
func (c *Client) Disconnect() {
	c.machine.Disconnect()
}

func (c *Client) State() connection.State {
	return c.machine.State()
}

func (c *Client) Status() connection.Status {
	return c.machine.Status()
}

func (c *Client) OnStatus(fn func(connection.Status)) func() {
	return c.machine.OnStatus(fn)
}

// Subscribe registers cb for live snapshots. The latest snapshot, if any,
// is delivered before Subscribe returns.
func (c *Client) Subscribe(cb hub.Callback) func() {
	return c.hub.Subscribe(cb)
}

func (c *Client) Latest() (telemetry.Snapshot, bool) {
	return c.hub.Latest()
}

// GetRange returns the historical window of the last minutes minutes.
func (c *Client) GetRange(ctx context.Context, minutes int) (*telemetry.Series, error) {
	return c.history.GetRange(ctx, minutes)
}

// RefreshRange fetches the window regardless of its age.
func (c *Client) RefreshRange(ctx context.Context, minutes int) (*telemetry.Series, error) {
	return c.history.Refresh(ctx, minutes)
}

// Authenticate replaces the session. On success the backend's sampling
// interval is adopted and a live channel that gave up is restarted.
func (c *Client) Authenticate(ctx context.Context, credential session.Credential) (api.User, error) {
	user, err := c.session.Authenticate(ctx, credential)
	if err != nil {
		return api.User{}, err
	}

	if seconds, err := c.authed.Interval(ctx); err != nil {
		c.logger.Debug().Err(err).Msg("Could not read the backend sampling interval")
	} else {
		c.adoptInterval(time.Duration(seconds) * time.Second)
	}

	if c.machine.State() == connection.Error {
		c.logger.Info().Msg("Session replaced, reconnecting")
		c.machine.Connect()
	}

	return user, nil
}

func (c *Client) BeginPasskey(ctx context.Context) (json.RawMessage, error) {
	return c.session.BeginPasskey(ctx)
}

// Logout ends the session and the live channel.
func (c *Client) Logout(ctx context.Context) {
	c.session.Logout(ctx)
	c.machine.Disconnect()
}

func (c *Client) Session() (session.Session, bool) {
	return c.session.Session()
}

func (c *Client) SessionState() session.State {
	return c.session.State()
}

// OnReauth registers fn to run when the session is lost and the user has to
// authenticate again.
func (c *Client) OnReauth(fn func()) func() {
	return c.session.OnReauth(fn)
}

func (c *Client) Power(ctx context.Context, action string) (api.Message, error) {
	return call(ctx, c, func(ctx context.Context) (api.Message, error) {
		return c.authed.Power(ctx, action)
	})
}

func (c *Client) Service(ctx context.Context, name, action string) (api.Message, error) {
	return call(ctx, c, func(ctx context.Context) (api.Message, error) {
		return c.authed.Service(ctx, name, action)
	})
}

// Interval returns the backend sampling interval.
func (c *Client) Interval(ctx context.Context) (time.Duration, error) {
	seconds, err := call(ctx, c, c.authed.Interval)
	if err != nil {
		return 0, err
	}
	return time.Duration(seconds) * time.Second, nil
}

// SetInterval changes the backend sampling interval, in whole seconds, and
// adopts it locally.
func (c *Client) SetInterval(ctx context.Context, d time.Duration) error {
	seconds := int(d / time.Second)
	if seconds < 1 {
		return errors.New().WithData(errors.ErrInvalidArgument, "interval must be at least one second")
	}

	if _, err := call(ctx, c, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, c.authed.SetInterval(ctx, seconds)
	}); err != nil {
		return err
	}

	c.adoptInterval(time.Duration(seconds) * time.Second)
	return nil
}

// Retention returns the backend retention in days.
func (c *Client) Retention(ctx context.Context) (int, error) {
	return call(ctx, c, c.authed.Retention)
}

func (c *Client) SetRetention(ctx context.Context, days int) error {
	_, err := call(ctx, c, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, c.authed.SetRetention(ctx, days)
	})
	return err
}

func (c *Client) Version(ctx context.Context) (api.Version, error) {
	return call(ctx, c, c.authed.Version)
}

// Health needs no session.
func (c *Client) Health(ctx context.Context) (api.Health, error) {
	return c.public.Health(ctx)
}

// Close disconnects and releases the journal. It is safe to call more than
// once.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.machine.Disconnect()
		for _, fn := range c.unsubscribe {
			fn()
		}
		c.public.CloseIdleConnections()

		if err := c.journal.Close(); err != nil {
			c.closeErr = errors.New().Wrap(errors.ErrShutdownFailed, err)
		}
	})

	return c.closeErr
}

func (c *Client) fetchHistory(ctx context.Context, minutes int) ([]telemetry.Snapshot, error) {
	return call(ctx, c, func(ctx context.Context) ([]telemetry.Snapshot, error) {
		return c.authed.History(ctx, minutes)
	})
}

// adoptInterval keeps polling and history staleness in step with the
// backend's sampling interval.
func (c *Client) adoptInterval(d time.Duration) {
	if d <= 0 {
		return
	}

	c.poll.SetInterval(d)
	c.history.SetMinStaleness(max(d, history.DefaultMinStaleness))

	c.logger.Debug().Dur("interval", d).Msg("Adopted backend sampling interval")
}

func (c *Client) record(snap telemetry.Snapshot) {
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()

	if err := c.journal.Record(ctx, snap); err != nil {
		c.logger.Warn().Err(err).Int64("timestamp", snap.Timestamp).Msg("Failed to journal snapshot")
	}
}

// call runs fn and, when the backend rejects the credential, renews the
// session once and retries. A renewal that fails for any reason other than
// the network ends the session.
func call[T any](ctx context.Context, c *Client, fn func(context.Context) (T, error)) (T, error) {
	v, err := fn(ctx)
	if err == nil || !api.IsUnauthorized(err) {
		return v, err
	}

	var zero T
	errFactory := errors.New()

	if rerr := c.session.Recover(ctx); rerr != nil {
		if errors.HasCode(rerr, session.ErrNetwork) {
			return zero, rerr
		}
		c.session.OnUnauthorized()
		return zero, errFactory.Wrap(session.ErrExpired, err)
	}

	v, err = fn(ctx)
	if err != nil && api.IsUnauthorized(err) {
		c.session.OnUnauthorized()
		return zero, errFactory.Wrap(session.ErrExpired, err)
	}

	return v, err
}
