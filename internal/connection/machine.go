// Package connection drives the live telemetry channel: it selects an
// adapter, publishes what it delivers and reconnects with backoff.
package connection

import (
	"context"
	"sync"
	"time"

	"codeberg.org/mutker/telesync/internal/backoff"
	"codeberg.org/mutker/telesync/internal/errors"
	"codeberg.org/mutker/telesync/internal/logger"
	"codeberg.org/mutker/telesync/internal/telemetry"
	"codeberg.org/mutker/telesync/internal/transport"
)

const (
	DefaultPushProbeInterval = 2 * time.Minute

	ErrNoTransport = errors.ErrorCode("connection_no_transport")
	errCodeUpgrade = errors.ErrorCode("connection_push_upgrade")
)

var errUpgrade error = errors.New().New(errCodeUpgrade)

type Config struct {
	PushEnabled bool
	// MaxRetries is the number of reconnection attempts before giving up.
	// Zero retries forever.
	MaxRetries int
	Backoff    backoff.Policy
	// PushProbeInterval is how often the push channel is retried while on
	// the poll fallback. Zero disables probing.
	PushProbeInterval time.Duration
}

// Publisher receives every snapshot the active adapter delivers.
type Publisher interface {
	Publish(snap telemetry.Snapshot) bool
}

// Intervaler is implemented by a poll adapter whose failures are retried
// on its own interval instead of the reconnection backoff.
type Intervaler interface {
	Interval() time.Duration
}

// Authenticator is consulted when the backend rejects the credential.
type Authenticator interface {
	Recover(ctx context.Context) error
	OnUnauthorized() bool
}

type Option func(*Machine)

// WithAuthenticator lets the machine renew the session silently when an
// adapter is rejected.
func WithAuthenticator(auth Authenticator) Option {
	return func(m *Machine) {
		m.auth = auth
	}
}

// WithSleep replaces the backoff wait.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(m *Machine) {
		m.sleep = sleep
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Machine) {
		m.now = now
	}
}

type listener struct {
	id int
	fn func(Status)
}

// Machine owns at most one running adapter. A single goroutine runs the
// adapter and is the only caller of the Publisher.
type Machine struct {
	cfg       Config
	push      transport.Adapter
	poll      transport.Adapter
	publisher Publisher
	auth      Authenticator
	logger    logger.Logger
	sleep     func(ctx context.Context, d time.Duration) error
	now       func() time.Time

	mu        sync.Mutex
	status    Status
	listeners []listener
	nextID    int
	cancel    context.CancelFunc
	done      chan struct{}
	// stopping is closed when the run stopped by the last Disconnect exits.
	stopping chan struct{}
	// epoch counts Connect calls that started a run.
	epoch int

	// Owned by the run goroutine.
	backoff      *backoff.Backoff
	established  int
	recoveredAt  int
	pollFailures int
}

// New returns a disconnected Machine. Either adapter may be nil, but not
// both.
func New(cfg Config, push, poll transport.Adapter, publisher Publisher, log logger.Logger, opts ...Option) *Machine {
	m := &Machine{
		cfg:       cfg,
		push:      push,
		poll:      poll,
		publisher: publisher,
		logger:    log,
		sleep:     backoff.Sleep,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Connect starts the machine unless it is already running. A machine that
// stopped in Error is restarted.
func (m *Machine) Connect() {
	m.mu.Lock()
	if m.done != nil {
		select {
		case <-m.done:
			m.cancel()
		default:
			m.mu.Unlock()
			return
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	prev := m.stopping
	m.cancel, m.done, m.stopping = cancel, done, nil
	m.epoch++
	m.mu.Unlock()

	go func() {
		// A run still winding down after Disconnect owns the run state.
		if prev != nil {
			<-prev
		}
		m.run(ctx, done)
	}()
}

// Disconnect stops the machine, cancelling any attempt in flight, and
// waits for it to exit. A Connect made meanwhile wins: its status is not
// overwritten.
func (m *Machine) Disconnect() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	if done != nil {
		m.stopping = done
	}
	epoch := m.epoch
	m.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}

	m.updateIf(func() bool { return m.epoch == epoch }, func(s *Status) {
		s.State = Disconnected
		s.Transport = ""
		s.Attempt = 0
		s.Err = nil
	})
}

func (m *Machine) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

func (m *Machine) State() State {
	return m.Status().State
}

// OnStatus registers fn for every transition. The returned function
// removes it.
func (m *Machine) OnStatus(fn func(Status)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextID
	m.nextID++
	m.listeners = append(m.listeners, listener{id: id, fn: fn})

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		for i, l := range m.listeners {
			if l.id == id {
				m.listeners = append(m.listeners[:i:i], m.listeners[i+1:]...)
				return
			}
		}
	}
}

func (m *Machine) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	m.backoff = backoff.New(m.cfg.Backoff)
	m.established = 0
	m.recoveredAt = -1
	m.pollFailures = 0

	startPush := true
	for {
		m.update(func(s *Status) {
			s.State = Connecting
		})

		polling, err := m.cycle(ctx, startPush)
		if ctx.Err() != nil {
			return
		}

		// Poll failures are request failures, not a lost connection: they
		// are retried on the poll interval and never exhaust MaxRetries.
		if interval, ok := m.pollInterval(); polling && ok && !transport.IsAuthFailure(err) {
			m.pollFailures++
			failures := m.pollFailures
			m.update(func(s *Status) {
				s.State = Reconnecting
				s.Attempt = failures
				s.Err = err
			})
			m.logger.Warn().
				Err(err).
				Int("attempt", failures).
				Dur("delay", interval).
				Msg("Polling failed, retrying")

			startPush = false
			if err := m.sleep(ctx, interval); err != nil {
				return
			}
			continue
		}
		startPush = true
		m.pollFailures = 0

		failures := m.backoff.Failures() + 1
		m.update(func(s *Status) {
			s.State = Reconnecting
			s.Attempt = failures
			s.Err = err
		})

		if transport.IsAuthFailure(err) {
			m.logger.Error().Err(err).Msg("Backend rejected the session, giving up until re-authenticated")
			m.update(func(s *Status) { s.State = Error })
			return
		}
		if m.cfg.MaxRetries > 0 && failures > m.cfg.MaxRetries {
			m.logger.Error().Err(err).Int("retries", m.cfg.MaxRetries).Msg("Giving up reconnecting")
			m.update(func(s *Status) { s.State = Error })
			return
		}

		delay := m.backoff.Next()
		m.logger.Warn().
			Err(err).
			Int("attempt", failures).
			Dur("delay", delay).
			Msg("Connection lost, reconnecting")

		if err := m.sleep(ctx, delay); err != nil {
			return
		}
	}
}

// cycle runs adapters until the connection is lost and reports whether
// the adapter that failed was the poll adapter. Push handshake failures
// fall back to polling and rejected credentials get one silent recovery,
// neither of which ends the cycle. startPush false resumes polling
// directly; the push channel is then reached through probing.
func (m *Machine) cycle(ctx context.Context, startPush bool) (bool, error) {
	errFactory := errors.New()

	usePush := m.cfg.PushEnabled && m.push != nil && (startPush || m.poll == nil)
	for {
		adapter := m.poll
		if usePush {
			adapter = m.push
		}
		if adapter == nil {
			return false, errFactory.New(ErrNoTransport)
		}

		m.update(func(s *Status) {
			s.Transport = adapter.Name()
		})

		err := m.runAdapter(ctx, adapter, !usePush)
		if ctx.Err() != nil {
			return false, nil
		}

		switch {
		case err == nil:
			return !usePush, errFactory.WithData(transport.ErrTransport, adapter.Name()+" stopped")
		case errors.HasCode(err, errCodeUpgrade):
			usePush = true
			continue
		case usePush && errors.HasCode(err, transport.ErrHandshake) && m.poll != nil:
			m.logger.Warn().Err(err).Msg("Push handshake failed, falling back to polling")
			usePush = false
			continue
		case transport.IsAuthFailure(err):
			renewed, rerr := m.recover(ctx, err)
			if renewed {
				continue
			}
			if ctx.Err() != nil {
				return false, nil
			}
			if rerr != nil {
				return !usePush, rerr
			}
		}

		return !usePush, err
	}
}

// pollInterval returns the poll adapter's own retry interval.
func (m *Machine) pollInterval() (time.Duration, bool) {
	iv, ok := m.poll.(Intervaler)
	if !ok {
		return 0, false
	}
	d := iv.Interval()
	return d, d > 0
}

// recover reports whether the session was renewed and the adapter should
// be restarted. It gives up when the previous renewal was not followed by
// an established channel. A renewal that failed on the network comes back
// as a transport error so the run backs off and tries again.
func (m *Machine) recover(ctx context.Context, cause error) (bool, error) {
	if m.auth == nil {
		return false, nil
	}
	if m.recoveredAt == m.established {
		m.auth.OnUnauthorized()
		return false, nil
	}

	err := m.auth.Recover(ctx)
	if err == nil {
		m.recoveredAt = m.established
		m.logger.Info().Msg("Session renewed, restarting channel")
		return true, nil
	}
	if ctx.Err() != nil {
		return false, nil
	}

	m.logger.Warn().Err(err).AnErr("cause", cause).Msg("Session recovery failed")
	if errors.HasCode(err, errors.ErrAuthNetwork) {
		return false, errors.New().Wrap(transport.ErrTransport, err)
	}
	m.auth.OnUnauthorized()

	return false, nil
}

func (m *Machine) runAdapter(ctx context.Context, adapter transport.Adapter, onFallback bool) error {
	sink := transport.SinkFuncs{
		OnEstablished: m.onEstablished,
		OnSnapshot:    m.onSnapshot,
	}

	prober, ok := m.push.(transport.Prober)
	if !onFallback || !ok || !m.cfg.PushEnabled || m.cfg.PushProbeInterval <= 0 {
		return adapter.Run(ctx, sink)
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		m.probe(runCtx, prober, cancel)
	}()

	err := adapter.Run(runCtx, sink)
	upgraded := errors.Is(context.Cause(runCtx), errUpgrade)
	cancel(nil)
	wg.Wait()

	if upgraded && ctx.Err() == nil {
		return errUpgrade
	}
	return err
}

func (m *Machine) probe(ctx context.Context, prober transport.Prober, upgrade context.CancelCauseFunc) {
	ticker := time.NewTicker(m.cfg.PushProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if err := prober.Probe(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			m.logger.Debug().Err(err).Msg("Push probe failed, staying on polling")
			continue
		}

		m.logger.Info().Msg("Push channel available again, leaving polling")
		upgrade(errUpgrade)
		return
	}
}

func (m *Machine) onEstablished() {
	m.established++
	m.backoff.Reset()
	m.pollFailures = 0
	m.update(func(s *Status) {
		s.State = Connected
		s.Attempt = 0
		s.Err = nil
		s.LastUpdate = m.now()
	})
}

func (m *Machine) onSnapshot(snap telemetry.Snapshot) {
	m.mu.Lock()
	m.status.LastUpdate = m.now()
	m.mu.Unlock()

	m.publisher.Publish(snap)
}

// update applies fn to the status and notifies listeners when the state or
// the transport changed.
func (m *Machine) update(fn func(*Status)) {
	m.updateIf(nil, fn)
}

// updateIf is update guarded by cond, which is evaluated under the lock.
func (m *Machine) updateIf(cond func() bool, fn func(*Status)) {
	m.mu.Lock()
	if cond != nil && !cond() {
		m.mu.Unlock()
		return
	}
	prev := m.status
	fn(&m.status)
	next := m.status
	changed := prev.State != next.State || prev.Transport != next.Transport
	var fns []func(Status)
	if changed {
		fns = make([]func(Status), 0, len(m.listeners))
		for _, l := range m.listeners {
			fns = append(fns, l.fn)
		}
	}
	m.mu.Unlock()

	if !changed {
		return
	}

	m.logger.Debug().
		Str("from", prev.State.String()).
		Str("to", next.State.String()).
		Str("transport", next.Transport).
		Int("attempt", next.Attempt).
		Msg("Connection state changed")

	for _, fn := range fns {
		fn(next)
	}
}
