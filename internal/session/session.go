// Package session owns the backend credential and its lifecycle.
package session

import (
	"context"
	"encoding/json"
	"net/http"
	"slices"
	"sync"
	"time"

	"codeberg.org/mutker/telesync/internal/api"
	"codeberg.org/mutker/telesync/internal/errors"
	"codeberg.org/mutker/telesync/internal/logger"
	"golang.org/x/sync/singleflight"
)

const (
	ErrNotAuthenticated  = errors.ErrNotAuthenticated
	ErrInvalidCredential = errors.ErrAuthInvalidCredential
	ErrNetwork           = errors.ErrAuthNetwork
	ErrExpired           = errors.ErrAuthExpired

	// APIKeyHeader carries the fallback API key.
	APIKeyHeader = "X-API-Key"
)

type State int

const (
	Unauthenticated State = iota
	Authenticating
	Authenticated
	Expired
)

func (s State) String() string {
	switch s {
	case Unauthenticated:
		return "unauthenticated"
	case Authenticating:
		return "authenticating"
	case Authenticated:
		return "authenticated"
	case Expired:
		return "expired"
	default:
		return "unknown"
	}
}

// Kind names how the credential travels on requests.
type Kind string

const (
	KindNone   Kind = ""
	KindBearer Kind = "bearer"
	KindAPIKey Kind = "api_key"
)

// Credential is either an APIKey or a PasskeyAssertion.
type Credential interface {
	kind() Kind
}

// APIKey is the static fallback credential.
type APIKey string

// PasskeyAssertion is the platform authenticator's assertion, passed to the
// backend untouched.
type PasskeyAssertion json.RawMessage

func (APIKey) kind() Kind           { return KindAPIKey }
func (PasskeyAssertion) kind() Kind { return KindBearer }

// Session describes the live session without exposing the secret.
type Session struct {
	User       api.User
	Kind       Kind
	ObtainedAt time.Time
}

type Option func(*Manager)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// Manager holds exactly one session. The credential is only changed by
// Authenticate, Recover, OnUnauthorized and Logout.
type Manager struct {
	api    *api.Client
	logger logger.Logger
	now    func() time.Time

	// authMu serialises Authenticate calls.
	authMu sync.Mutex

	mu         sync.RWMutex
	state      State
	kind       Kind
	token      string
	apiKey     string
	user       api.User
	obtainedAt time.Time
	// generation changes whenever the credential is replaced or dropped.
	generation uint64

	listenerMu sync.Mutex
	listeners  map[int]func()
	nextID     int

	recoverGroup singleflight.Group
}

// New returns an unauthenticated Manager. client must be able to reach the
// public authentication endpoints.
func New(client *api.Client, log logger.Logger, opts ...Option) *Manager {
	m := &Manager{
		api:       client,
		logger:    log,
		now:       time.Now,
		listeners: make(map[int]func()),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Session returns the live session, if any.
func (m *Manager) Session() (Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.state != Authenticated {
		return Session{}, false
	}
	return Session{User: m.user, Kind: m.kind, ObtainedAt: m.obtainedAt}, true
}

// BeginPasskey fetches the request options for a passkey ceremony.
func (m *Manager) BeginPasskey(ctx context.Context) (json.RawMessage, error) {
	options, err := m.api.BeginPasskey(ctx)
	if err != nil {
		return nil, classify(err, ErrInvalidCredential)
	}
	return options, nil
}

// Authenticate validates credential with one round trip and stores it on
// success. Any previous credential is dropped first.
func (m *Manager) Authenticate(ctx context.Context, credential Credential) (api.User, error) {
	errFactory := errors.New()

	if credential == nil {
		return api.User{}, errFactory.WithData(ErrInvalidCredential, "no credential")
	}

	m.authMu.Lock()
	defer m.authMu.Unlock()

	m.mu.Lock()
	m.clear()
	m.state = Authenticating
	m.mu.Unlock()

	var (
		resp api.AuthResponse
		err  error
	)
	switch c := credential.(type) {
	case APIKey:
		if c == "" {
			err = errFactory.WithData(ErrInvalidCredential, "empty API key")
			break
		}
		resp, err = m.api.Login(ctx, string(c))
	case PasskeyAssertion:
		if len(c) == 0 {
			err = errFactory.WithData(ErrInvalidCredential, "empty passkey assertion")
			break
		}
		if !json.Valid(c) {
			err = errFactory.WithData(ErrInvalidCredential, "passkey assertion is not JSON")
			break
		}
		resp, err = m.api.FinishPasskey(ctx, json.RawMessage(c))
		if err == nil && resp.Token == "" {
			err = errFactory.WithData(ErrInvalidCredential, "backend returned no token")
		}
	default:
		err = errFactory.WithData(ErrInvalidCredential, "unsupported credential")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err != nil {
		m.state = Unauthenticated
		err = classify(err, ErrInvalidCredential)
		m.logger.Warn().
			Str("kind", string(credential.kind())).
			Str("reason", string(errors.CodeOf(err))).
			Msg("Authentication failed")
		return api.User{}, err
	}

	m.kind = credential.kind()
	switch m.kind {
	case KindAPIKey:
		m.apiKey = string(credential.(APIKey))
	case KindBearer:
		m.token = resp.Token
	}
	m.user = resp.User
	m.obtainedAt = m.now()
	m.state = Authenticated
	m.generation++

	m.logger.Info().
		Str("kind", string(m.kind)).
		Str("user", resp.User.Name).
		Msg("Authenticated")

	return resp.User, nil
}

// Attach decorates req with the held credential.
func (m *Manager) Attach(req *http.Request) error {
	errFactory := errors.New()

	m.mu.RLock()
	defer m.mu.RUnlock()

	switch m.state {
	case Authenticated:
	case Expired:
		return errFactory.New(ErrExpired)
	default:
		return errFactory.New(ErrNotAuthenticated)
	}

	switch m.kind {
	case KindBearer:
		req.Header.Set("Authorization", "Bearer "+m.token)
	case KindAPIKey:
		req.Header.Set(APIKeyHeader, m.apiKey)
	}

	return nil
}

// OnUnauthorized expires the session after the backend rejected it. Only
// the call that observes the live session clears it and raises the
// re-authentication signal; every other call is a no-op. It reports
// whether this call raised the signal.
func (m *Manager) OnUnauthorized() bool {
	m.mu.Lock()
	if m.state != Authenticated {
		m.mu.Unlock()
		return false
	}
	m.clear()
	m.state = Expired
	m.mu.Unlock()

	m.logger.Warn().Msg("Session expired, re-authentication required")
	m.notify()

	return true
}

// Recover makes one silent attempt to renew the session after a 401.
// Concurrent callers share the attempt. API key sessions log in again with
// the retained key; passkey sessions refresh their token.
func (m *Manager) Recover(ctx context.Context) error {
	ch := m.recoverGroup.DoChan("recover", func() (any, error) {
		return nil, m.recover(context.WithoutCancel(ctx))
	})

	select {
	case <-ctx.Done():
		return errors.New().Wrap(ErrNetwork, ctx.Err())
	case res := <-ch:
		return res.Err
	}
}

func (m *Manager) recover(ctx context.Context) error {
	errFactory := errors.New()

	m.mu.RLock()
	state, kind, apiKey, generation := m.state, m.kind, m.apiKey, m.generation
	m.mu.RUnlock()

	switch state {
	case Authenticated:
	case Expired:
		return errFactory.New(ErrExpired)
	default:
		return errFactory.New(ErrNotAuthenticated)
	}

	var (
		resp api.AuthResponse
		err  error
	)
	switch kind {
	case KindAPIKey:
		resp, err = m.api.Login(ctx, apiKey)
	case KindBearer:
		resp, err = m.api.Authorized(m).Refresh(ctx)
		if err == nil && resp.Token == "" {
			err = errFactory.WithData(ErrExpired, "refresh returned no token")
		}
	}
	if err != nil {
		err = classify(err, ErrExpired)
		m.logger.Debug().Err(err).Msg("Session recovery failed")
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.generation != generation || m.state != Authenticated {
		// Replaced or dropped while the request was in flight.
		if m.state == Authenticated {
			return nil
		}
		return errFactory.New(ErrExpired)
	}

	if kind == KindBearer {
		m.token = resp.Token
	}
	if resp.User.ID != "" {
		m.user = resp.User
	}
	m.obtainedAt = m.now()
	m.generation++

	m.logger.Debug().Str("kind", string(kind)).Msg("Session recovered")

	return nil
}

// Logout revokes a bearer session on the backend on a best-effort basis
// and drops the local credential.
func (m *Manager) Logout(ctx context.Context) {
	m.mu.RLock()
	revoke := m.state == Authenticated && m.kind == KindBearer
	m.mu.RUnlock()

	if revoke {
		if err := m.api.Authorized(m).Logout(ctx); err != nil {
			m.logger.Warn().Err(err).Msg("Server-side logout failed")
		}
	}

	m.mu.Lock()
	m.clear()
	m.state = Unauthenticated
	m.mu.Unlock()

	m.logger.Info().Msg("Logged out")
}

// OnReauth registers fn to run whenever re-authentication is required. The
// returned function removes it.
func (m *Manager) OnReauth(fn func()) func() {
	m.listenerMu.Lock()
	defer m.listenerMu.Unlock()

	id := m.nextID
	m.nextID++
	m.listeners[id] = fn

	return func() {
		m.listenerMu.Lock()
		defer m.listenerMu.Unlock()
		delete(m.listeners, id)
	}
}

func (m *Manager) notify() {
	m.listenerMu.Lock()
	ids := make([]int, 0, len(m.listeners))
	for id := range m.listeners {
		ids = append(ids, id)
	}
	fns := make([]func(), 0, len(ids))
	slices.Sort(ids)
	for _, id := range ids {
		fns = append(fns, m.listeners[id])
	}
	m.listenerMu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

// clear drops the credential. Callers hold m.mu.
func (m *Manager) clear() {
	m.kind = KindNone
	m.token = ""
	m.apiKey = ""
	m.user = api.User{}
	m.obtainedAt = time.Time{}
	m.generation++
}

// classify maps an api error onto an auth failure reason. rejected is the
// reason used when the backend refused the credential.
func classify(err error, rejected errors.ErrorCode) error {
	errFactory := errors.New()

	switch errors.CodeOf(err) {
	case ErrNotAuthenticated, ErrInvalidCredential, ErrNetwork, ErrExpired:
		return err
	case api.ErrUnauthorized, api.ErrInvalidArgument:
		return errFactory.Wrap(rejected, err)
	case api.ErrRequest:
		status := api.StatusCode(err)
		if status == 0 || status >= 500 || status == http.StatusTooManyRequests {
			return errFactory.Wrap(ErrNetwork, err)
		}
		return errFactory.Wrap(rejected, err)
	default:
		return errFactory.Wrap(ErrNetwork, err)
	}
}
