// Package devserver is a small backend that speaks the same REST and push
// protocol as a real host agent. It samples the local machine and is meant
// for development and end-to-end tests.
package devserver

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"os"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"codeberg.org/mutker/telesync/internal/errors"
	"codeberg.org/mutker/telesync/internal/logger"
	"codeberg.org/mutker/telesync/internal/session"
	"codeberg.org/mutker/telesync/internal/telemetry"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultListen    = "127.0.0.1:8080"
	DefaultInterval  = 5 * time.Second
	DefaultRetention = 7

	maxInterval    = 3600
	maxRetention   = 365
	maxSamples     = 200_000
	maxRequestBody = 64 << 10
	shutdownGrace  = 5 * time.Second
)

var serviceName = regexp.MustCompile(`^[A-Za-z0-9_.@-]+$`)

type Config struct {
	Listen   string
	Interval time.Duration
	// Retention is how many days of samples are kept.
	Retention int
	// APIKey guards the protected endpoints. Empty accepts every request.
	APIKey  string
	Version string
	Build   string
	User    User
}

type User struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Server holds the sampled history, the issued tokens and the connected
// push clients.
type Server struct {
	cfg      Config
	sampler  Sampler
	logger   logger.Logger
	started  time.Time
	upgrader websocket.Upgrader
	reload   chan struct{}

	mu        sync.RWMutex
	samples   []telemetry.Snapshot
	interval  time.Duration
	retention int
	tokens    map[string]struct{}

	clientsMu sync.Mutex
	clients   map[*pushClient]struct{}
}

func New(cfg Config, sampler Sampler, log logger.Logger) *Server {
	if cfg.Listen == "" {
		cfg.Listen = DefaultListen
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	if cfg.User.ID == "" {
		cfg.User = User{ID: "dev", Name: "Developer"}
	}

	return &Server{
		cfg:     cfg,
		sampler: sampler,
		logger:  log,
		started: time.Now(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		reload:    make(chan struct{}, 1),
		interval:  cfg.Interval,
		retention: cfg.Retention,
		tokens:    make(map[string]struct{}),
		clients:   make(map[*pushClient]struct{}),
	}
}

// ListenAndServe serves on cfg.Listen and samples until ctx ends.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info().Str("listen", s.cfg.Listen).Msg("Development backend listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.New().Wrap(errors.ErrInitFailed, err)
		}
		return nil
	})
	g.Go(func() error {
		return s.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		s.closeClients()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// Run samples at the configured interval and broadcasts each sample until
// ctx ends.
func (s *Server) Run(ctx context.Context) error {
	for {
		if err := s.Tick(ctx); err != nil && ctx.Err() == nil {
			s.logger.Warn().Err(err).Msg("Sampling failed")
		}

		timer := time.NewTimer(s.Interval())
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-s.reload:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// Tick takes one sample, stores it and pushes it to every client.
func (s *Server) Tick(ctx context.Context) error {
	snap, err := s.sampler.Sample(ctx)
	if err != nil {
		return err
	}
	if err := snap.Validate(); err != nil {
		return err
	}

	s.Ingest(snap)
	return nil
}

// Ingest stores snap and broadcasts it as a periodic update.
func (s *Server) Ingest(snap telemetry.Snapshot) {
	s.mu.Lock()
	n := len(s.samples)
	switch {
	case n > 0 && snap.Timestamp < s.samples[n-1].Timestamp:
		s.mu.Unlock()
		return
	case n > 0 && snap.Timestamp == s.samples[n-1].Timestamp:
		s.samples[n-1] = snap
	default:
		s.samples = append(s.samples, snap)
	}
	s.pruneLocked(snap.Timestamp)
	s.mu.Unlock()

	s.broadcast(telemetry.FramePeriodicUpdate, snap)
}

func (s *Server) pruneLocked(now int64) {
	cutoff := now - int64(s.retention)*24*60*60
	i := 0
	for i < len(s.samples) && s.samples[i].Timestamp < cutoff {
		i++
	}
	if over := len(s.samples) - i - maxSamples; over > 0 {
		i += over
	}
	if i > 0 {
		s.samples = append(s.samples[:0:0], s.samples[i:]...)
	}
}

func (s *Server) Interval() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.interval
}

func (s *Server) latest() (telemetry.Snapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.samples) == 0 {
		return telemetry.Snapshot{}, false
	}
	return s.samples[len(s.samples)-1], true
}

// Handler returns the HTTP API, including the push endpoint.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)

	mux.HandleFunc("POST /api/auth/login", s.handleLogin)
	mux.HandleFunc("POST /api/auth/passkey/login/begin", s.handlePasskeyBegin)
	mux.HandleFunc("POST /api/auth/passkey/login/finish", s.handlePasskeyFinish)
	mux.HandleFunc("POST /api/auth/refresh", s.requireAuth(s.handleRefresh))
	mux.HandleFunc("POST /api/auth/logout", s.requireAuth(s.handleLogout))

	mux.HandleFunc("GET /api/system/version", s.requireAuth(s.handleVersion))
	mux.HandleFunc("POST /api/system/power", s.requireAuth(s.handlePower))
	mux.HandleFunc("POST /api/services/{name}/{action}", s.requireAuth(s.handleService))

	mux.HandleFunc("GET /api/metrics/current", s.requireAuth(s.handleCurrent))
	mux.HandleFunc("GET /api/metrics/history", s.requireAuth(s.handleHistory))

	mux.HandleFunc("GET /api/settings/interval", s.requireAuth(s.handleGetInterval))
	mux.HandleFunc("POST /api/settings/interval", s.requireAuth(s.handleSetInterval))
	mux.HandleFunc("GET /api/settings/retention", s.requireAuth(s.handleGetRetention))
	mux.HandleFunc("POST /api/settings/retention", s.requireAuth(s.handleSetRetention))

	mux.HandleFunc("GET /ws", s.requireAuth(s.handlePush))

	return mux
}

func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.authorized(r) {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r)
	}
}

func (s *Server) authorized(r *http.Request) bool {
	if s.cfg.APIKey == "" {
		return true
	}
	if key := r.Header.Get(session.APIKeyHeader); key != "" {
		return key == s.cfg.APIKey
	}

	token, ok := bearer(r)
	if !ok {
		return false
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok = s.tokens[token]
	return ok
}

// RevokeAll forgets every issued token, as a backend restart would.
func (s *Server) RevokeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.tokens)
}

func (s *Server) issueToken() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	token := hex.EncodeToString(buf)

	s.mu.Lock()
	s.tokens[token] = struct{}{}
	s.mu.Unlock()

	return token, nil
}

func (s *Server) revoke(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tokens, token)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"uptime_seconds": time.Since(s.started).Seconds(),
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		APIKey string `json:"api_key"`
	}
	if !decode(w, r, &req) {
		return
	}
	if req.APIKey == "" || (s.cfg.APIKey != "" && req.APIKey != s.cfg.APIKey) {
		writeError(w, http.StatusUnauthorized, "invalid api key")
		return
	}

	// API key sessions carry the key itself, so no token is issued.
	writeJSON(w, http.StatusOK, map[string]any{"user": s.cfg.User})
}

func (s *Server) handlePasskeyBegin(w http.ResponseWriter, _ *http.Request) {
	challenge := make([]byte, 32)
	if _, err := rand.Read(challenge); err != nil {
		writeError(w, http.StatusInternalServerError, "challenge generation failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"publicKey": map[string]any{
			"challenge":        hex.EncodeToString(challenge),
			"timeout":          60000,
			"rpId":             "localhost",
			"userVerification": "preferred",
		},
	})
}

// handlePasskeyFinish accepts any assertion that names a credential id.
// Signature verification is out of scope for a development backend.
func (s *Server) handlePasskeyFinish(w http.ResponseWriter, r *http.Request) {
	var assertion struct {
		ID string `json:"id"`
	}
	if !decode(w, r, &assertion) {
		return
	}
	if assertion.ID == "" {
		writeError(w, http.StatusUnauthorized, "assertion rejected")
		return
	}

	s.respondWithToken(w)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	token, ok := bearer(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "refresh needs a bearer token")
		return
	}
	s.revoke(token)
	s.respondWithToken(w)
}

func (s *Server) respondWithToken(w http.ResponseWriter) {
	token, err := s.issueToken()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "token generation failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"token": token, "user": s.cfg.User})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if token, ok := bearer(r); ok {
		s.revoke(token)
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "logged out"})
}

func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	hostname, _ := os.Hostname()
	writeJSON(w, http.StatusOK, map[string]string{
		"version":  s.cfg.Version,
		"build":    s.cfg.Build,
		"hostname": hostname,
	})
}

func (s *Server) handlePower(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Action string `json:"action"`
	}
	if !decode(w, r, &req) {
		return
	}

	switch req.Action {
	case "reboot", "shutdown":
	default:
		writeError(w, http.StatusBadRequest, "unknown power action "+strconv.Quote(req.Action))
		return
	}

	s.logger.Info().Str("action", req.Action).Msg("Power action requested, not executed")
	writeJSON(w, http.StatusOK, map[string]string{"message": req.Action + " scheduled"})
}

func (s *Server) handleService(w http.ResponseWriter, r *http.Request) {
	name, action := r.PathValue("name"), r.PathValue("action")
	if !serviceName.MatchString(name) {
		writeError(w, http.StatusBadRequest, "invalid service name")
		return
	}

	switch action {
	case "start", "stop", "restart":
	default:
		writeError(w, http.StatusBadRequest, "unknown service action "+strconv.Quote(action))
		return
	}

	s.logger.Info().Str("service", name).Str("action", action).Msg("Service action requested, not executed")
	writeJSON(w, http.StatusOK, map[string]string{"message": name + " " + action + " requested"})
}

func (s *Server) handleCurrent(w http.ResponseWriter, _ *http.Request) {
	snap, ok := s.latest()
	if !ok {
		writeError(w, http.StatusServiceUnavailable, "no sample yet")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	minutes, err := strconv.Atoi(r.URL.Query().Get("minutes"))
	if err != nil || minutes < 1 {
		writeError(w, http.StatusBadRequest, "minutes must be a positive integer")
		return
	}

	cutoff := time.Now().Add(-time.Duration(minutes) * time.Minute).Unix()

	s.mu.RLock()
	points := make([]telemetry.Snapshot, 0, len(s.samples))
	for _, snap := range s.samples {
		if snap.Timestamp >= cutoff {
			points = append(points, snap)
		}
	}
	s.mu.RUnlock()

	writeJSON(w, http.StatusOK, map[string]any{"metrics": points})
}

func (s *Server) handleGetInterval(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]int{"interval": int(s.Interval() / time.Second)})
}

func (s *Server) handleSetInterval(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Interval int `json:"interval"`
	}
	if !decode(w, r, &req) {
		return
	}
	if req.Interval < 1 || req.Interval > maxInterval {
		writeError(w, http.StatusBadRequest, "interval out of range")
		return
	}

	s.mu.Lock()
	s.interval = time.Duration(req.Interval) * time.Second
	s.mu.Unlock()

	select {
	case s.reload <- struct{}{}:
	default:
	}

	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleGetRetention(w http.ResponseWriter, _ *http.Request) {
	s.mu.RLock()
	days := s.retention
	s.mu.RUnlock()

	writeJSON(w, http.StatusOK, map[string]int{"retention": days})
}

func (s *Server) handleSetRetention(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Retention int `json:"retention"`
	}
	if !decode(w, r, &req) {
		return
	}
	if req.Retention < 1 || req.Retention > maxRetention {
		writeError(w, http.StatusBadRequest, "retention out of range")
		return
	}

	s.mu.Lock()
	s.retention = req.Retention
	if n := len(s.samples); n > 0 {
		s.pruneLocked(s.samples[n-1].Timestamp)
	}
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, req)
}

func bearer(r *http.Request) (string, bool) {
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	return token, ok && token != ""
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
