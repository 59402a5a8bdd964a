// Package history caches historical telemetry windows fetched from the
// backend.
package history

import (
	"context"
	"math"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"codeberg.org/mutker/telesync/internal/errors"
	"codeberg.org/mutker/telesync/internal/logger"
	"codeberg.org/mutker/telesync/internal/telemetry"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultMinStaleness = 30 * time.Second
	DefaultFetchTimeout = 30 * time.Second

	// A window of N minutes goes stale after a tenth of its length.
	stalenessDivisor = 10
	maxLivePoints    = 4096

	ErrRequest         = errors.ErrRequest
	ErrInvalidArgument = errors.ErrInvalidArgument
)

// Fetcher loads the backend's points for the last minutes minutes.
type Fetcher interface {
	History(ctx context.Context, minutes int) ([]telemetry.Snapshot, error)
}

// FetcherFunc adapts a function to a Fetcher.
type FetcherFunc func(ctx context.Context, minutes int) ([]telemetry.Snapshot, error)

func (f FetcherFunc) History(ctx context.Context, minutes int) ([]telemetry.Snapshot, error) {
	return f(ctx, minutes)
}

// Fallback serves locally recorded points when the backend cannot be
// reached and nothing is cached.
type Fallback interface {
	Range(ctx context.Context, from, to int64) ([]telemetry.Snapshot, error)
}

type Config struct {
	MinStaleness time.Duration
	// FetchTimeout bounds a shared fetch, which outlives the callers that
	// started it.
	FetchTimeout time.Duration
}

type Option func(*Cache)

func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		c.now = now
	}
}

func WithFallback(fallback Fallback) Option {
	return func(c *Cache) {
		c.fallback = fallback
	}
}

// Staleness returns how long a window of minutes minutes is served from
// cache: a tenth of the window, but never less than min.
func Staleness(minutes int, minimum time.Duration) time.Duration {
	window := time.Duration(minutes) * time.Minute / stalenessDivisor
	return max(window, minimum)
}

// Cache holds one Series per requested window length. Entries are
// replaced as a whole and never modified in place, so a returned Series
// may be shared freely.
type Cache struct {
	fetcher      Fetcher
	fallback     Fallback
	logger       logger.Logger
	now          func() time.Time
	fetchTimeout time.Duration
	minStaleness atomic.Int64

	group singleflight.Group

	mu      sync.Mutex
	entries map[int]*telemetry.Series
	live    []telemetry.Snapshot
}

func New(fetcher Fetcher, cfg Config, log logger.Logger, opts ...Option) *Cache {
	if cfg.MinStaleness <= 0 {
		cfg.MinStaleness = DefaultMinStaleness
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = DefaultFetchTimeout
	}

	c := &Cache{
		fetcher:      fetcher,
		logger:       log,
		now:          time.Now,
		fetchTimeout: cfg.FetchTimeout,
		entries:      make(map[int]*telemetry.Series),
	}
	c.minStaleness.Store(int64(cfg.MinStaleness))
	for _, opt := range opts {
		opt(c)
	}

	return c
}

// SetMinStaleness raises or lowers the staleness floor, typically to the
// backend's sampling interval.
func (c *Cache) SetMinStaleness(d time.Duration) {
	if d <= 0 {
		d = DefaultMinStaleness
	}
	c.minStaleness.Store(int64(d))
}

func (c *Cache) MinStaleness() time.Duration {
	return time.Duration(c.minStaleness.Load())
}

// GetRange returns the window of the last minutes minutes. A cached window
// that is still fresh is returned as is. Otherwise the backend is asked,
// sharing the request with concurrent callers for the same window.
//
// When the fetch fails the previous window is returned marked Stale along
// with the error, or, with nothing cached, whatever the fallback holds.
func (c *Cache) GetRange(ctx context.Context, minutes int) (*telemetry.Series, error) {
	if minutes < 1 {
		return nil, errors.New().WithData(ErrInvalidArgument, "minutes must be >= 1")
	}

	if series := c.fresh(minutes); series != nil {
		return series, nil
	}

	return c.fetch(ctx, minutes)
}

// Refresh fetches the window regardless of its age. An in-flight fetch for
// the same window is joined.
func (c *Cache) Refresh(ctx context.Context, minutes int) (*telemetry.Series, error) {
	if minutes < 1 {
		return nil, errors.New().WithData(ErrInvalidArgument, "minutes must be >= 1")
	}

	return c.fetch(ctx, minutes)
}

// Invalidate drops the cached window so the next GetRange fetches.
func (c *Cache) Invalidate(minutes int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, minutes)
}

// Observe records a live snapshot to merge into later fetch results.
func (c *Cache) Observe(snap telemetry.Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if n := len(c.live); n > 0 && snap.Timestamp <= c.live[n-1].Timestamp {
		return
	}
	c.live = append(c.live, snap)
	if len(c.live) > maxLivePoints {
		c.live = append(c.live[:0:0], c.live[len(c.live)-maxLivePoints:]...)
	}
}

func (c *Cache) fresh(minutes int) *telemetry.Series {
	c.mu.Lock()
	defer c.mu.Unlock()

	series, ok := c.entries[minutes]
	if !ok {
		return nil
	}
	if c.now().Sub(series.FetchedAt) >= Staleness(minutes, c.MinStaleness()) {
		return nil
	}

	return series
}

func (c *Cache) fetch(ctx context.Context, minutes int) (*telemetry.Series, error) {
	ch := c.group.DoChan(strconv.Itoa(minutes), func() (any, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.fetchTimeout)
		defer cancel()
		return c.load(fetchCtx, minutes)
	})

	select {
	case <-ctx.Done():
		return c.stale(minutes), errors.New().Wrap(errors.ErrTimeout, ctx.Err())
	case res := <-ch:
		series, _ := res.Val.(*telemetry.Series)
		return series, res.Err
	}
}

func (c *Cache) load(ctx context.Context, minutes int) (*telemetry.Series, error) {
	points, err := c.fetcher.History(ctx, minutes)
	now := c.now()
	if err != nil {
		if !errors.HasCode(err, ErrRequest) {
			err = errors.New().Wrap(ErrRequest, err)
		}
		c.logger.Warn().Err(err).Int("minutes", minutes).Msg("History fetch failed")

		if series := c.stale(minutes); series != nil {
			return series, err
		}
		return c.fromFallback(ctx, minutes, now), err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	from := now.Add(-time.Duration(minutes) * time.Minute).Unix()
	merged := make([]telemetry.Snapshot, 0, len(points))
	merged = append(merged, telemetry.Within(c.live, from, math.MaxInt64)...)
	merged = append(merged, points...)

	series := &telemetry.Series{
		RangeMinutes: minutes,
		Points:       telemetry.Normalize(merged),
		FetchedAt:    now,
	}
	c.entries[minutes] = series

	c.logger.Debug().
		Int("minutes", minutes).
		Int("points", len(series.Points)).
		Msg("History window refreshed")

	return series, nil
}

// stale returns a Stale copy of the cached window, or nil.
func (c *Cache) stale(minutes int) *telemetry.Series {
	c.mu.Lock()
	defer c.mu.Unlock()

	series, ok := c.entries[minutes]
	if !ok {
		return nil
	}
	out := *series
	out.Stale = true

	return &out
}

func (c *Cache) fromFallback(ctx context.Context, minutes int, now time.Time) *telemetry.Series {
	if c.fallback == nil {
		return nil
	}

	from := now.Add(-time.Duration(minutes) * time.Minute).Unix()
	points, err := c.fallback.Range(ctx, from, now.Unix())
	if err != nil {
		c.logger.Warn().Err(err).Msg("Journal fallback failed")
		return nil
	}
	if len(points) == 0 {
		return nil
	}

	return &telemetry.Series{
		RangeMinutes: minutes,
		Points:       telemetry.Normalize(points),
		FetchedAt:    now,
		Stale:        true,
	}
}
