package history

import (
	"context"
	"sync"
	"testing"
	"time"

	"codeberg.org/mutker/telesync/internal/errors"
	"codeberg.org/mutker/telesync/internal/logger"
	"codeberg.org/mutker/telesync/internal/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Unix(1_700_000_000, 0)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeFetcher struct {
	mu    sync.Mutex
	calls int
	fn    func(ctx context.Context, minutes int) ([]telemetry.Snapshot, error)
}

func (f *fakeFetcher) History(ctx context.Context, minutes int) ([]telemetry.Snapshot, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return f.fn(ctx, minutes)
}

func (f *fakeFetcher) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func points(stamps ...int64) []telemetry.Snapshot {
	out := make([]telemetry.Snapshot, 0, len(stamps))
	for _, ts := range stamps {
		out = append(out, telemetry.Snapshot{Timestamp: ts})
	}
	return out
}

func stamps(s *telemetry.Series) []int64 {
	out := make([]int64, 0, s.Len())
	for _, p := range s.Points {
		out = append(out, p.Timestamp)
	}
	return out
}

func returning(pts []telemetry.Snapshot) *fakeFetcher {
	return &fakeFetcher{fn: func(context.Context, int) ([]telemetry.Snapshot, error) {
		return pts, nil
	}}
}

func failing() error {
	return errors.New().WithData(ErrRequest, "backend down")
}

func TestStaleness(t *testing.T) {
	tests := []struct {
		minutes int
		minimum time.Duration
		want    time.Duration
	}{
		{1, 30 * time.Second, 30 * time.Second},
		{5, 30 * time.Second, 30 * time.Second},
		{10, 30 * time.Second, 60 * time.Second},
		{60, 30 * time.Second, 6 * time.Minute},
		{10, 2 * time.Minute, 2 * time.Minute},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, Staleness(tt.minutes, tt.minimum), "minutes=%d", tt.minutes)
	}
}

func TestFreshWindowIsReturnedAsIs(t *testing.T) {
	clk := newClock()
	f := returning(points(1, 2, 3))
	c := New(f, Config{}, logger.Nop(), WithClock(clk.Now))

	first, err := c.GetRange(context.Background(), 10)
	require.NoError(t, err)

	clk.Advance(59 * time.Second)
	second, err := c.GetRange(context.Background(), 10)
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, 1, f.Calls())

	clk.Advance(time.Second)
	third, err := c.GetRange(context.Background(), 10)
	require.NoError(t, err)

	assert.NotSame(t, first, third)
	assert.Equal(t, 2, f.Calls())
}

func TestWindowsAreCachedSeparately(t *testing.T) {
	f := &fakeFetcher{fn: func(_ context.Context, minutes int) ([]telemetry.Snapshot, error) {
		return points(int64(minutes)), nil
	}}
	c := New(f, Config{}, logger.Nop())

	one, err := c.GetRange(context.Background(), 1)
	require.NoError(t, err)
	five, err := c.GetRange(context.Background(), 5)
	require.NoError(t, err)

	assert.Equal(t, []int64{1}, stamps(one))
	assert.Equal(t, []int64{5}, stamps(five))
	assert.Equal(t, 1, one.RangeMinutes)
	assert.Equal(t, 2, f.Calls())
}

func TestMinStalenessFloor(t *testing.T) {
	clk := newClock()
	f := returning(points(1))
	c := New(f, Config{MinStaleness: 30 * time.Second}, logger.Nop(), WithClock(clk.Now))

	_, err := c.GetRange(context.Background(), 1)
	require.NoError(t, err)

	clk.Advance(29 * time.Second)
	_, err = c.GetRange(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 1, f.Calls())

	c.SetMinStaleness(time.Minute)
	assert.Equal(t, time.Minute, c.MinStaleness())

	clk.Advance(2 * time.Second)
	_, err = c.GetRange(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 1, f.Calls(), "Expected the raised floor to keep the window fresh")
}

func TestPointsAreSortedAndDeduplicated(t *testing.T) {
	pts := []telemetry.Snapshot{
		{Timestamp: 3},
		{Timestamp: 1},
		{Timestamp: 2, CPUPercent: telemetry.Float(10)},
		{Timestamp: 2, CPUPercent: telemetry.Float(20)},
	}
	c := New(returning(pts), Config{}, logger.Nop())

	series, err := c.GetRange(context.Background(), 5)
	require.NoError(t, err)

	assert.Equal(t, []int64{1, 2, 3}, stamps(series))
	assert.InDelta(t, 20, *series.Points[1].CPUPercent, 0.0001)
	assert.False(t, series.Stale)
}

func TestConcurrentCallersShareOneFetch(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	f := &fakeFetcher{fn: func(context.Context, int) ([]telemetry.Snapshot, error) {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		return points(1, 2), nil
	}}
	c := New(f, Config{}, logger.Nop())

	const callers = 16
	results := make([]*telemetry.Series, callers)
	var wg sync.WaitGroup
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			series, err := c.GetRange(context.Background(), 15)
			assert.NoError(t, err)
			results[i] = series
		}()
	}

	<-started
	// Give the remaining callers time to join before the fetch completes.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, 1, f.Calls())
	for _, series := range results {
		assert.Same(t, results[0], series)
	}
}

func TestSharedFetchSurvivesCallerCancellation(t *testing.T) {
	release := make(chan struct{})
	fetchErr := make(chan error, 1)
	f := &fakeFetcher{fn: func(ctx context.Context, _ int) ([]telemetry.Snapshot, error) {
		<-release
		fetchErr <- ctx.Err()
		return points(7), nil
	}}
	c := New(f, Config{}, logger.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	errA := make(chan error, 1)
	go func() {
		_, err := c.GetRange(ctx, 5)
		errA <- err
	}()

	require.Eventually(t, func() bool { return f.Calls() == 1 }, time.Second, time.Millisecond)

	resB := make(chan *telemetry.Series, 1)
	go func() {
		series, err := c.GetRange(context.Background(), 5)
		assert.NoError(t, err)
		resB <- series
	}()

	cancel()
	assert.True(t, errors.HasCode(<-errA, errors.ErrTimeout))

	close(release)
	series := <-resB
	require.NoError(t, <-fetchErr, "Expected the shared fetch context to outlive the first caller")
	assert.Equal(t, []int64{7}, stamps(series))
	assert.Equal(t, 1, f.Calls())
}

func TestFailureReturnsStaleCopy(t *testing.T) {
	clk := newClock()
	var fail bool
	f := &fakeFetcher{fn: func(context.Context, int) ([]telemetry.Snapshot, error) {
		if fail {
			return nil, failing()
		}
		return points(1, 2), nil
	}}
	c := New(f, Config{}, logger.Nop(), WithClock(clk.Now))

	first, err := c.GetRange(context.Background(), 1)
	require.NoError(t, err)

	fail = true
	clk.Advance(time.Minute)
	stale, err := c.GetRange(context.Background(), 1)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, ErrRequest))
	require.NotNil(t, stale)
	assert.True(t, stale.Stale)
	assert.Equal(t, first.Points, stale.Points)
	assert.Equal(t, first.FetchedAt, stale.FetchedAt)
	assert.False(t, first.Stale, "Expected the cached series to stay untouched")

	fail = false
	fresh, err := c.GetRange(context.Background(), 1)
	require.NoError(t, err)
	assert.False(t, fresh.Stale)
	assert.Equal(t, 3, f.Calls())
}

func TestNonRequestErrorsAreWrapped(t *testing.T) {
	f := &fakeFetcher{fn: func(context.Context, int) ([]telemetry.Snapshot, error) {
		return nil, errors.New().New(errors.ErrParse)
	}}
	c := New(f, Config{}, logger.Nop())

	series, err := c.GetRange(context.Background(), 1)
	assert.Nil(t, series)
	assert.True(t, errors.HasCode(err, ErrRequest))
	assert.True(t, errors.HasCode(err, errors.ErrParse))
}

type fakeFallback struct {
	from, to int64
	pts      []telemetry.Snapshot
}

func (f *fakeFallback) Range(_ context.Context, from, to int64) ([]telemetry.Snapshot, error) {
	f.from, f.to = from, to
	return f.pts, nil
}

func TestFailureWithoutCacheUsesFallback(t *testing.T) {
	clk := newClock()
	f := &fakeFetcher{fn: func(context.Context, int) ([]telemetry.Snapshot, error) {
		return nil, failing()
	}}
	fb := &fakeFallback{pts: points(20, 10)}
	c := New(f, Config{}, logger.Nop(), WithClock(clk.Now), WithFallback(fb))

	series, err := c.GetRange(context.Background(), 5)
	require.Error(t, err)
	require.NotNil(t, series)

	assert.True(t, series.Stale)
	assert.Equal(t, []int64{10, 20}, stamps(series))
	assert.Equal(t, clk.Now().Unix()-300, fb.from)
	assert.Equal(t, clk.Now().Unix(), fb.to)

	// The fallback result is not cached.
	_, _ = c.GetRange(context.Background(), 5)
	assert.Equal(t, 2, f.Calls())
}

func TestFailureWithNothingToServe(t *testing.T) {
	f := &fakeFetcher{fn: func(context.Context, int) ([]telemetry.Snapshot, error) {
		return nil, failing()
	}}
	c := New(f, Config{}, logger.Nop())

	series, err := c.GetRange(context.Background(), 5)
	assert.Nil(t, series)
	assert.True(t, errors.HasCode(err, ErrRequest))
}

func TestObservedPointsAreMerged(t *testing.T) {
	clk := newClock()
	now := clk.Now().Unix()
	f := returning(points(now-120, now-60))
	c := New(f, Config{}, logger.Nop(), WithClock(clk.Now))

	c.Observe(telemetry.Snapshot{Timestamp: now - 3600})
	c.Observe(telemetry.Snapshot{Timestamp: now - 60, CPUPercent: telemetry.Float(1)})
	c.Observe(telemetry.Snapshot{Timestamp: now - 5})
	c.Observe(telemetry.Snapshot{Timestamp: now - 10})

	series, err := c.GetRange(context.Background(), 5)
	require.NoError(t, err)

	assert.Equal(t, []int64{now - 120, now - 60, now - 5}, stamps(series))
	assert.Nil(t, series.Points[1].CPUPercent, "Expected backend points to win over live ones")
}

func TestRefreshAndInvalidate(t *testing.T) {
	f := returning(points(1))
	c := New(f, Config{}, logger.Nop())

	first, err := c.GetRange(context.Background(), 1)
	require.NoError(t, err)

	refreshed, err := c.Refresh(context.Background(), 1)
	require.NoError(t, err)
	assert.NotSame(t, first, refreshed)
	assert.Equal(t, 2, f.Calls())

	c.Invalidate(1)
	_, err = c.GetRange(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 3, f.Calls())
}

func TestInvalidMinutes(t *testing.T) {
	f := returning(nil)
	c := New(f, Config{}, logger.Nop())

	_, err := c.GetRange(context.Background(), 0)
	assert.True(t, errors.HasCode(err, ErrInvalidArgument))
	_, err = c.Refresh(context.Background(), -1)
	assert.True(t, errors.HasCode(err, ErrInvalidArgument))
	assert.Zero(t, f.Calls())
}
