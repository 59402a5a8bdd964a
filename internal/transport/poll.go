package transport

import (
	"context"
	"sync/atomic"
	"time"

	"codeberg.org/mutker/telesync/internal/errors"
	"codeberg.org/mutker/telesync/internal/logger"
	"codeberg.org/mutker/telesync/internal/telemetry"
)

const (
	DefaultPollInterval         = 5 * time.Second
	DefaultPollFailureThreshold = 3
)

// Fetcher returns the backend's current snapshot.
type Fetcher interface {
	Current(ctx context.Context) (telemetry.Snapshot, error)
}

type PollConfig struct {
	Interval time.Duration
	// FailureThreshold is the number of consecutive failed requests, after
	// the first success, that count as losing the channel.
	FailureThreshold int
}

// Poll requests the current snapshot on a fixed interval. Request failures
// after the first success are retried on the next tick.
type Poll struct {
	fetcher   Fetcher
	interval  atomic.Int64
	threshold int
	logger    logger.Logger
}

func NewPoll(fetcher Fetcher, cfg PollConfig, log logger.Logger) *Poll {
	p := &Poll{
		fetcher:   fetcher,
		threshold: cfg.FailureThreshold,
		logger:    log,
	}
	if p.threshold < 1 {
		p.threshold = DefaultPollFailureThreshold
	}
	p.SetInterval(cfg.Interval)
	return p
}

func (*Poll) Name() string {
	return NamePoll
}

// SetInterval changes the polling interval from the next tick on.
// Non-positive values restore the default.
func (p *Poll) SetInterval(d time.Duration) {
	if d <= 0 {
		d = DefaultPollInterval
	}
	p.interval.Store(int64(d))
}

func (p *Poll) Interval() time.Duration {
	return time.Duration(p.interval.Load())
}

func (p *Poll) Run(ctx context.Context, sink Sink) error {
	errFactory := errors.New()

	var (
		established bool
		failures    int
		last        int64
	)

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		}

		snap, err := p.fetcher.Current(ctx)
		switch {
		case err == nil:
			failures = 0
			if !established {
				established = true
				p.logger.Info().Dur("interval", p.Interval()).Msg("Polling established")
				sink.Established()
			}
			// Unchanged backend state is not a new snapshot.
			if snap.Timestamp != last {
				last = snap.Timestamp
				sink.Snapshot(snap)
			}
		case ctx.Err() != nil:
			return nil
		case IsAuthFailure(err):
			return err
		case errors.HasCode(err, errors.ErrParse):
			p.logger.Warn().Err(err).Msg("Dropped malformed poll response")
		case !established:
			return errFactory.Wrap(ErrTransport, err)
		default:
			failures++
			p.logger.Warn().
				Err(err).
				Int("failures", failures).
				Int("threshold", p.threshold).
				Msg("Poll request failed")
			if failures >= p.threshold {
				return errFactory.Wrap(ErrTransport, err)
			}
		}

		timer.Reset(p.Interval())
	}
}
