// Package journal keeps a local SQLite record of received snapshots.
package journal

import (
	"context"

	"codeberg.org/mutker/telesync/internal/config"
	"codeberg.org/mutker/telesync/internal/errors"
	"codeberg.org/mutker/telesync/internal/logger"
	"codeberg.org/mutker/telesync/internal/pid"
	"codeberg.org/mutker/telesync/internal/telemetry"
)

type service struct {
	repo   Repository
	cfg    Config
	lock   *pid.File
	logger logger.Logger
}

// No-op implementation
type noopJournal struct{}

// FromConfig maps the application journal settings onto a Config.
func FromConfig(c config.JournalConfig) Config {
	cfg := DefaultConfig()
	cfg.Enabled = c.Enabled
	cfg.Path = c.Path
	if c.BatchSize > 0 {
		cfg.BatchSize = c.BatchSize
	}
	if c.BatchTimeout > 0 {
		cfg.BatchTimeout = c.BatchTimeout
	}
	return cfg
}

// New opens the journal described by cfg. A disabled journal is a no-op.
// Writers hold a lock file next to the database so that only one process
// records at a time.
func New(cfg Config, log logger.Logger) (Journal, error) {
	errFactory := errors.New()

	if err := cfg.Validate(); err != nil {
		return nil, errFactory.Wrap(ErrInvalidConfig, err)
	}

	if !cfg.Enabled {
		log.Debug().Msg("Journal disabled, using no-op journal")
		return Noop(), nil
	}

	var lock *pid.File
	if !cfg.ReadOnly {
		lock = pid.ForResource(cfg.Path)
		if err := lock.Acquire(); err != nil {
			return nil, err
		}
	}

	repo, err := NewRepository(cfg, log)
	if err != nil {
		if lock != nil {
			if err := lock.Release(); err != nil {
				log.Warn().Err(err).Msg("Failed to release journal lock")
			}
		}
		return nil, err
	}

	log.Debug().
		Str("path", cfg.Path).
		Bool("read_only", cfg.ReadOnly).
		Msg("Journal initialized")

	return &service{
		repo:   repo,
		cfg:    cfg,
		lock:   lock,
		logger: log,
	}, nil
}

// Noop returns a journal that records nothing and always reads empty.
func Noop() Journal {
	return noopJournal{}
}

func (s *service) Record(ctx context.Context, snapshot telemetry.Snapshot) error {
	errFactory := errors.New()

	if s.cfg.ReadOnly {
		return errFactory.New(ErrReadOnly)
	}
	if err := snapshot.Validate(); err != nil {
		return errFactory.Wrap(ErrInvalidSnapshot, err)
	}

	select {
	case <-ctx.Done():
		return errFactory.Wrap(ErrOperationTimeout, ctx.Err())
	default:
		if err := s.repo.Record(snapshot); err != nil {
			return errFactory.Wrap(ErrStorageAccess, err)
		}
	}

	return nil
}

func (s *service) Range(ctx context.Context, from, to int64) ([]telemetry.Snapshot, error) {
	if from > to {
		return []telemetry.Snapshot{}, nil
	}
	return s.repo.Range(ctx, from, to)
}

func (s *service) Close() error {
	errFactory := errors.New()

	err := s.repo.Close()
	if s.lock != nil {
		if lockErr := s.lock.Release(); lockErr != nil {
			s.logger.Warn().Err(lockErr).Msg("Failed to release journal lock")
		}
	}
	if err != nil {
		return errFactory.Wrap(ErrStorageClose, err)
	}
	return nil
}

func (*service) Enabled() bool {
	return true
}

func (s *service) IsReadOnly() bool {
	return s.cfg.ReadOnly
}

func (noopJournal) Record(context.Context, telemetry.Snapshot) error {
	return nil
}

func (noopJournal) Range(context.Context, int64, int64) ([]telemetry.Snapshot, error) {
	return []telemetry.Snapshot{}, nil
}

func (noopJournal) Close() error {
	return nil
}

func (noopJournal) Enabled() bool {
	return false
}

func (noopJournal) IsReadOnly() bool {
	return true
}
