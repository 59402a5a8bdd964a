package journal

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"sync"
	"time"

	"codeberg.org/mutker/telesync/internal/errors"
	"codeberg.org/mutker/telesync/internal/logger"
	"codeberg.org/mutker/telesync/internal/telemetry"
	_ "github.com/mattn/go-sqlite3"
)

type repository struct {
	db            *sql.DB
	logger        logger.Logger
	cfg           Config
	mu            sync.Mutex
	buffer        []telemetry.Snapshot
	flushTicker   *time.Ticker
	shutdownChan  chan struct{}
	flushDoneChan chan struct{}
	closeOnce     sync.Once
	closeErr      error
}

func NewRepository(cfg Config, log logger.Logger) (Repository, error) {
	errFactory := errors.New()

	if cfg.Path == "" {
		return nil, errFactory.New(ErrInvalidDBPath)
	}

	db, err := open(cfg)
	if err != nil {
		return nil, err
	}

	if cfg.ReadOnly {
		err = checkSchema(db)
	} else {
		err = ValidateAndUpdateSchema(db, cfg.backupDir(), log)
	}
	if err != nil {
		db.Close()
		return nil, errFactory.WithData(ErrStorageInit, struct {
			Phase string
			Error string
		}{
			Phase: "schema_version",
			Error: err.Error(),
		})
	}

	log.Info().
		Str("path", cfg.Path).
		Int("schema_version", SchemaVersion).
		Int("batch_size", cfg.BatchSize).
		Dur("batch_timeout", cfg.BatchTimeout).
		Bool("read_only", cfg.ReadOnly).
		Msg("Journal repository initialized")

	repo := &repository{
		db:            db,
		logger:        log,
		cfg:           cfg,
		buffer:        make([]telemetry.Snapshot, 0, max(cfg.BatchSize, 1)),
		shutdownChan:  make(chan struct{}),
		flushDoneChan: make(chan struct{}),
	}

	// Start background goroutine for periodic flushing if batching is enabled
	if !cfg.ReadOnly && cfg.BatchSize > 1 && cfg.BatchTimeout > 0 {
		repo.flushTicker = time.NewTicker(cfg.BatchTimeout)
		go repo.flusher()
	} else {
		close(repo.flushDoneChan)
	}

	return repo, nil
}

func open(cfg Config) (*sql.DB, error) {
	errFactory := errors.New()

	var dsn string
	if cfg.ReadOnly {
		if _, err := os.Stat(cfg.Path); err != nil {
			return nil, errFactory.Wrap(ErrStorageAccess, err)
		}
		dsn = "file:" + cfg.Path + "?mode=ro&_busy_timeout=5000"
	} else {
		if err := os.MkdirAll(filepath.Dir(cfg.Path), defaultDirPerm); err != nil {
			return nil, errFactory.WithData(ErrStorageInit, struct {
				Phase string
				Path  string
				Error string
			}{
				Phase: "create_directory",
				Path:  cfg.Path,
				Error: err.Error(),
			})
		}
		// WAL keeps read-only readers working while a writer is active
		dsn = cfg.Path + "?_journal=WAL&_auto_vacuum=2&_busy_timeout=5000"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errFactory.WithData(ErrStorageInit, struct {
			Phase string
			Error string
		}{
			Phase: "open_database",
			Error: err.Error(),
		})
	}

	return db, nil
}

func (r *repository) Record(snapshot telemetry.Snapshot) error {
	if r.cfg.ReadOnly {
		return errors.New().New(ErrReadOnly)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.buffer = append(r.buffer, snapshot)

	if len(r.buffer) >= r.cfg.BatchSize {
		return r.flush()
	}

	return nil
}

func (r *repository) Range(ctx context.Context, from, to int64) ([]telemetry.Snapshot, error) {
	errFactory := errors.New()

	r.mu.Lock()
	defer r.mu.Unlock()

	// Pending snapshots must be visible to readers of this process.
	if err := r.flush(); err != nil {
		return nil, err
	}

	rows, err := r.db.QueryContext(ctx, selectRangeSQL, from, to)
	if err != nil {
		return nil, errFactory.Wrap(ErrStorageAccess, err)
	}
	defer rows.Close()

	points := make([]telemetry.Snapshot, 0)
	for rows.Next() {
		var (
			snap                         telemetry.Snapshot
			cpu, mem, disk, temp         sql.NullFloat64
			voltage, current, rx, txRate sql.NullFloat64
		)
		if err := rows.Scan(&snap.Timestamp, &cpu, &mem, &disk, &temp, &voltage, &current, &rx, &txRate); err != nil {
			return nil, errFactory.Wrap(ErrStorageAccess, err)
		}

		snap.CPUPercent = pointer(cpu)
		snap.MemoryPercent = pointer(mem)
		snap.DiskPercent = pointer(disk)
		snap.TemperatureC = pointer(temp)
		snap.VoltageV = pointer(voltage)
		snap.CoreCurrentA = pointer(current)
		if rx.Valid || txRate.Valid {
			snap.NetworkRates = &telemetry.NetworkRates{
				RxBytesPerSec: pointer(rx),
				TxBytesPerSec: pointer(txRate),
			}
		}

		points = append(points, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, errFactory.Wrap(ErrStorageAccess, err)
	}

	return points, nil
}

func (r *repository) Close() error {
	r.closeOnce.Do(func() {
		r.closeErr = r.close()
	})
	return r.closeErr
}

func (r *repository) close() error {
	errFactory := errors.New()

	// Signal the flusher goroutine to stop and wait for its final flush
	close(r.shutdownChan)
	if r.flushTicker != nil {
		r.flushTicker.Stop()
	}
	<-r.flushDoneChan

	if !r.cfg.ReadOnly {
		r.mu.Lock()
		err := r.flush()
		r.mu.Unlock()
		if err != nil {
			r.logger.Warn().Err(err).Int("records", len(r.buffer)).Msg("Dropping unflushed snapshots")
		}

		// Checkpoint WAL and cleanup on close
		if _, err := r.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
			r.db.Close()
			return errFactory.WithData(ErrStorageClose, struct {
				Phase string
				Error string
			}{
				Phase: "checkpoint_wal",
				Error: err.Error(),
			})
		}
	}

	if err := r.db.Close(); err != nil {
		return errFactory.WithData(ErrStorageClose, struct {
			Phase string
			Error string
		}{
			Phase: "close_database",
			Error: err.Error(),
		})
	}

	r.logger.Info().Msg("Journal repository closed")

	return nil
}

func (r *repository) flusher() {
	defer close(r.flushDoneChan)

	for {
		select {
		case <-r.flushTicker.C:
			r.mu.Lock()
			if err := r.flush(); err != nil {
				r.logger.Warn().Err(err).Msg("Periodic journal flush failed")
			}
			r.mu.Unlock()
		case <-r.shutdownChan:
			return
		}
	}
}

// flush writes the buffer in one transaction. Callers hold r.mu.
func (r *repository) flush() error {
	if len(r.buffer) == 0 {
		return nil
	}

	errFactory := errors.New()

	tx, err := r.db.Begin()
	if err != nil {
		r.logger.Error().Err(err).Msg("Failed to begin transaction")
		return errFactory.Wrap(ErrTransactionFailed, err)
	}

	stmt, err := tx.Prepare(insertSnapshotSQL)
	if err != nil {
		r.logger.Error().Err(err).Msg("Failed to prepare statement")
		if err := tx.Rollback(); err != nil {
			r.logger.Error().Err(err).Msg("Failed to roll back transaction")
		}
		return errFactory.Wrap(ErrTransactionFailed, err)
	}
	defer stmt.Close()

	recordedAt := time.Now().Unix()
	for _, snap := range r.buffer {
		var rx, txRate *float64
		if snap.NetworkRates != nil {
			rx, txRate = snap.NetworkRates.RxBytesPerSec, snap.NetworkRates.TxBytesPerSec
		}

		values := []any{
			snap.Timestamp,
			nullable(snap.CPUPercent),
			nullable(snap.MemoryPercent),
			nullable(snap.DiskPercent),
			nullable(snap.TemperatureC),
			nullable(snap.VoltageV),
			nullable(snap.CoreCurrentA),
			nullable(rx),
			nullable(txRate),
			recordedAt,
		}

		if _, err := stmt.Exec(values...); err != nil {
			r.logger.Error().Err(err).Msg("Failed to execute insert")
			if err := tx.Rollback(); err != nil {
				r.logger.Error().Err(err).Msg("Failed to roll back transaction")
			}
			return errFactory.Wrap(ErrTransactionFailed, err)
		}
	}

	if err := tx.Commit(); err != nil {
		r.logger.Error().Err(err).Msg("Failed to commit transaction")
		return errFactory.Wrap(ErrTransactionFailed, err)
	}

	r.logger.Debug().Int("records", len(r.buffer)).Msg("Flushed snapshots to journal")
	r.buffer = r.buffer[:0]

	return nil
}

func nullable(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func pointer(n sql.NullFloat64) *float64 {
	if !n.Valid {
		return nil
	}
	return telemetry.Float(n.Float64)
}
