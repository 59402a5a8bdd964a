package journal

import (
	"path/filepath"
	"time"

	"codeberg.org/mutker/telesync/internal/errors"
)

const (
	defaultDirPerm      = 0o755
	defaultBatchSize    = 20
	defaultBatchTimeout = 10 * time.Second
	backupDirName       = "backups"
)

type Config struct {
	Enabled      bool
	Path         string
	BatchSize    int
	BatchTimeout time.Duration
	// ReadOnly opens an existing journal for queries without taking the
	// writer lock.
	ReadOnly bool
	// BackupDir receives a copy of the database before an incompatible
	// schema is replaced. Defaults to a backups directory next to Path.
	BackupDir string
}

func DefaultConfig() Config {
	return Config{
		Enabled:      false, // Disabled by default
		BatchSize:    defaultBatchSize,
		BatchTimeout: defaultBatchTimeout,
	}
}

func (c Config) Validate() error {
	errFactory := errors.New()

	// Only validate the path if the journal is enabled
	if c.Enabled && c.Path == "" {
		return errFactory.New(ErrInvalidDBPath)
	}
	if c.BatchSize < 0 {
		return errFactory.WithData(ErrInvalidConfig, "batch size must not be negative")
	}
	if c.BatchTimeout < 0 {
		return errFactory.WithData(ErrInvalidConfig, "batch timeout must not be negative")
	}
	return nil
}

func (c Config) backupDir() string {
	if c.BackupDir != "" {
		return c.BackupDir
	}
	return filepath.Join(filepath.Dir(c.Path), backupDirName)
}
