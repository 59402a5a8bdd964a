package journal

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"
	"time"

	"codeberg.org/mutker/telesync/internal/config"
	"codeberg.org/mutker/telesync/internal/errors"
	"codeberg.org/mutker/telesync/internal/logger"
	"codeberg.org/mutker/telesync/internal/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Enabled = true
	cfg.Path = filepath.Join(t.TempDir(), "journal.db")
	cfg.BatchSize = 1
	return cfg
}

func TestRecordAndRange(t *testing.T) {
	j, err := New(testConfig(t), logger.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, j.Close()) })

	ctx := context.Background()
	require.NoError(t, j.Record(ctx, telemetry.Snapshot{Timestamp: 30, CPUPercent: telemetry.Float(3)}))
	require.NoError(t, j.Record(ctx, telemetry.Snapshot{Timestamp: 10, CPUPercent: telemetry.Float(1)}))
	require.NoError(t, j.Record(ctx, telemetry.Snapshot{
		Timestamp:    20,
		TemperatureC: telemetry.Float(48.5),
		NetworkRates: &telemetry.NetworkRates{TxBytesPerSec: telemetry.Float(512)},
	}))

	points, err := j.Range(ctx, 0, 25)
	require.NoError(t, err)
	require.Len(t, points, 2)
	assert.Equal(t, int64(10), points[0].Timestamp)
	assert.Equal(t, int64(20), points[1].Timestamp)

	assert.Nil(t, points[1].CPUPercent, "Expected absent reading to stay absent")
	require.NotNil(t, points[1].TemperatureC)
	assert.InDelta(t, 48.5, *points[1].TemperatureC, 0.0001)
	require.NotNil(t, points[1].NetworkRates)
	assert.Nil(t, points[1].NetworkRates.RxBytesPerSec)
	assert.InDelta(t, 512, *points[1].NetworkRates.TxBytesPerSec, 0.0001)
	assert.Nil(t, points[0].NetworkRates)

	empty, err := j.Range(ctx, 50, 40)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestRecordSameTimestampLastWriteWins(t *testing.T) {
	j, err := New(testConfig(t), logger.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })

	ctx := context.Background()
	require.NoError(t, j.Record(ctx, telemetry.Snapshot{Timestamp: 5, CPUPercent: telemetry.Float(1)}))
	require.NoError(t, j.Record(ctx, telemetry.Snapshot{Timestamp: 5, CPUPercent: telemetry.Float(2)}))

	points, err := j.Range(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, points, 1)
	assert.InDelta(t, 2, *points[0].CPUPercent, 0.0001)
}

func TestBatchedSnapshotsVisibleBeforeFlush(t *testing.T) {
	cfg := testConfig(t)
	cfg.BatchSize = 100
	cfg.BatchTimeout = time.Hour

	j, err := New(cfg, logger.Nop())
	require.NoError(t, err)

	ctx := context.Background()
	for ts := int64(1); ts <= 3; ts++ {
		require.NoError(t, j.Record(ctx, telemetry.Snapshot{Timestamp: ts}))
	}

	points, err := j.Range(ctx, 1, 3)
	require.NoError(t, err)
	assert.Len(t, points, 3)

	require.NoError(t, j.Record(ctx, telemetry.Snapshot{Timestamp: 4}))
	require.NoError(t, j.Close())
	require.NoError(t, j.Close(), "Expected repeated close to succeed")

	// Buffered snapshots are written on close.
	cfg.ReadOnly = true
	reader, err := New(cfg, logger.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = reader.Close() })

	points, err = reader.Range(ctx, 0, 10)
	require.NoError(t, err)
	assert.Len(t, points, 4)
}

func TestRecordRejectsInvalidSnapshot(t *testing.T) {
	j, err := New(testConfig(t), logger.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })

	err = j.Record(context.Background(), telemetry.Snapshot{})
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, ErrInvalidSnapshot))
}

func TestRecordCancelledContext(t *testing.T) {
	j, err := New(testConfig(t), logger.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err = j.Record(ctx, telemetry.Snapshot{Timestamp: 1})
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, ErrOperationTimeout))
}

func TestSingleWriter(t *testing.T) {
	cfg := testConfig(t)

	first, err := New(cfg, logger.Nop())
	require.NoError(t, err)

	_, err = New(cfg, logger.Nop())
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrAlreadyRunning))

	// Readers do not need the lock.
	reader, err := New(Config{Enabled: true, Path: cfg.Path, ReadOnly: true}, logger.Nop())
	require.NoError(t, err)
	assert.True(t, reader.IsReadOnly())
	err = reader.Record(context.Background(), telemetry.Snapshot{Timestamp: 1})
	assert.True(t, errors.HasCode(err, ErrReadOnly))
	require.NoError(t, reader.Close())

	require.NoError(t, first.Close())

	second, err := New(cfg, logger.Nop())
	require.NoError(t, err, "Expected lock released on close")
	require.NoError(t, second.Close())
}

func TestReadOnlyMissingDatabase(t *testing.T) {
	_, err := New(Config{
		Enabled:  true,
		Path:     filepath.Join(t.TempDir(), "missing.db"),
		ReadOnly: true,
	}, logger.Nop())
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, ErrStorageAccess))
}

func TestSchemaMismatchIsBackedUp(t *testing.T) {
	cfg := testConfig(t)
	cfg.BackupDir = filepath.Join(t.TempDir(), "backups")

	db, err := sql.Open("sqlite3", cfg.Path)
	require.NoError(t, err)
	_, err = db.Exec(`
		CREATE TABLE schema_versions (version INTEGER PRIMARY KEY, applied_at TEXT NOT NULL);
		INSERT INTO schema_versions (version, applied_at) VALUES (99, datetime('now'));`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	j, err := New(cfg, logger.Nop())
	require.NoError(t, err)
	require.NoError(t, j.Close())

	entries, err := os.ReadDir(cfg.BackupDir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0].Name(), "journal_v99_")

	db, err = sql.Open("sqlite3", cfg.Path)
	require.NoError(t, err)
	defer db.Close()
	version, err := GetSchemaVersion(db)
	require.NoError(t, err)
	assert.Equal(t, SchemaVersion, version)
}

func TestDisabledJournalIsNoop(t *testing.T) {
	j, err := New(DefaultConfig(), logger.Nop())
	require.NoError(t, err)

	assert.False(t, j.Enabled())
	require.NoError(t, j.Record(context.Background(), telemetry.Snapshot{Timestamp: 1}))
	points, err := j.Range(context.Background(), 0, 10)
	require.NoError(t, err)
	assert.Empty(t, points)
	require.NoError(t, j.Close())
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		code errors.ErrorCode
	}{
		{"disabled without path", Config{}, ""},
		{"enabled without path", Config{Enabled: true}, ErrInvalidDBPath},
		{"negative batch", Config{BatchSize: -1}, ErrInvalidConfig},
		{"negative timeout", Config{BatchTimeout: -time.Second}, ErrInvalidConfig},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.code == "" {
				assert.NoError(t, err)
				return
			}
			assert.True(t, errors.HasCode(err, tt.code))
		})
	}
}

func TestFromConfig(t *testing.T) {
	cfg := FromConfig(config.JournalConfig{Enabled: true, Path: "/tmp/j.db"})
	assert.True(t, cfg.Enabled)
	assert.Equal(t, "/tmp/j.db", cfg.Path)
	assert.Equal(t, defaultBatchSize, cfg.BatchSize)
	assert.Equal(t, defaultBatchTimeout, cfg.BatchTimeout)
	assert.Equal(t, filepath.Join("/tmp", backupDirName), cfg.backupDir())
}
