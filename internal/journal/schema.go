package journal

import (
	"database/sql"

	"codeberg.org/mutker/telesync/internal/errors"
	"codeberg.org/mutker/telesync/internal/logger"
)

const (
	SchemaVersion = 1

	createTablesSQL = `
	   CREATE TABLE IF NOT EXISTS schema_versions (
	       version     INTEGER PRIMARY KEY,
	       applied_at  TEXT NOT NULL
	   );
	   CREATE TABLE IF NOT EXISTS snapshots (
	       timestamp        INTEGER PRIMARY KEY,
	       cpu_percent      REAL,
	       memory_percent   REAL,
	       disk_percent     REAL,
	       temperature_c    REAL,
	       voltage_v        REAL,
	       core_current_a   REAL,
	       rx_bytes_per_sec REAL,
	       tx_bytes_per_sec REAL,
	       recorded_at      INTEGER NOT NULL CHECK (typeof(recorded_at) = 'integer')
	   );`

	insertSnapshotSQL = `
    INSERT INTO snapshots (
        timestamp,
        cpu_percent, memory_percent, disk_percent,
        temperature_c, voltage_v, core_current_a,
        rx_bytes_per_sec, tx_bytes_per_sec,
        recorded_at
    ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
    ON CONFLICT(timestamp) DO UPDATE SET
        cpu_percent = excluded.cpu_percent,
        memory_percent = excluded.memory_percent,
        disk_percent = excluded.disk_percent,
        temperature_c = excluded.temperature_c,
        voltage_v = excluded.voltage_v,
        core_current_a = excluded.core_current_a,
        rx_bytes_per_sec = excluded.rx_bytes_per_sec,
        tx_bytes_per_sec = excluded.tx_bytes_per_sec,
        recorded_at = excluded.recorded_at`

	selectRangeSQL = `
    SELECT
        timestamp,
        cpu_percent, memory_percent, disk_percent,
        temperature_c, voltage_v, core_current_a,
        rx_bytes_per_sec, tx_bytes_per_sec
    FROM snapshots
    WHERE timestamp BETWEEN ? AND ?
    ORDER BY timestamp ASC`
)

// inTx runs fn in a transaction that is rolled back unless fn succeeds.
func inTx(db *sql.DB, log logger.Logger, code errors.ErrorCode, fn func(*sql.Tx) error) error {
	tx, err := db.Begin()
	if err != nil {
		return errors.New().Wrap(code, err)
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			log.Debug().Err(rbErr).Msg("Journal rollback failed")
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return errors.New().Wrap(code, err)
	}
	return nil
}

// InitSchema creates the journal tables and stamps them with SchemaVersion.
func InitSchema(db *sql.DB, log logger.Logger) error {
	err := inTx(db, log, ErrSchemaInitFailed, func(tx *sql.Tx) error {
		if _, err := tx.Exec(createTablesSQL); err != nil {
			return errors.New().Wrap(ErrSchemaInitFailed, err).WithData("create tables")
		}
		_, err := tx.Exec(`INSERT INTO schema_versions (version, applied_at) VALUES (?, datetime('now'))`, SchemaVersion)
		if err != nil {
			return errors.New().Wrap(ErrSchemaInitFailed, err).WithData("record version")
		}
		return nil
	})
	if err != nil {
		return err
	}

	log.Info().Int("version", SchemaVersion).Msg("Journal schema initialized")
	return nil
}

// GetSchemaVersion returns the newest recorded schema version, or 0 for a
// database that has none.
func GetSchemaVersion(db *sql.DB) (int, error) {
	var tables int
	err := db.QueryRow(`SELECT count(*) FROM sqlite_master WHERE type = 'table' AND name = 'schema_versions'`).Scan(&tables)
	if err != nil {
		return 0, errors.New().Wrap(ErrSchemaValidationFailed, err).WithData("lookup schema_versions")
	}
	if tables == 0 {
		return 0, nil
	}

	var version sql.NullInt64
	if err := db.QueryRow(`SELECT max(version) FROM schema_versions`).Scan(&version); err != nil {
		return 0, errors.New().Wrap(ErrSchemaValidationFailed, err).WithData("read version")
	}

	return int(version.Int64), nil
}
