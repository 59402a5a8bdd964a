package journal

import (
	"context"

	"codeberg.org/mutker/telesync/internal/telemetry"
)

// Journal records live snapshots locally so that a historical window can
// still be served when the backend is unreachable.
type Journal interface {
	Record(ctx context.Context, snapshot telemetry.Snapshot) error
	// Range returns the recorded snapshots with from <= timestamp <= to,
	// ascending by timestamp.
	Range(ctx context.Context, from, to int64) ([]telemetry.Snapshot, error)
	Close() error
	Enabled() bool
	IsReadOnly() bool
}

// Repository defines the interface for snapshot storage
type Repository interface {
	Record(snapshot telemetry.Snapshot) error
	Range(ctx context.Context, from, to int64) ([]telemetry.Snapshot, error)
	Close() error
}
