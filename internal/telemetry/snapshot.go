package telemetry

import (
	"encoding/json"
	"time"

	"codeberg.org/mutker/telesync/internal/errors"
)

// Snapshot is one timestamped set of host readings as produced by the
// backend. Every reading is optional because the sensor may be absent.
// Snapshots are values and are never modified after decoding.
type Snapshot struct {
	Timestamp     int64         `json:"timestamp"`
	CPUPercent    *float64      `json:"cpu_percent,omitempty"`
	MemoryPercent *float64      `json:"memory_percent,omitempty"`
	DiskPercent   *float64      `json:"disk_percent,omitempty"`
	TemperatureC  *float64      `json:"temperature_c,omitempty"`
	VoltageV      *float64      `json:"voltage_v,omitempty"`
	CoreCurrentA  *float64      `json:"core_current_a,omitempty"`
	NetworkRates  *NetworkRates `json:"network_rates,omitempty"`
}

// NetworkRates holds aggregate interface throughput in bytes per second.
type NetworkRates struct {
	RxBytesPerSec *float64 `json:"rx_bytes_per_sec,omitempty"`
	TxBytesPerSec *float64 `json:"tx_bytes_per_sec,omitempty"`
}

// Time returns the snapshot timestamp as a time.Time.
func (s Snapshot) Time() time.Time {
	return time.Unix(s.Timestamp, 0)
}

// Validate reports whether the snapshot can be delivered.
func (s Snapshot) Validate() error {
	if s.Timestamp <= 0 {
		return errors.New().New(ErrMissingTimestamp)
	}
	return nil
}

// UnmarshalJSON accepts integer or fractional epoch seconds. Fractions are
// truncated so that timestamps compare as whole seconds everywhere.
func (s *Snapshot) UnmarshalJSON(data []byte) error {
	type plain Snapshot
	var raw struct {
		plain
		Timestamp json.Number `json:"timestamp"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	*s = Snapshot(raw.plain)
	if raw.Timestamp == "" {
		s.Timestamp = 0
		return nil
	}

	if ts, err := raw.Timestamp.Int64(); err == nil {
		s.Timestamp = ts
		return nil
	}
	ts, err := raw.Timestamp.Float64()
	if err != nil {
		return err
	}
	s.Timestamp = int64(ts)

	return nil
}

// Float returns a pointer to v, for building snapshots in code.
func Float(v float64) *float64 {
	return &v
}

// Value dereferences an optional reading, reporting whether it was present.
func Value(v *float64) (float64, bool) {
	if v == nil {
		return 0, false
	}
	return *v, true
}
