package telemetry

import (
	"sort"
	"time"
)

// Series is a historical window of snapshots for one requested range.
// A Series is replaced as a whole on every fetch and is not modified after
// it has been handed out.
type Series struct {
	RangeMinutes int
	Points       []Snapshot
	FetchedAt    time.Time
	// Stale marks a series served from cache or journal after a failed
	// refresh.
	Stale bool
}

// Len returns the number of points.
func (s *Series) Len() int {
	if s == nil {
		return 0
	}
	return len(s.Points)
}

// Normalize returns points sorted ascending by timestamp with one entry per
// timestamp. When a timestamp repeats, the later element in the input wins.
// The input slice is left untouched.
func Normalize(points []Snapshot) []Snapshot {
	if len(points) == 0 {
		return []Snapshot{}
	}

	index := make(map[int64]int, len(points))
	out := make([]Snapshot, 0, len(points))
	for _, p := range points {
		if i, ok := index[p.Timestamp]; ok {
			out[i] = p
			continue
		}
		index[p.Timestamp] = len(out)
		out = append(out, p)
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp < out[j].Timestamp
	})

	return out
}

// Within returns the points whose timestamp lies in [from, to].
func Within(points []Snapshot, from, to int64) []Snapshot {
	out := make([]Snapshot, 0, len(points))
	for _, p := range points {
		if p.Timestamp >= from && p.Timestamp <= to {
			out = append(out, p)
		}
	}
	return out
}
