package devserver

import (
	"context"
	"sync"
	"time"

	"codeberg.org/mutker/telesync/internal/telemetry"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
	psnet "github.com/shirou/gopsutil/v3/net"
)

// Sampler produces one snapshot per call.
type Sampler interface {
	Sample(ctx context.Context) (telemetry.Snapshot, error)
}

// HostSampler reads the local machine. Readings the host cannot provide
// are left empty. Voltage and core current are never available here.
type HostSampler struct {
	diskPath string
	now      func() time.Time

	mu      sync.Mutex
	prevNet *psnet.IOCountersStat
	prevAt  time.Time
}

func NewHostSampler(diskPath string) *HostSampler {
	if diskPath == "" {
		diskPath = "/"
	}
	return &HostSampler{diskPath: diskPath, now: time.Now}
}

func (h *HostSampler) Sample(ctx context.Context) (telemetry.Snapshot, error) {
	now := h.now()
	snap := telemetry.Snapshot{Timestamp: now.Unix()}

	if pct, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(pct) > 0 {
		snap.CPUPercent = telemetry.Float(pct[0])
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		snap.MemoryPercent = telemetry.Float(vm.UsedPercent)
	}

	if usage, err := disk.UsageWithContext(ctx, h.diskPath); err == nil {
		snap.DiskPercent = telemetry.Float(usage.UsedPercent)
	}

	// Sensors may report partial results together with a warning.
	if temps, _ := host.SensorsTemperaturesWithContext(ctx); len(temps) > 0 {
		hottest := temps[0].Temperature
		for _, t := range temps[1:] {
			hottest = max(hottest, t.Temperature)
		}
		snap.TemperatureC = telemetry.Float(hottest)
	}

	if counters, err := psnet.IOCountersWithContext(ctx, false); err == nil && len(counters) > 0 {
		snap.NetworkRates = h.rates(counters[0], now)
	}

	return snap, ctx.Err()
}

// rates turns cumulative counters into per-second rates. The first call
// only primes the counters.
func (h *HostSampler) rates(cur psnet.IOCountersStat, now time.Time) *telemetry.NetworkRates {
	h.mu.Lock()
	defer h.mu.Unlock()

	prev, prevAt := h.prevNet, h.prevAt
	h.prevNet, h.prevAt = &cur, now

	if prev == nil {
		return nil
	}
	elapsed := now.Sub(prevAt).Seconds()
	if elapsed <= 0 || cur.BytesRecv < prev.BytesRecv || cur.BytesSent < prev.BytesSent {
		return nil
	}

	return &telemetry.NetworkRates{
		RxBytesPerSec: telemetry.Float(float64(cur.BytesRecv-prev.BytesRecv) / elapsed),
		TxBytesPerSec: telemetry.Float(float64(cur.BytesSent-prev.BytesSent) / elapsed),
	}
}
