package cli

import (
	"fmt"
	"strings"
	"time"

	"codeberg.org/mutker/telesync/internal/connection"
	"codeberg.org/mutker/telesync/internal/telemetry"
	"github.com/charmbracelet/lipgloss"
)

const (
	colorSuccess lipgloss.Color = "2"
	colorError   lipgloss.Color = "1"
	colorWarning lipgloss.Color = "3"
	colorInfo    lipgloss.Color = "6"
	colorMuted   lipgloss.Color = "8"
)

var (
	styleMuted   = lipgloss.NewStyle().Foreground(colorMuted)
	styleLabel   = lipgloss.NewStyle().Foreground(colorInfo)
	styleError   = lipgloss.NewStyle().Foreground(colorError).Bold(true)
	styleWarning = lipgloss.NewStyle().Foreground(colorWarning)
)

func stateStyle(s connection.State) lipgloss.Style {
	switch s {
	case connection.Connected:
		return lipgloss.NewStyle().Foreground(colorSuccess).Bold(true)
	case connection.Connecting, connection.Reconnecting:
		return lipgloss.NewStyle().Foreground(colorWarning)
	case connection.Error:
		return lipgloss.NewStyle().Foreground(colorError).Bold(true)
	default:
		return styleMuted
	}
}

// renderStatus formats one connection transition.
//
//	● connected via push
//	◐ reconnecting (attempt 3): transport_error: connection reset
func renderStatus(st connection.Status) string {
	symbol := "○"
	switch st.State {
	case connection.Connected:
		symbol = "●"
	case connection.Connecting, connection.Reconnecting:
		symbol = "◐"
	case connection.Error:
		symbol = "✗"
	}

	var b strings.Builder
	b.WriteString(stateStyle(st.State).Render(symbol + " " + st.State.String()))
	if st.Transport != "" {
		b.WriteString(styleMuted.Render(" via " + st.Transport))
	}
	if st.Attempt > 0 {
		b.WriteString(styleMuted.Render(fmt.Sprintf(" (attempt %d)", st.Attempt)))
	}
	if st.Err != nil {
		b.WriteString(styleMuted.Render(": " + st.Err.Error()))
	}

	return b.String()
}

// renderSnapshot formats one snapshot as a single line. Missing readings
// are shown as a dash.
func renderSnapshot(s telemetry.Snapshot) string {
	fields := []string{
		styleMuted.Render(s.Time().Format(time.TimeOnly)),
		field("cpu", percent(s.CPUPercent)),
		field("mem", percent(s.MemoryPercent)),
		field("disk", percent(s.DiskPercent)),
		field("temp", unit(s.TemperatureC, "%.1f°C")),
		field("volt", unit(s.VoltageV, "%.2fV")),
		field("curr", unit(s.CoreCurrentA, "%.2fA")),
	}

	rx, tx := "-", "-"
	if s.NetworkRates != nil {
		rx, tx = rate(s.NetworkRates.RxBytesPerSec), rate(s.NetworkRates.TxBytesPerSec)
	}
	fields = append(fields, field("rx", rx), field("tx", tx))

	return strings.Join(fields, "  ")
}

func field(label, value string) string {
	return styleLabel.Render(label) + " " + value
}

func percent(v *float64) string {
	return unit(v, "%.1f%%")
}

func unit(v *float64, format string) string {
	f, ok := telemetry.Value(v)
	if !ok {
		return "-"
	}
	return fmt.Sprintf(format, f)
}

func rate(v *float64) string {
	f, ok := telemetry.Value(v)
	if !ok {
		return "-"
	}

	units := []string{"B/s", "KB/s", "MB/s", "GB/s"}
	i := 0
	for f >= 1024 && i < len(units)-1 {
		f /= 1024
		i++
	}
	return fmt.Sprintf("%.1f %s", f, units[i])
}
