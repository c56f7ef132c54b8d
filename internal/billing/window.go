package billing

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Window is a half-open range of hours of day, [StartHour, EndHour).
type Window struct {
	StartHour int
	EndHour   int
}

func (w Window) contains(hour int) bool {
	return hour >= w.StartHour && hour < w.EndHour
}

func (w Window) String() string {
	return fmt.Sprintf("%02d-%02d", w.StartHour, w.EndHour)
}

// PeakWindow is a set of non-overlapping hour windows billed at the peak rate.
type PeakWindow []Window

// DefaultPeakWindow covers the morning and evening demand peaks.
var DefaultPeakWindow = PeakWindow{{StartHour: 8, EndHour: 12}, {StartHour: 18, EndHour: 22}}

// Contains reports whether t's wall-clock hour falls inside the window.
func (p PeakWindow) Contains(t time.Time) bool {
	h := t.Hour()
	for _, w := range p {
		if w.contains(h) {
			return true
		}
	}
	return false
}

// Hours returns the number of peak hours per day.
func (p PeakWindow) Hours() int {
	n := 0
	for _, w := range p {
		n += w.EndHour - w.StartHour
	}
	return n
}

func (p PeakWindow) String() string {
	parts := make([]string, len(p))
	for i, w := range p {
		parts[i] = w.String()
	}
	return strings.Join(parts, ",")
}

// ParsePeakWindow parses a comma-separated list of "HH-HH" hour ranges,
// e.g. "08-12,18-22". An end hour of 24 means midnight.
func ParsePeakWindow(s string) (PeakWindow, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return PeakWindow{}, nil
	}

	var out PeakWindow
	for _, part := range strings.Split(s, ",") {
		bounds := strings.Split(strings.TrimSpace(part), "-")
		if len(bounds) != 2 {
			return nil, fmt.Errorf("peak window %q: expected HH-HH", part)
		}
		startHour, err := strconv.Atoi(strings.TrimSpace(bounds[0]))
		if err != nil {
			return nil, fmt.Errorf("peak window %q: start hour: %w", part, err)
		}
		endHour, err := strconv.Atoi(strings.TrimSpace(bounds[1]))
		if err != nil {
			return nil, fmt.Errorf("peak window %q: end hour: %w", part, err)
		}
		if startHour < 0 || endHour > 24 || startHour >= endHour {
			return nil, fmt.Errorf("peak window %q: hours must satisfy 0 <= start < end <= 24", part)
		}
		out = append(out, Window{StartHour: startHour, EndHour: endHour})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].StartHour < out[j].StartHour })
	for i := 1; i < len(out); i++ {
		if out[i].StartHour < out[i-1].EndHour {
			return nil, fmt.Errorf("peak windows %s and %s overlap", out[i-1], out[i])
		}
	}
	return out, nil
}
