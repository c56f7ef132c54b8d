package anomaly

import (
	"context"
	"sort"
	"sync"

	"meter_billing/internal/model"
)

// History keeps daily totals across runs for a rolling baseline.
type History interface {
	// Record stores the daily totals of aggs, replacing earlier values for
	// the same dates.
	Record(ctx context.Context, aggs []model.DailyAggregate) error
	// Baseline summarizes up to window days strictly before day. A window
	// of 0 or less uses every stored day.
	Baseline(ctx context.Context, before model.Day, window int) (Baseline, error)
}

// MemoryHistory is an in-process History.
type MemoryHistory struct {
	mu     sync.RWMutex
	totals map[model.Day]float64
}

func NewMemoryHistory() *MemoryHistory {
	return &MemoryHistory{totals: make(map[model.Day]float64)}
}

func (h *MemoryHistory) Record(_ context.Context, aggs []model.DailyAggregate) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, a := range aggs {
		h.totals[a.Date] = a.TotalDailySum
	}
	return nil
}

func (h *MemoryHistory) Baseline(_ context.Context, before model.Day, window int) (Baseline, error) {
	h.mu.RLock()
	points := make([]DayTotal, 0, len(h.totals))
	for d, v := range h.totals {
		points = append(points, DayTotal{Date: d, Total: v})
	}
	h.mu.RUnlock()
	return WindowBaseline(points, before, window), nil
}

// DayTotal is one stored daily total.
type DayTotal struct {
	Date  model.Day
	Total float64
}

// WindowBaseline selects the last window days before the given day and
// summarizes them. Shared by History implementations.
func WindowBaseline(points []DayTotal, before model.Day, window int) Baseline {
	sort.Slice(points, func(i, j int) bool { return points[i].Date.Before(points[j].Date) })
	end := sort.Search(len(points), func(i int) bool { return !points[i].Date.Before(before) })
	startIdx := 0
	if window > 0 && end > window {
		startIdx = end - window
	}
	totals := make([]float64, 0, end-startIdx)
	for _, p := range points[startIdx:end] {
		totals = append(totals, p.Total)
	}
	return NewBaseline(totals)
}
