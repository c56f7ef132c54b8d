package store

import (
	"sort"
	"sync"
	"time"

	"meter_billing/internal/model"
)

// Store holds the daily summaries of the latest published run in memory,
// sorted by date.
type Store struct {
	mu        sync.RWMutex
	runID     string
	summaries []model.DailySummary
}

func New() *Store {
	return &Store{}
}

// Replace swaps in a run's summaries. Runs supersede each other; summaries
// are never mutated in place.
func (s *Store) Replace(runID string, summaries []model.DailySummary) {
	sorted := make([]model.DailySummary, len(summaries))
	copy(sorted, summaries)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Date.Before(sorted[j].Date)
	})

	s.mu.Lock()
	defer s.mu.Unlock()
	s.runID = runID
	s.summaries = sorted
}

// RunID returns the identifier of the loaded run, or "" if none.
func (s *Store) RunID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.runID
}

// Len returns the number of loaded days.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.summaries)
}

// All returns a copy of every loaded summary.
func (s *Store) All() []model.DailySummary {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.DailySummary, len(s.summaries))
	copy(out, s.summaries)
	return out
}

// DateRange returns the first and last loaded day.
func (s *Store) DateRange() (first, last model.Day, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.summaries) == 0 {
		return model.Day{}, model.Day{}, false
	}
	return s.summaries[0].Date, s.summaries[len(s.summaries)-1].Date, true
}

// InRange returns summaries dated from (inclusive) to to (inclusive).
func (s *Store) InRange(from, to model.Day) []model.DailySummary {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.summaries
	if len(all) == 0 {
		return nil
	}

	// Binary search for start index
	startIdx := sort.Search(len(all), func(i int) bool {
		return !all[i].Date.Before(from)
	})

	// Binary search for end index
	endIdx := sort.Search(len(all), func(i int) bool {
		return all[i].Date.After(to)
	})

	if startIdx >= endIdx {
		return nil
	}

	result := make([]model.DailySummary, endIdx-startIdx)
	copy(result, all[startIdx:endIdx])
	return result
}

// Month returns the summaries of one calendar month.
func (s *Store) Month(year int, month time.Month) []model.DailySummary {
	first := model.Day{Year: year, Month: month, Day: 1}
	last := first.Time(nil).AddDate(0, 1, -1)
	return s.InRange(first, model.DayOf(last))
}

// Get returns the summary for a single day.
func (s *Store) Get(day model.Day) (model.DailySummary, bool) {
	r := s.InRange(day, day)
	if len(r) == 0 {
		return model.DailySummary{}, false
	}
	return r[0], true
}
