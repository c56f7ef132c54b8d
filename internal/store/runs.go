package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// RunFilePrefix and RunFileSuffix frame every persisted run object name.
const (
	RunFilePrefix = "billing_agg_"
	RunFileSuffix = ".csv"
)

// ErrNoRuns is returned when no persisted run exists yet.
var ErrNoRuns = errors.New("no billing runs found")

// ErrRunExists is returned when a run identifier was already written.
var ErrRunExists = errors.New("billing run already exists")

// RunStore persists run outputs. Runs are write-once and never overwritten.
type RunStore interface {
	// Put writes a run's CSV and returns its object key.
	Put(ctx context.Context, runID string, data []byte) (string, error)
	// Latest returns the key and content of the newest run.
	Latest(ctx context.Context) (string, []byte, error)
}

// ObjectKey returns the object name for a run under prefix.
func ObjectKey(prefix, runID string) string {
	return prefix + RunFilePrefix + runID + RunFileSuffix
}

// DirStore keeps runs as files in a local directory.
type DirStore struct {
	Dir string
}

func NewDirStore(dir string) *DirStore {
	return &DirStore{Dir: dir}
}

func (s *DirStore) Put(_ context.Context, runID string, data []byte) (string, error) {
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return "", fmt.Errorf("creating output dir: %w", err)
	}
	name := ObjectKey("", runID)
	path := filepath.Join(s.Dir, name)

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if errors.Is(err, os.ErrExist) {
		return "", fmt.Errorf("%s: %w", name, ErrRunExists)
	}
	if err != nil {
		return "", fmt.Errorf("creating %s: %w", name, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(path)
		return "", fmt.Errorf("writing %s: %w", name, err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("closing %s: %w", name, err)
	}
	return path, nil
}

// Latest picks the run with the greatest identifier. Run identifiers start
// with a UTC timestamp, so name order is creation order.
func (s *DirStore) Latest(_ context.Context) (string, []byte, error) {
	entries, err := os.ReadDir(s.Dir)
	if errors.Is(err, os.ErrNotExist) {
		return "", nil, ErrNoRuns
	}
	if err != nil {
		return "", nil, fmt.Errorf("listing %s: %w", s.Dir, err)
	}

	var names []string
	for _, e := range entries {
		n := e.Name()
		if e.IsDir() || !strings.HasPrefix(n, RunFilePrefix) || !strings.HasSuffix(n, RunFileSuffix) {
			continue
		}
		names = append(names, n)
	}
	if len(names) == 0 {
		return "", nil, ErrNoRuns
	}
	sort.Strings(names)

	path := filepath.Join(s.Dir, names[len(names)-1])
	data, err := os.ReadFile(path)
	if err != nil {
		return "", nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return path, data, nil
}
