package ingest

import (
	"io"

	"meter_billing/internal/model"
)

// DefaultChunkSize bounds how many records a parser hands over at once.
const DefaultChunkSize = 10000

// maxSkipDetail caps how many skipped rows are kept with their reason.
const maxSkipDetail = 100

// Parser streams raw meter records from a source in bounded chunks. The
// chunk slice passed to fn is not reused by the parser.
type Parser interface {
	Parse(r io.Reader, chunkSize int, fn func([]model.RawRecord) error) (Stats, error)
}

// Stats counts what a parse pass saw.
type Stats struct {
	Rows    int // data rows, excluding the header
	Parsed  int // rows handed to the callback
	Dropped int // rows with every field missing
	Skipped int // rows rejected for a malformed timestamp or CSV syntax
	Missing int // individual missing field values in parsed rows

	Skips []model.RowSkipped
}

func (s *Stats) skip(line int, reason string) {
	s.Skipped++
	s.note(line, reason)
}

func (s *Stats) drop(line int) {
	s.Dropped++
	s.note(line, "all fields missing")
}

func (s *Stats) note(line int, reason string) {
	if len(s.Skips) < maxSkipDetail {
		s.Skips = append(s.Skips, model.RowSkipped{Line: line, Reason: reason})
	}
}
