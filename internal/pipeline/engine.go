package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"meter_billing/internal/aggregate"
	"meter_billing/internal/anomaly"
	"meter_billing/internal/billing"
	"meter_billing/internal/ingest"
	"meter_billing/internal/logging"
	"meter_billing/internal/metrics"
	"meter_billing/internal/model"
	"meter_billing/internal/summary"
)

var tracer = otel.Tracer("meter_billing/pipeline")

// RunIDLayout is the timestamp part of a run ID.
const RunIDLayout = "20060102T150405Z"

// NewRunID returns a run-unique identifier: the UTC start time plus eight
// random hex digits, so two runs started in the same second never collide.
func NewRunID(now time.Time) string {
	return now.UTC().Format(RunIDLayout) + "-" + uuid.NewString()[:8]
}

// Engine runs the daily billing pipeline over one ingestion batch:
// ingest (observe, then fill), aggregate, bill, detect, emit.
type Engine struct {
	Parser     ingest.Parser
	Calculator *billing.Calculator
	Detector   *anomaly.Detector
	ChunkSize  int

	// History, when set, supplies a rolling baseline of WindowDays days
	// before the batch and receives the batch's totals after a successful
	// run. Without it, or while it holds too few days, the baseline comes
	// from the batch itself.
	History    anomaly.History
	WindowDays int

	Metrics *metrics.Metrics
	Log     logrus.FieldLogger

	now func() time.Time
}

func New(parser ingest.Parser, calc *billing.Calculator, det *anomaly.Detector, log logrus.FieldLogger) *Engine {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Engine{
		Parser:     parser,
		Calculator: calc,
		Detector:   det,
		ChunkSize:  ingest.DefaultChunkSize,
		Log:        log,
		now:        time.Now,
	}
}

// Report describes one finished run.
type Report struct {
	RunID     string
	Source    string
	Summaries []model.DailySummary

	Stats      ingest.Stats
	Imputed    int
	Duplicates int
	Skips      []model.RowSkipped
	SparseDays []model.Day

	Baseline anomaly.Baseline
	// BaselineSource is "history" or "batch".
	BaselineSource string
	Duration       time.Duration
}

// Anomalies returns the flagged summaries.
func (r *Report) Anomalies() []model.DailySummary {
	var out []model.DailySummary
	for _, s := range r.Summaries {
		if s.AnomalyFlag {
			out = append(out, s)
		}
	}
	return out
}

// CSV renders the summaries in the durable output format.
func (r *Report) CSV() ([]byte, error) {
	var buf bytes.Buffer
	if err := summary.WriteCSV(&buf, r.Summaries); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Run processes src. The source is read twice: once to collect per-day
// statistics for imputation and once to fill and aggregate.
func (e *Engine) Run(ctx context.Context, src ingest.Source) (rep *Report, err error) {
	start := e.now()
	rep = &Report{RunID: NewRunID(start), Source: src.Name()}
	log := e.Log.WithFields(logrus.Fields{"run_id": rep.RunID, "source": rep.Source})

	ctx, span := tracer.Start(ctx, "billing-run", trace.WithAttributes(
		attribute.String("run_id", rep.RunID),
		attribute.String("source", rep.Source),
	))
	defer func() {
		rep.Duration = e.now().Sub(start)
		e.Metrics.Run(rep.Duration, err)
		endSpan(span, err)
		if err != nil {
			logging.LogError(log, "pipeline", "Run", "billing run failed", rep.Source, err)
		}
	}()

	im := ingest.NewImputer()
	if err := e.observe(ctx, src, im); err != nil {
		return rep, err
	}

	acc := aggregate.New(e.Calculator.Window.Contains)
	stats, err := e.fill(ctx, src, im, acc)
	if err != nil {
		return rep, err
	}
	rep.Stats = stats
	rep.Imputed = im.Imputed()
	rep.Duplicates = im.Duplicates()
	rep.Skips = append(append([]model.RowSkipped(nil), stats.Skips...), im.Skips()...)
	rep.SparseDays = im.SparseDays()
	acc.MarkSparse(rep.SparseDays...)

	e.Metrics.Rows("parsed", stats.Parsed)
	e.Metrics.Rows("skipped", stats.Skipped)
	e.Metrics.Rows("dropped", stats.Dropped)
	e.Metrics.Rows("duplicate", rep.Duplicates)
	e.Metrics.Imputed(rep.Imputed)
	for _, s := range rep.Skips {
		log.WithField("line", s.Line).Debugf("row skipped: %s", s.Reason)
	}

	_, aggSpan := tracer.Start(ctx, "aggregate")
	aggs := acc.Finalize()
	aggSpan.SetAttributes(attribute.Int("days", len(aggs)))
	aggSpan.End()

	_, billSpan := tracer.Start(ctx, "bill")
	bills, err := e.Calculator.CalculateAll(aggs)
	endSpan(billSpan, err)
	if err != nil {
		return rep, err
	}

	detectCtx, detectSpan := tracer.Start(ctx, "detect")
	flags, err := e.detect(detectCtx, rep, aggs)
	endSpan(detectSpan, err)
	if err != nil {
		return rep, err
	}

	_, emitSpan := tracer.Start(ctx, "emit")
	rep.Summaries, err = summary.Emit(aggs, bills, flags)
	endSpan(emitSpan, err)
	if err != nil {
		return rep, err
	}

	if e.History != nil {
		if err := e.History.Record(ctx, aggs); err != nil {
			// The run's output is still valid; the next run falls back to
			// a shorter history.
			logging.LogError(log, "pipeline", "Run", "recording history", len(aggs), err)
		}
	}

	anomalies := 0
	for _, s := range rep.Summaries {
		if !s.AnomalyFlag {
			continue
		}
		anomalies++
		for _, r := range s.AnomalyReasons {
			e.Metrics.Anomaly(string(r))
		}
	}
	e.Metrics.DaysEmitted(len(rep.Summaries))

	log.WithFields(logrus.Fields{
		"rows":       stats.Rows,
		"parsed":     stats.Parsed,
		"skipped":    stats.Skipped,
		"dropped":    stats.Dropped,
		"duplicates": rep.Duplicates,
		"imputed":    rep.Imputed,
		"days":       len(rep.Summaries),
		"anomalies":  anomalies,
		"baseline":   rep.BaselineSource,
	}).Info("billing run complete")
	return rep, nil
}

func (e *Engine) observe(ctx context.Context, src ingest.Source, im *ingest.Imputer) (err error) {
	ctx, span := tracer.Start(ctx, "ingest-observe")
	defer func() { endSpan(span, err) }()

	r, err := src.Open(ctx)
	if err != nil {
		return &model.IngestError{Reason: "opening " + src.Name(), Err: err}
	}
	defer r.Close()

	_, err = e.Parser.Parse(r, e.ChunkSize, func(recs []model.RawRecord) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		im.Observe(recs)
		return nil
	})
	return err
}

func (e *Engine) fill(ctx context.Context, src ingest.Source, im *ingest.Imputer, acc *aggregate.Accumulator) (stats ingest.Stats, err error) {
	ctx, span := tracer.Start(ctx, "ingest-fill")
	defer func() { endSpan(span, err) }()

	r, err := src.Open(ctx)
	if err != nil {
		return stats, &model.IngestError{Reason: "reopening " + src.Name(), Err: err}
	}
	defer r.Close()

	stats, err = e.Parser.Parse(r, e.ChunkSize, func(recs []model.RawRecord) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		readings, err := im.Fill(recs)
		if err != nil {
			return err
		}
		acc.Add(readings)
		return nil
	})
	if err != nil {
		return stats, err
	}
	span.SetAttributes(attribute.Int("rows", stats.Rows), attribute.Int("parsed", stats.Parsed))
	return stats, nil
}

func (e *Engine) detect(ctx context.Context, rep *Report, aggs []model.DailyAggregate) ([]model.AnomalyFlag, error) {
	rep.Baseline = anomaly.BaselineFrom(aggs)
	rep.BaselineSource = "batch"

	if e.History != nil && len(aggs) > 0 {
		base, err := e.History.Baseline(ctx, aggs[0].Date, e.WindowDays)
		if err != nil {
			return nil, fmt.Errorf("loading baseline history: %w", err)
		}
		if base.Days >= e.Detector.Thresholds.MinBaselineDays {
			rep.Baseline = base
			rep.BaselineSource = "history"
		}
	}
	return e.Detector.EvaluateAgainst(aggs, rep.Baseline), nil
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
