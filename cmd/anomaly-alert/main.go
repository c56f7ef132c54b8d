package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/sirupsen/logrus"

	"meter_billing/internal/alert"
	"meter_billing/internal/anomaly"
	"meter_billing/internal/app"
	"meter_billing/internal/config"
	"meter_billing/internal/logging"
	"meter_billing/internal/metrics"
	"meter_billing/internal/model"
	"meter_billing/internal/store"
	"meter_billing/internal/summary"
)

// result is printed as JSON when the job finishes.
type result struct {
	Message         string `json:"message"`
	FileProcessed   string `json:"file_processed"`
	RecordsAnalyzed int    `json:"records_analyzed"`
	AlertsFound     int    `json:"alerts_found"`
	Baseline        string `json:"baseline,omitempty"`
}

func main() {
	envFile := flag.String("env", ".env", "optional .env file")
	dryRun := flag.Bool("dry-run", false, "detect and print, but do not send alerts")
	useHistory := flag.Bool("history", true, "use the Redis rolling baseline when configured")
	flag.Parse()

	cfg, err := config.Load(*envFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logger := logging.New(cfg.Log.Level, cfg.Log.Format)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	res, err := run(ctx, cfg, logger, *dryRun, *useHistory)
	if err != nil {
		logging.LogError(logger, "anomaly-alert", "main", "alert job failed", nil, err)
		json.NewEncoder(os.Stdout).Encode(map[string]string{"error": err.Error()})
		os.Exit(1)
	}
	json.NewEncoder(os.Stdout).Encode(res)
}

func run(ctx context.Context, cfg *config.Config, logger *logrus.Logger, dryRun, useHistory bool) (result, error) {
	runs, closeRuns, err := app.OpenRunStore(ctx, cfg)
	if err != nil {
		return result{}, err
	}
	defer closeRuns()

	key, sums, skips, err := app.LoadLatest(ctx, runs)
	if errors.Is(err, store.ErrNoRuns) {
		logger.Warn("no billing runs found")
		return result{Message: "No billing runs found."}, nil
	}
	if err != nil {
		return result{}, err
	}
	for _, s := range skips {
		logger.WithField("line", s.Line).Debugf("summary row skipped: %s", s.Reason)
	}
	logger.WithFields(logrus.Fields{"key": key, "days": len(sums)}).Info("latest run loaded")

	var hist anomaly.History
	if useHistory {
		rdb, err := app.OpenRedis(ctx, cfg)
		if err != nil {
			logger.WithError(err).Warn("rolling baseline unavailable, using the run itself")
		} else if rdb != nil {
			defer rdb.Close()
			hist = store.NewRedisHistory(rdb, cfg.Redis.HistoryKey)
		}
	}

	det := anomaly.NewDetector(cfg.Thresholds())
	alerts, baseline, err := analyze(ctx, det, hist, cfg.Anomaly.WindowDays, key, sums)
	if err != nil {
		return result{}, err
	}

	res := result{
		Message:         "Processing complete.",
		FileProcessed:   key,
		RecordsAnalyzed: len(sums),
		AlertsFound:     len(alerts),
		Baseline:        baseline,
	}
	if dryRun || len(alerts) == 0 {
		return res, nil
	}

	notifiers, closeNotifiers := app.Notifiers(ctx, cfg, logger)
	defer closeNotifiers()
	dispatcher := alert.NewDispatcher(logger, metrics.New(), cfg.Alert.Timeout, notifiers...)
	dispatcher.Dispatch(alerts)
	dispatcher.Wait()
	return res, nil
}

// analyze re-runs the detector over a persisted run. The baseline comes
// from hist when it holds enough days before the run, else from the run.
func analyze(ctx context.Context, det *anomaly.Detector, hist anomaly.History, window int, key string, sums []model.DailySummary) ([]alert.Alert, string, error) {
	if len(sums) == 0 {
		return nil, "", nil
	}
	aggs := summary.Aggregates(sums)
	// The history baseline must end before the earliest day of the run.
	sort.SliceStable(aggs, func(i, j int) bool { return aggs[i].Date.Before(aggs[j].Date) })

	base := anomaly.BaselineFrom(aggs)
	source := "run"
	if hist != nil {
		h, err := hist.Baseline(ctx, aggs[0].Date, window)
		if err != nil {
			return nil, "", fmt.Errorf("loading baseline history: %w", err)
		}
		if h.Days >= det.Thresholds.MinBaselineDays {
			base = h
			source = "history"
		}
	}

	flags := det.EvaluateAgainst(aggs, base)
	totals := make(map[model.Day]float64, len(aggs))
	for _, a := range aggs {
		totals[a.Date] = a.TotalDailySum
	}
	alerts := alert.FromFlags(app.RunIDFromKey(key), flags, totals)
	for i := range alerts {
		alerts[i].Source = key
	}
	return alerts, source, nil
}
