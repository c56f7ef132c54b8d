package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/sirupsen/logrus"

	"meter_billing/internal/alert"
	"meter_billing/internal/anomaly"
	"meter_billing/internal/app"
	"meter_billing/internal/config"
	"meter_billing/internal/ingest"
	"meter_billing/internal/logging"
	"meter_billing/internal/metrics"
	"meter_billing/internal/pipeline"
	"meter_billing/internal/store"
)

func main() {
	input := flag.String("input", "", "raw meter CSV: a local path or gs://bucket/object")
	envFile := flag.String("env", ".env", "optional .env file")
	outputDir := flag.String("output-dir", "", "write the run to this directory (overrides OUTPUT_DIR and OUTPUT_BUCKET)")
	chunkSize := flag.Int("chunk-size", 0, "rows per chunk (overrides INGEST_CHUNK_SIZE)")
	flag.Parse()

	if *input == "" {
		fmt.Fprintln(os.Stderr, "usage: billing-batch -input <file|gs://bucket/object>")
		os.Exit(2)
	}

	cfg, err := config.Load(*envFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if *outputDir != "" {
		cfg.Output.Dir = *outputDir
		cfg.Output.Bucket = ""
	}
	if *chunkSize > 0 {
		cfg.Ingest.ChunkSize = *chunkSize
	}

	logger := logging.New(cfg.Log.Level, cfg.Log.Format)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger, *input); err != nil {
		if errors.Is(err, store.ErrLocked) {
			logger.Warn(err.Error())
			return
		}
		logging.LogError(logger, "billing-batch", "main", "run failed", *input, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *logrus.Logger, input string) error {
	m := metrics.New()

	rdb, err := app.OpenRedis(ctx, cfg)
	if err != nil {
		return err
	}
	if rdb != nil {
		defer rdb.Close()
		release, err := store.NewRunLock(rdb, cfg.Redis.LockKey, cfg.Redis.LockTTL).Acquire(ctx)
		if err != nil {
			return err
		}
		defer release(context.Background())
	}

	src, closeSrc, err := openSource(ctx, cfg, input)
	if err != nil {
		return err
	}
	defer closeSrc()

	loc, err := cfg.Location()
	if err != nil {
		return err
	}
	calc, err := cfg.Calculator()
	if err != nil {
		return err
	}

	engine := pipeline.New(ingest.NewMeterParser(loc, logger), calc, anomaly.NewDetector(cfg.Thresholds()), logger)
	engine.ChunkSize = cfg.Ingest.ChunkSize
	engine.Metrics = m
	if rdb != nil {
		engine.History = store.NewRedisHistory(rdb, cfg.Redis.HistoryKey)
		engine.WindowDays = cfg.Anomaly.WindowDays
	}

	rep, err := engine.Run(ctx, src)
	if err != nil {
		return err
	}

	data, err := rep.CSV()
	if err != nil {
		return err
	}
	runs, closeRuns, err := app.OpenRunStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeRuns()
	key, err := runs.Put(ctx, rep.RunID, data)
	if err != nil {
		return fmt.Errorf("persisting run %s: %w", rep.RunID, err)
	}
	logger.WithFields(logrus.Fields{"run_id": rep.RunID, "key": key}).Info("run persisted")

	// Secondary sinks never fail the run: the CSV above is the record.
	if cfg.MySQL.DSN != "" {
		if sqlStore, err := store.OpenSQLStore(cfg.MySQL.DSN); err != nil {
			logging.LogError(logger, "billing-batch", "run", "opening mysql", nil, err)
		} else if err := sqlStore.Save(ctx, rep.RunID, rep.Summaries); err != nil {
			logging.LogError(logger, "billing-batch", "run", "saving summary rows", rep.RunID, err)
		}
	}
	if cfg.Influx.URL != "" {
		if sink, err := store.NewInfluxSink(ctx, cfg.Influx.URL, cfg.Influx.Token, cfg.Influx.Org, cfg.Influx.Bucket, loc); err != nil {
			logging.LogError(logger, "billing-batch", "run", "connecting to influx", nil, err)
		} else {
			if err := sink.WriteSummaries(ctx, rep.RunID, rep.Summaries); err != nil {
				logging.LogError(logger, "billing-batch", "run", "writing influx points", rep.RunID, err)
			}
			sink.Close()
		}
	}

	notifiers, closeNotifiers := app.Notifiers(ctx, cfg, logger)
	defer closeNotifiers()
	dispatcher := alert.NewDispatcher(logger, m, cfg.Alert.Timeout, notifiers...)
	alerts := alert.FromSummaries(rep.RunID, rep.Summaries)
	dispatcher.Dispatch(alerts)
	dispatcher.Wait()

	fmt.Printf("Run %s: %d days, %d anomalies, %d rows skipped, %d values imputed -> %s\n",
		rep.RunID, len(rep.Summaries), len(alerts), rep.Stats.Skipped+rep.Stats.Dropped+rep.Duplicates, rep.Imputed, key)
	return nil
}

// openSource resolves the input flag to a local file or a Cloud Storage
// object.
func openSource(ctx context.Context, cfg *config.Config, input string) (ingest.Source, func(), error) {
	bucket, object, ok := parseGCSURI(input)
	if !ok {
		if _, err := os.Stat(input); err != nil {
			return nil, nil, fmt.Errorf("input: %w", err)
		}
		return ingest.FileSource{Path: input}, func() {}, nil
	}
	client, err := store.NewGCSClient(ctx, cfg.Output.CredentialsJSON)
	if err != nil {
		return nil, nil, fmt.Errorf("creating storage client: %w", err)
	}
	return store.GCSObject{Client: client, Bucket: bucket, Object: object}, func() { client.Close() }, nil
}

func parseGCSURI(s string) (bucket, object string, ok bool) {
	rest, found := strings.CutPrefix(s, "gs://")
	if !found {
		return "", "", false
	}
	bucket, object, found = strings.Cut(rest, "/")
	if !found || bucket == "" || object == "" {
		return "", "", false
	}
	return bucket, object, true
}
