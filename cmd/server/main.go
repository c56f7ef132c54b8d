package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"meter_billing/internal/alert"
	"meter_billing/internal/api"
	"meter_billing/internal/app"
	"meter_billing/internal/config"
	"meter_billing/internal/logging"
	"meter_billing/internal/metrics"
	"meter_billing/internal/model"
	"meter_billing/internal/store"
	"meter_billing/internal/ws"
)

func main() {
	envFile := flag.String("env", ".env", "optional .env file")
	addr := flag.String("addr", "", "listen address (overrides HTTP_ADDR)")
	flag.Parse()

	cfg, err := config.Load(*envFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if *addr != "" {
		cfg.HTTP.Addr = *addr
	}
	logger := logging.New(cfg.Log.Level, cfg.Log.Format)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runs, closeRuns, err := app.OpenRunStore(ctx, cfg)
	if err != nil {
		logger.Fatalf("Opening run store: %v", err)
	}
	defer closeRuns()

	m := metrics.New()
	dataStore := store.New()

	// Set up WebSocket hub and bridge
	hub := ws.NewHub(logger)
	bridge := ws.NewBridge(hub)
	handler := ws.NewHandler(hub, dataStore)

	loader := &runLoader{
		runs:        runs,
		store:       dataStore,
		dispatcher:  alert.NewDispatcher(logger, m, cfg.Alert.Timeout, bridge),
		onPublished: bridge.OnPublished,
		log:         logger,
	}
	if _, err := loader.Load(ctx); err != nil {
		if !errors.Is(err, store.ErrNoRuns) {
			logger.Fatalf("Loading latest run: %v", err)
		}
		logger.Warn("No billing runs yet, serving empty data")
	}
	if first, last, ok := dataStore.DateRange(); ok {
		logger.Infof("Data loaded: %s to %s (run %s)", first, last, dataStore.RunID())
	}
	go loader.Poll(ctx, cfg.HTTP.ReloadInterval)

	router := api.NewRouter(dataStore, api.Options{
		AllowOrigins: cfg.HTTP.AllowOrigins,
		Reload:       loader.Load,
		WS:           handler,
		Metrics:      m,
		Log:          logger,
	})

	srv := &http.Server{Addr: cfg.HTTP.Addr, Handler: router}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Infof("Starting server on %s", cfg.HTTP.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal(err)
	}
	loader.dispatcher.Wait()
}

// runLoader keeps the in-memory store on the latest persisted run.
type runLoader struct {
	runs        store.RunStore
	store       *store.Store
	dispatcher  *alert.Dispatcher
	onPublished func(runID string, summaries []model.DailySummary)
	log         logrus.FieldLogger

	mu sync.Mutex
}

// Load swaps in the latest run if it differs from the served one and
// announces it. It returns the served run ID.
func (l *runLoader) Load(ctx context.Context) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	key, sums, skips, err := app.LoadLatest(ctx, l.runs)
	if err != nil {
		return l.store.RunID(), err
	}
	runID := app.RunIDFromKey(key)
	if runID == l.store.RunID() {
		return runID, nil
	}
	if len(skips) > 0 {
		l.log.WithFields(logrus.Fields{"key": key, "skipped": len(skips)}).Warn("summary rows skipped")
	}

	l.store.Replace(runID, sums)
	l.log.WithFields(logrus.Fields{"run_id": runID, "days": len(sums)}).Info("run loaded")

	if l.onPublished != nil {
		l.onPublished(runID, sums)
	}
	l.dispatcher.Dispatch(alert.FromSummaries(runID, sums))
	return runID, nil
}

// Poll reloads every interval until ctx is done. A zero interval disables
// polling.
func (l *runLoader) Poll(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := l.Load(ctx); err != nil && !errors.Is(err, store.ErrNoRuns) {
				logging.LogError(l.log, "server", "Poll", "reloading latest run", nil, err)
			}
		}
	}
}
