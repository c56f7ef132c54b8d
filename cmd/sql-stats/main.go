package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/shopspring/decimal"

	"meter_billing/internal/config"
	"meter_billing/internal/logging"
	"meter_billing/internal/model"
	"meter_billing/internal/store"
	"meter_billing/internal/summary"
)

func main() {
	envFile := flag.String("env", ".env", "optional .env file")
	fromFlag := flag.String("from", "", "first day, YYYY-MM-DD")
	toFlag := flag.String("to", "", "last day, YYYY-MM-DD")
	asCSV := flag.Bool("csv", false, "print the rows as summary CSV instead of a table")
	flag.Parse()

	cfg, err := config.Load(*envFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logger := logging.New(cfg.Log.Level, cfg.Log.Format)
	if cfg.MySQL.DSN == "" {
		logger.Fatal("MYSQL_DSN is not set")
	}

	from, err := model.ParseDay(*fromFlag)
	if err != nil {
		logger.Fatalf("Invalid -from: %v", err)
	}
	to, err := model.ParseDay(*toFlag)
	if err != nil {
		logger.Fatalf("Invalid -to: %v", err)
	}

	db, err := store.OpenSQLStore(cfg.MySQL.DSN)
	if err != nil {
		logger.Fatal(err)
	}
	sums, err := db.Range(context.Background(), from, to)
	if err != nil {
		logger.Fatalf("Querying daily_summaries: %v", err)
	}

	if *asCSV {
		if err := summary.WriteCSV(os.Stdout, sums); err != nil {
			logger.Fatal(err)
		}
		return
	}
	printStats(os.Stdout, from, to, sums)
}

// printStats writes one line per day and a totals line.
func printStats(out io.Writer, from, to model.Day, sums []model.DailySummary) {
	fmt.Fprintf(out, "Daily billing %s to %s (%d days)\n\n", from, to, len(sums))

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(w, "Date\tkWh\tPeak\tOff-peak\tTotal\tAnomaly\t")

	var (
		kwh       float64
		total     = decimal.Zero
		anomalies int
	)
	for _, s := range sums {
		mark := ""
		if s.AnomalyFlag {
			mark = "!"
			anomalies++
		}
		fmt.Fprintf(w, "%s\t%.2f\t%s\t%s\t%s\t%s\t\n", s.Date, s.TotalDailySum,
			s.PeakCharge.StringFixed(2), s.OffPeakCharge.StringFixed(2), s.TotalCharge.StringFixed(2), mark)
		kwh += s.TotalDailySum
		total = total.Add(s.TotalCharge)
	}
	fmt.Fprintf(w, "Total\t%.2f\t\t\t%s\t%d\t\n", kwh, total.StringFixed(2), anomalies)
	w.Flush()
}
