// Command export_feedback_csv dumps the labeled feedback store to CSV
// for offline analysis and retraining experiments.
package main

import (
	"encoding/csv"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/opsline/anomalyd/internal/model"
)

func main() {
	var (
		dbPath  = flag.String("db", "feedback/labeled_data.db", "path to the feedback database")
		outPath = flag.String("out", "feedback.csv", "output CSV file")
	)
	flag.Parse()

	fs, err := model.OpenFeedback(*dbPath, 1<<31-1)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open feedback db: %v\n", err)
		os.Exit(1)
	}
	defer fs.Close()

	entries, err := fs.All()
	if err != nil {
		fmt.Fprintf(os.Stderr, "read feedback: %v\n", err)
		os.Exit(1)
	}

	f, err := os.Create(*outPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "create output: %v\n", err)
		os.Exit(1)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write([]string{"ingest_time", "service", "source", "format", "is_anomaly", "raw_log"}); err != nil {
		fmt.Fprintf(os.Stderr, "write header: %v\n", err)
		os.Exit(1)
	}
	for _, e := range entries {
		row := []string{
			e.IngestTime.UTC().Format(time.RFC3339),
			e.Log.Service,
			e.Log.Source,
			string(e.Log.FormatType),
			strconv.Itoa(e.IsAnomaly),
			e.Log.RawLog,
		}
		if err := w.Write(row); err != nil {
			fmt.Fprintf(os.Stderr, "write row: %v\n", err)
			os.Exit(1)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		fmt.Fprintf(os.Stderr, "flush csv: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("exported %d feedback entries to %s\n", len(entries), *outPath)
}
