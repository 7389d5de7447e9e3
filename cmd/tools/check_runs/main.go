package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/david/fundingfinder/internal/config"
	"github.com/david/fundingfinder/internal/db"
	"github.com/david/fundingfinder/internal/models"
)

func main() {
	configFile := flag.String("config", "", "config file (YAML)")
	limit := flag.Int("limit", 15, "recent runs to show")
	window := flag.Int("window", 20, "runs per source considered for health")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		log.Fatal(err)
	}

	ctx := context.Background()
	pool, err := db.Connect(ctx, cfg.Database.URL, 2)
	if err != nil {
		log.Fatal(err)
	}
	defer pool.Close()
	store := db.NewStore(pool)

	health, err := store.SourceHealth(ctx, *window)
	if err != nil {
		log.Fatal(err)
	}
	renderHealth(health)

	runs, err := store.RecentSyncRuns(ctx, *limit)
	if err != nil {
		log.Fatal(err)
	}
	renderRuns(runs)
}

func renderHealth(health []models.SourceHealth) {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetTitle("Source health")
	t.AppendHeader(table.Row{"Source", "Runs", "Failures", "Error rate", "Last success", "Recent failures"})
	for _, h := range health {
		last := "never"
		if h.LastSuccessAt != nil {
			last = h.LastSuccessAt.Local().Format("2006-01-02 15:04")
		}
		t.AppendRow(table.Row{h.Source, h.Runs, h.Failures, fmt.Sprintf("%.0f%%", h.ErrorRate*100), last,
			strings.Join(h.RecentFailures, "\n")})
	}
	t.Render()
}

func renderRuns(runs []models.SourceSyncRun) {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetTitle("Recent sync runs")
	t.AppendHeader(table.Row{"Source", "Status", "Ingested", "Duration", "Started At", "Correlation", "Error"})
	for _, r := range runs {
		duration := "Running..."
		if r.CompletedAt != nil {
			duration = r.CompletedAt.Sub(r.StartedAt).Round(time.Second).String()
		}
		corr := r.CorrelationID
		if len(corr) > 8 {
			corr = corr[:8]
		}
		t.AppendRow(table.Row{r.Source, r.Status, r.Ingested, duration, r.StartedAt.Local().Format("01-02 15:04:05"), corr, r.Error})
	}
	t.Render()
}
