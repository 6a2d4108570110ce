package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show per-persona query history statistics",
	Run:   runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) {
	cfg := loadConfig()
	ctx := context.Background()

	db, _ := openHistory(ctx, cfg)
	defer func() {
		_ = db.Close()
	}()

	rows, err := db.QueryContext(ctx, `
		SELECT persona, COUNT(*), COUNT(*) FILTER (WHERE success), COALESCE(AVG(processing_time_ms), 0), MAX(timestamp_ms)
		FROM query_history
		GROUP BY persona
		ORDER BY persona`)
	if err != nil {
		slog.Error("Failed to query history", "error", err)
		os.Exit(1)
	}
	defer func() {
		_ = rows.Close()
	}()

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(w, "PERSONA\tQUERIES\tSUCCESS\tAVG MS\tLAST")

	for rows.Next() {
		var (
			persona   string
			total     int64
			succeeded int64
			avgMs     float64
			lastMs    int64
		)
		if err := rows.Scan(&persona, &total, &succeeded, &avgMs, &lastMs); err != nil {
			continue
		}
		_, _ = fmt.Fprintf(w, "%s\t%d\t%d\t%.0f\t%s\n",
			persona, total, succeeded, avgMs, time.UnixMilli(lastMs).Format(time.RFC3339))
	}
	_ = w.Flush()
}
