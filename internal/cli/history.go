package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/vietddude/queryflow/internal/core/config"
	"github.com/vietddude/queryflow/internal/infra/storage"
	"github.com/vietddude/queryflow/internal/infra/storage/postgres"
)

var (
	historyPersona   string
	historyLimit     int
	historyFailed    bool
	historyOlderThan time.Duration
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Inspect and prune stored query history",
}

var historyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent queries, newest first",
	Run:   runHistoryList,
}

var historyPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete history records older than a duration",
	Run:   runHistoryPrune,
}

func init() {
	historyListCmd.Flags().StringVar(&historyPersona, "persona", "", "only this persona")
	historyListCmd.Flags().IntVar(&historyLimit, "limit", 20, "maximum records")
	historyListCmd.Flags().BoolVar(&historyFailed, "failed", false, "only failed queries")
	historyPruneCmd.Flags().DurationVar(&historyOlderThan, "older-than", 30*24*time.Hour, "age threshold")

	historyCmd.AddCommand(historyListCmd, historyPruneCmd)
	rootCmd.AddCommand(historyCmd)
}

// openHistory connects to the configured database. History is only
// persisted when database.url is set.
func openHistory(ctx context.Context, cfg *config.AppConfig) (*postgres.DB, storage.HistoryRepository) {
	if cfg.Database.URL == "" {
		slog.Error("History requires database.url to be configured")
		os.Exit(1)
	}
	db, err := postgres.NewDB(ctx, cfg.Database)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	return db, postgres.NewHistoryRepo(db)
}

func runHistoryList(cmd *cobra.Command, args []string) {
	cfg := loadConfig()
	ctx := context.Background()

	db, repo := openHistory(ctx, cfg)
	defer func() {
		_ = db.Close()
	}()

	filter := storage.HistoryFilter{Persona: historyPersona, Limit: historyLimit}
	if historyFailed {
		failed := false
		filter.Success = &failed
	}

	records, err := repo.List(ctx, filter)
	if err != nil {
		slog.Error("Failed to list history", "error", err)
		os.Exit(1)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	_, _ = fmt.Fprintln(w, "TIME\tPERSONA\tTYPE\tOK\tMS\tQUERY")
	for _, r := range records {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%d\t%s\n",
			time.UnixMilli(r.TimestampMs).Format(time.RFC3339),
			r.Persona,
			r.QueryType,
			r.Success,
			r.ProcessingTimeMs,
			truncate(r.Query, 60),
		)
	}
	_ = w.Flush()
}

func runHistoryPrune(cmd *cobra.Command, args []string) {
	cfg := loadConfig()
	ctx := context.Background()

	db, repo := openHistory(ctx, cfg)
	defer func() {
		_ = db.Close()
	}()

	threshold := time.Now().Add(-historyOlderThan)
	n, err := repo.DeleteOlderThan(ctx, threshold.UnixMilli())
	if err != nil {
		slog.Error("Failed to prune history", "error", err)
		os.Exit(1)
	}
	slog.Info("Pruned history", "deleted", n, "before", threshold.Format(time.RFC3339))
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
