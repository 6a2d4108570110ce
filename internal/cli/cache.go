package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/vietddude/queryflow/internal/cache"
	"github.com/vietddude/queryflow/internal/core/domain"
	redisclient "github.com/vietddude/queryflow/internal/infra/redis"
)

var cachePersona string

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Manage the shared Redis result cache",
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove every shared cache entry",
	Run:   runCacheClear,
}

var cacheInvalidateCmd = &cobra.Command{
	Use:   "invalidate [text]",
	Short: "Remove the shared cache entry for one query",
	Args:  cobra.ExactArgs(1),
	Run:   runCacheInvalidate,
}

var cacheKeyCmd = &cobra.Command{
	Use:   "key [text]",
	Short: "Print the cache fingerprint of a query",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(cache.Fingerprint(args[0], cachePersona))
	},
}

func init() {
	cacheCmd.PersistentFlags().StringVar(&cachePersona, "persona", domain.PersonaGeneralAssistant, "persona of the query")
	cacheCmd.AddCommand(cacheClearCmd, cacheInvalidateCmd, cacheKeyCmd)
	rootCmd.AddCommand(cacheCmd)
}

func openResultStore() (*redisclient.Client, *redisclient.ResultStore) {
	cfg := loadConfig()
	if !cfg.Redis.Enabled() {
		slog.Error("Shared cache requires redis.url to be configured")
		os.Exit(1)
	}
	client, err := redisclient.NewClient(cfg.Redis)
	if err != nil {
		slog.Error("Failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	return client, redisclient.NewResultStore(client, cfg.Redis.TTL)
}

func runCacheClear(cmd *cobra.Command, args []string) {
	client, store := openResultStore()
	defer func() {
		_ = client.Close()
	}()

	if err := store.Clear(context.Background()); err != nil {
		slog.Error("Failed to clear shared cache", "error", err)
		os.Exit(1)
	}
	slog.Info("Shared cache cleared")
}

func runCacheInvalidate(cmd *cobra.Command, args []string) {
	client, store := openResultStore()
	defer func() {
		_ = client.Close()
	}()

	key := cache.Fingerprint(args[0], cachePersona)
	if err := store.Delete(context.Background(), key); err != nil {
		slog.Error("Failed to invalidate entry", "key", key, "error", err)
		os.Exit(1)
	}
	slog.Info("Shared cache entry invalidated", "key", key)
}
