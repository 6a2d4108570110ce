package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/vietddude/queryflow/internal/control"
	"github.com/vietddude/queryflow/internal/core/domain"
	"github.com/vietddude/queryflow/internal/progress"
)

var (
	queryPersona string
	queryFiles   []string
	queryQuiet   bool
)

var queryCmd = &cobra.Command{
	Use:   "query [text...]",
	Short: "Send one query through the orchestrator and print the result",
	Args:  cobra.MinimumNArgs(1),
	Run:   runQuery,
}

func init() {
	queryCmd.Flags().StringVarP(&queryPersona, "persona", "p", domain.PersonaGeneralAssistant, "persona to answer as")
	queryCmd.Flags().StringSliceVar(&queryFiles, "file", nil, "attachment id (repeatable)")
	queryCmd.Flags().BoolVarP(&queryQuiet, "quiet", "q", false, "do not print trace progress")
	rootCmd.AddCommand(queryCmd)
}

func runQuery(cmd *cobra.Command, args []string) {
	cfg := loadConfig()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := control.New(ctx, cfg)
	if err != nil {
		slog.Error("Failed to initialize app", "error", err)
		os.Exit(1)
	}
	defer func() { _ = app.Close() }()

	if !queryQuiet {
		bus := app.Orchestrator().Tracer().Bus()
		sub := bus.Subscribe(progress.EventNodeProgress, func(ev progress.Event) {
			if p, ok := ev.Payload.(progress.NodeProgress); ok {
				fmt.Fprintf(os.Stderr, "[%3d%%] %-18s %s\n", p.Progress, p.Step, p.Status)
			}
		})
		defer bus.Unsubscribe(sub)
	}

	res := app.Orchestrator().SendQuery(ctx, domain.QueryRequest{
		Text:          strings.Join(args, " "),
		PersonaID:     queryPersona,
		AttachmentIDs: queryFiles,
	})

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(res); err != nil {
		slog.Error("Failed to encode result", "error", err)
		os.Exit(1)
	}
	if !res.Success {
		os.Exit(2)
	}
}
