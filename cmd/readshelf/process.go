package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/readshelf/internal/api"
	"github.com/jackzampolin/readshelf/internal/queue"
	"github.com/jackzampolin/readshelf/internal/server"
)

var processCmd = &cobra.Command{
	Use:   "process",
	Short: "Process pending pages once and exit",
	Long: `Drain the OCR queue without starting the HTTP server.

Processing stops when no page is pending or when the backend reports
insufficient credits. The server must not be running against the same
home directory.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		h, cm, logger, err := setup()
		if err != nil {
			return err
		}

		processed := 0
		rt, err := server.OpenRuntime(server.RuntimeConfig{
			Home:          h,
			ConfigManager: cm,
			OnState: func(s queue.State) {
				if p, ok := s.(queue.PagesProcessed); ok {
					processed += len(p.Labels)
				}
			},
			Logger: logger,
		})
		if err != nil {
			return err
		}
		rt.Start(ctx)
		defer rt.Close()

		engine := rt.Services.Queue
		if err := engine.ProcessPending(ctx); err != nil {
			return fmt.Errorf("process pending: %w", err)
		}

		raw, err := queue.MarshalState(engine.States().Current())
		if err != nil {
			return err
		}
		var state any
		if err := json.Unmarshal(raw, &state); err != nil {
			return err
		}
		return api.Output(map[string]any{
			"processed": processed,
			"held":      engine.Held(),
			"state":     state,
		})
	},
}

func init() {
	rootCmd.AddCommand(processCmd)
}
