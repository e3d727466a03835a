// commands_checkpoints.go inspects persisted request checkpoints.
package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/axon/internal/checkpoint"
	"github.com/haasonsaas/axon/internal/config"
)

func buildCheckpointsCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "checkpoints",
		Short: "Inspect pending request checkpoints",
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")

	list := &cobra.Command{
		Use:   "list",
		Short: "List interrupted requests with saved state",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath(configPath))
			if err != nil {
				return err
			}
			if !cfg.Checkpoint.Enabled || cfg.Checkpoint.Dir == "" {
				fmt.Println("checkpointing to disk is not configured")
				return nil
			}
			store, err := checkpoint.NewFileStore(cfg.Checkpoint.Dir)
			if err != nil {
				return err
			}
			snaps, err := store.List(cmd.Context())
			if err != nil {
				return err
			}
			if len(snaps) == 0 {
				fmt.Println("no pending checkpoints")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "REQUEST\tTURN\tTOOL CALLS\tUPDATED\tINPUT")
			for _, snap := range snaps {
				input := snap.OriginalInput
				if len(input) > 60 {
					input = input[:60] + "..."
				}
				fmt.Fprintf(w, "%s\t%d\t%d\t%s\t%s\n",
					shortID(snap.RequestID), snap.Turn, snap.ToolCallCount,
					snap.UpdatedAt.Format(time.RFC3339), input)
			}
			return w.Flush()
		},
	}

	cmd.AddCommand(list)
	return cmd
}
