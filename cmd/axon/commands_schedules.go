// commands_schedules.go manages the persisted schedule set. Commands edit
// the workspace's schedules.json directly; a running serve process picks the
// changes up on its next restart.
package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/haasonsaas/axon/internal/schedule"
	"github.com/haasonsaas/axon/pkg/models"
)

func buildSchedulesCmd() *cobra.Command {
	var workspace string

	cmd := &cobra.Command{
		Use:   "schedules",
		Short: "Manage recurring schedules",
	}
	cmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", ".",
		"Workspace directory holding the schedule state")

	cmd.AddCommand(
		buildSchedulesListCmd(&workspace),
		buildSchedulesCreateCmd(&workspace),
		buildSchedulesStatusCmd(&workspace, "pause", "Pause a schedule", models.SchedulePaused),
		buildSchedulesStatusCmd(&workspace, "resume", "Resume a paused schedule", models.ScheduleActive),
		buildSchedulesDeleteCmd(&workspace),
	)
	return cmd
}

func buildSchedulesListCmd(workspace *string) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List schedules",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := schedule.NewFileStore(*workspace)
			if err != nil {
				return err
			}
			schedules, err := store.Load()
			if err != nil {
				return err
			}
			if len(schedules) == 0 {
				fmt.Println("no schedules")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tSTATUS\tFIRES\tRUNS\tNEXT RUN")
			for _, s := range schedules {
				fires := fmt.Sprintf("every %s", time.Duration(s.IntervalMs)*time.Millisecond)
				if s.CronExpr != "" {
					fires = "cron " + s.CronExpr
				}
				next := "-"
				if s.NextRunAt != nil {
					next = s.NextRunAt.Format(time.RFC3339)
				}
				runs := fmt.Sprintf("%d", s.RunCount)
				if s.MaxRuns > 0 {
					runs = fmt.Sprintf("%d/%d", s.RunCount, s.MaxRuns)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
					shortID(s.ID), s.Name, s.Status, fires, runs, next)
			}
			return w.Flush()
		},
	}
}

func buildSchedulesCreateCmd(workspace *string) *cobra.Command {
	var (
		name          string
		description   string
		query         string
		every         time.Duration
		cronExpr      string
		maxRuns       int
		skipIfRunning bool
		tags          []string
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a schedule",
		Example: `  # Fire every ten minutes
  axon schedules create --name tidy --query "archive stale notes" --every 10m

  # Weekday mornings via cron
  axon schedules create --name standup --query "post the standup summary" --cron "0 9 * * 1-5"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(query) == "" {
				return fmt.Errorf("--query is required")
			}
			if every <= 0 && cronExpr == "" {
				return fmt.Errorf("either --every or --cron is required")
			}
			if every > 0 && every.Milliseconds() < models.MinIntervalMs {
				return fmt.Errorf("--every must be at least %dms", models.MinIntervalMs)
			}

			store, err := schedule.NewFileStore(*workspace)
			if err != nil {
				return err
			}
			schedules, err := store.Load()
			if err != nil {
				return err
			}

			now := time.Now()
			sched := &models.Schedule{
				ID:            uuid.New().String(),
				Name:          name,
				Description:   description,
				Query:         query,
				IntervalMs:    every.Milliseconds(),
				CronExpr:      cronExpr,
				Status:        models.ScheduleActive,
				CreatedAt:     now,
				MaxRuns:       maxRuns,
				SkipIfRunning: skipIfRunning,
				Tags:          tags,
			}
			schedules = append(schedules, sched)
			if err := store.Save(schedules); err != nil {
				return err
			}
			fmt.Printf("created schedule %s (%s)\n", sched.Name, shortID(sched.ID))
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "Schedule name")
	cmd.Flags().StringVar(&description, "description", "", "Schedule description")
	cmd.Flags().StringVar(&query, "query", "", "Prompt to run on each firing")
	cmd.Flags().DurationVar(&every, "every", 0, "Firing interval (e.g. 10m, 1h)")
	cmd.Flags().StringVar(&cronExpr, "cron", "", "Five-field cron expression")
	cmd.Flags().IntVar(&maxRuns, "max-runs", 0, "Stop after this many firings (0 = unlimited)")
	cmd.Flags().BoolVar(&skipIfRunning, "skip-if-running", false,
		"Skip a firing while the previous task is still running")
	cmd.Flags().StringSliceVar(&tags, "tag", nil, "Tags (repeatable)")

	return cmd
}

func buildSchedulesStatusCmd(workspace *string, verb, short string, status models.ScheduleStatus) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return mutateSchedule(*workspace, args[0], func(s *models.Schedule) {
				s.Status = status
				if status == models.SchedulePaused {
					s.NextRunAt = nil
				}
			})
		},
	}
}

func buildSchedulesDeleteCmd(workspace *string) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := schedule.NewFileStore(*workspace)
			if err != nil {
				return err
			}
			schedules, err := store.Load()
			if err != nil {
				return err
			}
			kept := schedules[:0]
			found := false
			for _, s := range schedules {
				if matchesID(s.ID, args[0]) {
					found = true
					continue
				}
				kept = append(kept, s)
			}
			if !found {
				return fmt.Errorf("schedule not found: %s", args[0])
			}
			if err := store.Save(kept); err != nil {
				return err
			}
			fmt.Println("deleted")
			return nil
		},
	}
}

func mutateSchedule(workspace, id string, fn func(*models.Schedule)) error {
	store, err := schedule.NewFileStore(workspace)
	if err != nil {
		return err
	}
	schedules, err := store.Load()
	if err != nil {
		return err
	}
	for _, s := range schedules {
		if matchesID(s.ID, id) {
			fn(s)
			if err := store.Save(schedules); err != nil {
				return err
			}
			fmt.Printf("%s is now %s\n", s.Name, s.Status)
			return nil
		}
	}
	return fmt.Errorf("schedule not found: %s", id)
}

// matchesID accepts the full id or an unambiguous prefix.
func matchesID(full, given string) bool {
	return full == given || (len(given) >= 8 && strings.HasPrefix(full, given))
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
