// commands_tasks.go exposes background task management. The serve process
// publishes task routes on its admin server; these commands are thin HTTP
// clients against it.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/axon/internal/tasks"
	"github.com/haasonsaas/axon/pkg/models"
)

// registerTaskRoutes attaches task endpoints to the serve admin mux.
func registerTaskRoutes(mux *http.ServeMux, manager *tasks.Manager) {
	mux.HandleFunc("GET /tasks", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(manager.List())
	})
	mux.HandleFunc("POST /tasks/{id}/cancel", func(w http.ResponseWriter, r *http.Request) {
		err := manager.Cancel(r.PathValue("id"))
		switch {
		case err == nil:
			w.WriteHeader(http.StatusOK)
			fmt.Fprintln(w, "cancelled")
		case err == tasks.ErrTaskNotFound:
			http.Error(w, err.Error(), http.StatusNotFound)
		default:
			http.Error(w, err.Error(), http.StatusConflict)
		}
	})
}

func buildTasksCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "Manage background tasks on a running axon serve",
	}
	cmd.PersistentFlags().StringVar(&addr, "addr", "localhost:9090",
		"Admin address of the serve process")

	list := &cobra.Command{
		Use:   "list",
		Short: "List background tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := http.Get(adminURL(addr, "/tasks"))
			if err != nil {
				return fmt.Errorf("reach serve at %s: %w", addr, err)
			}
			defer resp.Body.Close()

			var list []*models.Task
			if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
				return err
			}
			if len(list) == 0 {
				fmt.Println("no tasks")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSTATUS\tPROGRESS\tCREATED\tDESCRIPTION")
			for _, task := range list {
				desc := task.Description
				if desc == "" {
					desc = task.Query
				}
				if len(desc) > 50 {
					desc = desc[:50] + "..."
				}
				fmt.Fprintf(w, "%s\t%s\t%d%%\t%s\t%s\n",
					shortID(task.ID), task.Status, task.Progress,
					task.CreatedAt.Format(time.RFC3339), desc)
			}
			return w.Flush()
		},
	}

	cancel := &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a queued or running task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := http.Post(adminURL(addr, "/tasks/"+args[0]+"/cancel"), "", nil)
			if err != nil {
				return fmt.Errorf("reach serve at %s: %w", addr, err)
			}
			defer resp.Body.Close()
			body, _ := io.ReadAll(resp.Body)
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("%s", strings.TrimSpace(string(body)))
			}
			fmt.Print(string(body))
			return nil
		},
	}

	cmd.AddCommand(list, cancel)
	return cmd
}

func adminURL(addr, path string) string {
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	return "http://" + addr + path
}
