package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/coreclaw/coreclaw/internal/store"
)

var (
	tasksStatus string
	tasksLimit  int
)

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "Inspect the task queue",
}

var tasksListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks, optionally filtered by status",
	RunE:  runTasksList,
}

func init() {
	tasksListCmd.Flags().StringVar(&tasksStatus, "status", "",
		"filter by status (pending, queued, running, completed, failed, cancelled)")
	tasksListCmd.Flags().IntVar(&tasksLimit, "limit", 20, "maximum tasks per status")
	tasksCmd.AddCommand(tasksListCmd)
	rootCmd.AddCommand(tasksCmd)
}

func runTasksList(cmd *cobra.Command, args []string) error {
	cfg, closeLog, err := loadConfig()
	if err != nil {
		return err
	}
	defer closeLog()

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return err
	}
	defer st.Close()

	out := cmd.OutOrStdout()

	counts, err := st.Tasks.CountByStatus()
	if err != nil {
		return err
	}
	if len(counts) == 0 {
		fmt.Fprintln(out, "no tasks")
		return nil
	}

	statuses := []store.TaskStatus{
		store.TaskPending, store.TaskQueued, store.TaskRunning,
		store.TaskCompleted, store.TaskFailed, store.TaskCancelled,
	}
	if tasksStatus != "" {
		statuses = []store.TaskStatus{store.TaskStatus(tasksStatus)}
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTYPE\tSTATUS\tPRIORITY\tRETRIES\tCREATED")
	for _, status := range statuses {
		if tasksStatus == "" && counts[status] == 0 {
			continue
		}
		tasks, err := st.Tasks.FindByStatus(status, tasksLimit)
		if err != nil {
			return err
		}
		for _, task := range tasks {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
				task.ID, task.Type, task.Status, task.Priority,
				task.RetryCount, task.CreatedAt.Format("2006-01-02 15:04:05"))
		}
	}
	if err := w.Flush(); err != nil {
		return err
	}

	fmt.Fprint(out, "totals:")
	for _, status := range []store.TaskStatus{
		store.TaskPending, store.TaskQueued, store.TaskRunning,
		store.TaskCompleted, store.TaskFailed, store.TaskCancelled,
	} {
		if n := counts[status]; n > 0 {
			fmt.Fprintf(out, " %s=%d", status, n)
		}
	}
	fmt.Fprintln(out)
	return nil
}
