package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"channelsync/internal/app"
	"channelsync/internal/database"
	"channelsync/internal/exchange"
	"channelsync/internal/worker"

	"github.com/spf13/cobra"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "List queue items",
	RunE:  runQueueList,
}

var runCmd = &cobra.Command{
	Use:   "run [task]",
	Short: "Process claimable items until the queue is idle",
	Long: `Without a task every enabled task is drained. With --ids only those items
of the task are claimed, whatever their schedule.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRun,
}

var cancelCmd = &cobra.Command{
	Use:   "cancel [item-id...]",
	Short: "Cancel pending or failed items",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runCancel,
}

var requeueCmd = &cobra.Command{
	Use:   "requeue [item-id...]",
	Short: "Make failed or pending items runnable now",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runRequeue,
}

var deadLetterCmd = &cobra.Command{
	Use:   "deadletter",
	Short: "Show items that exhausted their attempts",
	RunE:  runDeadLetter,
}

var (
	filterStatus string
	filterTask   string
	listLimit    int
	deadLimit    int
	runIDs       []string
	cancelReason string
	asJSON       bool
	printJSONRun bool
)

func init() {
	queueCmd.Flags().StringVar(&filterStatus, "status", "", "Filter by status")
	queueCmd.Flags().StringVar(&filterTask, "task", "", "Filter by task")
	queueCmd.Flags().IntVar(&listLimit, "limit", 50, "Maximum number of items")
	queueCmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON")

	runCmd.Flags().StringSliceVar(&runIDs, "ids", nil, "Item ids to run (requires a task)")
	runCmd.Flags().BoolVar(&printJSONRun, "json", false, "Print the reports as JSON")

	cancelCmd.Flags().StringVar(&cancelReason, "reason", "cancelled by operator", "Reason stored on the items")

	deadLetterCmd.Flags().IntVar(&deadLimit, "limit", 20, "Maximum number of entries")
}

func runQueueList(cmd *cobra.Command, args []string) error {
	db, err := app.OpenDatabase(cfg, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx := cmd.Context()
	items, err := db.ListQueueItems(ctx, database.QueueFilter{Status: filterStatus, TaskName: filterTask, Limit: listLimit})
	if err != nil {
		return err
	}
	if asJSON {
		return printJSON(cmd, items)
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTASK\tSTATUS\tSUBJECT\tRETRIES\tRUN AT\tMESSAGE")
	for _, item := range items {
		msg := ""
		if item.LastMessage != nil {
			msg = truncate(*item.LastMessage, 50)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s:%d\t%d/%d\t%s\t%s\n",
			item.ID, item.TaskName, item.Status, item.SubjectType, item.SubjectID,
			item.RetryCount, item.MaxAttempts, item.RunAt.Format(time.RFC3339), msg)
	}
	return w.Flush()
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	rt, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer rt.Close()

	var reports []*exchange.Report
	switch {
	case len(runIDs) > 0:
		if len(args) == 0 {
			return errors.New("--ids requires a task")
		}
		report, err := rt.Orchestrator.RunSpecific(ctx, args[0], runIDs)
		if err != nil {
			return err
		}
		reports = append(reports, report)
	default:
		tasks := rt.EnabledTasks()
		if len(args) == 1 {
			tasks = args
		}
		w := worker.NewExchangeWorker(rt.Orchestrator, nil, tasks, cfg.Exchange.PollInterval, logger)
		reports, err = w.Drain(ctx)
		if err != nil {
			return err
		}
	}

	if printJSONRun {
		return printJSON(cmd, reports)
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TASK\tBATCHES\tCLAIMED\tSUCCEEDED\tFAILED")
	for _, r := range reports {
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\n", r.Task, r.Batches, r.Claimed, r.Succeeded, r.Failed)
	}
	return w.Flush()
}

func runCancel(cmd *cobra.Command, args []string) error {
	db, err := app.OpenDatabase(cfg, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	n, err := db.CancelItems(cmd.Context(), args, cancelReason)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "cancelled %d of %d items\n", n, len(args))
	return nil
}

func runRequeue(cmd *cobra.Command, args []string) error {
	db, err := app.OpenDatabase(cfg, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	n, err := db.RequeueItems(cmd.Context(), args, time.Now().UTC())
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "requeued %d of %d items\n", n, len(args))
	return nil
}

func runDeadLetter(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	client := app.OpenRedis(ctx, cfg, logger)
	if client == nil {
		return errors.New("redis is not available")
	}
	defer client.Close()

	entries, err := exchange.NewRedisDeadLetter(client, cfg.Redis.DeadLetterKey).List(ctx, int64(deadLimit))
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "FAILED AT\tID\tTASK\tREASON")
	for _, e := range entries {
		id, task := "", ""
		if e.Item != nil {
			id, task = e.Item.ID, e.Item.TaskName
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", e.FailedAt.Format(time.RFC3339), id, task, truncate(e.Reason, 60))
	}
	return w.Flush()
}

func runBackup(cmd *cobra.Command, args []string) error {
	db, err := app.OpenDatabase(cfg, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Minute)
	defer cancel()
	path, err := database.NewBackupService(db, cfg.Backup, logger).PerformBackup(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), path)
	return nil
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
