package main

import (
	"fmt"
	"strconv"
	"text/tabwriter"
	"time"

	"channelsync/internal/app"
	"channelsync/internal/database"
	"channelsync/internal/export"
	"channelsync/internal/models"
	"channelsync/internal/tariff"

	"github.com/spf13/cobra"
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write xlsx reports",
}

var exportQueueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Export queue items",
	RunE:  runExportQueue,
}

var exportTariffsCmd = &cobra.Command{
	Use:   "tariffs [unit-id]",
	Short: "Export the resolved tariffs of a unit",
	Args:  cobra.ExactArgs(1),
	RunE:  runExportTariffs,
}

var tariffsCmd = &cobra.Command{
	Use:   "tariffs [unit-id]",
	Short: "Print the rate blocks pushed for a unit",
	Args:  cobra.ExactArgs(1),
	RunE:  runTariffs,
}

var (
	windowFrom   string
	windowTo     string
	exportStatus string
	exportTask   string
	exportLimit  int
)

func init() {
	exportCmd.AddCommand(exportQueueCmd, exportTariffsCmd)

	exportQueueCmd.Flags().StringVar(&exportStatus, "status", "", "Filter by status")
	exportQueueCmd.Flags().StringVar(&exportTask, "task", "", "Filter by task")
	exportQueueCmd.Flags().IntVar(&exportLimit, "limit", 1000, "Maximum number of items")

	for _, c := range []*cobra.Command{exportTariffsCmd, tariffsCmd} {
		c.Flags().StringVar(&windowFrom, "from", "", "First day (YYYY-MM-DD, default today)")
		c.Flags().StringVar(&windowTo, "to", "", "Day after the last one (default from + 30 days)")
	}
}

func runExportQueue(cmd *cobra.Command, args []string) error {
	db, err := app.OpenDatabase(cfg, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	path, err := export.NewExporter(cfg.Exports.Path, logger).QueueItems(cmd.Context(), db,
		database.QueueFilter{Status: exportStatus, TaskName: exportTask, Limit: exportLimit})
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), path)
	return nil
}

func runExportTariffs(cmd *cobra.Command, args []string) error {
	unitID, from, to, err := tariffArgs(args)
	if err != nil {
		return err
	}
	db, err := app.OpenDatabase(cfg, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	if _, err := db.GetUnit(cmd.Context(), unitID); err != nil {
		return err
	}
	path, err := export.NewExporter(cfg.Exports.Path, logger).Tariffs(cmd.Context(), db, unitID, from, to)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), path)
	return nil
}

func runTariffs(cmd *cobra.Command, args []string) error {
	unitID, from, to, err := tariffArgs(args)
	if err != nil {
		return err
	}
	db, err := app.OpenDatabase(cfg, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	ranges, err := db.TariffRanges(cmd.Context(), unitID, from, to)
	if err != nil {
		return err
	}
	blocks := tariff.Compress(tariff.Flatten(ranges, from, to, tariff.ModelRange))

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "FROM\tTO\tNIGHTS\tPRICE\tMIN STAY")
	for _, b := range blocks {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s %s\t%d\n",
			b.Start.Format(models.DateLayout), b.End.Format(models.DateLayout), b.Nights(),
			b.Price.StringFixed(2), b.Currency, b.MinStay)
	}
	return w.Flush()
}

func tariffArgs(args []string) (int64, time.Time, time.Time, error) {
	unitID, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil || unitID <= 0 {
		return 0, time.Time{}, time.Time{}, fmt.Errorf("invalid unit id %q", args[0])
	}

	from := time.Now().UTC().Truncate(24 * time.Hour)
	if windowFrom != "" {
		if from, err = time.Parse(models.DateLayout, windowFrom); err != nil {
			return 0, time.Time{}, time.Time{}, fmt.Errorf("invalid --from: %w", err)
		}
	}
	to := from.AddDate(0, 0, 30)
	if windowTo != "" {
		if to, err = time.Parse(models.DateLayout, windowTo); err != nil {
			return 0, time.Time{}, time.Time{}, fmt.Errorf("invalid --to: %w", err)
		}
	}
	if !to.After(from) {
		return 0, time.Time{}, time.Time{}, fmt.Errorf("--to must be after --from")
	}
	return unitID, from, to, nil
}
