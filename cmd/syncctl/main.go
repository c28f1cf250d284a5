package main

import (
	"fmt"
	"io"
	"os"

	"channelsync/internal/app"
	"channelsync/internal/config"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	cfg    *config.Config
	logger *zerolog.Logger
	closer io.Closer
)

var rootCmd = &cobra.Command{
	Use:   "syncctl",
	Short: "channelsync operator tool",
	Long:  `syncctl inspects and drives the exchange queue of channelsync: migrations, manual runs, cancellations and exports.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "help" {
			return nil
		}
		var err error
		cfg, logger, closer, err = app.LoadConfig("syncctl")
		return err
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if closer != nil {
			_ = closer.Close()
		}
	},
	SilenceUsage: true,
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the database schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := app.OpenDatabase(cfg, logger)
		if err != nil {
			return err
		}
		defer db.Close()
		fmt.Fprintf(cmd.OutOrStdout(), "schema applied (%s)\n", db.Dialect())
		return nil
	},
}

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Write a sqlite backup now",
	RunE:  runBackup,
}

func init() {
	rootCmd.AddCommand(migrateCmd, backupCmd, queueCmd, runCmd, cancelCmd, requeueCmd, deadLetterCmd, exportCmd, tariffsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
