package main

import (
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

var noColor bool

var rootCmd = &cobra.Command{
	Use:   "fieldsync",
	Short: "Offline outbox and interception cache for the inspection UI",
	Long: `fieldsync keeps writes made while offline in a durable outbox, replays
them once the backend is reachable again, and serves the inspection UI
through a cache so it keeps loading without a network.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")
	if _, ok := os.LookupEnv("NO_COLOR"); ok {
		noColor = true
	}

	rootCmd.AddCommand(startCmd, stopCmd, statusCmd)
	rootCmd.AddCommand(outboxCmd, syncCmd, cacheCmd, connectivityCmd, configCmd)
	rootCmd.AddCommand(localCmd, notificationsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		printError("%v", err)
		os.Exit(1)
	}
}
