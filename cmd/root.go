package cmd

import (
	"os"

	"github.com/gardenledger/garden/logx"
	"github.com/spf13/cobra"
)

var (
	logStdout bool
	logLevel  string
)

var rootCmd = &cobra.Command{
	Use:   "garden",
	Short: "Garden ledger node CLI",
	Long:  "Command line interface for running a garden ledger node and inspecting its store.",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if logStdout {
			logx.SetOutput(os.Stdout)
		}
		if logLevel != "" {
			logx.SetLevelString(logLevel)
		}
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&logStdout, "log-stdout", false, "Write logs to stdout instead of the rotating log file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Minimum log level: debug, info, warn or error (defaults to LOG_LEVEL)")
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		logx.Error("CMD", "Command execution failed:", err)
		os.Exit(1)
	}
}
