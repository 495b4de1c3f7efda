package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/example/tatkal-scheduler/internal/config"
)

var (
	Version   = "dev"
	CommitSHA = "none"
	BuildDate = "unknown"
)

var configPath string

func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "tatkald",
		Short:         "Schedules Tatkal booking attempts at the instant the booking window opens",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "YAML config file (overrides CONFIG_PATH)")

	root.AddCommand(newVersionCmd())
	root.AddCommand(newKeysCmd())
	root.AddCommand(newServerCmd())
	root.AddCommand(newWorkerCmd())
	root.AddCommand(newUserCmd())
	root.AddCommand(newIntentCmd())
	root.AddCommand(newResolveCmd())

	return root
}

func loadConfig() (config.Config, error) {
	return config.Load(configPath)
}

func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
