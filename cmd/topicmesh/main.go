package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	// Application info
	appName    = "topicmesh"
	appVersion = "0.1.0"
)

var (
	// Global flags
	logLevel string
	devLog   bool
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   appName,
		Short: "Cluster-wide topic routing for pub/sub",
		Long: `topicmesh runs a node of a pub/sub cluster. Nodes replicate a Bloom
filter of their subscribers' topics and forward each published message only
to the nodes whose filter may contain one of its topics.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&devLog, "dev", false, "Human readable development logging")

	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(newFilterSizeCommand())
	rootCmd.AddCommand(newVersionCommand())
	return rootCmd
}

// newLogger builds the process logger from the global flags
func newLogger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(logLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}
	config := zap.NewProductionConfig()
	if devLog {
		config = zap.NewDevelopmentConfig()
	}
	config.Level = zap.NewAtomicLevelAt(level)
	return config.Build()
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s v%s\n", appName, appVersion)
		},
	}
}
