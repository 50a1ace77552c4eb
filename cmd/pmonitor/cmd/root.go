// Package cmd implements the pmonitor CLI commands.
package cmd

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/pmonitor/pmonitor/config"
)

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := config.NewViper()
	var envFile string

	root := &cobra.Command{
		Use:   "pmonitor",
		Short: "Daily price monitor for Digikala listings",
		Long: "pmonitor reads a catalog of product links, resolves each product's\n" +
			"current price, discount and incredible-offer flag, and appends one\n" +
			"row per item per day to per-item spreadsheets.",
		SilenceUsage: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			_, err := config.LoadDotEnv(envFile)
			return err
		},
	}

	flags := root.PersistentFlags()
	d := config.DefaultConfig()
	flags.StringVar(&envFile, "env-file", ".env", "dotenv file loaded before reading the environment")
	flags.Bool(flagName(config.KeyVerbose), d.Verbose, "enable debug logging")
	flags.String(flagName(config.KeyLogLevel), d.LogLevel, "log level (debug, info, warn, error)")
	flags.String(flagName(config.KeyLogFormat), d.LogFormat, "log format (auto, text, json)")

	cobra.CheckErr(v.BindPFlag(config.KeyVerbose, flags.Lookup(flagName(config.KeyVerbose))))
	cobra.CheckErr(v.BindPFlag(config.KeyLogLevel, flags.Lookup(flagName(config.KeyLogLevel))))
	cobra.CheckErr(v.BindPFlag(config.KeyLogFormat, flags.Lookup(flagName(config.KeyLogFormat))))

	root.AddCommand(runCmd(v))
	root.AddCommand(versionCmd())
	return root
}

// flagName maps a config key to its kebab-case flag.
func flagName(key string) string {
	return strings.ReplaceAll(key, "_", "-")
}
