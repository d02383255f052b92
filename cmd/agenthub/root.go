package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

var exit = os.Exit
var cfgFile string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "agenthub",
	Short: "Agent Hub: a local control plane for containerized coding agents",
	Long: `Agent Hub manages projects, snapshot image builds, and PTY-attached
agent chat sessions on the local machine. It persists all state as JSON,
brokers git credentials into containers, and serves an HTTP + WebSocket API
for frontends.`,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags
// appropriately. This is called by main.main().
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		fmt.Fprintln(os.Stderr, "Run 'agenthub --help' for usage.")
		exit(1)
	}
}

func init() {
	// Accept snake_case spellings of the flag names too.
	rootCmd.PersistentFlags().SetNormalizeFunc(func(f *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./agenthub.yaml)")
	rootCmd.PersistentFlags().String("listen", "", "listen address (host:port)")
	rootCmd.PersistentFlags().String("data-dir", "", "hub data directory")
	rootCmd.PersistentFlags().Bool("debug", false, "enable debug logging")
	rootCmd.PersistentFlags().String("log-file", "", "also write logs to this file")

	viper.BindPFlag("listen", rootCmd.PersistentFlags().Lookup("listen"))
	viper.BindPFlag("data_dir", rootCmd.PersistentFlags().Lookup("data-dir"))
	viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug"))
	viper.BindPFlag("log_file", rootCmd.PersistentFlags().Lookup("log-file"))
}
