package cmd

import (
	"os"

	"github.com/spf13/cobra"
	"github.com/zx6217/geminirelay/pkg/logutil"
)

var rootCmd = &cobra.Command{
	Use:   "geminirelayd",
	Short: "OpenAI-compatible relay for Google Gemini",
	Long:  "Geminirelay exposes an OpenAI-compatible chat surface backed by a pool of Gemini credentials, with retry racing, response caching, and an admin API.",
}

var logLevel string

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.SetOut(os.Stdout)
	rootCmd.SetErr(os.Stderr)
	rootCmd.SilenceUsage = true
	rootCmd.PersistentFlags().StringVar(&logLevel, "loglevel", "info", "Log level (trace, debug, info, warn, error, fatal)")
	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		return logutil.Configure(logLevel)
	}
}
