package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/zx6217/geminirelay/pkg/version"
)

func init() {
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print geminirelayd version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version.Detailed("geminirelayd"))
		},
	})
}
