package cmd

import (
	"github.com/spf13/cobra"

	"github.com/julienstroheker/hexrelay/internal/httpclient"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the hexrelay version",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Printf("hexrelay %s\n", httpclient.Version)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
