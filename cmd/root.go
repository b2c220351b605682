// Package cmd implements the maxprobectl CLI.
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"maxprobectl/internal/config"
)

// Version is stamped at build time via -ldflags.
var Version = "dev"

var cfgFile string

var rootCmd = &cobra.Command{
	Use:           "maxprobectl",
	Short:         "Control plane for keenetic-maxprobe diagnostic runs",
	Long:          "maxprobectl supervises keenetic-maxprobe runs on the router and exposes start/stop, live progress, log tails and archive downloads over a local HTTP API.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the maxprobectl version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("maxprobectl " + Version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default maxprobectl.yaml in . or /opt/etc)")
	rootCmd.AddCommand(versionCmd)
}

// Execute runs the CLI.
func Execute() error {
	return rootCmd.Execute()
}

func loadConfig() (*config.Config, error) {
	return config.Load(cfgFile)
}
