// Package commands holds the tribectl CLI commands.
package commands

import (
	"github.com/spf13/cobra"
)

// flag names
const (
	flagConfig = "config"
)

var configPath string

func init() {
	RootCmd.PersistentFlags().StringVarP(&configPath, flagConfig, "c", "tribectl.yaml", "Path to the provisioning config file")

	RootCmd.AddCommand(GetProvisionCmd())
	RootCmd.AddCommand(GetStagesCmd())
}

// RootCmd represents the base command when called without any subcommands
var RootCmd = &cobra.Command{
	Use:   "tribectl",
	Short: "tribectl - provision a Tribe server end to end",
	Long: `tribectl launches a cloud instance and runs the full Tribe server
provisioning workflow against it: system packages, search index service,
application user, database role, source checkouts, and supervised
application processes.

Use it once per server. Day-to-day deployment is a separate tool's job.`,
	SilenceUsage: true,
}
