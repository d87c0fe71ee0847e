package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/greenelab/tribectl/internal/provision"
)

// GetStagesCmd returns the command that prints the stage order.
func GetStagesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stages",
		Short: "List the provisioning stages in execution order",
		Run: func(cmd *cobra.Command, _ []string) {
			for i, name := range provision.StageNames() {
				fmt.Fprintf(cmd.OutOrStdout(), "%2d. %s\n", i+1, name)
			}
		},
	}
}
