package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/greenelab/tribectl/internal/compute"
	"github.com/greenelab/tribectl/internal/config"
	"github.com/greenelab/tribectl/internal/provision"
	"github.com/greenelab/tribectl/internal/remote"
)

// GetProvisionCmd returns the command that runs the full workflow.
func GetProvisionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "provision",
		Short: "Create and configure a new Tribe server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			provider, err := compute.NewDigitalOceanProvider(cfg.Provider.Token, time.Duration(cfg.Provider.RunningTimeout))
			if err != nil {
				return fmt.Errorf("failed to initialize provider: %w", err)
			}
			runner, err := remote.NewSSHRunner(cfg.SSH.PrivateKeyPath)
			if err != nil {
				return fmt.Errorf("failed to initialize SSH runner: %w", err)
			}

			seq, err := provision.NewSequencer(
				cfg,
				provider,
				runner,
				remote.NewProber(runner),
				provision.TerminalGate{},
				provision.CommandDeployer{Command: cfg.Deploy.Command},
			)
			if err != nil {
				return err
			}
			return seq.Run(cmd.Context())
		},
	}
}
