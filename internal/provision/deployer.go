package provision

import (
	"context"

	"github.com/greenelab/tribectl/internal/logger"
	"github.com/greenelab/tribectl/internal/remote"
)

// Deployer is the external collaborator the workflow hands the finished
// host to. It runs under the application identity.
type Deployer interface {
	Deploy(ctx context.Context, runner remote.Runner, hosts HostSet) error
}

// CommandDeployer runs a single configured deploy command on every
// host. An empty command makes deployment a no-op; day-to-day
// deployment is a separate tool's job.
type CommandDeployer struct {
	Command string
}

// Deploy implements Deployer.
func (d CommandDeployer) Deploy(ctx context.Context, runner remote.Runner, hosts HostSet) error {
	if d.Command == "" {
		logger.Info("No deploy command configured, skipping deployment step")
		return nil
	}
	for _, target := range hosts.Targets {
		logger.Infof("🚀 Deploying on %s", target)
		if _, err := runner.Run(ctx, target, remote.Command{Cmd: d.Command}); err != nil {
			return err
		}
	}
	return nil
}
