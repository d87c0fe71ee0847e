// Package provision drives the end-to-end server provisioning
// workflow: instance creation, system configuration, reboot, user and
// database provisioning, and the deployment hand-off.
package provision

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/sethvargo/go-password/password"

	"github.com/greenelab/tribectl/internal/compute"
	"github.com/greenelab/tribectl/internal/config"
	"github.com/greenelab/tribectl/internal/logger"
	"github.com/greenelab/tribectl/internal/remote"
)

// State names the sequencer's position in the workflow.
type State string

const (
	StateNotStarted           State = "not_started"
	StateProvisioning         State = "provisioning"
	StateBootstrapConfiguring State = "bootstrap_configuring"
	StateAwaitingReboot       State = "awaiting_reboot"
	StateUserProvisioning     State = "user_provisioning"
	StateDeploying            State = "deploying"
	StateCompleted            State = "completed"
	StateFailed               State = "failed"
)

// ReadinessProber decides when a host accepts remote commands.
type ReadinessProber interface {
	AwaitReady(ctx context.Context, target remote.Target, maxWait, interval time.Duration) error
}

// Sequencer drives the provisioning workflow: one instance, one
// ordered pass through the stages, fail-stop on the first error.
type Sequencer struct {
	cfg      *config.Config
	provider compute.Provider
	runner   remote.Runner
	prober   ReadinessProber
	gate     Gate
	deployer Deployer
	hosts    *HostSetManager

	dbAppPassword string
	state         State
	failedStage   string
}

// NewSequencer wires a sequencer from its collaborators. The
// application database password is taken from config or generated here
// so that every later reader sees the same value.
func NewSequencer(cfg *config.Config, provider compute.Provider, runner remote.Runner, prober ReadinessProber, gate Gate, deployer Deployer) (*Sequencer, error) {
	dbAppPassword := cfg.Database.AppPassword
	if dbAppPassword == "" {
		generated, err := password.Generate(32, 10, 0, false, false)
		if err != nil {
			return nil, fmt.Errorf("failed to generate database password: %w", err)
		}
		dbAppPassword = generated
	}

	return &Sequencer{
		cfg:           cfg,
		provider:      provider,
		runner:        runner,
		prober:        prober,
		gate:          gate,
		deployer:      deployer,
		hosts:         NewHostSetManager(),
		dbAppPassword: dbAppPassword,
		state:         StateNotStarted,
	}, nil
}

// State returns the sequencer's current state.
func (s *Sequencer) State() State { return s.state }

// FailedStage returns the name of the first failing stage, or "" if
// none has failed.
func (s *Sequencer) FailedStage() string { return s.failedStage }

// Run executes the whole workflow. The returned error is the first
// fatal failure; ErrOperatorAbort is surfaced unchanged so callers can
// report a deliberate stop instead of an error.
func (s *Sequencer) Run(ctx context.Context) error {
	if err := s.provision(ctx); err != nil {
		return s.fail("provision_instance", err)
	}
	if err := s.bootstrapConfigure(ctx); err != nil {
		return s.failStage(err)
	}
	if err := s.rebootAndAwait(ctx); err != nil {
		return s.fail(rebootStageName, err)
	}
	if err := s.userProvisioning(ctx); err != nil {
		if errors.Is(err, ErrOperatorAbort) {
			s.state = StateFailed
			s.failedStage = "create_deploy_keys"
			return err
		}
		return s.failStage(err)
	}
	if err := s.deploy(ctx); err != nil {
		return s.fail("deploy", err)
	}

	s.state = StateCompleted
	logger.Info("🎉 Provisioning completed")
	return nil
}

// provision creates the backing instance, waits for it to run, and
// installs the bootstrap host set.
func (s *Sequencer) provision(ctx context.Context) error {
	s.state = StateProvisioning

	spec := compute.InstanceSpec{
		Name:     s.cfg.Provider.InstanceName,
		Region:   s.cfg.Provider.Region,
		Size:     s.cfg.Provider.Size,
		Image:    s.cfg.Provider.Image,
		SSHKeyID: s.cfg.Provider.SSHKeyID,
	}
	created, err := s.provider.CreateInstance(ctx, spec)
	if err != nil {
		return err
	}

	if _, err := s.provider.WaitUntilRunning(ctx, created.ID); err != nil {
		return err
	}

	// Address assignment can lag the running transition, so take the
	// address from a fresh listing instead of the instance handle.
	// TODO: confirm current provider API still needs this re-query.
	instances, err := s.provider.ListInstances(ctx)
	if err != nil {
		return err
	}
	addr := ""
	for _, inst := range instances {
		if inst.ID == created.ID {
			addr = inst.PublicIP
			break
		}
	}
	if addr == "" {
		return fmt.Errorf("instance %s missing from provider listing after becoming ready", created.ID)
	}

	logger.InfoWithFields("✅ Instance is running", map[string]interface{}{
		"id":      created.ID,
		"address": addr,
	})

	s.hosts.SetTargets([]string{addr}, s.cfg.SSH.BootstrapUser, s.cfg.SSH.Port)
	return s.awaitAll(ctx)
}

// bootstrapConfigure runs the system-configuration stages under the
// bootstrap identity.
func (s *Sequencer) bootstrapConfigure(ctx context.Context) error {
	s.state = StateBootstrapConfiguring
	for _, stage := range bootstrapStages(s.cfg) {
		if err := s.runStage(ctx, stage); err != nil {
			return err
		}
	}
	return nil
}

// rebootAndAwait reboots every host and waits for each to come back.
func (s *Sequencer) rebootAndAwait(ctx context.Context) error {
	s.state = StateAwaitingReboot

	hosts, err := s.hosts.Current()
	if err != nil {
		return err
	}
	for _, target := range hosts.Targets {
		logger.Infof("🔄 Rebooting %s", target)
		if _, err := s.runner.Run(ctx, target, remote.Command{Cmd: "reboot", Sudo: true}); err != nil {
			// The connection often drops before the exit status makes it
			// back. A clean non-zero exit is a real failure; anything
			// else is for the prober to sort out.
			var cmdErr *remote.CommandError
			if errors.As(err, &cmdErr) {
				return err
			}
			logger.Debugf("Reboot connection dropped on %s: %v", target, err)
		}
	}

	return s.awaitAll(ctx)
}

// userProvisioning creates the application identity and everything it
// owns, with the deploy-key confirmation gate in the middle.
func (s *Sequencer) userProvisioning(ctx context.Context) error {
	s.state = StateUserProvisioning

	for _, stage := range preKeyStages(s.cfg, s.dbAppPassword) {
		if err := s.runStage(ctx, stage); err != nil {
			return err
		}
	}

	if err := s.runStage(ctx, deployKeyStage(s.cfg)); err != nil {
		return err
	}

	publicKey, err := os.ReadFile(s.cfg.Files.DeployKeyOutputPath)
	if err != nil {
		return &StageError{Stage: "create_deploy_keys", Err: fmt.Errorf("failed to read retrieved deploy key: %w", err)}
	}
	confirmed, err := s.gate.ConfirmKeyRegistered(ctx, string(publicKey))
	if err != nil {
		return &StageError{Stage: "create_deploy_keys", Err: err}
	}
	if !confirmed {
		return ErrOperatorAbort
	}

	for _, stage := range postKeyStages(s.cfg) {
		if err := s.runStage(ctx, stage); err != nil {
			return err
		}
	}
	return nil
}

// deploy switches the host set to the application identity and hands
// off to the deployment collaborator.
func (s *Sequencer) deploy(ctx context.Context) error {
	s.state = StateDeploying

	hosts, err := s.hosts.Current()
	if err != nil {
		return err
	}
	addrs := make([]string, 0, len(hosts.Targets))
	for _, target := range hosts.Targets {
		addrs = append(addrs, target.Addr)
	}
	s.hosts.SetTargets(addrs, s.cfg.AppUser.Name, s.cfg.SSH.Port)

	hosts, err = s.hosts.Current()
	if err != nil {
		return err
	}
	return s.deployer.Deploy(ctx, s.runner, hosts)
}

// runStage applies every step of the stage to every host in the current
// set, stopping at the first failure.
func (s *Sequencer) runStage(ctx context.Context, stage Stage) error {
	hosts, err := s.hosts.Current()
	if err != nil {
		return &StageError{Stage: stage.Name, Err: err}
	}
	if len(hosts.Targets) == 0 {
		return &StageError{Stage: stage.Name, Err: errors.New("host set is empty")}
	}

	logger.Infof("⚙️  Running stage %s as %s", stage.Name, hosts.Identity())
	for _, step := range stage.Steps {
		for _, target := range hosts.Targets {
			if err := step.Apply(ctx, s.runner, target); err != nil {
				return &StageError{Stage: stage.Name, Err: err}
			}
		}
	}
	return nil
}

// awaitAll probes every host in the current set for readiness.
func (s *Sequencer) awaitAll(ctx context.Context) error {
	hosts, err := s.hosts.Current()
	if err != nil {
		return err
	}
	maxWait := time.Duration(s.cfg.SSH.ReadyTimeout)
	interval := time.Duration(s.cfg.SSH.ProbeInterval)
	for _, target := range hosts.Targets {
		if err := s.prober.AwaitReady(ctx, target, maxWait, interval); err != nil {
			return err
		}
	}
	return nil
}

func (s *Sequencer) fail(stage string, err error) error {
	s.state = StateFailed
	s.failedStage = stage
	logger.ErrorWithFields("❌ Provisioning failed", map[string]interface{}{
		"stage": stage,
		"error": err.Error(),
	})
	return &StageError{Stage: stage, Err: err}
}

// failStage records a failure already wrapped in a StageError.
func (s *Sequencer) failStage(err error) error {
	s.state = StateFailed
	var stageErr *StageError
	if errors.As(err, &stageErr) {
		s.failedStage = stageErr.Stage
		logger.ErrorWithFields("❌ Provisioning failed", map[string]interface{}{
			"stage": stageErr.Stage,
			"error": stageErr.Err.Error(),
		})
		return err
	}
	return s.fail("unknown", err)
}
