package provision

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/greenelab/tribectl/internal/compute"
	"github.com/greenelab/tribectl/internal/config"
	"github.com/greenelab/tribectl/internal/remote"
)

// fakeProvider returns a stale address on the create handle and the
// real one from the listing, mirroring providers whose address
// assignment lags the running transition.
type fakeProvider struct {
	createErr   error
	waitErr     error
	listErr     error
	staleAddr   string
	listedAddr  string
	createCalls int
	waitCalls   int
	listCalls   int
}

func (f *fakeProvider) CreateInstance(_ context.Context, spec compute.InstanceSpec) (compute.Instance, error) {
	f.createCalls++
	if f.createErr != nil {
		return compute.Instance{}, f.createErr
	}
	return compute.Instance{ID: "i-1", Name: spec.Name, Status: compute.StatusPending, PublicIP: f.staleAddr}, nil
}

func (f *fakeProvider) WaitUntilRunning(_ context.Context, id string) (compute.Instance, error) {
	f.waitCalls++
	if f.waitErr != nil {
		return compute.Instance{}, f.waitErr
	}
	return compute.Instance{ID: id, Status: compute.StatusRunning, PublicIP: f.staleAddr}, nil
}

func (f *fakeProvider) ListInstances(_ context.Context) ([]compute.Instance, error) {
	f.listCalls++
	if f.listErr != nil {
		return nil, f.listErr
	}
	return []compute.Instance{
		{ID: "i-9", Status: compute.StatusRunning, PublicIP: "192.0.2.200"},
		{ID: "i-1", Status: compute.StatusRunning, PublicIP: f.listedAddr},
	}, nil
}

var _ compute.Provider = (*fakeProvider)(nil)

// recordedCall captures one executor invocation for later assertions.
type recordedCall struct {
	target remote.Target
	cmd    remote.Command
}

// scriptedRunner records every call and fails on commands containing a
// configured substring.
type scriptedRunner struct {
	calls     []recordedCall
	failOn    string
	deployKey string
	gets      []string
}

func (r *scriptedRunner) Run(_ context.Context, target remote.Target, cmd remote.Command) (remote.Result, error) {
	r.calls = append(r.calls, recordedCall{target: target, cmd: cmd})
	if r.failOn != "" && strings.Contains(cmd.Cmd, r.failOn) {
		return remote.Result{ExitStatus: 1, Output: "boom"}, &remote.CommandError{
			Command:    cmd.Cmd,
			ExitStatus: 1,
			Output:     "boom",
		}
	}
	return remote.Result{}, nil
}

func (r *scriptedRunner) Put(_ context.Context, target remote.Target, _, remotePath string, _ remote.PutOptions) error {
	r.calls = append(r.calls, recordedCall{target: target, cmd: remote.Command{Cmd: "put " + remotePath}})
	return nil
}

func (r *scriptedRunner) Get(_ context.Context, target remote.Target, remotePath, localPath string, _ remote.GetOptions) error {
	r.calls = append(r.calls, recordedCall{target: target, cmd: remote.Command{Cmd: "get " + remotePath}})
	r.gets = append(r.gets, remotePath)
	key := r.deployKey
	if key == "" {
		key = "ssh-rsa AAAAB3Nza... tribe@tribe-server"
	}
	return os.WriteFile(localPath, []byte(key), 0600)
}

var _ remote.Runner = (*scriptedRunner)(nil)

func (r *scriptedRunner) commandsContaining(substr string) []recordedCall {
	var out []recordedCall
	for _, call := range r.calls {
		if strings.Contains(call.cmd.Cmd, substr) {
			out = append(out, call)
		}
	}
	return out
}

type fakeProber struct {
	calls []remote.Target
	errAt int // 1-based call index that fails; 0 means never
}

func (p *fakeProber) AwaitReady(_ context.Context, target remote.Target, _, _ time.Duration) error {
	p.calls = append(p.calls, target)
	if p.errAt != 0 && len(p.calls) == p.errAt {
		return fmt.Errorf("%s: %w", target.Addr, remote.ErrProbeTimeout)
	}
	return nil
}

type fakeGate struct {
	confirm bool
	err     error
	called  bool
	shown   string
}

func (g *fakeGate) ConfirmKeyRegistered(_ context.Context, publicKey string) (bool, error) {
	g.called = true
	g.shown = publicKey
	return g.confirm, g.err
}

type fakeDeployer struct {
	called bool
	hosts  HostSet
	err    error
}

func (d *fakeDeployer) Deploy(_ context.Context, _ remote.Runner, hosts HostSet) error {
	d.called = true
	d.hosts = hosts
	return d.err
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Provider: config.ProviderConfig{
			InstanceName: "tribe",
			Region:       "nyc3",
			Size:         "s-1vcpu-2gb",
			Image:        "ubuntu-22-04-x64",
			SSHKeyID:     "ops",
		},
		SSH: config.SSHConfig{
			BootstrapUser: "root",
			Port:          22,
			ReadyTimeout:  config.Duration(time.Second),
			ProbeInterval: config.Duration(time.Millisecond),
		},
		AppUser: config.AppUserConfig{
			Name:               "tribe",
			AuthorizedKeysPath: "testdata/authorized_keys",
		},
		Database: config.DatabaseConfig{
			Host:           "localhost",
			Port:           5432,
			Name:           "tribe",
			MasterUser:     "postgres",
			MasterPassword: "master-secret",
			AppUser:        "tribe",
			AppPassword:    "app-secret",
		},
		Repos: []config.Repo{
			{URL: "git@bitbucket.org:greenelab/tribe.git", Dest: "/home/tribe/tribe"},
		},
		Files: config.FilesConfig{
			AutoUpgrades:        "testdata/20auto-upgrades",
			UnattendedUpgrades:  "testdata/50unattended-upgrades",
			NginxSite:           "testdata/tribe-nginx.conf",
			SupervisorProgram:   "testdata/tribe_super.conf",
			SupervisorSudoers:   "testdata/super_sudo",
			DeployKeyOutputPath: filepath.Join(t.TempDir(), "deploy_rsa.pub"),
		},
		Deploy: config.DeployConfig{Command: "bash /home/tribe/deploy.sh"},
	}
}

func newTestSequencer(t *testing.T, cfg *config.Config, provider *fakeProvider, runner *scriptedRunner, prober *fakeProber, gate *fakeGate, deployer *fakeDeployer) *Sequencer {
	t.Helper()
	seq, err := NewSequencer(cfg, provider, runner, prober, gate, deployer)
	require.NoError(t, err)
	return seq
}

func TestRunHappyPath(t *testing.T) {
	cfg := testConfig(t)
	provider := &fakeProvider{staleAddr: "192.0.2.1", listedAddr: "10.0.0.5"}
	runner := &scriptedRunner{}
	prober := &fakeProber{}
	gate := &fakeGate{confirm: true}
	deployer := &fakeDeployer{}

	seq := newTestSequencer(t, cfg, provider, runner, prober, gate, deployer)
	require.NoError(t, seq.Run(context.Background()))
	assert.Equal(t, StateCompleted, seq.State())

	// Exactly one reboot.
	reboots := runner.commandsContaining("reboot")
	require.Len(t, reboots, 1)
	assert.True(t, reboots[0].cmd.Sudo)

	// Readiness probed after creation and after the reboot.
	assert.Len(t, prober.calls, 2)

	// Every remote command ran under the bootstrap identity; the
	// application identity only appears in the deployer hand-off.
	for _, call := range runner.calls {
		assert.Equal(t, "root", call.target.User)
	}
	require.True(t, deployer.called)
	assert.Equal(t, "tribe", deployer.hosts.Identity())

	// The gate saw the key material retrieved from the host.
	require.True(t, gate.called)
	assert.Contains(t, gate.shown, "ssh-rsa")
	assert.Equal(t, []string{"/home/tribe/.ssh/id_rsa.pub"}, runner.gets)
}

func TestRunAdoptsAddressFromFreshListing(t *testing.T) {
	cfg := testConfig(t)
	provider := &fakeProvider{staleAddr: "192.0.2.1", listedAddr: "10.0.0.5"}
	runner := &scriptedRunner{}
	seq := newTestSequencer(t, cfg, provider, runner, &fakeProber{}, &fakeGate{confirm: true}, &fakeDeployer{})

	require.NoError(t, seq.Run(context.Background()))
	require.Equal(t, 1, provider.listCalls)
	require.NotEmpty(t, runner.calls)
	for _, call := range runner.calls {
		assert.Equal(t, "10.0.0.5", call.target.Addr, "command targeted the stale pre-wait address")
	}
}

func TestRunStopsAtFirstBootstrapFailure(t *testing.T) {
	cfg := testConfig(t)
	runner := &scriptedRunner{failOn: "apt-get update"}
	deployer := &fakeDeployer{}
	gate := &fakeGate{confirm: true}
	seq := newTestSequencer(t, cfg, &fakeProvider{listedAddr: "10.0.0.5"}, runner, &fakeProber{}, gate, deployer)

	err := seq.Run(context.Background())
	var stageErr *StageError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, "install_system_packages", stageErr.Stage)
	assert.Equal(t, StateFailed, seq.State())
	assert.Equal(t, "install_system_packages", seq.FailedStage())

	// Nothing after the failing stage ran.
	assert.Empty(t, runner.commandsContaining("reboot"))
	assert.Empty(t, runner.commandsContaining("adduser"))
	assert.False(t, gate.called)
	assert.False(t, deployer.called)
}

func TestRunDatabaseFailureHaltsBeforeKeysAndClone(t *testing.T) {
	cfg := testConfig(t)
	runner := &scriptedRunner{failOn: "CREATE ROLE"}
	gate := &fakeGate{confirm: true}
	deployer := &fakeDeployer{}
	seq := newTestSequencer(t, cfg, &fakeProvider{listedAddr: "10.0.0.5"}, runner, &fakeProber{}, gate, deployer)

	err := seq.Run(context.Background())
	var stageErr *StageError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, "setup_database", stageErr.Stage)

	var cmdErr *remote.CommandError
	require.ErrorAs(t, err, &cmdErr)
	assert.Equal(t, "boom", cmdErr.Output)

	assert.Empty(t, runner.commandsContaining("ssh-keygen"))
	assert.Empty(t, runner.commandsContaining("git clone"))
	assert.False(t, gate.called)
	assert.False(t, deployer.called)
}

func TestRunOperatorDeclineAborts(t *testing.T) {
	cfg := testConfig(t)
	runner := &scriptedRunner{}
	deployer := &fakeDeployer{}
	seq := newTestSequencer(t, cfg, &fakeProvider{listedAddr: "10.0.0.5"}, runner, &fakeProber{}, &fakeGate{confirm: false}, deployer)

	err := seq.Run(context.Background())
	require.ErrorIs(t, err, ErrOperatorAbort)
	assert.Equal(t, StateFailed, seq.State())

	// Keys were generated, but nothing past the gate ran.
	assert.NotEmpty(t, runner.commandsContaining("ssh-keygen"))
	assert.Empty(t, runner.commandsContaining("git clone"))
	assert.Empty(t, runner.commandsContaining("sites-enabled"))
	assert.False(t, deployer.called)
}

func TestRunProviderFailureIsFatal(t *testing.T) {
	cfg := testConfig(t)
	provider := &fakeProvider{createErr: &compute.ProviderError{Op: "create instance", Err: errors.New("quota exceeded")}}
	runner := &scriptedRunner{}
	seq := newTestSequencer(t, cfg, provider, runner, &fakeProber{}, &fakeGate{confirm: true}, &fakeDeployer{})

	err := seq.Run(context.Background())
	var provErr *compute.ProviderError
	require.ErrorAs(t, err, &provErr)
	assert.Equal(t, "provision_instance", seq.FailedStage())
	assert.Empty(t, runner.calls)
}

func TestRunProviderTimeoutIsFatal(t *testing.T) {
	cfg := testConfig(t)
	provider := &fakeProvider{waitErr: fmt.Errorf("instance i-1: %w", compute.ErrProviderTimeout)}
	seq := newTestSequencer(t, cfg, provider, &scriptedRunner{}, &fakeProber{}, &fakeGate{confirm: true}, &fakeDeployer{})

	err := seq.Run(context.Background())
	require.ErrorIs(t, err, compute.ErrProviderTimeout)
	assert.Equal(t, 0, provider.listCalls, "listing must not run after a failed wait")
}

func TestRunProbeTimeoutAfterRebootIsFatal(t *testing.T) {
	cfg := testConfig(t)
	runner := &scriptedRunner{}
	prober := &fakeProber{errAt: 2} // first probe (post-create) passes, post-reboot fails
	seq := newTestSequencer(t, cfg, &fakeProvider{listedAddr: "10.0.0.5"}, runner, prober, &fakeGate{confirm: true}, &fakeDeployer{})

	err := seq.Run(context.Background())
	require.ErrorIs(t, err, remote.ErrProbeTimeout)
	assert.Equal(t, rebootStageName, seq.FailedStage())
	assert.Empty(t, runner.commandsContaining("adduser"))
}

func TestRunGeneratesDatabasePasswordWhenUnset(t *testing.T) {
	cfg := testConfig(t)
	cfg.Database.AppPassword = ""
	runner := &scriptedRunner{}
	seq := newTestSequencer(t, cfg, &fakeProvider{listedAddr: "10.0.0.5"}, runner, &fakeProber{}, &fakeGate{confirm: true}, &fakeDeployer{})

	require.NoError(t, seq.Run(context.Background()))
	roleCmds := runner.commandsContaining("CREATE ROLE")
	require.Len(t, roleCmds, 1)
	assert.NotContains(t, roleCmds[0].cmd.Cmd, "PASSWORD ''", "generated password must not be empty")
}

func TestRunDeployFailure(t *testing.T) {
	cfg := testConfig(t)
	deployer := &fakeDeployer{err: errors.New("gunicorn refused to start")}
	seq := newTestSequencer(t, cfg, &fakeProvider{listedAddr: "10.0.0.5"}, &scriptedRunner{}, &fakeProber{}, &fakeGate{confirm: true}, deployer)

	err := seq.Run(context.Background())
	var stageErr *StageError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, "deploy", stageErr.Stage)
	assert.Equal(t, StateFailed, seq.State())
}
