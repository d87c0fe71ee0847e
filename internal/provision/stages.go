package provision

import (
	"context"
	"fmt"

	"github.com/greenelab/tribectl/internal/config"
	"github.com/greenelab/tribectl/internal/remote"
)

// Step is one remote operation inside a stage.
type Step interface {
	Apply(ctx context.Context, runner remote.Runner, target remote.Target) error
	Describe() string
}

// Stage is a named, ordered unit of provisioning work. Stages run
// strictly in sequence, each under the identity active when it starts.
type Stage struct {
	Name  string
	Steps []Step
}

type cmdStep struct {
	cmd remote.Command
}

func (s cmdStep) Apply(ctx context.Context, runner remote.Runner, target remote.Target) error {
	_, err := runner.Run(ctx, target, s.cmd)
	return err
}

func (s cmdStep) Describe() string { return s.cmd.Cmd }

type putStep struct {
	local  string
	remote string
	opts   remote.PutOptions
}

func (s putStep) Apply(ctx context.Context, runner remote.Runner, target remote.Target) error {
	return runner.Put(ctx, target, s.local, s.remote, s.opts)
}

func (s putStep) Describe() string { return fmt.Sprintf("put %s -> %s", s.local, s.remote) }

type getStep struct {
	remote string
	local  string
	opts   remote.GetOptions
}

func (s getStep) Apply(ctx context.Context, runner remote.Runner, target remote.Target) error {
	return runner.Get(ctx, target, s.remote, s.local, s.opts)
}

func (s getStep) Describe() string { return fmt.Sprintf("get %s -> %s", s.remote, s.local) }

func sudo(cmd string) Step {
	return cmdStep{cmd: remote.Command{Cmd: cmd, Sudo: true}}
}

func sudoPty(cmd string) Step {
	return cmdStep{cmd: remote.Command{Cmd: cmd, Sudo: true, Pty: true}}
}

func asUser(user, cmd string) Step {
	return cmdStep{cmd: remote.Command{Cmd: cmd, AsUser: user}}
}

func upload(local, remotePath string, opts remote.PutOptions) Step {
	return putStep{local: local, remote: remotePath, opts: opts}
}

// bootstrapStages are the system-configuration stages that run under
// the bootstrap identity, before the reboot. The command payloads
// mirror the manual server setup they replace; their correctness for a
// given OS release is the payload author's problem, not the workflow's.
func bootstrapStages(cfg *config.Config) []Stage {
	return []Stage{
		{
			Name: "install_system_packages",
			Steps: []Step{
				sudo("apt-get update"),
				sudo("wget -qO - https://packages.elasticsearch.org/GPG-KEY-elasticsearch | apt-key add -"),
				sudo("echo 'deb https://packages.elasticsearch.org/elasticsearch/1.4/debian stable main' > /etc/apt/sources.list.d/elasticsearch.list"),
				sudo("apt-get update"),
				sudo("apt-get -y -q install elasticsearch openjdk-7-jre"),
				sudo("apt-get -y -q install python python-dev mercurial python-distribute python-pip python-virtualenv"),
				sudo("apt-get -y -q install postgresql-common libpq-dev postgresql-client"),
				sudo("apt-get -y -q install nodejs-legacy build-essential nginx npm supervisor"),
			},
		},
		{
			Name: "enable_unattended_updates",
			Steps: []Step{
				upload(cfg.Files.AutoUpgrades, "/etc/apt/apt.conf.d/20auto-upgrades", remote.PutOptions{Sudo: true}),
				upload(cfg.Files.UnattendedUpgrades, "/etc/apt/apt.conf.d/50unattended-upgrades", remote.PutOptions{Sudo: true}),
			},
		},
		{
			Name: "setup_elasticsearch",
			Steps: []Step{
				sudo("mkdir -p /var/elastic"),
				sudo("chown -R elasticsearch:elasticsearch /var/elastic"),
				sudo("sysctl -w vm.max_map_count=262144"),
				sudo("grep -q ES_HEAP_SIZE /etc/environment || echo 'ES_HEAP_SIZE=512m' >> /etc/environment"),
				sudo("update-rc.d elasticsearch defaults 95 10"),
				sudo(`printf 'network.bind_host: 127.0.0.1\nscript.disable_dynamic: true\nbootstrap.mlockall: true\npath.data: /var/elastic\npath.logs: /var/log/elasticsearch\ncluster.name: tribesearch\n' >> /etc/elasticsearch/elasticsearch.yml`),
			},
		},
		{
			Name: "setup_yuglify",
			Steps: []Step{
				sudo("npm -g install yuglify"),
			},
		},
	}
}

// rebootStage issues the reboot that picks up the freshly installed
// package state. The sequencer treats it specially: a dropped
// connection is expected and readiness is re-established by probing.
const rebootStageName = "reboot"

// preKeyStages run under the bootstrap identity after the reboot, up to
// and excluding deploy-key generation. Ordering matters: the database
// role must exist before the clone whose code will use it at runtime.
func preKeyStages(cfg *config.Config, dbAppPassword string) []Stage {
	user := cfg.AppUser.Name
	home := "/home/" + user
	db := cfg.Database

	return []Stage{
		{
			Name: "create_app_user",
			Steps: []Step{
				sudoPty(fmt.Sprintf("adduser %s --disabled-password --gecos ''", user)),
				asUser(user, fmt.Sprintf("mkdir -p %s/.ssh", home)),
				upload(cfg.AppUser.AuthorizedKeysPath, home+"/.ssh/authorized_keys", remote.PutOptions{Sudo: true, Mode: 0600}),
				sudo(fmt.Sprintf("chown %s:%s %s/.ssh/authorized_keys", user, user, home)),
			},
		},
		{
			Name: "setup_database",
			Steps: []Step{
				sudo(fmt.Sprintf(
					`PGPASSWORD='%s' psql -h %s -p %d -U %s -d postgres -c "CREATE ROLE %s WITH LOGIN PASSWORD '%s'"`,
					db.MasterPassword, db.Host, db.Port, db.MasterUser, db.AppUser, dbAppPassword,
				)),
				sudo(fmt.Sprintf(
					`PGPASSWORD='%s' psql -h %s -p %d -U %s -d postgres -c "CREATE DATABASE %s OWNER %s"`,
					db.MasterPassword, db.Host, db.Port, db.MasterUser, db.Name, db.AppUser,
				)),
			},
		},
	}
}

// deployKeyStage generates the deployment keypair as the application
// user and retrieves the public half so the operator can register it
// with the source host.
func deployKeyStage(cfg *config.Config) Stage {
	user := cfg.AppUser.Name
	home := "/home/" + user

	return Stage{
		Name: "create_deploy_keys",
		Steps: []Step{
			asUser(user, fmt.Sprintf(`ssh-keygen -t rsa -N "" -f %s/.ssh/id_rsa`, home)),
			getStep{remote: home + "/.ssh/id_rsa.pub", local: cfg.Files.DeployKeyOutputPath, opts: remote.GetOptions{Sudo: true}},
		},
	}
}

// postKeyStages run after the operator confirms the deploy key is
// registered, still under the bootstrap identity.
func postKeyStages(cfg *config.Config) []Stage {
	user := cfg.AppUser.Name
	home := "/home/" + user

	cloneSteps := make([]Step, 0, len(cfg.Repos))
	for _, repo := range cfg.Repos {
		cloneSteps = append(cloneSteps, asUser(user, fmt.Sprintf("git clone %s %s", repo.URL, repo.Dest)))
	}

	return []Stage{
		{
			Name:  "clone_repos",
			Steps: cloneSteps,
		},
		{
			Name: "setup_nginx",
			Steps: []Step{
				sudo("rm -f /etc/nginx/sites-enabled/default"),
				upload(cfg.Files.NginxSite, "/etc/nginx/sites-enabled/tribe.conf", remote.PutOptions{Sudo: true}),
				sudo("/etc/init.d/nginx restart"),
			},
		},
		{
			Name: "setup_virtualenv",
			Steps: []Step{
				asUser(user, fmt.Sprintf("mkdir -p %s/.virtualenvs", home)),
				asUser(user, fmt.Sprintf("virtualenv %s/.virtualenvs/%s", home, user)),
			},
		},
		{
			Name: "setup_supervisor",
			Steps: []Step{
				upload(cfg.Files.SupervisorProgram, fmt.Sprintf("/etc/supervisor/conf.d/%s_super.conf", user), remote.PutOptions{Sudo: true}),
				sudo("/etc/init.d/supervisor restart"),
			},
		},
		{
			Name: "setup_sudo_restart",
			Steps: []Step{
				upload(cfg.Files.SupervisorSudoers, "/etc/sudoers.d/super_sudo", remote.PutOptions{Sudo: true, Mode: 0440}),
				sudo("chown root:root /etc/sudoers.d/super_sudo"),
				sudo("/etc/init.d/supervisor restart"),
			},
		},
	}
}

// StageNames lists the stage order for display. The reboot and the
// confirmation gate sit between the bootstrap and user groups.
func StageNames() []string {
	names := []string{
		"provision_instance",
		"install_system_packages",
		"enable_unattended_updates",
		"setup_elasticsearch",
		"setup_yuglify",
		rebootStageName,
		"create_app_user",
		"setup_database",
		"create_deploy_keys",
		"clone_repos",
		"setup_nginx",
		"setup_virtualenv",
		"setup_supervisor",
		"setup_sudo_restart",
		"deploy",
	}
	return names
}
