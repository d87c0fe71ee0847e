// Package config loads and validates the provisioning configuration.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML values like "5s" parse.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// ProviderConfig holds the cloud provider credentials and instance
// creation parameters.
type ProviderConfig struct {
	Token          string   `yaml:"token"`
	Region         string   `yaml:"region"`
	Size           string   `yaml:"size"`
	Image          string   `yaml:"image"`
	SSHKeyID       string   `yaml:"ssh_key_id"`
	InstanceName   string   `yaml:"instance_name"`
	RunningTimeout Duration `yaml:"running_timeout"`
}

// SSHConfig holds the bootstrap SSH access parameters. The bootstrap
// user is the default account present on a freshly created instance.
type SSHConfig struct {
	BootstrapUser  string   `yaml:"bootstrap_user"`
	PrivateKeyPath string   `yaml:"private_key_path"`
	Port           int      `yaml:"port"`
	ReadyTimeout   Duration `yaml:"ready_timeout"`
	ProbeInterval  Duration `yaml:"probe_interval"`
}

// AppUserConfig describes the application account created on the host.
type AppUserConfig struct {
	Name               string `yaml:"name"`
	AuthorizedKeysPath string `yaml:"authorized_keys_path"`
}

// DatabaseConfig holds master credentials used to provision the
// application role, and the role's own credentials. AppPassword may be
// left empty, in which case one is generated at run time.
type DatabaseConfig struct {
	Host           string `yaml:"host"`
	Port           int    `yaml:"port"`
	Name           string `yaml:"name"`
	MasterUser     string `yaml:"master_user"`
	MasterPassword string `yaml:"master_password"`
	AppUser        string `yaml:"app_user"`
	AppPassword    string `yaml:"app_password"`
}

// Repo identifies a source repository cloned onto the host.
type Repo struct {
	URL  string `yaml:"url"`
	Dest string `yaml:"dest"`
}

// FilesConfig points at the local payload files uploaded during
// provisioning. Their content is opaque to the workflow.
type FilesConfig struct {
	AutoUpgrades        string `yaml:"auto_upgrades"`
	UnattendedUpgrades  string `yaml:"unattended_upgrades"`
	NginxSite           string `yaml:"nginx_site"`
	SupervisorProgram   string `yaml:"supervisor_program"`
	SupervisorSudoers   string `yaml:"supervisor_sudoers"`
	DeployKeyOutputPath string `yaml:"deploy_key_output_path"`
}

// DeployConfig configures the post-provisioning deployment hand-off.
// An empty command disables the deployment step's remote work.
type DeployConfig struct {
	Command string `yaml:"command"`
}

// Config is the full configuration surface consumed by the workflow.
type Config struct {
	Provider ProviderConfig `yaml:"provider"`
	SSH      SSHConfig      `yaml:"ssh"`
	AppUser  AppUserConfig  `yaml:"app_user"`
	Database DatabaseConfig `yaml:"database"`
	Repos    []Repo         `yaml:"repos"`
	Files    FilesConfig    `yaml:"files"`
	Deploy   DeployConfig   `yaml:"deploy"`
}

// Load reads the YAML configuration at path and merges secrets from the
// environment. Environment values win over the file so tokens never
// need to live in YAML.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg := defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if v := os.Getenv("DIGITALOCEAN_TOKEN"); v != "" {
		cfg.Provider.Token = v
	}
	if v := os.Getenv("DB_MASTER_PASSWORD"); v != "" {
		cfg.Database.MasterPassword = v
	}

	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Provider: ProviderConfig{
			Region:         "nyc3",
			Size:           "s-1vcpu-2gb",
			Image:          "ubuntu-22-04-x64",
			InstanceName:   "tribe",
			RunningTimeout: Duration(10 * time.Minute),
		},
		SSH: SSHConfig{
			BootstrapUser: "root",
			Port:          22,
			ReadyTimeout:  Duration(5 * time.Minute),
			ProbeInterval: Duration(10 * time.Second),
		},
		AppUser: AppUserConfig{
			Name: "tribe",
		},
		Database: DatabaseConfig{
			Host: "localhost",
			Port: 5432,
		},
		Files: FilesConfig{
			DeployKeyOutputPath: "deploy_rsa.pub",
		},
	}
}

// Validate checks that every field the workflow will read is present.
// It reports all missing fields at once so a bad config fails before
// any instance is created, not mid-stage.
func (c *Config) Validate() error {
	var missing []string

	require := func(value, name string) {
		if value == "" {
			missing = append(missing, name)
		}
	}

	require(c.Provider.Token, "provider.token")
	require(c.Provider.Region, "provider.region")
	require(c.Provider.Size, "provider.size")
	require(c.Provider.Image, "provider.image")
	require(c.Provider.SSHKeyID, "provider.ssh_key_id")
	require(c.Provider.InstanceName, "provider.instance_name")
	require(c.SSH.BootstrapUser, "ssh.bootstrap_user")
	require(c.SSH.PrivateKeyPath, "ssh.private_key_path")
	require(c.AppUser.Name, "app_user.name")
	require(c.AppUser.AuthorizedKeysPath, "app_user.authorized_keys_path")
	require(c.Database.Name, "database.name")
	require(c.Database.MasterUser, "database.master_user")
	require(c.Database.MasterPassword, "database.master_password")
	require(c.Database.AppUser, "database.app_user")
	require(c.Files.AutoUpgrades, "files.auto_upgrades")
	require(c.Files.UnattendedUpgrades, "files.unattended_upgrades")
	require(c.Files.NginxSite, "files.nginx_site")
	require(c.Files.SupervisorProgram, "files.supervisor_program")
	require(c.Files.SupervisorSudoers, "files.supervisor_sudoers")

	if len(c.Repos) == 0 {
		missing = append(missing, "repos")
	}
	for i, r := range c.Repos {
		if r.URL == "" {
			missing = append(missing, fmt.Sprintf("repos[%d].url", i))
		}
		if r.Dest == "" {
			missing = append(missing, fmt.Sprintf("repos[%d].dest", i))
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("missing required config fields: %s", strings.Join(missing, ", "))
	}
	return nil
}
