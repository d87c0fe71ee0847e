package compute

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/digitalocean/godo"

	"github.com/greenelab/tribectl/internal/logger"
)

// DropletService is the subset of the godo droplet API the provider
// uses, extracted so tests can stub it.
type DropletService interface {
	Create(ctx context.Context, createRequest *godo.DropletCreateRequest) (*godo.Droplet, *godo.Response, error)
	Get(ctx context.Context, id int) (*godo.Droplet, *godo.Response, error)
	List(ctx context.Context, opt *godo.ListOptions) ([]godo.Droplet, *godo.Response, error)
}

// KeyService is the subset of the godo SSH key API the provider uses.
type KeyService interface {
	List(ctx context.Context, opt *godo.ListOptions) ([]godo.Key, *godo.Response, error)
}

// DigitalOceanProvider implements Provider on top of the DigitalOcean API.
type DigitalOceanProvider struct {
	droplets     DropletService
	keys         KeyService
	waitBudget   time.Duration
	pollInterval time.Duration
}

// NewDigitalOceanProvider creates a provider using the given API token.
func NewDigitalOceanProvider(token string, waitBudget time.Duration) (*DigitalOceanProvider, error) {
	if token == "" {
		return nil, fmt.Errorf("DigitalOcean token is not set")
	}
	client := godo.NewFromToken(token)
	return newDigitalOceanProvider(client.Droplets, client.Keys, waitBudget), nil
}

func newDigitalOceanProvider(droplets DropletService, keys KeyService, waitBudget time.Duration) *DigitalOceanProvider {
	if waitBudget <= 0 {
		waitBudget = 10 * time.Minute
	}
	return &DigitalOceanProvider{
		droplets:     droplets,
		keys:         keys,
		waitBudget:   waitBudget,
		pollInterval: 5 * time.Second,
	}
}

// resolveSSHKey resolves an SSH key name or fingerprint to the
// fingerprint the create request needs.
func (p *DigitalOceanProvider) resolveSSHKey(ctx context.Context, keyID string) (string, error) {
	keys, _, err := p.keys.List(ctx, &godo.ListOptions{PerPage: 200})
	if err != nil {
		return "", &ProviderError{Op: "list ssh keys", Err: err}
	}
	for _, key := range keys {
		if key.Name == keyID || key.Fingerprint == keyID {
			return key.Fingerprint, nil
		}
	}
	return "", &ProviderError{Op: "resolve ssh key", Err: fmt.Errorf("no SSH key named %q on the account", keyID)}
}

// CreateInstance creates a new droplet.
func (p *DigitalOceanProvider) CreateInstance(ctx context.Context, spec InstanceSpec) (Instance, error) {
	fingerprint, err := p.resolveSSHKey(ctx, spec.SSHKeyID)
	if err != nil {
		return Instance{}, err
	}

	logger.InfoWithFields("🚀 Creating droplet", map[string]interface{}{
		"name":   spec.Name,
		"region": spec.Region,
		"size":   spec.Size,
		"image":  spec.Image,
	})

	req := &godo.DropletCreateRequest{
		Name:   spec.Name,
		Region: spec.Region,
		Size:   spec.Size,
		Image:  godo.DropletCreateImage{Slug: spec.Image},
		SSHKeys: []godo.DropletCreateSSHKey{
			{Fingerprint: fingerprint},
		},
		Tags: spec.Tags,
	}

	droplet, _, err := p.droplets.Create(ctx, req)
	if err != nil {
		return Instance{}, &ProviderError{Op: "create instance", Err: err}
	}

	return fromDroplet(droplet), nil
}

// ListInstances returns all droplets on the account.
func (p *DigitalOceanProvider) ListInstances(ctx context.Context) ([]Instance, error) {
	droplets, _, err := p.droplets.List(ctx, &godo.ListOptions{PerPage: 200})
	if err != nil {
		return nil, &ProviderError{Op: "list instances", Err: err}
	}
	instances := make([]Instance, 0, len(droplets))
	for i := range droplets {
		instances = append(instances, fromDroplet(&droplets[i]))
	}
	return instances, nil
}

// WaitUntilRunning polls the droplet until it reports active.
func (p *DigitalOceanProvider) WaitUntilRunning(ctx context.Context, id string) (Instance, error) {
	dropletID, err := strconv.Atoi(id)
	if err != nil {
		return Instance{}, &ProviderError{Op: "wait until running", Err: fmt.Errorf("bad instance id %q: %w", id, err)}
	}

	deadline := time.Now().Add(p.waitBudget)
	for {
		droplet, _, err := p.droplets.Get(ctx, dropletID)
		if err != nil {
			return Instance{}, &ProviderError{Op: "get instance", Err: err}
		}
		instance := fromDroplet(droplet)
		if instance.Status == StatusRunning {
			return instance, nil
		}

		if time.Now().After(deadline) {
			return Instance{}, fmt.Errorf("instance %s: %w", id, ErrProviderTimeout)
		}

		logger.Debugf("Instance %s not running yet (status %s), polling again", id, instance.Status)
		select {
		case <-ctx.Done():
			return Instance{}, ctx.Err()
		case <-time.After(p.pollInterval):
		}
	}
}

func fromDroplet(d *godo.Droplet) Instance {
	inst := Instance{
		ID:   strconv.Itoa(d.ID),
		Name: d.Name,
	}
	switch d.Status {
	case "active":
		inst.Status = StatusRunning
	case "new":
		inst.Status = StatusPending
	default:
		inst.Status = InstanceStatus(d.Status)
	}
	if ip, err := d.PublicIPv4(); err == nil {
		inst.PublicIP = ip
	}
	if created, err := time.Parse(time.RFC3339, d.Created); err == nil {
		inst.CreatedAt = created
	}
	return inst
}
