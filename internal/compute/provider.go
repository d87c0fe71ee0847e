// Package compute talks to the cloud provider that backs the target
// instance.
package compute

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// InstanceStatus is the lifecycle state reported by the provider.
type InstanceStatus string

const (
	StatusPending InstanceStatus = "pending"
	StatusRunning InstanceStatus = "running"
	StatusOff     InstanceStatus = "off"
)

// Instance is a read-only view of a provider instance.
type Instance struct {
	ID        string
	Name      string
	Status    InstanceStatus
	PublicIP  string
	CreatedAt time.Time
}

// InstanceSpec holds the creation parameters for a new instance.
type InstanceSpec struct {
	Name     string
	Region   string
	Size     string
	Image    string
	SSHKeyID string
	Tags     []string
}

// Provider defines the interface for cloud providers.
type Provider interface {
	// CreateInstance creates a new instance.
	CreateInstance(ctx context.Context, spec InstanceSpec) (Instance, error)

	// ListInstances returns all instances visible to the credentials.
	ListInstances(ctx context.Context) ([]Instance, error)

	// WaitUntilRunning blocks until the instance with the given ID
	// reports the running state, or the wait budget is exhausted.
	WaitUntilRunning(ctx context.Context, id string) (Instance, error)
}

// ProviderError indicates a cloud API call failed. It is fatal; the
// workflow never retries provider operations.
type ProviderError struct {
	Op  string
	Err error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider: %s: %v", e.Op, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// ErrProviderTimeout is returned when an instance never reaches the
// running state within the configured budget.
var ErrProviderTimeout = errors.New("instance did not reach running state in time")
