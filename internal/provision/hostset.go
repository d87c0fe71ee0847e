package provision

import (
	"errors"

	"github.com/greenelab/tribectl/internal/remote"
)

// ErrTargetsNotSet indicates a stage tried to read the host set before
// the workflow installed one. This is a sequencing bug, not an
// environmental failure.
var ErrTargetsNotSet = errors.New("host set read before targets were set")

// HostSet is the ordered set of (address, identity) pairs the next
// stage runs against.
type HostSet struct {
	Targets []remote.Target
}

// Identity returns the remote identity shared by the set. All targets
// in a set carry the same identity.
func (h HostSet) Identity() string {
	if len(h.Targets) == 0 {
		return ""
	}
	return h.Targets[0].User
}

// HostSetManager holds the single active host set. The sequencer
// replaces it wholesale between stages; nothing mutates it mid-stage.
type HostSetManager struct {
	current HostSet
	set     bool
}

// NewHostSetManager returns a manager with no targets installed.
func NewHostSetManager() *HostSetManager {
	return &HostSetManager{}
}

// SetTargets replaces the whole host set with the given addresses under
// one remote identity.
func (m *HostSetManager) SetTargets(addrs []string, identity string, port int) {
	targets := make([]remote.Target, 0, len(addrs))
	for _, addr := range addrs {
		targets = append(targets, remote.Target{Addr: addr, User: identity, Port: port})
	}
	m.current = HostSet{Targets: targets}
	m.set = true
}

// Current returns the active host set, or ErrTargetsNotSet if
// SetTargets has never been called.
func (m *HostSetManager) Current() (HostSet, error) {
	if !m.set {
		return HostSet{}, ErrTargetsNotSet
	}
	return m.current, nil
}
