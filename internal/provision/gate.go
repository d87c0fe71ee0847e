package provision

import (
	"context"
	"fmt"

	"github.com/charmbracelet/huh"
)

// Gate is the human-in-the-loop confirmation point for deploy-key
// registration. The workflow suspends on it with no timeout; only the
// operator resumes or aborts the run.
type Gate interface {
	// ConfirmKeyRegistered shows the public key material and returns
	// whether the operator confirmed it is registered with the source
	// repositories.
	ConfirmKeyRegistered(ctx context.Context, publicKey string) (bool, error)
}

// TerminalGate prompts the operator on the controlling terminal.
type TerminalGate struct{}

// ConfirmKeyRegistered implements Gate.
func (TerminalGate) ConfirmKeyRegistered(ctx context.Context, publicKey string) (bool, error) {
	confirmed := false
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewConfirm().
				Title("Deployment key registered?").
				Description(fmt.Sprintf(
					"Add this deployment key to the source repository host, then confirm:\n\n%s",
					publicKey,
				)).
				Affirmative("Registered").
				Negative("Abort").
				Value(&confirmed),
		),
	)
	if err := form.RunWithContext(ctx); err != nil {
		return false, fmt.Errorf("failed to read confirmation: %w", err)
	}
	return confirmed, nil
}
