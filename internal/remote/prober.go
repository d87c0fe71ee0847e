package remote

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/greenelab/tribectl/internal/logger"
)

// ErrProbeTimeout is returned when a host never became reachable within
// the probe budget.
var ErrProbeTimeout = errors.New("host never became reachable")

// Prober decides when a host is safe to target with remote commands:
// right after instance creation, and again after a mid-workflow reboot
// when the machine briefly drops off the network.
type Prober struct {
	runner         Runner
	attemptTimeout time.Duration
}

// NewProber creates a prober that issues its probes through runner.
func NewProber(runner Runner) *Prober {
	return &Prober{
		runner:         runner,
		attemptTimeout: 5 * time.Second,
	}
}

// AwaitReady probes the target with a trivial command until it answers
// or maxWait is exhausted. Any transport failure counts as not-yet-ready.
func (p *Prober) AwaitReady(ctx context.Context, target Target, maxWait, interval time.Duration) error {
	logger.Infof("⏳ Waiting for %s to accept commands...", target)

	start := time.Now()
	deadline := start.Add(maxWait)
	for attempt := 1; ; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, p.attemptTimeout)
		_, err := p.runner.Run(attemptCtx, target, Command{Cmd: "hostname"})
		cancel()
		if err == nil {
			logger.Infof("✅ %s is reachable (attempt %d)", target, attempt)
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		// Give up when the next probe would land past the deadline.
		if time.Now().Add(interval).After(deadline) {
			return fmt.Errorf("%s not reachable after %s: %w", target, maxWait, ErrProbeTimeout)
		}

		logger.Debugf("  %s not ready yet, retrying in %s (attempt %d)", target, interval, attempt)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}
