// Command tribectl provisions a Tribe server from nothing: it creates
// the cloud instance, configures the system, and starts the supervised
// application processes.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/greenelab/tribectl/cmd/tribectl/commands"
	"github.com/greenelab/tribectl/internal/logger"
	"github.com/greenelab/tribectl/internal/provision"
)

func main() {
	// Load environment variables from .env file, if present.
	_ = godotenv.Load()

	logger.Initialize()

	if err := commands.RootCmd.Execute(); err != nil {
		if errors.Is(err, provision.ErrOperatorAbort) {
			fmt.Fprintln(os.Stderr, "Provisioning aborted by operator.")
			os.Exit(1)
		}
		var stageErr *provision.StageError
		if errors.As(err, &stageErr) {
			fmt.Fprintf(os.Stderr, "Provisioning failed at stage %q: %v\n", stageErr.Stage, stageErr.Err)
			os.Exit(1)
		}
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
