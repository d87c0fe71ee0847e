// Package remote executes commands and moves files on target hosts
// over SSH.
package remote

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// Target identifies a host and the remote identity commands run as.
type Target struct {
	Addr string
	User string
	Port int
}

func (t Target) hostPort() string {
	port := t.Port
	if port == 0 {
		port = 22
	}
	return fmt.Sprintf("%s:%d", t.Addr, port)
}

// String returns the user@host form used in log output.
func (t Target) String() string {
	return fmt.Sprintf("%s@%s", t.User, t.Addr)
}

// Command is a single remote shell invocation. Sudo elevates to root;
// AsUser elevates and then drops to the named account. Pty requests a
// pseudo-terminal, which some programs (adduser, ssh-keygen) need.
type Command struct {
	Cmd    string
	Sudo   bool
	AsUser string
	Pty    bool
}

// Result carries the outcome of a completed remote command.
type Result struct {
	ExitStatus int
	Output     string
}

// PutOptions controls an upload. Sudo stages the file and installs it
// as root; Mode sets the final permissions when non-zero.
type PutOptions struct {
	Sudo bool
	Mode os.FileMode
}

// GetOptions controls a download. Sudo reads the remote file as root.
type GetOptions struct {
	Sudo bool
}

// Runner executes work on a single remote host.
type Runner interface {
	// Run executes a command and returns its captured output. A
	// non-zero exit status is returned as a *CommandError.
	Run(ctx context.Context, target Target, cmd Command) (Result, error)

	// Put uploads a local file to the remote path.
	Put(ctx context.Context, target Target, localPath, remotePath string, opts PutOptions) error

	// Get downloads a remote file to the local path.
	Get(ctx context.Context, target Target, remotePath, localPath string, opts GetOptions) error
}

// CommandError indicates a remote command exited non-zero. The captured
// output is attached for diagnostics.
type CommandError struct {
	Command    string
	ExitStatus int
	Output     string
	Err        error
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("remote command %q exited %d: %s", e.Command, e.ExitStatus, strings.TrimSpace(e.Output))
}

func (e *CommandError) Unwrap() error { return e.Err }

// shellLine renders the command with its elevation prefix. The payload
// is single-quoted so the remote shell sees it verbatim.
func shellLine(cmd Command) string {
	switch {
	case cmd.AsUser != "":
		return fmt.Sprintf("sudo -H -u %s bash -c %s", cmd.AsUser, shellQuote(cmd.Cmd))
	case cmd.Sudo:
		return fmt.Sprintf("sudo -H bash -c %s", shellQuote(cmd.Cmd))
	default:
		return cmd.Cmd
	}
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
