package remote

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/sftp"
	xssh "golang.org/x/crypto/ssh"

	"github.com/greenelab/tribectl/internal/logger"
)

// SSHRunner is the Runner implementation used against real hosts. It
// dials a fresh connection per operation; provisioning traffic is far
// too sparse for pooling to matter.
type SSHRunner struct {
	signer      xssh.Signer
	dialTimeout time.Duration
}

// NewSSHRunner loads the private key at keyPath and returns a runner
// authenticating with it.
func NewSSHRunner(keyPath string) (*SSHRunner, error) {
	data, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read private key: %w", err)
	}
	signer, err := xssh.ParsePrivateKey(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	return &SSHRunner{
		signer:      signer,
		dialTimeout: 10 * time.Second,
	}, nil
}

func (r *SSHRunner) dial(ctx context.Context, target Target) (*xssh.Client, error) {
	cfg := &xssh.ClientConfig{
		User: target.User,
		Auth: []xssh.AuthMethod{xssh.PublicKeys(r.signer)},
		// Freshly created instances have unknown host keys; reboots can
		// regenerate them. Pinning is not practical here.
		HostKeyCallback: xssh.InsecureIgnoreHostKey(), // #nosec G106
		Timeout:         r.dialTimeout,
	}

	type res struct {
		cli *xssh.Client
		err error
	}
	ch := make(chan res, 1)
	go func() {
		cli, err := xssh.Dial("tcp", target.hostPort(), cfg)
		ch <- res{cli: cli, err: err}
	}()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case got := <-ch:
		return got.cli, got.err
	}
}

// Run implements Runner.Run.
func (r *SSHRunner) Run(ctx context.Context, target Target, cmd Command) (Result, error) {
	cli, err := r.dial(ctx, target)
	if err != nil {
		return Result{}, fmt.Errorf("failed to connect to %s: %w", target, err)
	}
	defer func() { _ = cli.Close() }()

	session, err := cli.NewSession()
	if err != nil {
		return Result{}, fmt.Errorf("failed to open session on %s: %w", target, err)
	}
	defer func() { _ = session.Close() }()

	if cmd.Pty {
		modes := xssh.TerminalModes{
			xssh.ECHO: 0,
		}
		if err := session.RequestPty("xterm", 40, 120, modes); err != nil {
			return Result{}, fmt.Errorf("failed to request pty on %s: %w", target, err)
		}
	}

	line := shellLine(cmd)
	logger.Debugf("[%s] %s", target, line)

	output, err := session.CombinedOutput(line)
	if err != nil {
		if exitErr, ok := err.(*xssh.ExitError); ok {
			return Result{ExitStatus: exitErr.ExitStatus(), Output: string(output)}, &CommandError{
				Command:    line,
				ExitStatus: exitErr.ExitStatus(),
				Output:     string(output),
				Err:        err,
			}
		}
		return Result{}, fmt.Errorf("failed to run %q on %s: %w", line, target, err)
	}
	return Result{Output: string(output)}, nil
}

// Put implements Runner.Put. Elevated uploads stage the file under the
// session user and install it into place as root, since SFTP runs with
// the session identity.
func (r *SSHRunner) Put(ctx context.Context, target Target, localPath, remotePath string, opts PutOptions) error {
	cli, err := r.dial(ctx, target)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", target, err)
	}
	defer func() { _ = cli.Close() }()

	uploadPath := remotePath
	if opts.Sudo {
		uploadPath = filepath.Join("/tmp", fmt.Sprintf("tribectl-upload-%d-%s", time.Now().UnixNano(), filepath.Base(remotePath)))
	}

	if err := sftpUpload(cli, localPath, uploadPath); err != nil {
		return fmt.Errorf("failed to upload %s to %s: %w", localPath, target, err)
	}

	if opts.Sudo {
		mode := opts.Mode
		if mode == 0 {
			mode = 0644
		}
		install := fmt.Sprintf("install -m %04o %s %s && rm -f %s", mode, uploadPath, remotePath, uploadPath)
		if _, err := r.Run(ctx, target, Command{Cmd: install, Sudo: true}); err != nil {
			return err
		}
	} else if opts.Mode != 0 {
		if _, err := r.Run(ctx, target, Command{Cmd: fmt.Sprintf("chmod %04o %s", opts.Mode, remotePath)}); err != nil {
			return err
		}
	}
	return nil
}

// Get implements Runner.Get. Elevated reads go through sudo cat because
// the SFTP subsystem cannot elevate.
func (r *SSHRunner) Get(ctx context.Context, target Target, remotePath, localPath string, opts GetOptions) error {
	if opts.Sudo {
		result, err := r.Run(ctx, target, Command{Cmd: fmt.Sprintf("cat %s", remotePath), Sudo: true})
		if err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(localPath), 0700); err != nil {
			return fmt.Errorf("failed to create local directory: %w", err)
		}
		if err := os.WriteFile(localPath, []byte(result.Output), 0600); err != nil {
			return fmt.Errorf("failed to write %s: %w", localPath, err)
		}
		return nil
	}

	cli, err := r.dial(ctx, target)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", target, err)
	}
	defer func() { _ = cli.Close() }()

	if err := sftpDownload(cli, remotePath, localPath); err != nil {
		return fmt.Errorf("failed to download %s from %s: %w", remotePath, target, err)
	}
	return nil
}

func sftpUpload(cli *xssh.Client, localPath, remotePath string) error {
	sf, err := sftp.NewClient(cli)
	if err != nil {
		return fmt.Errorf("sftp client: %w", err)
	}
	defer func() { _ = sf.Close() }()

	if err := sf.MkdirAll(filepath.Dir(remotePath)); err != nil {
		return fmt.Errorf("mkdir remote: %w", err)
	}
	src, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open local: %w", err)
	}
	defer func() { _ = src.Close() }()

	dst, err := sf.Create(remotePath)
	if err != nil {
		return fmt.Errorf("create remote: %w", err)
	}
	defer func() { _ = dst.Close() }()

	if _, err := io.Copy(dst, src); err != nil {
		return fmt.Errorf("copy: %w", err)
	}
	return nil
}

func sftpDownload(cli *xssh.Client, remotePath, localPath string) error {
	sf, err := sftp.NewClient(cli)
	if err != nil {
		return fmt.Errorf("sftp client: %w", err)
	}
	defer func() { _ = sf.Close() }()

	if err := os.MkdirAll(filepath.Dir(localPath), 0700); err != nil {
		return fmt.Errorf("mkdir local: %w", err)
	}
	src, err := sf.Open(remotePath)
	if err != nil {
		return fmt.Errorf("open remote: %w", err)
	}
	defer func() { _ = src.Close() }()

	dst, err := os.Create(localPath)
	if err != nil {
		return fmt.Errorf("create local: %w", err)
	}
	defer func() { _ = dst.Close() }()

	if _, err := io.Copy(dst, src); err != nil {
		return fmt.Errorf("copy: %w", err)
	}
	return nil
}
