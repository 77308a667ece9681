package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"os"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"al.essio.dev/pkg/shellescape"
	"github.com/pkg/sftp"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"

	"github.com/vmware/remote-patcher/pkg/artifact"
	"github.com/vmware/remote-patcher/pkg/failure"
	"github.com/vmware/remote-patcher/pkg/session"
)

// default constants
const (
	DefaultTimeout = 20 * time.Second
	DefaultPort    = 22

	// sudoReadMissing is the exit status of the sudo read script when the
	// path does not exist.
	sudoReadMissing = 44
)

// Client is an SSH connection that implements session.Transport and
// session.Tunneler.
type Client struct {
	*ssh.Client

	logger  zerolog.Logger
	sudo    bool
	stop    chan struct{}
	closeMu sync.Once
	closeEr error
}

type Config struct {
	User                 string
	Host                 string
	Port                 int
	Timeout              time.Duration
	KeepAlive            time.Duration
	Password             string
	PrivateKeyPath       string
	PrivateKeyPassphrase string
	// Sudo enables the sudo fallback when SFTP reports permission denied.
	Sudo            bool
	Logger          zerolog.Logger
	hostKeyCallBack ssh.HostKeyCallback
}

func (c *Config) SetHostKeyCallback(hostKeyCallBack ssh.HostKeyCallback) {
	c.hostKeyCallBack = hostKeyCallBack
}

// NewClient dials and authenticates. The handshake is bounded by ctx and
// config.Timeout, whichever ends first.
func NewClient(ctx context.Context, config *Config) (*Client, error) {
	auth, err := configureAuth(config.Password, config.PrivateKeyPath, config.PrivateKeyPassphrase)
	if err != nil {
		return nil, failure.Wrap(failure.Auth, err, "failed to configure auth")
	}
	if config.hostKeyCallBack == nil {
		return nil, failure.New(failure.Auth, "no host key callback configured")
	}
	if config.Timeout == 0 {
		config.Timeout = DefaultTimeout
	}
	if config.Port == 0 {
		config.Port = DefaultPort
	}

	addr := net.JoinHostPort(config.Host, strconv.Itoa(config.Port))
	dialer := net.Dialer{Timeout: config.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, classifyDialError(ctx, addr, err)
	}

	deadline := time.Now().Add(config.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetDeadline(deadline)

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, &ssh.ClientConfig{
		User:            config.User,
		Auth:            auth,
		HostKeyCallback: config.hostKeyCallBack,
		Timeout:         config.Timeout,
	})
	if err != nil {
		conn.Close()
		return nil, classifyDialError(ctx, addr, err)
	}
	_ = conn.SetDeadline(time.Time{})

	c := &Client{
		Client: ssh.NewClient(sshConn, chans, reqs),
		logger: config.Logger,
		sudo:   config.Sudo,
		stop:   make(chan struct{}),
	}
	if config.KeepAlive > 0 {
		go c.keepAlive(config.KeepAlive)
	}
	return c, nil
}

func classifyDialError(ctx context.Context, addr string, err error) error {
	msg := err.Error()
	var netErr net.Error
	switch {
	case strings.Contains(msg, "unable to authenticate"):
		return failure.Wrap(failure.Auth, err, "authenticate to %s", addr)
	case strings.Contains(msg, ErrHostKeyRejected.Error()):
		return failure.Wrap(failure.Auth, err, "verify host key of %s", addr)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(ctx.Err(), context.DeadlineExceeded),
		errors.As(err, &netErr) && netErr.Timeout(), strings.Contains(msg, "i/o timeout"):
		return failure.Wrap(failure.Timeout, err, "connect to %s", addr)
	case errors.Is(err, context.Canceled):
		return failure.Wrap(failure.Cancelled, err, "connect to %s", addr)
	default:
		return failure.Wrap(failure.Connection, err, "connect to %s", addr)
	}
}

func (c *Client) keepAlive(interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-t.C:
			if _, _, err := c.SendRequest("keepalive@openssh.com", true, nil); err != nil {
				c.logger.Warn().Err(err).Msg("keep-alive failed")
				return
			}
		}
	}
}

// newSessionError classifies a failed channel open. A rejected channel,
// for example when the server's MaxSessions is reached, leaves the
// connection usable, so it is a retryable exec error.
func newSessionError(err error) error {
	var openErr *ssh.OpenChannelError
	if errors.As(err, &openErr) {
		return failure.Wrap(failure.Exec, err, "open ssh session").Retry()
	}
	return failure.Wrap(failure.Connection, err, "open ssh session")
}

// Exec runs command and waits for it. A non-zero exit status is returned in
// the result, not as an error.
func (c *Client) Exec(ctx context.Context, command string) (session.ExecResult, error) {
	return c.run(ctx, command, nil)
}

func (c *Client) run(ctx context.Context, command string, stdin io.Reader) (session.ExecResult, error) {
	sess, err := c.NewSession()
	if err != nil {
		return session.ExecResult{}, newSessionError(err)
	}
	defer sess.Close()

	var stdout, stderr bytes.Buffer
	sess.Stdout = &stdout
	sess.Stderr = &stderr
	if stdin != nil {
		sess.Stdin = stdin
	}
	if err := sess.Start(command); err != nil {
		return session.ExecResult{}, fmt.Errorf("start command: %w", err)
	}

	done := make(chan error, 1)
	go func() { done <- sess.Wait() }()

	select {
	case err = <-done:
	case <-ctx.Done():
		_ = sess.Signal(ssh.SIGKILL)
		_ = sess.Close()
		return session.ExecResult{}, ctx.Err()
	}

	res := session.ExecResult{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitStatus()
		return res, nil
	}
	if err != nil {
		return res, fmt.Errorf("wait for command: %w", err)
	}
	return res, nil
}

// newSftp returns new sftp client and error if any.
func (c *Client) newSftp(opts ...sftp.ClientOption) (*sftp.Client, error) {
	ftp, err := sftp.NewClient(c.Client, opts...)
	if err != nil {
		return nil, fmt.Errorf("start sftp: %w", err)
	}
	return ftp, nil
}

// ReadFile returns the content and permission bits of a remote file.
func (c *Client) ReadFile(ctx context.Context, name string) (session.FileContent, error) {
	fc, err := c.sftpRead(name)
	if err != nil && c.sudo && isPermissionDenied(err) {
		c.logger.Debug().Str("path", name).Msg("sftp read denied, retrying with sudo")
		return c.sudoRead(ctx, name)
	}
	return fc, err
}

func (c *Client) sftpRead(name string) (session.FileContent, error) {
	ftp, err := c.newSftp()
	if err != nil {
		return session.FileContent{}, err
	}
	defer ftp.Close()

	remote, err := ftp.Open(name)
	if err != nil {
		return session.FileContent{}, pathError("open", name, err)
	}
	defer remote.Close()

	info, err := remote.Stat()
	if err != nil {
		return session.FileContent{}, pathError("stat", name, err)
	}
	data, err := io.ReadAll(remote)
	if err != nil {
		return session.FileContent{}, pathError("read", name, err)
	}
	return session.FileContent{Data: data, Mode: info.Mode().Perm()}, nil
}

// sudoRead prints the mode and the base64 content of name in one command.
func (c *Client) sudoRead(ctx context.Context, name string) (session.FileContent, error) {
	p := shellescape.Quote(name)
	script := fmt.Sprintf("if [ ! -e %s ]; then exit %d; fi; stat -c %%a %s && base64 %s", p, sudoReadMissing, p, p)
	res, err := c.run(ctx, sudoCommand(script), nil)
	if err != nil {
		return session.FileContent{}, err
	}
	switch res.ExitCode {
	case 0:
	case sudoReadMissing:
		return session.FileContent{}, &fs.PathError{Op: "open", Path: name, Err: fs.ErrNotExist}
	default:
		return session.FileContent{}, fmt.Errorf("sudo read %s: exit %d: %s", name, res.ExitCode, strings.TrimSpace(string(res.Stderr)))
	}

	modeLine, encoded, _ := strings.Cut(string(res.Stdout), "\n")
	mode, err := strconv.ParseUint(strings.TrimSpace(modeLine), 8, 32)
	if err != nil {
		return session.FileContent{}, fmt.Errorf("sudo read %s: parse mode %q: %w", name, modeLine, err)
	}
	data, err := artifact.Decode(encoded)
	if err != nil {
		return session.FileContent{}, fmt.Errorf("sudo read %s: %w", name, err)
	}
	return session.FileContent{Data: data, Mode: fs.FileMode(mode).Perm()}, nil
}

// WriteFile writes data to a temporary sibling of name and renames it over
// name, so a partially written destination is never visible.
func (c *Client) WriteFile(ctx context.Context, name string, data []byte, mode fs.FileMode) error {
	err := c.sftpWrite(ctx, name, data, mode)
	if err != nil && c.sudo && isPermissionDenied(err) {
		c.logger.Debug().Str("path", name).Msg("sftp write denied, retrying with sudo")
		return c.sudoWrite(ctx, name, data, mode)
	}
	return err
}

func (c *Client) sftpWrite(ctx context.Context, name string, data []byte, mode fs.FileMode) error {
	ftp, err := c.newSftp()
	if err != nil {
		return err
	}
	defer ftp.Close()

	tmp := makeTempPath(name)
	remote, err := ftp.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return pathError("create", tmp, err)
	}
	if _, err := remote.Write(data); err != nil {
		remote.Close()
		_ = ftp.Remove(tmp)
		return pathError("write", tmp, err)
	}
	if err := remote.Close(); err != nil {
		_ = ftp.Remove(tmp)
		return pathError("close", tmp, err)
	}
	if err := ftp.Chmod(tmp, mode.Perm()); err != nil {
		_ = ftp.Remove(tmp)
		return pathError("chmod", tmp, err)
	}

	if err := ftp.PosixRename(tmp, name); err != nil {
		// Servers without posix-rename still have mv.
		res, mvErr := c.run(ctx, fmt.Sprintf("mv -f %s %s", shellescape.Quote(tmp), shellescape.Quote(name)), nil)
		if mvErr == nil && res.ExitCode == 0 {
			return nil
		}
		_ = ftp.Remove(tmp)
		return pathError("rename", name, err)
	}
	return nil
}

// sudoWrite streams the content as base64 on stdin and moves it into place
// as root.
func (c *Client) sudoWrite(ctx context.Context, name string, data []byte, mode fs.FileMode) error {
	tmp := shellescape.Quote(makeTempPath(name))
	script := fmt.Sprintf("base64 -d > %s && chmod %o %s && mv -f %s %s || { rm -f %s; exit 1; }",
		tmp, mode.Perm(), tmp, tmp, shellescape.Quote(name), tmp)
	res, err := c.run(ctx, sudoCommand(script), strings.NewReader(artifact.Encode(data)))
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("sudo write %s: exit %d: %s", name, res.ExitCode, strings.TrimSpace(string(res.Stderr)))
	}
	return nil
}

// Remove deletes a remote file.
func (c *Client) Remove(ctx context.Context, name string) error {
	ftp, err := c.newSftp()
	if err != nil {
		return err
	}
	defer ftp.Close()

	err = ftp.Remove(name)
	if err == nil {
		return nil
	}
	if c.sudo && isPermissionDenied(err) {
		res, err := c.run(ctx, sudoCommand("rm -f "+shellescape.Quote(name)), nil)
		if err != nil {
			return err
		}
		if res.ExitCode != 0 {
			return fmt.Errorf("sudo rm %s: exit %d: %s", name, res.ExitCode, strings.TrimSpace(string(res.Stderr)))
		}
		return nil
	}
	return pathError("remove", name, err)
}

// Close stops the keep-alive loop and closes the connection. Only the first
// call closes; later calls return the same result.
func (c *Client) Close() error {
	c.closeMu.Do(func() {
		close(c.stop)
		c.closeEr = c.Client.Close()
	})
	return c.closeEr
}

func sudoCommand(script string) string {
	return "sudo -n sh -c " + shellescape.Quote(script)
}

// makeTempPath returns a hidden sibling of name so the final rename stays on
// one filesystem.
func makeTempPath(name string) string {
	dir, base := path.Split(name)
	return path.Join(dir, fmt.Sprintf(".%s.rp-tmp-%d", base, time.Now().UnixNano()))
}

// pathError normalizes sftp status codes so callers can use errors.Is with
// fs.ErrNotExist and fs.ErrPermission.
func pathError(op, name string, err error) error {
	var statusErr *sftp.StatusError
	if errors.As(err, &statusErr) {
		switch statusErr.Code {
		case uint32(sftp.ErrSshFxNoSuchFile):
			return &fs.PathError{Op: op, Path: name, Err: fs.ErrNotExist}
		case uint32(sftp.ErrSshFxPermissionDenied):
			return &fs.PathError{Op: op, Path: name, Err: fs.ErrPermission}
		}
	}
	return &fs.PathError{Op: op, Path: name, Err: err}
}

func isPermissionDenied(err error) bool {
	if errors.Is(err, os.ErrPermission) {
		return true
	}
	var statusErr *sftp.StatusError
	if errors.As(err, &statusErr) {
		if statusErr.Code == uint32(sftp.ErrSshFxPermissionDenied) {
			return true
		}
	}
	errMsg := strings.ToLower(err.Error())
	return strings.Contains(errMsg, "permission denied") || strings.Contains(errMsg, "ssh_fx_permission_denied")
}
