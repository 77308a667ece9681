package session

import (
	"context"
	"io/fs"
	"net"

	"github.com/vmware/remote-patcher/pkg/config"
)

// ExecResult is the complete outcome of one remote command. A non-zero
// ExitCode is data, not an error.
type ExecResult struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
}

// FileContent is a remote file's bytes and permission bits.
type FileContent struct {
	Data []byte
	Mode fs.FileMode
}

// Transport is everything the orchestrator needs from the remote side.
// ReadFile must return an error matching fs.ErrNotExist for a missing path,
// and WriteFile must never leave a half-written destination behind.
type Transport interface {
	Exec(ctx context.Context, command string) (ExecResult, error)
	ReadFile(ctx context.Context, path string) (FileContent, error)
	WriteFile(ctx context.Context, path string, data []byte, mode fs.FileMode) error
	Remove(ctx context.Context, path string) error
	Close() error
}

// Tunneler is implemented by transports that can forward TCP connections
// to addresses reachable from the remote host.
type Tunneler interface {
	DialContext(ctx context.Context, network, addr string) (net.Conn, error)
}

// Dialer establishes a transport to a target.
type Dialer interface {
	Dial(ctx context.Context, target *config.Target) (Transport, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, target *config.Target) (Transport, error)

func (f DialerFunc) Dial(ctx context.Context, target *config.Target) (Transport, error) {
	return f(ctx, target)
}
