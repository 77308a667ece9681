// Package session binds one target to one live transport and serializes
// every remote operation on it.
package session

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"sync"

	"github.com/rs/zerolog"

	"github.com/vmware/remote-patcher/pkg/config"
	"github.com/vmware/remote-patcher/pkg/failure"
)

// State of a Session.
type State int

const (
	Disconnected State = iota
	Connecting
	Ready
	Busy
	Closing
	Closed
	Errored
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "Disconnected"
	case Connecting:
		return "Connecting"
	case Ready:
		return "Ready"
	case Busy:
		return "Busy"
	case Closing:
		return "Closing"
	case Closed:
		return "Closed"
	case Errored:
		return "Errored"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// ErrTunnelUnsupported is returned by DialContext when the transport cannot
// forward connections.
var ErrTunnelUnsupported = errors.New("transport does not support tunnelling")

// Session owns one transport. At most one operation is in flight at a time.
type Session struct {
	target    config.Target
	transport Transport
	logger    zerolog.Logger

	// op serializes remote operations; mu guards state.
	op    sync.Mutex
	mu    sync.Mutex
	state State

	closeOnce sync.Once
	closeErr  error
}

// Open dials the target and returns a Ready session. The connect window is
// the target's ConnectTimeout.
func Open(ctx context.Context, target *config.Target, dialer Dialer, logger zerolog.Logger) (*Session, error) {
	s := &Session{
		target: *target,
		logger: logger.With().Str("target", target.Name).Logger(),
		state:  Connecting,
	}

	dialCtx := ctx
	if d := target.ConnectTimeout.Duration; d > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	s.logger.Debug().Str("address", target.Address()).Str("credential", target.Credential.Redacted()).Msg("connecting")
	t, err := dialer.Dial(dialCtx, &s.target)
	if err != nil {
		s.setState(Errored)
		return nil, classifyOpenError(dialCtx, target, err)
	}
	s.transport = t
	s.setState(Ready)
	s.logger.Debug().Msg("session ready")
	return s, nil
}

func classifyOpenError(ctx context.Context, target *config.Target, err error) error {
	var fe *failure.Error
	if errors.As(err, &fe) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return failure.Wrap(failure.Timeout, err, "connect to %s", target.Address())
	}
	if errors.Is(err, context.Canceled) {
		return failure.Wrap(failure.Cancelled, err, "connect to %s", target.Address())
	}
	return failure.Wrap(failure.Connection, err, "connect to %s", target.Address())
}

// Target returns the copy of the target the session was opened with.
func (s *Session) Target() config.Target {
	return s.target
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	// Closed and Errored absorb.
	if s.state == Closed || (s.state == Errored && st != Closing && st != Closed) {
		return
	}
	s.state = st
}

// begin acquires the operation slot. The returned func releases it and
// records whether the transport is still usable.
func (s *Session) begin() (func(err error), error) {
	s.op.Lock()
	s.mu.Lock()
	st := s.state
	if st != Ready {
		s.mu.Unlock()
		s.op.Unlock()
		return nil, failure.New(failure.Connection, "session is %s", st)
	}
	s.state = Busy
	s.mu.Unlock()

	return func(err error) {
		if failure.Is(err, failure.Connection) {
			s.setState(Errored)
		} else {
			s.setState(Ready)
		}
		s.op.Unlock()
	}, nil
}

// Exec runs one command to completion.
func (s *Session) Exec(ctx context.Context, command string) (ExecResult, error) {
	done, err := s.begin()
	if err != nil {
		return ExecResult{}, err
	}
	s.logger.Debug().Str("command", command).Msg("exec")
	res, err := s.transport.Exec(ctx, command)
	err = classifyOpError(ctx, failure.Exec, err, "exec %q", command)
	done(err)
	return res, err
}

// Read returns the content of a remote file. A missing file yields an error
// matching fs.ErrNotExist.
func (s *Session) Read(ctx context.Context, path string) (FileContent, error) {
	done, err := s.begin()
	if err != nil {
		return FileContent{}, err
	}
	fc, err := s.transport.ReadFile(ctx, path)
	if err != nil && errors.Is(err, fs.ErrNotExist) {
		done(nil)
		return FileContent{}, fmt.Errorf("read %s: %w", path, err)
	}
	err = classifyOpError(ctx, failure.Transfer, err, "read %s", path)
	done(err)
	return fc, err
}

// Transfer atomically replaces path with data.
func (s *Session) Transfer(ctx context.Context, path string, data []byte, mode fs.FileMode) error {
	done, err := s.begin()
	if err != nil {
		return err
	}
	s.logger.Debug().Str("path", path).Int("bytes", len(data)).Msg("transfer")
	err = s.transport.WriteFile(ctx, path, data, mode)
	err = classifyOpError(ctx, failure.Transfer, err, "write %s", path)
	done(err)
	return err
}

// Remove deletes a remote file. Removing a missing file succeeds.
func (s *Session) Remove(ctx context.Context, path string) error {
	done, err := s.begin()
	if err != nil {
		return err
	}
	err = s.transport.Remove(ctx, path)
	if errors.Is(err, fs.ErrNotExist) {
		err = nil
	}
	err = classifyOpError(ctx, failure.Transfer, err, "remove %s", path)
	done(err)
	return err
}

// DialContext opens a TCP connection to addr as seen from the remote host.
// Tunnelled connections do not occupy the operation slot.
func (s *Session) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	if st := s.State(); st != Ready && st != Busy {
		return nil, failure.New(failure.Connection, "session is %s", st)
	}
	tun, ok := s.transport.(Tunneler)
	if !ok {
		return nil, ErrTunnelUnsupported
	}
	conn, err := tun.DialContext(ctx, network, addr)
	if err != nil {
		return nil, fmt.Errorf("tunnel to %s: %w", addr, err)
	}
	return conn, nil
}

// Close releases the transport exactly once. It is safe to call from any
// state and any number of times.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.setState(Closing)
		if s.transport != nil {
			s.closeErr = s.transport.Close()
		}
		s.setState(Closed)
		s.logger.Debug().Msg("session closed")
	})
	return s.closeErr
}

func classifyOpError(ctx context.Context, kind failure.Kind, err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	var fe *failure.Error
	if errors.As(err, &fe) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return failure.Wrap(failure.Timeout, err, format, args...)
	}
	if errors.Is(err, context.Canceled) {
		return failure.Wrap(failure.Cancelled, err, format, args...)
	}
	return failure.Wrap(kind, err, format, args...)
}
