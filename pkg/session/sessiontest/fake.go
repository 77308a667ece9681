// Package sessiontest provides an in-memory transport for tests of code that
// drives a session.
package sessiontest

import (
	"context"
	"fmt"
	"io/fs"
	"net"
	"sort"
	"strings"
	"sync"

	"github.com/vmware/remote-patcher/pkg/config"
	"github.com/vmware/remote-patcher/pkg/session"
)

// HandlerFunc answers a command.
type HandlerFunc func(ctx context.Context, command string) (session.ExecResult, error)

// WriteHook is consulted before every write; a non-nil error fails it.
type WriteHook func(path string, data []byte) error

type handler struct {
	prefix string
	fn     HandlerFunc
}

// Transport is a fake remote host: a map of files plus scripted commands.
type Transport struct {
	mu         sync.Mutex
	files      map[string]session.FileContent
	handlers   []handler
	commands   []string
	writes     []string
	closeCalls int
	tunnels    map[string]string

	// WriteHook, when set, runs before every write.
	WriteHook WriteHook
	// ReadHook, when set, may replace the bytes returned for a read.
	ReadHook func(path string, data []byte) []byte
}

// New returns an empty fake host.
func New() *Transport {
	return &Transport{
		files:   make(map[string]session.FileContent),
		tunnels: make(map[string]string),
	}
}

// SetFile creates or replaces a remote file.
func (t *Transport) SetFile(path, content string, mode fs.FileMode) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.files[path] = session.FileContent{Data: []byte(content), Mode: mode}
}

// File returns a remote file's content.
func (t *Transport) File(path string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fc, ok := t.files[path]
	return string(fc.Data), ok
}

// Mode returns a remote file's mode.
func (t *Transport) Mode(path string) fs.FileMode {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.files[path].Mode
}

// Paths returns every remote path, sorted.
func (t *Transport) Paths() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	paths := make([]string, 0, len(t.files))
	for p := range t.files {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// Snapshot copies every remote file's content.
func (t *Transport) Snapshot() map[string]string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]string, len(t.files))
	for p, fc := range t.files {
		out[p] = string(fc.Data)
	}
	return out
}

// Handle registers fn for commands starting with prefix. Later
// registrations win.
func (t *Transport) Handle(prefix string, fn HandlerFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers = append([]handler{{prefix: prefix, fn: fn}}, t.handlers...)
}

// Reply registers a fixed result for commands starting with prefix.
func (t *Transport) Reply(prefix string, res session.ExecResult) {
	t.Handle(prefix, func(context.Context, string) (session.ExecResult, error) {
		return res, nil
	})
}

// Sequence registers results returned in order; the last one repeats.
func (t *Transport) Sequence(prefix string, results ...session.ExecResult) {
	var (
		mu sync.Mutex
		i  int
	)
	t.Handle(prefix, func(context.Context, string) (session.ExecResult, error) {
		mu.Lock()
		defer mu.Unlock()
		res := results[i]
		if i < len(results)-1 {
			i++
		}
		return res, nil
	})
}

// Tunnel routes tunnelled dials for remoteAddr to localAddr.
func (t *Transport) Tunnel(remoteAddr, localAddr string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tunnels[remoteAddr] = localAddr
}

// Commands returns every executed command in order.
func (t *Transport) Commands() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.commands...)
}

// CountCommands counts executed commands starting with prefix.
func (t *Transport) CountCommands(prefix string) int {
	n := 0
	for _, c := range t.Commands() {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

// Writes returns every written path in order.
func (t *Transport) Writes() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.writes...)
}

// CloseCalls returns how many times Close was called.
func (t *Transport) CloseCalls() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closeCalls
}

func (t *Transport) Exec(ctx context.Context, command string) (session.ExecResult, error) {
	t.mu.Lock()
	t.commands = append(t.commands, command)
	var fn HandlerFunc
	for _, h := range t.handlers {
		if strings.HasPrefix(command, h.prefix) {
			fn = h.fn
			break
		}
	}
	t.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return session.ExecResult{}, err
	}
	if fn == nil {
		return session.ExecResult{ExitCode: 127, Stderr: []byte(fmt.Sprintf("sh: %s: command not found\n", command))}, nil
	}
	return fn(ctx, command)
}

func (t *Transport) ReadFile(ctx context.Context, path string) (session.FileContent, error) {
	if err := ctx.Err(); err != nil {
		return session.FileContent{}, err
	}
	t.mu.Lock()
	fc, ok := t.files[path]
	hook := t.ReadHook
	t.mu.Unlock()
	if !ok {
		return session.FileContent{}, &fs.PathError{Op: "open", Path: path, Err: fs.ErrNotExist}
	}
	data := append([]byte(nil), fc.Data...)
	if hook != nil {
		data = hook(path, data)
	}
	return session.FileContent{Data: data, Mode: fc.Mode}, nil
}

func (t *Transport) WriteFile(ctx context.Context, path string, data []byte, mode fs.FileMode) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	hook := t.WriteHook
	t.mu.Unlock()
	if hook != nil {
		if err := hook(path, data); err != nil {
			return err
		}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.files[path] = session.FileContent{Data: append([]byte(nil), data...), Mode: mode}
	t.writes = append(t.writes, path)
	return nil
}

func (t *Transport) Remove(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.files[path]; !ok {
		return &fs.PathError{Op: "remove", Path: path, Err: fs.ErrNotExist}
	}
	delete(t.files, path)
	return nil
}

// DialContext connects to the local address registered with Tunnel.
func (t *Transport) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	t.mu.Lock()
	local, ok := t.tunnels[addr]
	t.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("dial %s %s: connection refused", network, addr)
	}
	var d net.Dialer
	return d.DialContext(ctx, network, local)
}

func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closeCalls++
	return nil
}

// Dialer hands out a fixed transport.
type Dialer struct {
	Transport *Transport
	Err       error

	mu    sync.Mutex
	dials int
}

// NewDialer returns a dialer that always yields t.
func NewDialer(t *Transport) *Dialer {
	return &Dialer{Transport: t}
}

func (d *Dialer) Dial(ctx context.Context, _ *config.Target) (session.Transport, error) {
	d.mu.Lock()
	d.dials++
	d.mu.Unlock()
	if d.Err != nil {
		return nil, d.Err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return d.Transport, nil
}

// Dials returns how many times Dial was called.
func (d *Dialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

// Target returns a valid target for tests.
func Target(name string) *config.Target {
	t := &config.Target{Name: name, Host: "127.0.0.1", User: "root", Credential: "env:TEST_PASSWORD"}
	t.ApplyDefaults()
	return t
}
