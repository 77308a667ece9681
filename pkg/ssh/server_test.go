package ssh

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/sftp"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

// testServer is an in-process SSH server with exec, sftp and direct-tcpip
// support. Commands run through the local sh; "sudo -n" is stripped.
type testServer struct {
	user          string
	password      string
	authorizedKey ssh.PublicKey
	hostKey       ssh.Signer

	listener net.Listener
	config   *ssh.ServerConfig
	ctx      context.Context
	cancel   context.CancelFunc

	mu               sync.Mutex
	executedCommands []string
	restrictedDirs   []string
}

func newTestServer(t *testing.T, user, password string, authorizedKey ssh.PublicKey) *testServer {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	hostKey, err := ssh.NewSignerFromKey(priv)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	s := &testServer{
		user:          user,
		password:      password,
		authorizedKey: authorizedKey,
		hostKey:       hostKey,
		ctx:           ctx,
		cancel:        cancel,
	}
	s.config = &ssh.ServerConfig{
		PasswordCallback: func(c ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if s.password != "" && c.User() == s.user && string(pass) == s.password {
				return nil, nil
			}
			return nil, fmt.Errorf("authentication failed")
		},
		PublicKeyCallback: func(c ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if s.authorizedKey != nil && c.User() == s.user && bytes.Equal(key.Marshal(), s.authorizedKey.Marshal()) {
				return nil, nil
			}
			return nil, fmt.Errorf("public key rejected for %q", c.User())
		},
	}
	s.config.AddHostKey(hostKey)

	s.listener, err = net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go s.acceptConnections()
	t.Cleanup(s.Stop)
	return s
}

func (s *testServer) Port() int {
	return s.listener.Addr().(*net.TCPAddr).Port
}

func (s *testServer) Stop() {
	s.cancel()
	_ = s.listener.Close()
}

// Restrict makes sftp deny every access below dir.
func (s *testServer) Restrict(dir string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.restrictedDirs = append(s.restrictedDirs, dir)
}

func (s *testServer) restricted(p string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.restrictedDirs {
		if p == d || strings.HasPrefix(p, d+"/") {
			return true
		}
	}
	return false
}

func (s *testServer) ExecutedCommands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.executedCommands...)
}

func (s *testServer) acceptConnections() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		go s.handleConnection(conn)
	}
}

func (s *testServer) handleConnection(conn net.Conn) {
	defer conn.Close()

	sshConn, chans, reqs, err := ssh.NewServerConn(conn, s.config)
	if err != nil {
		return
	}
	defer sshConn.Close()
	go ssh.DiscardRequests(reqs)

	for newChannel := range chans {
		switch newChannel.ChannelType() {
		case "session":
			channel, requests, err := newChannel.Accept()
			if err != nil {
				continue
			}
			go s.handleSession(channel, requests)
		case "direct-tcpip":
			go s.handleDirectTCPIP(newChannel)
		default:
			_ = newChannel.Reject(ssh.UnknownChannelType, "unknown channel type")
		}
	}
}

func (s *testServer) handleDirectTCPIP(newChannel ssh.NewChannel) {
	var payload struct {
		Addr     string
		Port     uint32
		OrigAddr string
		OrigPort uint32
	}
	if err := ssh.Unmarshal(newChannel.ExtraData(), &payload); err != nil {
		_ = newChannel.Reject(ssh.ConnectionFailed, err.Error())
		return
	}
	upstream, err := net.Dial("tcp", net.JoinHostPort(payload.Addr, strconv.Itoa(int(payload.Port))))
	if err != nil {
		_ = newChannel.Reject(ssh.ConnectionFailed, err.Error())
		return
	}
	channel, requests, err := newChannel.Accept()
	if err != nil {
		upstream.Close()
		return
	}
	go ssh.DiscardRequests(requests)
	go func() {
		_, _ = io.Copy(channel, upstream)
		_ = channel.CloseWrite()
	}()
	_, _ = io.Copy(upstream, channel)
	upstream.Close()
	channel.Close()
}

func (s *testServer) handleSession(channel ssh.Channel, requests <-chan *ssh.Request) {
	defer channel.Close()

	var kill context.CancelFunc = func() {}
	for req := range requests {
		switch req.Type {
		case "exec":
			var payload struct{ Command string }
			if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
				_ = req.Reply(false, nil)
				continue
			}
			s.mu.Lock()
			s.executedCommands = append(s.executedCommands, payload.Command)
			s.mu.Unlock()
			_ = req.Reply(true, nil)

			var ctx context.Context
			ctx, kill = context.WithCancel(s.ctx)
			go s.runCommand(ctx, channel, payload.Command)
		case "signal":
			kill()
		case "subsystem":
			var payload struct{ Name string }
			if err := ssh.Unmarshal(req.Payload, &payload); err != nil || payload.Name != "sftp" {
				_ = req.Reply(false, nil)
				continue
			}
			_ = req.Reply(true, nil)
			h := &sftpHandlers{server: s}
			server := sftp.NewRequestServer(channel, sftp.Handlers{
				FileGet:  h,
				FilePut:  h,
				FileList: h,
				FileCmd:  h,
			})
			_ = server.Serve()
			_ = server.Close()
			return
		default:
			if req.WantReply {
				_ = req.Reply(false, nil)
			}
		}
	}
	kill()
}

func (s *testServer) runCommand(ctx context.Context, channel ssh.Channel, command string) {
	command = strings.TrimPrefix(command, "sudo -n ")
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Stdin = channel
	cmd.Stdout = channel
	cmd.Stderr = channel.Stderr()
	cmd.WaitDelay = time.Second

	status := 0
	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() >= 0 {
			status = exitErr.ExitCode()
		} else {
			status = 255
		}
	}
	_, _ = channel.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{uint32(status)}))
	_ = channel.Close()
}

// sftpHandlers serves the real filesystem rooted at "/".
type sftpHandlers struct {
	server *testServer
}

var errDenied error = sftp.ErrSSHFxPermissionDenied

func (h *sftpHandlers) Fileread(r *sftp.Request) (io.ReaderAt, error) {
	if h.server.restricted(r.Filepath) {
		return nil, errDenied
	}
	return os.Open(r.Filepath)
}

func (h *sftpHandlers) Filewrite(r *sftp.Request) (io.WriterAt, error) {
	if h.server.restricted(r.Filepath) {
		return nil, errDenied
	}
	return os.OpenFile(r.Filepath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
}

func (h *sftpHandlers) Filelist(r *sftp.Request) (sftp.ListerAt, error) {
	switch r.Method {
	case "Stat", "Lstat":
		info, err := os.Stat(r.Filepath)
		if err != nil {
			return nil, err
		}
		return listerat([]os.FileInfo{info}), nil
	case "List":
		entries, err := os.ReadDir(r.Filepath)
		if err != nil {
			return nil, err
		}
		var infos []os.FileInfo
		for _, e := range entries {
			if info, err := e.Info(); err == nil {
				infos = append(infos, info)
			}
		}
		return listerat(infos), nil
	default:
		return nil, fmt.Errorf("unsupported list command: %s", r.Method)
	}
}

func (h *sftpHandlers) Filecmd(r *sftp.Request) error {
	if h.server.restricted(r.Filepath) || (r.Target != "" && h.server.restricted(r.Target)) {
		return errDenied
	}
	switch r.Method {
	case "Remove":
		return os.Remove(r.Filepath)
	case "Rename", "PosixRename":
		return os.Rename(r.Filepath, r.Target)
	case "Mkdir":
		return os.Mkdir(r.Filepath, 0o755)
	case "Rmdir":
		return os.Remove(r.Filepath)
	case "Setstat":
		if r.AttrFlags().Permissions {
			return os.Chmod(r.Filepath, r.Attributes().FileMode().Perm())
		}
		return nil
	default:
		return fmt.Errorf("unsupported file command: %s", r.Method)
	}
}

type listerat []os.FileInfo

func (l listerat) ListAt(ls []os.FileInfo, offset int64) (int, error) {
	if offset >= int64(len(l)) {
		return 0, io.EOF
	}
	n := copy(ls, l[offset:])
	if n < len(ls) {
		return n, io.EOF
	}
	return n, nil
}

// writeClientKey generates a client key pair and stores the private half
// as an OpenSSH key file.
func writeClientKey(t *testing.T, passphrase string) (string, ssh.PublicKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	sshPub, err := ssh.NewPublicKey(pub)
	require.NoError(t, err)

	var block *pem.Block
	if passphrase == "" {
		block, err = ssh.MarshalPrivateKey(priv, "test")
	} else {
		block, err = ssh.MarshalPrivateKeyWithPassphrase(priv, "test", []byte(passphrase))
	}
	require.NoError(t, err)

	keyPath := filepath.Join(t.TempDir(), "id_test")
	require.NoError(t, os.WriteFile(keyPath, pem.EncodeToMemory(block), 0o600))
	return keyPath, sshPub
}
