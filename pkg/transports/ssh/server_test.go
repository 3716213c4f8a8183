package ssh

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

const (
	testUser     = "testuser"
	testPassword = "testpass"
)

// testSSHServer is an in-process SSH server with a tiny command set and
// an SFTP subsystem backed by the local filesystem.
type testSSHServer struct {
	listener net.Listener
	config   *ssh.ServerConfig
	hostKey  ssh.Signer
	addr     string
	host     string
	port     int

	mu       sync.Mutex
	commands []string
	signals  int
}

// newTestSSHServer starts a server accepting testUser/testPassword and
// the public key of clientKey when it is non-nil.
func newTestSSHServer(t *testing.T, clientKey ssh.PublicKey) *testSSHServer {
	t.Helper()

	hostKey := generateTestKey(t)

	s := &testSSHServer{hostKey: hostKey}
	s.config = &ssh.ServerConfig{
		PasswordCallback: func(c ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if c.User() == testUser && string(pass) == testPassword {
				return nil, nil
			}
			return nil, fmt.Errorf("invalid credentials")
		},
		PublicKeyCallback: func(c ssh.ConnMetadata, pubKey ssh.PublicKey) (*ssh.Permissions, error) {
			if clientKey != nil && string(pubKey.Marshal()) == string(clientKey.Marshal()) {
				return nil, nil
			}
			return nil, fmt.Errorf("unknown key")
		},
	}
	s.config.AddHostKey(hostKey)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	s.listener = listener
	s.addr = listener.Addr().String()
	host, port, _ := net.SplitHostPort(s.addr)
	s.host = host
	s.port, _ = strconv.Atoi(port)

	go s.serve()
	t.Cleanup(func() { _ = listener.Close() })

	return s
}

func (s *testSSHServer) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		go s.handleConnection(conn)
	}
}

func (s *testSSHServer) handleConnection(netConn net.Conn) {
	defer netConn.Close()

	sshConn, chans, reqs, err := ssh.NewServerConn(netConn, s.config)
	if err != nil {
		return
	}
	defer sshConn.Close()

	go ssh.DiscardRequests(reqs)

	for newChannel := range chans {
		if newChannel.ChannelType() != "session" {
			_ = newChannel.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}

		channel, requests, err := newChannel.Accept()
		if err != nil {
			continue
		}
		go s.handleChannel(channel, requests)
	}
}

func (s *testSSHServer) handleChannel(channel ssh.Channel, requests <-chan *ssh.Request) {
	signalled := make(chan struct{})
	var once sync.Once

	for req := range requests {
		switch req.Type {
		case "exec":
			var payload struct{ Command string }
			if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
				_ = req.Reply(false, nil)
				continue
			}
			_ = req.Reply(true, nil)
			s.record(payload.Command)
			go s.runCommand(channel, payload.Command, signalled)

		case "subsystem":
			var payload struct{ Name string }
			if err := ssh.Unmarshal(req.Payload, &payload); err != nil || payload.Name != "sftp" {
				_ = req.Reply(false, nil)
				continue
			}
			_ = req.Reply(true, nil)
			go func() {
				server, err := sftp.NewServer(channel)
				if err != nil {
					_ = channel.Close()
					return
				}
				_ = server.Serve()
				_ = channel.Close()
			}()

		case "signal":
			s.mu.Lock()
			s.signals++
			s.mu.Unlock()
			once.Do(func() { close(signalled) })
			if req.WantReply {
				_ = req.Reply(true, nil)
			}

		default:
			if req.WantReply {
				_ = req.Reply(false, nil)
			}
		}
	}
}

// runCommand implements the server's commands:
//
//	block      waits for a signal
//	exit N     writes "failed" to stderr and exits N
//	*cat*      copies stdin to stdout
//	otherwise  echoes the command line
func (s *testSSHServer) runCommand(channel ssh.Channel, cmd string, signalled <-chan struct{}) {
	defer channel.Close()

	code := 0
	switch {
	case cmd == "block":
		select {
		case <-signalled:
		case <-time.After(10 * time.Second):
		}
		return
	case strings.HasPrefix(cmd, "exit "):
		code, _ = strconv.Atoi(strings.TrimPrefix(cmd, "exit "))
		_, _ = io.WriteString(channel.Stderr(), "failed\n")
	case strings.Contains(cmd, "cat"):
		_, _ = io.Copy(channel, channel)
	default:
		_, _ = io.WriteString(channel, cmd)
	}

	_, _ = channel.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{uint32(code)}))
}

func (s *testSSHServer) record(cmd string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commands = append(s.commands, cmd)
}

func (s *testSSHServer) signalCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.signals
}

// passwordConfig returns a config for the server using password auth.
func (s *testSSHServer) passwordConfig() *Config {
	cfg := DefaultConfig(s.host, testUser)
	cfg.Port = s.port
	cfg.AuthMethod = AuthMethodPassword
	cfg.Password = testPassword
	cfg.InsecureIgnoreHostKey = true
	cfg.ConnectionTimeout = 5 * time.Second
	cfg.KeepAliveInterval = 0
	return cfg
}

// connect returns a connected client closed at test cleanup.
func (s *testSSHServer) connect(t *testing.T) *Client {
	t.Helper()

	client, err := NewClient(s.passwordConfig())
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	if err := client.Connect(testContext(t)); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func generateTestKey(t *testing.T) ssh.Signer {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatalf("failed to create signer: %v", err)
	}
	return signer
}

// writeTestKey writes a fresh OpenSSH private key and returns its path
// and public key.
func writeTestKey(t *testing.T, dir string) (string, ssh.PublicKey) {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	block, err := ssh.MarshalPrivateKey(priv, "test")
	if err != nil {
		t.Fatalf("failed to marshal key: %v", err)
	}

	keyPath := filepath.Join(dir, "id_ed25519")
	if err := os.WriteFile(keyPath, pem.EncodeToMemory(block), 0o600); err != nil {
		t.Fatalf("failed to write key: %v", err)
	}

	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatalf("failed to create signer: %v", err)
	}
	return keyPath, signer.PublicKey()
}
