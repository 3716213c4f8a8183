package ssh

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
)

var errNotConnected = errors.New("not connected")

// Client implements Transport over a single SSH connection. The SFTP
// subsystem is opened on first use and shares the connection.
type Client struct {
	config *Config
	logger zerolog.Logger

	connMu      sync.RWMutex
	client      *ssh.Client
	sftp        *sftp.Client
	connectedAt time.Time
	lastUsedAt  time.Time
	stopKeep    chan struct{}
}

// NewClient creates an SSH transport for config. It does not connect.
func NewClient(config *Config) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Client{
		config: config,
		logger: log.Logger.With().Str("component", "ssh").Str("address", config.Address()).Logger(),
	}, nil
}

// WithLogger replaces the client's logger.
func (c *Client) WithLogger(logger zerolog.Logger) *Client {
	c.logger = logger.With().Str("address", c.config.Address()).Logger()
	return c
}

// Connect establishes an SSH connection to the remote host. Connecting an
// already connected client is a no-op when the connection is healthy.
func (c *Client) Connect(ctx context.Context) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.client != nil {
		if err := c.ping(); err == nil {
			return nil
		}
		c.logger.Warn().Msg("Existing connection is dead, reconnecting")
		c.closeLocked()
	}

	clientConfig, err := c.config.BuildSSHClientConfig()
	if err != nil {
		return &TransportError{Op: "connect", Host: c.config.Address(), Err: err, IsAuthError: true}
	}

	address := c.config.Address()
	c.logger.Debug().Msg("Establishing SSH connection")

	dialer := net.Dialer{Timeout: c.config.ConnectionTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return &TransportError{Op: "connect", Host: address, Err: err, IsTemporary: true}
	}

	// The handshake honours ctx through the connection deadline.
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	ncc, chans, reqs, err := ssh.NewClientConn(conn, address, clientConfig)
	if err != nil {
		_ = conn.Close()
		return &TransportError{Op: "connect", Host: address, Err: err, IsTemporary: ctx.Err() != nil, IsAuthError: isHandshakeAuthError(err)}
	}
	_ = conn.SetDeadline(time.Time{})

	c.client = ssh.NewClient(ncc, chans, reqs)
	c.connectedAt = time.Now()
	c.lastUsedAt = c.connectedAt

	if c.config.KeepAliveInterval > 0 {
		c.stopKeep = make(chan struct{})
		go c.keepAlive(c.client, c.stopKeep)
	}

	c.logger.Info().Str("user", c.config.User).Msg("SSH connection established")
	return nil
}

// Close closes the SSH connection and releases all resources.
func (c *Client) Close() error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.client == nil {
		return nil
	}

	c.logger.Debug().Msg("Closing SSH connection")
	if err := c.closeLocked(); err != nil {
		return &TransportError{Op: "disconnect", Host: c.config.Address(), Err: err}
	}
	return nil
}

func (c *Client) closeLocked() error {
	if c.stopKeep != nil {
		close(c.stopKeep)
		c.stopKeep = nil
	}
	if c.sftp != nil {
		_ = c.sftp.Close()
		c.sftp = nil
	}
	err := c.client.Close()
	c.client = nil
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// IsConnected returns true if the transport has an active connection.
func (c *Client) IsConnected() bool {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.client != nil
}

// HealthCheck verifies the connection is still alive and responsive.
func (c *Client) HealthCheck(ctx context.Context) error {
	c.connMu.RLock()
	defer c.connMu.RUnlock()

	if c.client == nil {
		return &TransportError{Op: "healthcheck", Host: c.config.Address(), Err: errNotConnected}
	}
	if err := c.ping(); err != nil {
		return &TransportError{Op: "healthcheck", Host: c.config.Address(), Err: err, IsTemporary: true}
	}
	return nil
}

// ping sends a keep-alive global request. Callers hold connMu.
func (c *Client) ping() error {
	_, _, err := c.client.SendRequest("keepalive@openssh.com", true, nil)
	return err
}

// keepAlive sends periodic keep-alive messages until stop is closed or
// MaxKeepAliveRetries consecutive requests fail.
func (c *Client) keepAlive(client *ssh.Client, stop <-chan struct{}) {
	ticker := time.NewTicker(c.config.KeepAliveInterval)
	defer ticker.Stop()

	retries := 0
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		if _, _, err := client.SendRequest("keepalive@openssh.com", true, nil); err != nil {
			retries++
			c.logger.Warn().Err(err).Int("retries", retries).Msg("Keep-alive failed")
			if retries >= c.config.MaxKeepAliveRetries {
				c.logger.Error().Msg("Keep-alive failed too many times, closing connection")
				_ = client.Close()
				return
			}
			continue
		}
		retries = 0
		c.touch()
	}
}

func (c *Client) touch() {
	c.connMu.Lock()
	c.lastUsedAt = time.Now()
	c.connMu.Unlock()
}

// GetConnectionInfo returns information about the current connection.
func (c *Client) GetConnectionInfo() ConnectionInfo {
	c.connMu.RLock()
	defer c.connMu.RUnlock()

	return ConnectionInfo{
		Host:         c.config.Host,
		Port:         c.config.Port,
		User:         c.config.User,
		ConnectedAt:  c.connectedAt,
		LastActivity: c.lastUsedAt,
	}
}

// sshClient returns the underlying connection.
func (c *Client) sshClient(op string) (*ssh.Client, error) {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.client == nil {
		return nil, &TransportError{Op: op, Host: c.config.Address(), Err: errNotConnected}
	}
	c.lastUsedAt = time.Now()
	return c.client, nil
}

// sftpClient returns the SFTP client, opening the subsystem on first use.
func (c *Client) sftpClient(op string) (*sftp.Client, error) {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.client == nil {
		return nil, &TransportError{Op: op, Host: c.config.Address(), Err: errNotConnected}
	}
	if c.sftp == nil {
		sc, err := sftp.NewClient(c.client)
		if err != nil {
			return nil, &TransportError{Op: op, Host: c.config.Address(), Err: fmt.Errorf("failed to start sftp: %w", err), IsTemporary: true}
		}
		c.sftp = sc
	}
	c.lastUsedAt = time.Now()
	return c.sftp, nil
}

// isHandshakeAuthError matches the client error x/crypto returns once
// every auth method was rejected.
func isHandshakeAuthError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "unable to authenticate") || strings.Contains(msg, "no supported methods remain")
}

var _ Transport = (*Client)(nil)
