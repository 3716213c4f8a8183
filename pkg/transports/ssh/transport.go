// Package ssh provides the SSH transport used by configuration and
// execution steps: command execution and SFTP file transfer.
package ssh

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
)

// Transport defines the operations steps perform on a remote host.
type Transport interface {
	// Connect establishes an SSH connection to the remote host.
	// Returns an error if connection fails or authentication is rejected.
	Connect(ctx context.Context) error

	// Close closes the SSH connection and releases all resources.
	Close() error

	// IsConnected returns true if the transport has an active connection.
	IsConnected() bool

	// HealthCheck verifies the connection is still alive and responsive.
	HealthCheck(ctx context.Context) error

	// Run executes a command. A non-zero exit status is reported in the
	// result, not as an error.
	Run(ctx context.Context, cmd Command) (*ExecResult, error)

	// Upload writes the content of r to remotePath via SFTP, creating
	// parent directories.
	Upload(ctx context.Context, r io.Reader, remotePath string, mode uint32) (*FileTransferResult, error)

	// UploadFile uploads a local file via SFTP.
	UploadFile(ctx context.Context, localPath, remotePath string, mode uint32) (*FileTransferResult, error)

	// Remove deletes a remote file. A missing file is not an error.
	Remove(ctx context.Context, remotePath string) error

	// ComputeChecksum returns the hex SHA256 of a remote file.
	ComputeChecksum(ctx context.Context, remotePath string) (string, error)

	// GetConnectionInfo returns information about the current connection.
	GetConnectionInfo() ConnectionInfo
}

// Command is a remote command line with its environment.
type Command struct {
	// Cmd is run by the remote user's shell.
	Cmd string

	// Env is exported before Cmd runs.
	Env map[string]string

	// Sudo runs the command through sudo. SudoPassword is written to
	// sudo's stdin when set; otherwise sudo must not prompt.
	Sudo         bool
	SudoPassword string

	// Stdin is copied to the command's standard input.
	Stdin io.Reader
}

// ConnectionInfo contains details about an active SSH connection.
type ConnectionInfo struct {
	Host         string
	Port         int
	User         string
	ConnectedAt  time.Time
	LastActivity time.Time
}

// ExecResult represents the result of a command execution.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int

	StartedAt time.Time
	Duration  time.Duration
}

// Err returns an *ExitError when the command exited non-zero.
func (r *ExecResult) Err() error {
	if r.ExitCode == 0 {
		return nil
	}
	return &ExitError{Code: r.ExitCode, Stderr: r.Stderr}
}

// ExitError reports a command that ran and exited non-zero.
type ExitError struct {
	Code   int
	Stderr string
}

func (e *ExitError) Error() string {
	msg := fmt.Sprintf("command exited with code %d", e.Code)
	if s := strings.TrimSpace(e.Stderr); s != "" {
		msg += ": " + s
	}
	return msg
}

// FileTransferResult represents the result of a file transfer operation.
type FileTransferResult struct {
	BytesTransferred int64
	Duration         time.Duration

	// Checksum is the hex SHA256 of the transferred content.
	Checksum string
}

// TransportError represents an error from the transport layer.
type TransportError struct {
	// Op is the operation that failed (e.g., "connect", "exec", "upload")
	Op string

	// Host is the address of the remote host.
	Host string

	Err error

	// IsTemporary indicates if the error is temporary and can be retried
	IsTemporary bool

	// IsAuthError indicates if the error is related to authentication
	IsAuthError bool
}

func (e *TransportError) Error() string {
	if e.Host != "" {
		return fmt.Sprintf("%s %s: %v", e.Op, e.Host, e.Err)
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Temporary reports whether retrying the operation may succeed.
func (e *TransportError) Temporary() bool {
	return e.IsTemporary
}

// IsTemporary reports whether err is a temporary transport error.
func IsTemporary(err error) bool {
	var te *TransportError
	return errors.As(err, &te) && te.IsTemporary
}

// IsAuthError reports whether err is an authentication failure.
func IsAuthError(err error) bool {
	var te *TransportError
	return errors.As(err, &te) && te.IsAuthError
}
