package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"regexp"
	"sort"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
)

var envKeyPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Run executes cmd on the remote host. The command's exit status is
// reported in the result; only transport failures and cancellation are
// returned as errors.
func (c *Client) Run(ctx context.Context, cmd Command) (*ExecResult, error) {
	line, err := buildCommandLine(cmd)
	if err != nil {
		return nil, &TransportError{Op: "exec", Host: c.config.Address(), Err: err}
	}

	client, err := c.sshClient("exec")
	if err != nil {
		return nil, err
	}

	session, err := client.NewSession()
	if err != nil {
		return nil, &TransportError{
			Op:          "exec",
			Host:        c.config.Address(),
			Err:         fmt.Errorf("failed to create session: %w", err),
			IsTemporary: true,
		}
	}
	defer session.Close()

	var stdoutBuf, stderrBuf bytes.Buffer
	session.Stdout = &stdoutBuf
	session.Stderr = &stderrBuf
	session.Stdin = commandStdin(cmd)

	c.logger.Debug().
		Str("command", cmd.Cmd).
		Bool("sudo", cmd.Sudo).
		Int("env", len(cmd.Env)).
		Msg("Executing command")

	start := time.Now()
	if err := session.Start(line); err != nil {
		return nil, &TransportError{Op: "exec", Host: c.config.Address(), Err: err, IsTemporary: true}
	}

	done := make(chan error, 1)
	go func() {
		done <- session.Wait()
	}()

	var execErr error
	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		_ = session.Close()
		<-done
		return nil, &TransportError{Op: "exec", Host: c.config.Address(), Err: ctx.Err()}
	case execErr = <-done:
	}

	result := &ExecResult{
		Stdout:    stdoutBuf.String(),
		Stderr:    stderrBuf.String(),
		StartedAt: start,
		Duration:  time.Since(start),
	}

	if execErr != nil {
		var exitErr *ssh.ExitError
		var missing *ssh.ExitMissingError
		switch {
		case errors.As(execErr, &exitErr):
			result.ExitCode = exitErr.ExitStatus()
		case errors.As(execErr, &missing):
			result.ExitCode = -1
		default:
			return nil, &TransportError{Op: "exec", Host: c.config.Address(), Err: execErr, IsTemporary: true}
		}
	}

	c.logger.Debug().
		Str("command", cmd.Cmd).
		Int("exit_code", result.ExitCode).
		Int("stdout_len", len(result.Stdout)).
		Int("stderr_len", len(result.Stderr)).
		Dur("duration", result.Duration).
		Msg("Command completed")

	return result, nil
}

// buildCommandLine turns cmd into the line the remote shell runs. A plain
// command without environment or sudo is passed through unchanged.
func buildCommandLine(cmd Command) (string, error) {
	if strings.TrimSpace(cmd.Cmd) == "" {
		return "", fmt.Errorf("empty command")
	}

	var b strings.Builder
	if len(cmd.Env) > 0 {
		keys := make([]string, 0, len(cmd.Env))
		for k := range cmd.Env {
			if !envKeyPattern.MatchString(k) {
				return "", fmt.Errorf("invalid environment variable name %q", k)
			}
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "export %s=%s; ", k, ShellQuote(cmd.Env[k]))
		}
	}

	if !cmd.Sudo {
		if b.Len() == 0 {
			return cmd.Cmd, nil
		}
		b.WriteString(cmd.Cmd)
		return b.String(), nil
	}

	// The whole script runs under sudo so exported variables are visible.
	script := b.String() + cmd.Cmd
	if cmd.SudoPassword != "" {
		return "sudo -S -p '' -- sh -c " + ShellQuote(script), nil
	}
	return "sudo -n -- sh -c " + ShellQuote(script), nil
}

// commandStdin feeds the sudo password ahead of the command's own input.
func commandStdin(cmd Command) io.Reader {
	if cmd.Sudo && cmd.SudoPassword != "" {
		pw := strings.NewReader(cmd.SudoPassword + "\n")
		if cmd.Stdin != nil {
			return io.MultiReader(pw, cmd.Stdin)
		}
		return pw
	}
	return cmd.Stdin
}

// ShellQuote wraps s in single quotes for a POSIX shell.
func ShellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
