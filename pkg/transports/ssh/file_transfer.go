package ssh

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"time"
)

// Upload writes the content of r to remotePath. The file is written to a
// temporary name beside remotePath and renamed into place once complete.
func (c *Client) Upload(ctx context.Context, r io.Reader, remotePath string, mode uint32) (*FileTransferResult, error) {
	start := time.Now()
	addr := c.config.Address()

	c.logger.Debug().
		Str("remote", remotePath).
		Uint32("mode", mode).
		Msg("Uploading file")

	client, err := c.sftpClient("upload")
	if err != nil {
		return nil, err
	}

	if err := client.MkdirAll(path.Dir(remotePath)); err != nil {
		return nil, &TransportError{Op: "upload", Host: addr, Err: fmt.Errorf("failed to create remote directory: %w", err)}
	}

	tmpPath := fmt.Sprintf("%s.tmp-%d", remotePath, start.UnixNano())
	remoteFile, err := client.Create(tmpPath)
	if err != nil {
		return nil, &TransportError{Op: "upload", Host: addr, Err: fmt.Errorf("failed to create remote file: %w", err), IsTemporary: true}
	}

	hash := sha256.New()
	written, copyErr := copyWithContext(ctx, io.MultiWriter(remoteFile, hash), r)
	closeErr := remoteFile.Close()
	if copyErr == nil {
		copyErr = closeErr
	}
	if copyErr == nil {
		copyErr = client.Chmod(tmpPath, fs.FileMode(mode))
	}
	if copyErr == nil {
		copyErr = client.PosixRename(tmpPath, remotePath)
	}
	if copyErr != nil {
		_ = client.Remove(tmpPath)
		return nil, &TransportError{
			Op:          "upload",
			Host:        addr,
			Err:         fmt.Errorf("failed to write %s: %w", remotePath, copyErr),
			IsTemporary: ctx.Err() == nil,
		}
	}

	result := &FileTransferResult{
		BytesTransferred: written,
		Duration:         time.Since(start),
		Checksum:         hex.EncodeToString(hash.Sum(nil)),
	}

	c.logger.Debug().
		Str("remote", remotePath).
		Int64("bytes", written).
		Dur("duration", result.Duration).
		Msg("File uploaded")

	return result, nil
}

// UploadFile uploads a local file to the remote host.
func (c *Client) UploadFile(ctx context.Context, localPath, remotePath string, mode uint32) (*FileTransferResult, error) {
	localFile, err := os.Open(localPath)
	if err != nil {
		return nil, &TransportError{Op: "upload", Host: c.config.Address(), Err: fmt.Errorf("failed to open local file: %w", err)}
	}
	defer localFile.Close()

	return c.Upload(ctx, localFile, remotePath, mode)
}

// Remove deletes a remote file. A missing file is not an error.
func (c *Client) Remove(ctx context.Context, remotePath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	client, err := c.sftpClient("remove")
	if err != nil {
		return err
	}

	if err := client.Remove(remotePath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return &TransportError{Op: "remove", Host: c.config.Address(), Err: err}
	}
	return nil
}

// ComputeChecksum returns the hex SHA256 of a remote file.
func (c *Client) ComputeChecksum(ctx context.Context, remotePath string) (string, error) {
	client, err := c.sftpClient("checksum")
	if err != nil {
		return "", err
	}

	f, err := client.Open(remotePath)
	if err != nil {
		return "", &TransportError{Op: "checksum", Host: c.config.Address(), Err: err}
	}
	defer f.Close()

	hash := sha256.New()
	if _, err := copyWithContext(ctx, hash, f); err != nil {
		return "", &TransportError{Op: "checksum", Host: c.config.Address(), Err: err, IsTemporary: ctx.Err() == nil}
	}
	return hex.EncodeToString(hash.Sum(nil)), nil
}

// copyWithContext copies src to dst, checking ctx between chunks.
func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, 32*1024)
	var written int64

	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}

		nr, err := src.Read(buf)
		if nr > 0 {
			nw, werr := dst.Write(buf[:nr])
			written += int64(nw)
			if werr != nil {
				return written, werr
			}
			if nr != nw {
				return written, io.ErrShortWrite
			}
		}
		if err != nil {
			if err == io.EOF {
				return written, nil
			}
			return written, err
		}
	}
}
