// Package transport opens short-lived SFTP sessions against the remote host.
//
// Every storage operation dials its own session through WithSession and the
// session is closed before the operation returns. Nothing is pooled.
package transport

import (
	"context"
	"errors"
	"io"
	"os"
	"path"
	"strings"

	"github.com/pkg/sftp"

	"github.com/treenewbee/activestorage-sftp/pkg/xerrors"
)

// SFTP status codes (draft-ietf-secsh-filexfer-02, section 7).
const (
	fxEOF        = 1
	fxNoSuchFile = 2
)

// File is an open remote file.
type File interface {
	io.ReaderAt
	io.WriterTo
	io.ReaderFrom
	io.Closer
}

// Session is one authenticated connection to the remote host.
type Session interface {
	Open(path string) (File, error)
	Create(path string) (File, error)
	Stat(path string) (os.FileInfo, error)
	Mkdir(path string) error
	Remove(path string) error
	ReadDir(path string) ([]os.FileInfo, error)
	Close() error
}

// Dialer opens new sessions.
type Dialer interface {
	Dial(ctx context.Context) (Session, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context) (Session, error)

// Dial implements Dialer.
func (f DialerFunc) Dial(ctx context.Context) (Session, error) { return f(ctx) }

// WithSession dials a fresh session, runs fn with it and closes it on every
// exit path. Close errors are not reported; fn's result stands.
func WithSession(ctx context.Context, d Dialer, fn func(Session) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s, err := d.Dial(ctx)
	if err != nil {
		if xerrors.KindOf(err) == xerrors.KindConnection {
			return err
		}
		return xerrors.Wrap(xerrors.KindConnection, "transport.dial", "", err)
	}
	defer s.Close()
	return fn(s)
}

// EnsureDir creates dir and any missing parents, one segment at a time.
// A directory created concurrently by another writer counts as success.
func EnsureDir(s Session, dir string) error {
	dir = path.Clean(dir)
	if dir == "." || dir == "/" {
		return nil
	}
	var current string
	if strings.HasPrefix(dir, "/") {
		current = "/"
	}
	for _, segment := range strings.Split(strings.Trim(dir, "/"), "/") {
		if segment == "" || segment == "." {
			continue
		}
		current = path.Join(current, segment)
		if err := ensureSegment(s, current); err != nil {
			return err
		}
	}
	return nil
}

func ensureSegment(s Session, dir string) error {
	info, err := s.Stat(dir)
	if err == nil {
		if info.IsDir() {
			return nil
		}
		return xerrors.E(xerrors.KindAlreadyExists, "transport.mkdir", dir)
	}
	mkErr := s.Mkdir(dir)
	if mkErr == nil {
		return nil
	}
	// Lost a race with another writer creating the same directory.
	if info, err := s.Stat(dir); err == nil && info.IsDir() {
		return nil
	}
	return xerrors.Wrap(xerrors.KindOf(mkErr), "transport.mkdir", dir, mkErr)
}

// IsNotFound reports whether err means the remote path does not exist.
func IsNotFound(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, os.ErrNotExist) {
		return true
	}
	var status *sftp.StatusError
	if errors.As(err, &status) {
		return status.Code == fxNoSuchFile
	}
	return xerrors.KindOf(err) == xerrors.KindNotFound
}

// StatusCode extracts the SFTP status code carried by err.
func StatusCode(err error) (uint32, bool) {
	var status *sftp.StatusError
	if errors.As(err, &status) {
		return status.Code, true
	}
	return 0, false
}

// IsEOF reports whether err signals end of file.
func IsEOF(err error) bool {
	if errors.Is(err, io.EOF) {
		return true
	}
	var status *sftp.StatusError
	return errors.As(err, &status) && status.Code == fxEOF
}
