package transport_test

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/treenewbee/activestorage-sftp/pkg/transport"
	"github.com/treenewbee/activestorage-sftp/pkg/transport/transporttest"
	"github.com/treenewbee/activestorage-sftp/pkg/xerrors"
)

func TestWithSessionClosesOnError(t *testing.T) {
	srv := transporttest.NewServer()
	boom := errors.New("boom")
	err := transport.WithSession(context.Background(), srv, func(s transport.Session) error {
		assert.Equal(t, 1, srv.OpenSessions())
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, srv.OpenSessions())
	assert.Equal(t, 1, srv.Dials())
}

func TestWithSessionNeverReusesSessions(t *testing.T) {
	srv := transporttest.NewServer()
	var seen []transport.Session
	for i := 0; i < 3; i++ {
		require.NoError(t, transport.WithSession(context.Background(), srv, func(s transport.Session) error {
			seen = append(seen, s)
			return nil
		}))
	}
	assert.Equal(t, 3, srv.Dials())
	assert.NotSame(t, seen[0], seen[1])
	assert.Equal(t, 0, srv.OpenSessions())
}

func TestWithSessionWrapsDialFailure(t *testing.T) {
	srv := transporttest.NewServer()
	srv.FailDials(errors.New("auth rejected"))
	called := false
	err := transport.WithSession(context.Background(), srv, func(transport.Session) error {
		called = true
		return nil
	})
	require.Error(t, err)
	assert.False(t, called)
	assert.Equal(t, xerrors.KindConnection, xerrors.KindOf(err))
}

func TestEnsureDirCreatesEachSegment(t *testing.T) {
	srv := transporttest.NewServer()
	err := transport.WithSession(context.Background(), srv, func(s transport.Session) error {
		if err := transport.EnsureDir(s, "/store/ab/cd"); err != nil {
			return err
		}
		// Second call finds everything in place.
		if err := transport.EnsureDir(s, "/store/ab/cd"); err != nil {
			return err
		}
		for _, dir := range []string{"/store", "/store/ab", "/store/ab/cd"} {
			info, err := s.Stat(dir)
			if err != nil {
				return err
			}
			if !info.IsDir() {
				t.Errorf("%s is not a directory", dir)
			}
		}
		return nil
	})
	require.NoError(t, err)
}

type racingSession struct {
	transport.Session
	mkdirs int
}

// Mkdir creates the directory and then reports failure, as if another writer
// had won the race.
func (r *racingSession) Mkdir(p string) error {
	r.mkdirs++
	if err := r.Session.Mkdir(p); err != nil {
		return err
	}
	return errors.New("failure")
}

func TestEnsureDirToleratesConcurrentCreation(t *testing.T) {
	srv := transporttest.NewServer()
	err := transport.WithSession(context.Background(), srv, func(s transport.Session) error {
		racer := &racingSession{Session: s}
		if err := transport.EnsureDir(racer, "/store/ab/cd"); err != nil {
			return err
		}
		assert.Equal(t, 3, racer.mkdirs)
		return nil
	})
	require.NoError(t, err)
}

func TestEnsureDirRejectsFileInTheWay(t *testing.T) {
	srv := transporttest.NewServer()
	err := transport.WithSession(context.Background(), srv, func(s transport.Session) error {
		f, err := s.Create("/blocker")
		if err != nil {
			return err
		}
		f.Close()
		return transport.EnsureDir(s, "/blocker/ab")
	})
	assert.Equal(t, xerrors.KindAlreadyExists, xerrors.KindOf(err))
}

func TestIsNotFound(t *testing.T) {
	srv := transporttest.NewServer()
	err := transport.WithSession(context.Background(), srv, func(s transport.Session) error {
		_, err := s.Open("/missing/file")
		return err
	})
	require.Error(t, err)
	assert.True(t, transport.IsNotFound(err))
	assert.True(t, transport.IsNotFound(os.ErrNotExist))
	assert.False(t, transport.IsNotFound(errors.New("other")))
	assert.False(t, transport.IsNotFound(nil))
}

func TestNewSSHDialerValidates(t *testing.T) {
	_, err := transport.NewSSHDialer(transport.SSHConfig{User: "deploy"})
	assert.Equal(t, xerrors.KindNotConfigured, xerrors.KindOf(err))

	d, err := transport.NewSSHDialer(transport.SSHConfig{Host: "files.example.com", User: "deploy"})
	require.NoError(t, err)
	assert.Equal(t, "files.example.com:22", d.Addr())

	d, err = transport.NewSSHDialer(transport.SSHConfig{Host: "files.example.com:2222", User: "deploy", Port: 22})
	require.NoError(t, err)
	assert.Equal(t, "files.example.com:2222", d.Addr())
}
