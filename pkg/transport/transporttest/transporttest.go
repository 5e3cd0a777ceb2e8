// Package transporttest provides an in-memory SFTP server for tests.
//
// Every Dial starts a fresh pkg/sftp request server over a pair of pipes, all
// backed by the same in-memory filesystem, so state persists across sessions
// the way it does on a real host.
package transporttest

import (
	"context"
	"io"
	"sync"
	"sync/atomic"

	"github.com/pkg/sftp"

	"github.com/treenewbee/activestorage-sftp/pkg/transport"
)

// Server is an in-memory transport.Dialer.
type Server struct {
	handlers sftp.Handlers

	dials atomic.Int32
	open  atomic.Int32

	mu       sync.Mutex
	dialErr  error
	openHook func(path string, f transport.File) transport.File
}

// NewServer returns a Server with an empty filesystem.
func NewServer() *Server {
	return &Server{handlers: sftp.InMemHandler()}
}

// FailDials makes subsequent Dial calls return err. Pass nil to clear.
func (s *Server) FailDials(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dialErr = err
}

// WrapOpen installs a hook that may replace files returned by Session.Open.
func (s *Server) WrapOpen(hook func(path string, f transport.File) transport.File) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.openHook = hook
}

// Dials reports how many sessions were requested.
func (s *Server) Dials() int { return int(s.dials.Load()) }

// OpenSessions reports sessions dialed but not yet closed.
func (s *Server) OpenSessions() int { return int(s.open.Load()) }

// Dial implements transport.Dialer.
func (s *Server) Dial(ctx context.Context) (transport.Session, error) {
	s.dials.Add(1)
	s.mu.Lock()
	dialErr, hook := s.dialErr, s.openHook
	s.mu.Unlock()
	if dialErr != nil {
		return nil, dialErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	clientRead, serverWrite := io.Pipe()
	serverRead, clientWrite := io.Pipe()
	server := sftp.NewRequestServer(struct {
		io.Reader
		io.WriteCloser
	}{serverRead, serverWrite}, s.handlers)
	go server.Serve()

	client, err := sftp.NewClientPipe(clientRead, clientWrite)
	if err != nil {
		server.Close()
		return nil, err
	}
	s.open.Add(1)
	return &session{
		Session: transport.NewSession(client, server),
		srv:     s,
		hook:    hook,
		pipes:   []io.Closer{serverWrite, clientWrite},
	}, nil
}

type session struct {
	transport.Session
	srv    *Server
	hook   func(string, transport.File) transport.File
	pipes  []io.Closer
	closed atomic.Bool
}

func (s *session) Open(path string) (transport.File, error) {
	f, err := s.Session.Open(path)
	if err != nil || s.hook == nil {
		return f, err
	}
	return s.hook(path, f), nil
}

// Close shuts the pipes before the client; client.Close blocks until its
// receive loop sees EOF.
func (s *session) Close() error {
	if s.closed.CompareAndSwap(false, true) {
		s.srv.open.Add(-1)
		for _, p := range s.pipes {
			p.Close()
		}
	}
	return s.Session.Close()
}
