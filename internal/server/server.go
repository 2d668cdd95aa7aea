package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/dreamware/clusterd/internal/client"
	"github.com/dreamware/clusterd/internal/eventloop"
	"github.com/dreamware/clusterd/internal/logger"
)

// Server owns the local client socket.
type Server struct {
	path string
	ln   *net.UnixListener
	loop *eventloop.Loop
	reg  *client.Registry
	log  *zap.Logger

	closeOnce sync.Once
	done      chan struct{}
}

// Listen binds the socket at path. A stale socket file left by a previous
// run is removed first; any other existing file is an error.
func Listen(path string) (*Server, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create socket dir: %w", err)
	}
	if fi, err := os.Lstat(path); err == nil {
		if fi.Mode()&os.ModeSocket == 0 {
			return nil, fmt.Errorf("%s exists and is not a socket", path)
		}
		if err := os.Remove(path); err != nil {
			return nil, fmt.Errorf("remove stale socket: %w", err)
		}
	}
	ln, err := net.ListenUnix("unix", &net.UnixAddr{Name: path, Net: "unix"})
	if err != nil {
		return nil, fmt.Errorf("bind %s: %w", path, err)
	}
	ln.SetUnlinkOnClose(true)
	if err := os.Chmod(path, 0o700); err != nil {
		ln.Close()
		return nil, fmt.Errorf("chmod %s: %w", path, err)
	}
	return &Server{
		path: path,
		ln:   ln,
		log:  logger.Named("server").With(zap.String("socket", path)),
		done: make(chan struct{}),
	}, nil
}

// Path returns the socket path.
func (s *Server) Path() string { return s.path }

// Serve accepts connections until ctx is canceled or Close is called.
// Each connection is registered on loop.
func (s *Server) Serve(ctx context.Context, loop *eventloop.Loop, reg *client.Registry) error {
	s.loop = loop
	s.reg = reg

	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-s.done:
		}
	}()

	s.log.Info("accepting clients")
	for {
		conn, err := s.ln.AcceptUnix()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.log.Warn("accept failed", logger.Err(err))
			continue
		}
		pid := peerPID(conn)
		s.loop.Post(func() {
			// Registry logs and closes on rejection.
			_, _ = s.reg.Accept(conn, pid)
		})
	}
}

// Close stops accepting and removes the socket file.
func (s *Server) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.ln.Close()
	})
	return err
}
