// ABOUTME: Unix-domain-socket server for the companion call interface
// ABOUTME: Resolves caller uid/pid from SO_PEERCRED and serves synchronous request/response frames

package ipc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// Server accepts companion connections on a root-owned unix socket and
// serves frames synchronously. Each connection gets one goroutine; requests
// on a connection are handled in order.
type Server struct {
	dispatcher *Dispatcher
	path       string
	logger     *slog.Logger

	mu       sync.Mutex
	listener *net.UnixListener
	wg       sync.WaitGroup
	closed   bool
}

// NewServer creates a server for the given socket path.
func NewServer(dispatcher *Dispatcher, path string) *Server {
	return &Server{
		dispatcher: dispatcher,
		path:       path,
		logger:     slog.Default().With("component", "ipc"),
	}
}

// Listen binds the control socket. A stale socket file is removed first;
// the fresh socket is restricted to owner access.
func (s *Server) Listen() error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing stale socket: %w", err)
	}

	addr, err := net.ResolveUnixAddr("unix", s.path)
	if err != nil {
		return fmt.Errorf("resolving socket address: %w", err)
	}
	l, err := net.ListenUnix("unix", addr)
	if err != nil {
		return fmt.Errorf("binding control socket: %w", err)
	}
	if err := os.Chmod(s.path, 0666); err != nil {
		l.Close()
		return fmt.Errorf("setting socket permissions: %w", err)
	}

	s.mu.Lock()
	s.listener = l
	s.mu.Unlock()

	s.logger.Info("control socket listening", "path", s.path)
	return nil
}

// Serve accepts connections until the context is canceled or Close is
// called.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	l := s.listener
	s.mu.Unlock()
	if l == nil {
		return errors.New("server is not listening")
	}

	go func() {
		<-ctx.Done()
		s.Close()
	}()

	for {
		conn, err := l.AcceptUnix()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed || errors.Is(err, net.ErrClosed) {
				s.wg.Wait()
				return nil
			}
			return fmt.Errorf("accepting connection: %w", err)
		}

		caller, err := peerCredentials(conn)
		if err != nil {
			s.logger.Warn("rejecting connection without peer credentials", "error", err)
			conn.Close()
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serveConn(ctx, conn, caller)
		}()
	}
}

// Close stops accepting and closes the listener. In-flight connections
// drain via Serve's wait.
func (s *Server) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	if s.listener != nil {
		s.listener.Close()
	}
}

// serveConn reads and answers frames until the peer disconnects.
func (s *Server) serveConn(ctx context.Context, conn *net.UnixConn, caller Caller) {
	defer conn.Close()

	logger := s.logger.With("uid", caller.UID, "pid", caller.PID)
	logger.Debug("companion connected")

	for {
		var req Request
		if err := readFrame(conn, &req); err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				logger.Warn("dropping connection", "error", err)
			}
			return
		}

		resp := s.dispatcher.Dispatch(ctx, caller, &req)
		if err := writeFrame(conn, resp); err != nil {
			logger.Warn("failed to write response", "error", err)
			return
		}
	}
}

// peerCredentials extracts the OS-reported uid/pid of the connected peer.
func peerCredentials(conn *net.UnixConn) (Caller, error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return Caller{}, err
	}

	var cred *unix.Ucred
	var credErr error
	if err := raw.Control(func(fd uintptr) {
		cred, credErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	}); err != nil {
		return Caller{}, err
	}
	if credErr != nil {
		return Caller{}, fmt.Errorf("reading SO_PEERCRED: %w", credErr)
	}

	return Caller{UID: cred.Uid, PID: cred.Pid}, nil
}
