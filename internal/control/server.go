package control

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"

	"github.com/irdkwmnsb/webrtc-grabber/packages/ssrc-relay/internal/domain"
	"github.com/irdkwmnsb/webrtc-grabber/packages/ssrc-relay/internal/metrics"
)

// MaxLineLength bounds a single command line, newline excluded.
const MaxLineLength = 4096

// Server accepts one control connection at a time on a unix socket. When the
// peer disconnects it goes back to accepting; router state is untouched.
type Server struct {
	path       string
	handler    *Handler
	onShutdown func()

	mu       sync.Mutex
	listener net.Listener
	conn     net.Conn

	closed    atomic.Bool
	closeOnce sync.Once
}

func NewServer(path string, router Router, onShutdown func()) *Server {
	return &Server{
		path:       path,
		handler:    NewHandler(router),
		onShutdown: onShutdown,
	}
}

func (s *Server) Path() string {
	return s.path
}

// Listen removes a stale socket file and binds the control socket.
func (s *Server) Listen() error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove stale socket %s: %w", s.path, err)
	}
	l, err := net.Listen("unix", s.path)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.path, err)
	}

	s.mu.Lock()
	s.listener = l
	s.mu.Unlock()

	slog.Info("control socket listening", "path", s.path)
	return nil
}

// Serve accepts and serves connections until Close or ctx cancellation. When
// it returns after either, the listener is closed and the socket file is gone.
// A failing accept on an open listener is returned as an error.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	l := s.listener
	s.mu.Unlock()
	if l == nil {
		return errors.New("control server is not listening")
	}

	stop := context.AfterFunc(ctx, func() { _ = s.Close() })
	defer stop()

	for {
		conn, err := l.Accept()
		if err != nil {
			if s.closed.Load() {
				// waits for a concurrent Close to finish removing the socket
				return s.Close()
			}
			return fmt.Errorf("accept on %s: %w", s.path, err)
		}

		s.mu.Lock()
		if s.closed.Load() {
			s.mu.Unlock()
			_ = conn.Close()
			return s.Close()
		}
		s.conn = conn
		s.mu.Unlock()

		metrics.ControlConnectionsTotal.Inc()
		slog.Info("control client connected")

		shutdown := s.serveConn(conn)

		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()
		_ = conn.Close()

		if shutdown {
			if s.onShutdown != nil {
				s.onShutdown()
			}
			return nil
		}
		if s.closed.Load() {
			return s.Close()
		}
		slog.Info("control client disconnected, waiting for a new connection")
	}
}

func (s *Server) ListenAndServe(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve(ctx)
}

// serveConn runs the command loop for one peer and reports whether it asked
// for shutdown.
func (s *Server) serveConn(conn net.Conn) bool {
	reader := bufio.NewReaderSize(conn, MaxLineLength)
	writer := bufio.NewWriter(conn)

	for {
		line, tooLong, err := readLine(reader)
		if err != nil {
			if !errors.Is(err, io.EOF) && !s.closed.Load() {
				slog.Warn("error reading control connection", "error", err)
			}
			return false
		}

		var reply string
		var shutdown bool
		if tooLong {
			metrics.CommandsTotal.WithLabelValues(unknownCmd, "error").Inc()
			reply = errorReply(domain.ErrInvalidFormat)
		} else {
			reply, shutdown = s.handler.Handle(line)
			if reply == "" {
				continue
			}
		}

		if err := writeReply(writer, reply); err != nil {
			slog.Warn("error writing control reply", "error", err)
			return shutdown
		}
		if shutdown {
			return true
		}
	}
}

func writeReply(w *bufio.Writer, reply string) error {
	if _, err := w.WriteString(reply + "\n"); err != nil {
		return err
	}
	return w.Flush()
}

// readLine returns the next line without its terminator. Lines longer than
// the reader buffer are consumed entirely and flagged as too long.
func readLine(r *bufio.Reader) (string, bool, error) {
	line, isPrefix, err := r.ReadLine()
	if err != nil {
		return "", false, err
	}
	if !isPrefix {
		return string(line), false, nil
	}
	for isPrefix {
		if _, isPrefix, err = r.ReadLine(); err != nil {
			return "", true, err
		}
	}
	return "", true, nil
}

// Close stops accepting, drops the active connection and removes the socket
// file. Safe to call more than once.
func (s *Server) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.closed.Store(true)

		s.mu.Lock()
		l, conn := s.listener, s.conn
		s.mu.Unlock()

		if conn != nil {
			_ = conn.Close()
		}
		if l != nil {
			err = l.Close()
			if rmErr := os.Remove(s.path); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
				err = errors.Join(err, rmErr)
			}
		}
		slog.Info("control socket closed", "path", s.path)
	})
	return err
}
