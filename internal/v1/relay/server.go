// Package relay implements the control-plane TCP server: framed JSON with
// per-session AES-GCM, room and chat routing, direct messages, and file
// transfer forwarding.
package relay

import (
	"context"
	"errors"
	"net"
	"sync"

	"go.uber.org/zap"

	"github.com/hphmeet/relay/internal/v1/auth"
	"github.com/hphmeet/relay/internal/v1/config"
	"github.com/hphmeet/relay/internal/v1/logging"
	"github.com/hphmeet/relay/internal/v1/ratelimit"
	"github.com/hphmeet/relay/internal/v1/room"
)

// Server accepts control-plane connections and runs one conn per socket.
type Server struct {
	cfg      *config.Config
	creds    *auth.Store
	sessions *auth.Sessions
	registry *room.Registry
	limiter  *ratelimit.Limiter

	listener net.Listener
	mu       sync.Mutex
	conns    map[*conn]struct{}
	closed   bool
	wg       sync.WaitGroup
}

// NewServer wires the control server to its collaborators.
func NewServer(cfg *config.Config, creds *auth.Store, sessions *auth.Sessions, registry *room.Registry, limiter *ratelimit.Limiter) *Server {
	return &Server{
		cfg:      cfg,
		creds:    creds,
		sessions: sessions,
		registry: registry,
		limiter:  limiter,
		conns:    make(map[*conn]struct{}),
	}
}

// Listen binds the control port. A bind failure is a fatal startup error
// for the caller.
func (s *Server) Listen() error {
	l, err := net.Listen("tcp", s.cfg.TCPAddr())
	if err != nil {
		return err
	}
	s.listener = l
	logging.Info(context.Background(), "Control server listening", zap.String("addr", l.Addr().String()))
	return nil
}

// Addr returns the bound listener address. Valid after Listen.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Serve runs the accept loop until Shutdown closes the listener.
func (s *Server) Serve() error {
	for {
		sock, err := s.listener.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}

		c := newConn(s, sock)

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			_ = sock.Close()
			return nil
		}
		s.conns[c] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			c.run()
		}()
	}
}

// Shutdown stops accepting, closes every live connection, and waits for
// their cleanup to finish or ctx to expire.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	conns := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	if s.listener != nil {
		_ = s.listener.Close()
	}
	for _, c := range conns {
		_ = c.sock.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logging.Info(ctx, "Control server stopped", zap.Int("connections_closed", len(conns)))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) removeConn(c *conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}
