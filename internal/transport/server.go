// Package transport is the TCP demonstration adapter for the exchange
// (spec.md §1 places exact wire format outside the system's core
// contract). It is structurally the teacher's own internal/net server:
// a tomb-supervised accept loop, a worker pool draining connections, and a
// per-client session map — generalized from the teacher's hand-packed
// binary NewOrder/CancelOrder frames to length-prefixed JSON Requests
// routed through the OrderGateway.
package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	tomb "gopkg.in/tomb.v2"

	"ragnarok/internal/eventbus"
	"ragnarok/internal/gateway"
)

const (
	defaultNWorkers    = 10
	defaultConnTimeout = 5 * time.Minute
)

// session tracks one connected client's outbound frame writer and its
// active event subscriptions, so they can be torn down on disconnect.
type session struct {
	conn          net.Conn
	mu            sync.Mutex
	unsubscribers []func()
}

func (s *session) send(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeFrame(s.conn, v)
}

func (s *session) close() {
	for _, unsub := range s.unsubscribers {
		unsub()
	}
	s.conn.Close()
}

// Server accepts client connections and serves them against a Gateway.
type Server struct {
	address string
	gw      *gateway.Gateway
	bus     *eventbus.EventBus
	pool    WorkerPool

	mu       sync.Mutex
	sessions map[string]*session
	cancel   context.CancelFunc
}

// New constructs a Server listening on address (host:port).
func New(address string, gw *gateway.Gateway, bus *eventbus.EventBus) *Server {
	return &Server{
		address:  address,
		gw:       gw,
		bus:      bus,
		pool:     NewWorkerPool(defaultNWorkers),
		sessions: make(map[string]*session),
	}
}

// Shutdown cancels the server's context, stopping Run.
func (s *Server) Shutdown() {
	log.Info().Msg("transport server shutting down")
	if s.cancel != nil {
		s.cancel()
	}
}

// Run accepts connections until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	defer s.Shutdown()
	ctx, s.cancel = context.WithCancel(ctx)
	t, ctx := tomb.WithContext(ctx)

	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, "tcp", s.address)
	if err != nil {
		log.Error().Err(err).Str("address", s.address).Msg("unable to start listener")
		return err
	}
	defer listener.Close()

	t.Go(func() error {
		s.pool.Setup(t, s.handleConnection)
		return nil
	})

	log.Info().Str("address", s.address).Msg("transport server listening")

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
			conn, err := listener.Accept()
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				log.Error().Err(err).Msg("error accepting connection")
				continue
			}
			s.pool.AddTask(conn)
		}
	}
}

// handleConnection owns one client connection end to end: it is not
// handed back to the pool after one frame (unlike the teacher's
// per-message worker hop) because a session must keep its identity
// (subscriptions, write lock) for its whole lifetime.
func (s *Server) handleConnection(t *tomb.Tomb, task any) error {
	conn, ok := task.(net.Conn)
	if !ok {
		return fmt.Errorf("transport: unexpected task type %T", task)
	}
	sess := &session{conn: conn}
	addr := conn.RemoteAddr().String()

	s.mu.Lock()
	s.sessions[addr] = sess
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.sessions, addr)
		s.mu.Unlock()
		sess.close()
	}()

	for {
		select {
		case <-t.Dying():
			return nil
		default:
		}

		conn.SetReadDeadline(time.Now().Add(defaultConnTimeout))
		var req Request
		if err := readFrame(conn, &req); err != nil {
			log.Debug().Err(err).Str("address", addr).Msg("connection closed")
			return nil
		}

		resp := s.dispatch(context.Background(), sess, req)
		if err := sess.send(resp); err != nil {
			log.Error().Err(err).Str("address", addr).Msg("error writing response")
			return nil
		}
	}
}
