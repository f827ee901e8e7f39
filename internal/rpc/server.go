package rpc

import (
	"context"
	"encoding/json"
	"net"
	"os"
	"sync"
	"time"

	"github.com/unbound-app/daemon/internal/breaker"
	"github.com/unbound-app/daemon/internal/event"
	"github.com/unbound-app/daemon/internal/logging"
	"github.com/unbound-app/daemon/internal/session"
	"github.com/unbound-app/daemon/internal/storage"
)

// defaultWorkerCount sizes the dispatch pool shared by every
// connection's receive task (§4.1 Concurrency).
const defaultWorkerCount = 16

// shutdownGrace bounds how long Shutdown waits for in-flight requests
// to drain before closing sockets outright (§4.1 Shutdown).
const shutdownGrace = 5 * time.Second

// Server is the C1 framed RPC transport: one Unix socket, one receive
// task per connection, requests dispatched to a shared worker pool.
type Server struct {
	socketPath string
	store      *storage.Storage
	sessions   *session.Service
	engine     *session.Engine
	bus        *event.Bus
	subs       *subscriptionManager

	relayBreaker *breaker.Breaker

	handlers map[string]HandlerFunc

	listener net.Listener
	jobs     chan job

	mu      sync.Mutex
	conns   map[*conn]struct{}
	closing bool

	inFlight sync.WaitGroup
	workers  sync.WaitGroup
}

type job struct {
	ctx context.Context
	c   *conn
	req Request
}

// NewServer wires a Server to its collaborators; socketPath is the
// Unix domain socket path to listen on.
func NewServer(socketPath string, store *storage.Storage, sessions *session.Service, engine *session.Engine, bus *event.Bus, relayBreaker *breaker.Breaker) *Server {
	s := &Server{
		socketPath:   socketPath,
		store:        store,
		sessions:     sessions,
		engine:       engine,
		bus:          bus,
		subs:         newSubscriptionManager(bus, store, engine),
		relayBreaker: relayBreaker,
		handlers:     make(map[string]HandlerFunc),
		jobs:         make(chan job, defaultWorkerCount*4),
		conns:        make(map[*conn]struct{}),
	}
	s.registerDefaultHandlers()
	return s
}

// ListenAndServe binds the Unix socket and accepts connections until
// Shutdown is called.
func (s *Server) ListenAndServe() error {
	_ = os.Remove(s.socketPath)
	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return err
	}
	s.listener = ln

	for i := 0; i < defaultWorkerCount; i++ {
		s.workers.Add(1)
		go s.worker()
	}

	for {
		nc, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			closing := s.closing
			s.mu.Unlock()
			if closing {
				return nil
			}
			return err
		}
		c := newConn(nc)
		s.mu.Lock()
		s.conns[c] = struct{}{}
		s.mu.Unlock()
		go s.handleConn(c)
	}
}

// worker drains dispatched requests and writes their responses.
func (s *Server) worker() {
	defer s.workers.Done()
	for j := range s.jobs {
		s.handleRequest(j.ctx, j.c, j.req)
		s.inFlight.Done()
	}
}

// handleConn is the receive task for one connection (§4.1
// Concurrency): it decodes frames and dispatches requests to the
// worker pool, one JSON object per line.
func (s *Server) handleConn(c *conn) {
	defer func() {
		s.mu.Lock()
		delete(s.conns, c)
		s.mu.Unlock()
		s.subs.unsubscribeAll(c)
		c.Close()
	}()

	for {
		line, err := c.readLine()
		if len(line) > 0 {
			s.dispatchLine(c, line)
		}
		if err != nil {
			return
		}
	}
}

func (s *Server) dispatchLine(c *conn, line []byte) {
	var env envelope
	if err := json.Unmarshal(line, &env); err != nil {
		_ = c.writeResponse(Response{Error: newError(CodeParseError, err.Error())})
		return
	}
	if env.Method == "" {
		_ = c.writeResponse(Response{ID: env.ID, Error: newError(CodeInvalidRequest, "missing method")})
		return
	}

	req := Request{ID: env.ID, Method: env.Method, Params: env.Params}
	s.mu.Lock()
	closing := s.closing
	s.mu.Unlock()
	if closing {
		_ = c.writeResponse(Response{ID: req.ID, Error: newError(CodeInternal, "daemon is shutting down")})
		return
	}

	s.inFlight.Add(1)
	select {
	case s.jobs <- job{ctx: context.Background(), c: c, req: req}:
	default:
		s.inFlight.Done()
		_ = c.writeResponse(Response{ID: req.ID, Error: newError(CodeInternal, "worker pool saturated")})
	}
}

func (s *Server) handleRequest(ctx context.Context, c *conn, req Request) {
	handler, ok := s.handlers[req.Method]
	if !ok {
		_ = c.writeResponse(Response{ID: req.ID, Error: newError(CodeUnknownMethod, "unknown method: "+req.Method)})
		return
	}

	result, err := handler(ctx, c, req.Params)
	if err != nil {
		_ = c.writeResponse(Response{ID: req.ID, Error: errorObjectFor(err)})
		return
	}

	data, merr := json.Marshal(result)
	if merr != nil {
		_ = c.writeResponse(Response{ID: req.ID, Error: newError(CodeInternal, merr.Error())})
		return
	}
	_ = c.writeResponse(Response{ID: req.ID, Result: data})
}

// Shutdown drains in-flight requests (bounded by shutdownGrace),
// signals every subscriber with a terminal event, and closes the
// socket (§4.1 Shutdown).
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return nil
	}
	s.closing = true
	conns := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		_ = c.writeEvent(Event{Type: "shutdown"})
	}

	drained := make(chan struct{})
	go func() {
		s.inFlight.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(shutdownGrace):
		logging.Warn().Msg("rpc: shutdown grace period elapsed with requests still in flight")
	case <-ctx.Done():
	}

	if s.listener != nil {
		_ = s.listener.Close()
	}
	for _, c := range conns {
		_ = c.Close()
	}
	close(s.jobs)
	s.workers.Wait()
	return nil
}
