package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/parleychat/parley/internal/protocol"
	"github.com/parleychat/parley/internal/store"
)

const writeWait = 10 * time.Second

// pendingRequest tags a decoded request with the logical ID of the
// connection it arrived on.
type pendingRequest struct {
	connID int64
	req    protocol.Request
}

// Server accepts TCP connections, decodes request frames, and funnels them
// through a single processor goroutine so the entity store has one writer
// with respect to request handling.
type Server struct {
	cfg      Config
	store    *store.Store
	registry *registry
	requests chan pendingRequest

	listener net.Listener
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	done     chan struct{}
}

// New creates a server around the given configuration. Passing nil uses
// the defaults.
func New(cfg *Config) *Server {
	resolved := defaultConfig()
	if cfg != nil {
		resolved = sanitizeConfig(*cfg)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:      resolved,
		store:    store.New(),
		registry: newRegistry(),
		requests: make(chan pendingRequest, 128),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
}

// Store exposes the entity store, mainly for administrative readers and
// tests; its accessors are safe for concurrent use.
func (s *Server) Store() *store.Store {
	return s.store
}

// Addr returns the listener's address once Start has succeeded.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Start binds the listening socket and launches the accept loop and the
// request processor. A bind failure is returned to the caller; the server
// cannot run at all without its listener.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.cfg.Port)
	if err != nil {
		return fmt.Errorf("server: listen on %s: %w", s.cfg.Port, err)
	}
	s.listener = listener
	log.Printf("Server listening on %s", listener.Addr())

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.acceptLoop()
	}()

	go func() {
		defer close(s.done)
		s.processLoop()
	}()

	return nil
}

func (s *Server) acceptLoop() {
	for {
		netConn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
			}
			if isExpectedCloseError(err) {
				return
			}
			log.Printf("Accept error: %v", err)
			continue
		}

		c := s.registry.add(netConn, s.cfg.RateLimit)
		log.Printf("Client connected from %s as connection %d. Total clients: %d",
			c.addr, c.id, s.registry.count())

		s.wg.Add(2)
		go func() {
			defer s.wg.Done()
			s.readPump(c)
		}()
		go func() {
			defer s.wg.Done()
			s.writePump(c)
		}()
	}
}

// readPump scans complete frames off the connection and queues them for
// the processor. Reads that yield no complete frame simply keep waiting;
// only a read error or EOF tears the connection down.
func (s *Server) readPump(c *Conn) {
	defer s.disconnect(c)

	scanner := bufio.NewScanner(c.netConn)
	scanner.Buffer(make([]byte, s.cfg.MaxFrameSize), s.cfg.MaxFrameSize)
	scanner.Split(protocol.ScanFrames)

	for scanner.Scan() {
		if !c.limiter.allow(len(scanner.Bytes())) {
			log.Printf("Rate limit exceeded for connection %d (%s); discarding frame", c.id, c.addr)
			continue
		}

		req, err := protocol.DecodeRequest(scanner.Text())
		if err != nil {
			log.Printf("Undecodable frame from connection %d: %v", c.id, err)
			continue
		}

		select {
		case s.requests <- pendingRequest{connID: c.id, req: req}:
		case <-s.ctx.Done():
			return
		}
	}

	if err := scanner.Err(); err != nil && !isExpectedCloseError(err) {
		log.Printf("Read error on connection %d (%s): %v", c.id, c.addr, err)
	}
}

// writePump drains the connection's outbound buffer onto the socket. When
// the registry closes the send channel the pump flushes what is queued and
// closes the socket.
func (s *Server) writePump(c *Conn) {
	defer func() {
		if err := c.netConn.Close(); err != nil && !isExpectedCloseError(err) {
			log.Printf("Error closing connection %d: %v", c.id, err)
		}
	}()

	for frame := range c.send {
		if err := c.netConn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
			log.Printf("Error setting write deadline for connection %d: %v", c.id, err)
			return
		}
		if _, err := c.netConn.Write(frame); err != nil {
			if !isExpectedCloseError(err) {
				log.Printf("Write error on connection %d: %v", c.id, err)
			}
			return
		}
	}
}

// disconnect deregisters the connection and releases any account
// association. Safe to call from any goroutine and more than once.
func (s *Server) disconnect(c *Conn) {
	if accountID := c.AccountID(); accountID != 0 {
		if err := s.store.DetachConnection(accountID); err != nil && !errors.Is(err, store.ErrAccountNotFound) {
			log.Printf("Detaching account %d: %v", accountID, err)
		}
		c.detach()
	}
	if s.registry.remove(c) {
		log.Printf("Connection %d from %s closed. Total clients: %d", c.id, c.addr, s.registry.count())
	}
}

// processLoop is the single consumer of the request queue.
func (s *Server) processLoop() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case pending := <-s.requests:
			s.process(pending)
		}
	}
}

// Shutdown stops accepting connections, closes every live connection, and
// waits for all goroutines to finish or for the timeout to expire.
func (s *Server) Shutdown(timeout time.Duration) error {
	log.Println("Initiating server shutdown...")

	s.cancel()
	if s.listener != nil {
		if err := s.listener.Close(); err != nil && !isExpectedCloseError(err) {
			log.Printf("Error closing listener: %v", err)
		}
	}

	for _, c := range s.registry.snapshot() {
		s.disconnect(c)
	}

	<-s.done

	finished := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		log.Println("Server shutdown completed successfully")
		return nil
	case <-time.After(timeout):
		log.Println("Server shutdown timeout reached, some goroutines may still be running")
		return context.DeadlineExceeded
	}
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "connection reset by peer") ||
		strings.Contains(errStr, "broken pipe")
}
