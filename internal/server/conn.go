package server

import (
	"net"
	"sync"
)

// Conn represents one client TCP connection. Every connection starts as a
// guest; a successful login attaches it to an account, and logout or
// termination reverts it to guest.
type Conn struct {
	id      int64
	netConn net.Conn
	send    chan []byte
	addr    string
	closed  bool

	limiter *rateLimiter

	mu        sync.Mutex
	guest     bool
	accountID int64
}

func newConn(id int64, netConn net.Conn, limit RateLimitConfig) *Conn {
	return &Conn{
		id:      id,
		netConn: netConn,
		send:    make(chan []byte, 256),
		addr:    netConn.RemoteAddr().String(),
		limiter: newRateLimiter(limit.Burst, limit.RefillInterval),
		guest:   true,
	}
}

// ID returns the connection's logical identifier.
func (c *Conn) ID() int64 {
	return c.id
}

// IsGuest reports whether the connection has no attached account.
func (c *Conn) IsGuest() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.guest
}

// AccountID returns the attached account's ID, or 0 for guests.
func (c *Conn) AccountID() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.accountID
}

func (c *Conn) attach(accountID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.guest = false
	c.accountID = accountID
}

func (c *Conn) detach() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.guest = true
	c.accountID = 0
}

// registry owns the set of live connections and hands out logical IDs.
// Connection IDs start at 1 so 0 can mean "no connection" everywhere.
type registry struct {
	mu     sync.RWMutex
	conns  map[int64]*Conn
	nextID int64
}

func newRegistry() *registry {
	return &registry{conns: make(map[int64]*Conn)}
}

func (r *registry) add(netConn net.Conn, limit RateLimitConfig) *Conn {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	c := newConn(r.nextID, netConn, limit)
	r.conns[c.id] = c
	return c
}

func (r *registry) get(id int64) *Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.conns[id]
}

// remove deregisters the connection and closes its send channel so the
// write pump flushes queued frames and closes the socket. It is safe to
// call more than once.
func (r *registry) remove(c *Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.conns[c.id]; !ok || c.closed {
		return false
	}
	delete(r.conns, c.id)
	c.closed = true
	close(c.send)
	return true
}

func (r *registry) snapshot() []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	return conns
}

func (r *registry) count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// enqueue places a frame on the connection's outbound buffer. It reports
// false when the connection is gone or its buffer is full; the caller
// decides whether to drop the connection.
func (r *registry) enqueue(c *Conn, frame []byte) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if _, ok := r.conns[c.id]; !ok || c.closed {
		return false
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}
