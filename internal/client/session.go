// Package client implements the Parley session engine: a synchronous
// request API layered over the asynchronous framed TCP transport.
//
// A running session owns three goroutines. The sender serializes outbound
// frames onto the socket, the receiver scans inbound frames and routes
// direct replies to the waiting request while queueing push events, and
// the dispatcher drains the push queue into the caller's event handlers.
// Request blocks its caller until the matching reply arrives, so at most
// one request is ever outstanding.
package client

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/parleychat/parley/internal/protocol"
)

const (
	maxFrameSize   = 1024
	requestTimeout = 5 * time.Second
)

// Session error sentinels. A server rejection wraps ErrRejected together
// with the reason the server gave.
var (
	ErrNotConnected = errors.New("client: not connected")
	ErrClosed       = errors.New("client: session closed")
	ErrTimeout      = errors.New("client: request timed out")
	ErrNotLoggedIn  = errors.New("client: not logged in")
	ErrRejected     = errors.New("client: request rejected")
)

// Message is one chat message as cached in a room's log.
type Message struct {
	RoomID   int64
	SenderID int64
	Text     string
}

// Handlers receives push events from the dispatcher. Nil fields are
// skipped. Handlers run on the dispatcher goroutine, one event at a time.
type Handlers struct {
	OnRoomJoined func(roomID int64, name string)
	OnRoomLeft   func(roomID int64, name string)
	OnMessage    func(roomID, senderID int64, text string)
}

// Session is one client connection to a Parley server.
type Session struct {
	handlers Handlers

	conn     net.Conn
	outgoing chan string
	queue    *responseQueue
	done     chan struct{}
	wg       sync.WaitGroup

	timeout time.Duration

	// reqMu serializes Request callers; pendingMu guards the reply slot
	// the receiver delivers into and the count of abandoned replies.
	// Requests are serialized and the server sends exactly one terminal
	// reply per request in order, so after a timeout the next terminal
	// reply belongs to the abandoned request and must be discarded.
	reqMu     sync.Mutex
	pendingMu sync.Mutex
	pending   chan protocol.Response
	stale     int

	// identity and room cache, maintained by login/logout and the
	// dispatcher.
	stateMu   sync.Mutex
	accountID int64
	name      string
	key       string
	rooms     map[int64]string
	logs      map[int64][]Message

	closeOnce sync.Once
}

// New creates an unconnected session with the given push handlers.
func New(handlers Handlers) *Session {
	return &Session{
		handlers: handlers,
		outgoing: make(chan string, 16),
		queue:    newResponseQueue(),
		done:     make(chan struct{}),
		timeout:  requestTimeout,
		rooms:    make(map[int64]string),
		logs:     make(map[int64][]Message),
	}
}

// Connect dials the server. Start must be called before any request.
func (s *Session) Connect(addr string) error {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return fmt.Errorf("client: dial %s: %w", addr, err)
	}
	s.conn = conn
	return nil
}

// Start launches the sender, receiver, and dispatcher goroutines.
func (s *Session) Start() error {
	if s.conn == nil {
		return ErrNotConnected
	}

	s.wg.Add(3)
	go func() {
		defer s.wg.Done()
		s.sendLoop()
	}()
	go func() {
		defer s.wg.Done()
		s.receiveLoop()
	}()
	go func() {
		defer s.wg.Done()
		s.dispatchLoop()
	}()

	return nil
}

// sendLoop writes queued frames to the socket in order.
func (s *Session) sendLoop() {
	for {
		select {
		case <-s.done:
			return
		case frame := <-s.outgoing:
			if _, err := s.conn.Write([]byte(frame)); err != nil {
				if !isClosedError(err) {
					log.Printf("Send error: %v", err)
				}
				return
			}
		}
	}
}

// receiveLoop scans frames off the socket. Direct replies complete the
// waiting request; push events enter the queue for the dispatcher.
func (s *Session) receiveLoop() {
	scanner := bufio.NewScanner(s.conn)
	scanner.Buffer(make([]byte, maxFrameSize), maxFrameSize)
	scanner.Split(protocol.ScanFrames)

	for scanner.Scan() {
		resp, err := protocol.DecodeResponse(scanner.Text())
		if err != nil {
			log.Printf("Undecodable frame from server: %v", err)
			continue
		}

		switch resp.Kind {
		case protocol.RespSuccess, protocol.RespFailure:
			s.deliverReply(resp)
		case protocol.RespJoinRoom, protocol.RespLeaveRoom, protocol.RespMessageIn:
			s.queue.add(resp)
		default:
			log.Printf("Ignoring unexpected %s frame from server", resp.Kind)
		}
	}

	if err := scanner.Err(); err != nil && !isClosedError(err) {
		log.Printf("Receive error: %v", err)
	}
}

func (s *Session) deliverReply(resp protocol.Response) {
	s.pendingMu.Lock()
	if s.stale > 0 {
		s.stale--
		s.pendingMu.Unlock()
		log.Printf("Dropping %s reply to a timed-out request", resp.Kind)
		return
	}
	pending := s.pending
	s.pending = nil
	s.pendingMu.Unlock()

	if pending == nil {
		log.Printf("Dropping unsolicited %s reply", resp.Kind)
		return
	}
	pending <- resp
}

// dispatchLoop drains the push queue into the handlers.
func (s *Session) dispatchLoop() {
	for {
		select {
		case <-s.done:
			return
		case <-s.queue.notify:
			for _, resp := range s.queue.drain() {
				s.dispatch(resp)
			}
		}
	}
}

func (s *Session) dispatch(resp protocol.Response) {
	switch resp.Kind {
	case protocol.RespJoinRoom:
		event, err := protocol.ParseRoomEvent(resp.Kind, resp.Data)
		if err != nil {
			log.Printf("Bad join event payload: %v", err)
			return
		}
		s.stateMu.Lock()
		s.rooms[event.RoomID] = event.Name
		s.stateMu.Unlock()
		if s.handlers.OnRoomJoined != nil {
			s.handlers.OnRoomJoined(event.RoomID, event.Name)
		}

	case protocol.RespLeaveRoom:
		event, err := protocol.ParseRoomEvent(resp.Kind, resp.Data)
		if err != nil {
			log.Printf("Bad leave event payload: %v", err)
			return
		}
		s.stateMu.Lock()
		delete(s.rooms, event.RoomID)
		delete(s.logs, event.RoomID)
		s.stateMu.Unlock()
		if s.handlers.OnRoomLeft != nil {
			s.handlers.OnRoomLeft(event.RoomID, event.Name)
		}

	case protocol.RespMessageIn:
		msg, err := protocol.ParseMessageIn(resp.Data)
		if err != nil {
			log.Printf("Bad message payload: %v", err)
			return
		}
		s.appendLog(Message{RoomID: msg.RoomID, SenderID: msg.SenderID, Text: msg.Text})
		if s.handlers.OnMessage != nil {
			s.handlers.OnMessage(msg.RoomID, msg.SenderID, msg.Text)
		}
	}
}

// Request sends one request and blocks until its reply arrives. A Failure
// reply becomes an ErrRejected error carrying the server's reason.
func (s *Session) Request(kind protocol.RequestKind, data string) (protocol.Response, error) {
	if s.conn == nil {
		return protocol.Response{}, ErrNotConnected
	}
	if err := protocol.ValidateData(data); err != nil {
		return protocol.Response{}, err
	}

	s.reqMu.Lock()
	defer s.reqMu.Unlock()

	select {
	case <-s.done:
		return protocol.Response{}, ErrClosed
	default:
	}

	reply := make(chan protocol.Response, 1)
	s.pendingMu.Lock()
	s.pending = reply
	s.pendingMu.Unlock()

	req := protocol.Request{Kind: kind, Data: data}
	select {
	case s.outgoing <- req.Encode():
	case <-s.done:
		s.clearPending()
		return protocol.Response{}, ErrClosed
	}

	select {
	case resp := <-reply:
		if resp.Kind == protocol.RespFailure {
			return resp, fmt.Errorf("%w: %s", ErrRejected, resp.Data)
		}
		return resp, nil
	case <-time.After(s.timeout):
		s.abandonPending()
		return protocol.Response{}, ErrTimeout
	case <-s.done:
		s.clearPending()
		return protocol.Response{}, ErrClosed
	}
}

func (s *Session) clearPending() {
	s.pendingMu.Lock()
	s.pending = nil
	s.pendingMu.Unlock()
}

// abandonPending gives up on the in-flight request's reply. If the reply
// has not arrived yet, the next terminal reply is marked stale so the
// receiver discards it instead of handing it to a later caller.
func (s *Session) abandonPending() {
	s.pendingMu.Lock()
	if s.pending != nil {
		s.pending = nil
		s.stale++
	}
	s.pendingMu.Unlock()
}

// Register creates a new account and returns its ID. It does not log in.
func (s *Session) Register(name, key string) (int64, error) {
	resp, err := s.Request(protocol.ReqRegister, protocol.RegisterPayload{Name: name, Key: key}.Pack())
	if err != nil {
		return 0, err
	}
	id, err := parseReplyID(resp.Data)
	if err != nil {
		return 0, err
	}
	return id, nil
}

// Login authenticates the session and caches the identity for later
// requests. The server replies with the account's display name.
func (s *Session) Login(id int64, key string) error {
	resp, err := s.Request(protocol.ReqLogin, protocol.CredentialsPayload{ID: id, Key: key}.Pack())
	if err != nil {
		return err
	}

	s.stateMu.Lock()
	s.accountID = id
	s.name = resp.Data
	s.key = key
	s.stateMu.Unlock()
	return nil
}

// Logout releases the account association on both ends.
func (s *Session) Logout() error {
	id, key, err := s.credentials()
	if err != nil {
		return err
	}
	if _, err := s.Request(protocol.ReqLogout, protocol.CredentialsPayload{ID: id, Key: key}.Pack()); err != nil {
		return err
	}

	s.stateMu.Lock()
	s.accountID = 0
	s.name = ""
	s.key = ""
	s.rooms = make(map[int64]string)
	s.logs = make(map[int64][]Message)
	s.stateMu.Unlock()
	return nil
}

// CreateRoom creates a room hosted by the logged-in account and returns
// the new room's ID.
func (s *Session) CreateRoom(name string) (int64, error) {
	id, key, err := s.credentials()
	if err != nil {
		return 0, err
	}
	resp, err := s.Request(protocol.ReqCreateRoom, protocol.CreateRoomPayload{ID: id, Key: key, Name: name}.Pack())
	if err != nil {
		return 0, err
	}
	roomID, err := parseReplyID(resp.Data)
	if err != nil {
		return 0, err
	}

	s.stateMu.Lock()
	s.rooms[roomID] = name
	s.stateMu.Unlock()
	return roomID, nil
}

// AddMember asks the server to add target to a room the account hosts.
func (s *Session) AddMember(roomID, targetID int64) error {
	id, key, err := s.credentials()
	if err != nil {
		return err
	}
	_, err = s.Request(protocol.ReqAddMember, protocol.MembershipPayload{
		ID: id, RoomID: roomID, TargetID: targetID, Key: key,
	}.Pack())
	return err
}

// RemoveMember asks the server to remove target from a room. Passing the
// session's own account ID leaves the room.
func (s *Session) RemoveMember(roomID, targetID int64) error {
	id, key, err := s.credentials()
	if err != nil {
		return err
	}
	_, err = s.Request(protocol.ReqRemoveMember, protocol.MembershipPayload{
		ID: id, RoomID: roomID, TargetID: targetID, Key: key,
	}.Pack())
	if err != nil {
		return err
	}
	if targetID == id {
		s.stateMu.Lock()
		delete(s.rooms, roomID)
		delete(s.logs, roomID)
		s.stateMu.Unlock()
	}
	return nil
}

// SendMessage delivers text to a room and returns the server-assigned
// message ID.
func (s *Session) SendMessage(roomID int64, text string) (int64, error) {
	id, key, err := s.credentials()
	if err != nil {
		return 0, err
	}
	resp, err := s.Request(protocol.ReqSendMessage, protocol.SendMessagePayload{
		ID: id, RoomID: roomID, Key: key, Text: text,
	}.Pack())
	if err != nil {
		return 0, err
	}
	s.appendLog(Message{RoomID: roomID, SenderID: id, Text: text})
	return parseReplyID(resp.Data)
}

func (s *Session) credentials() (int64, string, error) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if s.accountID == 0 {
		return 0, "", ErrNotLoggedIn
	}
	return s.accountID, s.key, nil
}

// AccountID returns the logged-in account's ID, or 0.
func (s *Session) AccountID() int64 {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.accountID
}

// Name returns the logged-in account's display name.
func (s *Session) Name() string {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.name
}

func (s *Session) appendLog(msg Message) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	s.logs[msg.RoomID] = append(s.logs[msg.RoomID], msg)
}

// RoomLog returns a copy of the cached message log for a room, in arrival
// order. The log covers the current membership only; it is dropped on
// leave and on logout.
func (s *Session) RoomLog(roomID int64) []Message {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return append([]Message(nil), s.logs[roomID]...)
}

// Rooms returns a copy of the rooms the session currently belongs to.
func (s *Session) Rooms() map[int64]string {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()

	rooms := make(map[int64]string, len(s.rooms))
	for id, name := range s.rooms {
		rooms[id] = name
	}
	return rooms
}

// Close performs an orderly teardown: it tells the server the connection
// is done, waits for the farewell, then stops the goroutines and closes
// the socket. Safe to call more than once.
func (s *Session) Close() error {
	if s.conn == nil {
		return ErrNotConnected
	}

	s.closeOnce.Do(func() {
		if _, err := s.Request(protocol.ReqTerminate, ""); err != nil &&
			!errors.Is(err, ErrClosed) && !errors.Is(err, ErrTimeout) {
			log.Printf("Termination request: %v", err)
		}

		close(s.done)
		if err := s.conn.Close(); err != nil && !isClosedError(err) {
			log.Printf("Closing connection: %v", err)
		}
		s.wg.Wait()
	})
	return nil
}

// parseReplyID reads the decimal ID the server returns in Success replies
// to register, create-room, and send-message requests.
func parseReplyID(data string) (int64, error) {
	id, err := strconv.ParseInt(data, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("client: non-numeric ID in reply %q", data)
	}
	return id, nil
}

func isClosedError(err error) bool {
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
