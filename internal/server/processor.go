package server

import (
	"errors"
	"log"
	"strconv"

	"github.com/parleychat/parley/internal/protocol"
	"github.com/parleychat/parley/internal/store"
)

// Failure reasons surfaced to the requester. Authorization and not-found
// problems are never fatal; they all become InformFailure replies.
const (
	reasonAlreadyAuthed  = "already authenticated"
	reasonNotAuthed      = "not logged in"
	reasonBadCredentials = "credential mismatch"
	reasonBadPayload     = "malformed request payload"
	reasonRoomNotFound   = "room not found"
	reasonNotHost        = "not the room host"
	reasonNotMember      = "not a member of the room"
	reasonNotAuthorized  = "not authorized"
	reasonNoSuchAccount  = "target account not found"
	reasonAlreadyMember  = "already a member"
	reasonInUse          = "account already connected"
)

type handlerFunc func(*Server, *Conn, protocol.Request)

var handlers = map[protocol.RequestKind]handlerFunc{
	protocol.ReqRegister:     (*Server).handleRegister,
	protocol.ReqLogin:        (*Server).handleLogin,
	protocol.ReqLogout:       (*Server).handleLogout,
	protocol.ReqCreateRoom:   (*Server).handleCreateRoom,
	protocol.ReqAddMember:    (*Server).handleAddMember,
	protocol.ReqRemoveMember: (*Server).handleRemoveMember,
	protocol.ReqSendMessage:  (*Server).handleSendMessage,
	protocol.ReqTerminate:    (*Server).handleTerminate,
}

// process resolves the originating connection and dispatches one request.
// Every outcome is appended to the audit log before its reply is sent.
func (s *Server) process(pending pendingRequest) {
	c := s.registry.get(pending.connID)
	if c == nil {
		// The connection went away while the request sat in the queue.
		s.store.Audit("dropped %s from vanished connection %d", pending.req.Kind, pending.connID)
		return
	}

	if pending.req.Kind == protocol.ReqNone {
		s.store.Audit("connection %d sent a NONE request; protocol violation, dropped", c.id)
		log.Printf("Protocol violation: NONE request from connection %d (%s)", c.id, c.addr)
		return
	}

	handler, ok := handlers[pending.req.Kind]
	if !ok {
		s.store.Audit("connection %d sent unhandled kind %s; dropped", c.id, pending.req.Kind)
		return
	}
	handler(s, c, pending.req)
}

// reply sends the single direct response for a request to its originator.
func (s *Server) reply(c *Conn, kind protocol.ResponseKind, data string) {
	resp := protocol.Response{Kind: kind, Target: c.id, Data: data}
	if !s.registry.enqueue(c, []byte(resp.Encode())) {
		log.Printf("Dropping reply to connection %d: send buffer unavailable", c.id)
		s.disconnect(c)
	}
}

func (s *Server) fail(c *Conn, req protocol.Request, reason string) {
	s.store.Audit("connection %d (account %d) %s rejected: %s", c.id, c.AccountID(), req.Kind, reason)
	s.reply(c, protocol.RespFailure, reason)
}

// push sends an unsolicited response to the account's connection, if the
// account is online. Push delivery is best effort and unordered relative
// to direct replies.
func (s *Server) push(accountID int64, kind protocol.ResponseKind, data string) {
	connID := s.store.ConnectionOf(accountID)
	if connID == 0 {
		return
	}
	c := s.registry.get(connID)
	if c == nil {
		return
	}
	resp := protocol.Response{Kind: kind, Target: connID, Data: data}
	if !s.registry.enqueue(c, []byte(resp.Encode())) {
		log.Printf("Push to connection %d failed: send buffer unavailable", connID)
		s.disconnect(c)
	}
}

// verify checks that the request's credentials name the connection's own
// account and that the key matches. The comparison never partially
// succeeds.
func (s *Server) verify(c *Conn, id int64, key string) bool {
	if c.AccountID() != id {
		return false
	}
	return s.store.Authenticate(id, key) == nil
}

func (s *Server) handleRegister(c *Conn, req protocol.Request) {
	if !c.IsGuest() {
		s.fail(c, req, reasonAlreadyAuthed)
		return
	}
	p, err := protocol.ParseRegister(req.Data)
	if err != nil {
		s.fail(c, req, reasonBadPayload)
		return
	}

	id, err := s.store.RegisterAccount(p.Name, p.Key)
	if err != nil {
		s.fail(c, req, "registration failed")
		return
	}
	s.store.Audit("connection %d registered account %d (%q)", c.id, id, p.Name)
	s.reply(c, protocol.RespSuccess, strconv.FormatInt(id, 10))
}

func (s *Server) handleLogin(c *Conn, req protocol.Request) {
	if !c.IsGuest() {
		s.fail(c, req, reasonAlreadyAuthed)
		return
	}
	p, err := protocol.ParseCredentials(protocol.ReqLogin, req.Data)
	if err != nil {
		s.fail(c, req, reasonBadPayload)
		return
	}
	if s.store.Authenticate(p.ID, p.Key) != nil {
		s.fail(c, req, reasonBadCredentials)
		return
	}
	if s.store.ConnectionOf(p.ID) != 0 {
		s.fail(c, req, reasonInUse)
		return
	}

	if err := s.store.AttachConnection(p.ID, c.id); err != nil {
		s.fail(c, req, reasonBadCredentials)
		return
	}
	c.attach(p.ID)

	name, _ := s.store.AccountName(p.ID)
	s.store.Audit("connection %d logged in as account %d (%q)", c.id, p.ID, name)
	s.reply(c, protocol.RespSuccess, name)
}

func (s *Server) handleLogout(c *Conn, req protocol.Request) {
	if c.IsGuest() {
		s.fail(c, req, reasonNotAuthed)
		return
	}
	p, err := protocol.ParseCredentials(protocol.ReqLogout, req.Data)
	if err != nil {
		s.fail(c, req, reasonBadPayload)
		return
	}
	if !s.verify(c, p.ID, p.Key) {
		s.fail(c, req, reasonBadCredentials)
		return
	}

	if err := s.store.DetachConnection(p.ID); err != nil {
		s.fail(c, req, reasonBadCredentials)
		return
	}
	c.detach()

	s.store.Audit("connection %d logged out of account %d", c.id, p.ID)
	s.reply(c, protocol.RespSuccess, "logged out")
}

func (s *Server) handleCreateRoom(c *Conn, req protocol.Request) {
	if c.IsGuest() {
		s.fail(c, req, reasonNotAuthed)
		return
	}
	p, err := protocol.ParseCreateRoom(req.Data)
	if err != nil {
		s.fail(c, req, reasonBadPayload)
		return
	}
	if !s.verify(c, p.ID, p.Key) {
		s.fail(c, req, reasonBadCredentials)
		return
	}

	roomID := s.store.CreateRoom(p.Name, p.ID)
	s.store.CacheRoom(p.ID, roomID, p.Name)

	s.store.Audit("account %d created room %d (%q)", p.ID, roomID, p.Name)
	s.reply(c, protocol.RespSuccess, strconv.FormatInt(roomID, 10))
}

func (s *Server) handleAddMember(c *Conn, req protocol.Request) {
	if c.IsGuest() {
		s.fail(c, req, reasonNotAuthed)
		return
	}
	p, err := protocol.ParseMembership(protocol.ReqAddMember, req.Data)
	if err != nil {
		s.fail(c, req, reasonBadPayload)
		return
	}
	if !s.verify(c, p.ID, p.Key) {
		s.fail(c, req, reasonBadCredentials)
		return
	}

	host, err := s.store.RoomHost(p.RoomID)
	if err != nil {
		s.fail(c, req, reasonRoomNotFound)
		return
	}
	if host != p.ID {
		s.fail(c, req, reasonNotHost)
		return
	}
	if !s.store.HasAccount(p.TargetID) {
		s.fail(c, req, reasonNoSuchAccount)
		return
	}

	if err := s.store.AddMember(p.RoomID, p.TargetID); err != nil {
		if errors.Is(err, store.ErrAlreadyMember) {
			s.fail(c, req, reasonAlreadyMember)
		} else {
			s.fail(c, req, reasonRoomNotFound)
		}
		return
	}

	name, _ := s.store.RoomName(p.RoomID)
	s.store.CacheRoom(p.TargetID, p.RoomID, name)

	s.store.Audit("account %d added account %d to room %d", p.ID, p.TargetID, p.RoomID)
	s.push(p.TargetID, protocol.RespJoinRoom, protocol.RoomEventPayload{RoomID: p.RoomID, Name: name}.Pack())
	s.reply(c, protocol.RespSuccess, "member added")
}

func (s *Server) handleRemoveMember(c *Conn, req protocol.Request) {
	if c.IsGuest() {
		s.fail(c, req, reasonNotAuthed)
		return
	}
	p, err := protocol.ParseMembership(protocol.ReqRemoveMember, req.Data)
	if err != nil {
		s.fail(c, req, reasonBadPayload)
		return
	}
	if !s.verify(c, p.ID, p.Key) {
		s.fail(c, req, reasonBadCredentials)
		return
	}

	host, err := s.store.RoomHost(p.RoomID)
	if err != nil {
		s.fail(c, req, reasonRoomNotFound)
		return
	}
	if !s.store.HasAccount(p.TargetID) {
		s.fail(c, req, reasonNoSuchAccount)
		return
	}
	isMember, err := s.store.IsMember(p.RoomID, p.TargetID)
	if err != nil {
		s.fail(c, req, reasonRoomNotFound)
		return
	}
	if !isMember {
		s.fail(c, req, reasonNotMember)
		return
	}
	// The host may remove anyone; a member may remove only themselves.
	if host != p.ID && p.TargetID != p.ID {
		s.fail(c, req, reasonNotAuthorized)
		return
	}

	if err := s.store.RemoveMember(p.RoomID, p.TargetID); err != nil {
		s.fail(c, req, reasonNotMember)
		return
	}

	name, _ := s.store.RoomName(p.RoomID)
	s.store.UncacheRoom(p.TargetID, p.RoomID)

	s.store.Audit("account %d removed account %d from room %d", p.ID, p.TargetID, p.RoomID)
	s.push(p.TargetID, protocol.RespLeaveRoom, protocol.RoomEventPayload{RoomID: p.RoomID, Name: name}.Pack())
	s.reply(c, protocol.RespSuccess, "member removed")
}

func (s *Server) handleSendMessage(c *Conn, req protocol.Request) {
	if c.IsGuest() {
		s.fail(c, req, reasonNotAuthed)
		return
	}
	p, err := protocol.ParseSendMessage(req.Data)
	if err != nil {
		s.fail(c, req, reasonBadPayload)
		return
	}
	if !s.verify(c, p.ID, p.Key) {
		s.fail(c, req, reasonBadCredentials)
		return
	}

	isMember, err := s.store.IsMember(p.RoomID, p.ID)
	if err != nil {
		s.fail(c, req, reasonRoomNotFound)
		return
	}
	if !isMember {
		s.fail(c, req, reasonNotMember)
		return
	}

	msgID := s.store.IndexMessage(p.RoomID, p.ID, p.Text)
	if err := s.store.AppendRoomMessage(p.RoomID, p.ID, p.Text); err != nil {
		s.fail(c, req, reasonRoomNotFound)
		return
	}

	s.store.Audit("account %d sent message %d to room %d", p.ID, msgID, p.RoomID)

	members, _ := s.store.RoomMembers(p.RoomID)
	payload := protocol.MessageInPayload{RoomID: p.RoomID, SenderID: p.ID, Text: p.Text}.Pack()
	for _, member := range members {
		if member == p.ID {
			continue
		}
		s.push(member, protocol.RespMessageIn, payload)
	}

	s.reply(c, protocol.RespSuccess, strconv.FormatInt(msgID, 10))
}

// handleTerminate replies first, then tears the connection down; the write
// pump flushes the farewell before the socket closes.
func (s *Server) handleTerminate(c *Conn, req protocol.Request) {
	s.store.Audit("connection %d (account %d) requested termination", c.id, c.AccountID())
	s.reply(c, protocol.RespSuccess, "goodbye")
	s.disconnect(c)
}
