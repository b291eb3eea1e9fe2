// Package store holds the server's in-memory entities: accounts, chat
// rooms, the global message index, and the append-only audit log. Each
// collection is guarded by its own mutex so unrelated entities never
// contend; no method takes more than one collection lock at a time.
package store

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// Lookup and authorization error sentinels.
var (
	ErrAccountNotFound = errors.New("store: account not found")
	ErrRoomNotFound    = errors.New("store: room not found")
	ErrBadCredentials  = errors.New("store: credential mismatch")
	ErrNotMember       = errors.New("store: account is not a member")
	ErrAlreadyMember   = errors.New("store: account is already a member")
)

// Account is a registered identity. ID is unique and immutable once
// assigned; an account outlives any connection it is attached to.
type Account struct {
	ID          int64
	DisplayName string
	keyHash     []byte

	// connID is the attached connection's logical ID, 0 when offline.
	connID int64
	// rooms caches roomID -> display name for rooms the account joined.
	rooms map[int64]string
}

// RoomMessage is one message scoped to a room's ordered log.
type RoomMessage struct {
	SenderID int64
	Text     string
}

// ChatRoom is a named room owned by a host account. The host is always a
// member; the member list carries no duplicates.
type ChatRoom struct {
	ID          int64
	DisplayName string
	HostID      int64
	members     []int64
	messages    []RoomMessage
}

// MessageRecord is one entry of the server-wide message index.
type MessageRecord struct {
	ID       int64
	RoomID   int64
	SenderID int64
	Text     string
}

// AuditEntry is one line of the append-only audit log.
type AuditEntry struct {
	Seq  int64
	ID   uuid.UUID
	Time time.Time
	Text string
}

func (e AuditEntry) String() string {
	return fmt.Sprintf("[LOG(%d)]:[%s]=%s", e.Seq, e.Time.Format("15:04:05.000000"), e.Text)
}

// Store owns every server-side entity collection.
type Store struct {
	accountsMu    sync.RWMutex
	accounts      map[int64]*Account
	nextAccountID int64

	roomsMu    sync.RWMutex
	rooms      map[int64]*ChatRoom
	nextRoomID int64

	messagesMu    sync.RWMutex
	messages      []MessageRecord
	nextMessageID int64

	auditMu sync.Mutex
	audit   []AuditEntry
}

// New returns an empty store.
func New() *Store {
	return &Store{
		accounts: make(map[int64]*Account),
		rooms:    make(map[int64]*ChatRoom),
	}
}

// RegisterAccount creates an account with a fresh monotonic ID. The key is
// stored as a bcrypt hash, never in the clear.
func (s *Store) RegisterAccount(name, key string) (int64, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return 0, fmt.Errorf("store: hashing key: %w", err)
	}

	s.accountsMu.Lock()
	defer s.accountsMu.Unlock()

	s.nextAccountID++
	id := s.nextAccountID
	s.accounts[id] = &Account{
		ID:          id,
		DisplayName: name,
		keyHash:     hash,
		rooms:       make(map[int64]string),
	}
	return id, nil
}

// Authenticate verifies an (id, key) pair. The match is all or nothing: a
// wrong id, a wrong key, or both yield the same ErrBadCredentials.
func (s *Store) Authenticate(id int64, key string) error {
	s.accountsMu.RLock()
	acct, ok := s.accounts[id]
	s.accountsMu.RUnlock()
	if !ok {
		return ErrBadCredentials
	}
	if bcrypt.CompareHashAndPassword(acct.keyHash, []byte(key)) != nil {
		return ErrBadCredentials
	}
	return nil
}

// AccountName returns the display name for id.
func (s *Store) AccountName(id int64) (string, error) {
	s.accountsMu.RLock()
	defer s.accountsMu.RUnlock()

	acct, ok := s.accounts[id]
	if !ok {
		return "", ErrAccountNotFound
	}
	return acct.DisplayName, nil
}

// HasAccount reports whether an account with id exists.
func (s *Store) HasAccount(id int64) bool {
	s.accountsMu.RLock()
	defer s.accountsMu.RUnlock()

	_, ok := s.accounts[id]
	return ok
}

// AttachConnection records the connection currently speaking for the
// account. A connID of 0 marks the account offline.
func (s *Store) AttachConnection(accountID, connID int64) error {
	s.accountsMu.Lock()
	defer s.accountsMu.Unlock()

	acct, ok := s.accounts[accountID]
	if !ok {
		return ErrAccountNotFound
	}
	acct.connID = connID
	return nil
}

// DetachConnection clears the account's connection association.
func (s *Store) DetachConnection(accountID int64) error {
	return s.AttachConnection(accountID, 0)
}

// ConnectionOf returns the logical connection ID attached to the account,
// or 0 when the account is offline.
func (s *Store) ConnectionOf(accountID int64) int64 {
	s.accountsMu.RLock()
	defer s.accountsMu.RUnlock()

	acct, ok := s.accounts[accountID]
	if !ok {
		return 0
	}
	return acct.connID
}

// CacheRoom records a joined room in the account's room cache.
func (s *Store) CacheRoom(accountID, roomID int64, name string) {
	s.accountsMu.Lock()
	defer s.accountsMu.Unlock()

	if acct, ok := s.accounts[accountID]; ok {
		acct.rooms[roomID] = name
	}
}

// UncacheRoom removes a room from the account's room cache.
func (s *Store) UncacheRoom(accountID, roomID int64) {
	s.accountsMu.Lock()
	defer s.accountsMu.Unlock()

	if acct, ok := s.accounts[accountID]; ok {
		delete(acct.rooms, roomID)
	}
}

// AccountRooms returns a copy of the account's joined-room cache.
func (s *Store) AccountRooms(accountID int64) map[int64]string {
	s.accountsMu.RLock()
	defer s.accountsMu.RUnlock()

	acct, ok := s.accounts[accountID]
	if !ok {
		return nil
	}
	rooms := make(map[int64]string, len(acct.rooms))
	for id, name := range acct.rooms {
		rooms[id] = name
	}
	return rooms
}

// CreateRoom creates a room hosted by hostID. The host is its first member.
func (s *Store) CreateRoom(name string, hostID int64) int64 {
	s.roomsMu.Lock()
	defer s.roomsMu.Unlock()

	s.nextRoomID++
	id := s.nextRoomID
	s.rooms[id] = &ChatRoom{
		ID:          id,
		DisplayName: name,
		HostID:      hostID,
		members:     []int64{hostID},
	}
	return id
}

// RoomName returns the display name for roomID.
func (s *Store) RoomName(roomID int64) (string, error) {
	s.roomsMu.RLock()
	defer s.roomsMu.RUnlock()

	room, ok := s.rooms[roomID]
	if !ok {
		return "", ErrRoomNotFound
	}
	return room.DisplayName, nil
}

// RoomHost returns the host account ID for roomID.
func (s *Store) RoomHost(roomID int64) (int64, error) {
	s.roomsMu.RLock()
	defer s.roomsMu.RUnlock()

	room, ok := s.rooms[roomID]
	if !ok {
		return 0, ErrRoomNotFound
	}
	return room.HostID, nil
}

// AddMember appends accountID to the room's member list. Duplicates are
// rejected so membership stays a set.
func (s *Store) AddMember(roomID, accountID int64) error {
	s.roomsMu.Lock()
	defer s.roomsMu.Unlock()

	room, ok := s.rooms[roomID]
	if !ok {
		return ErrRoomNotFound
	}
	for _, m := range room.members {
		if m == accountID {
			return ErrAlreadyMember
		}
	}
	room.members = append(room.members, accountID)
	return nil
}

// RemoveMember removes accountID from the room's member list. Removing a
// non-member fails without mutating anything.
func (s *Store) RemoveMember(roomID, accountID int64) error {
	s.roomsMu.Lock()
	defer s.roomsMu.Unlock()

	room, ok := s.rooms[roomID]
	if !ok {
		return ErrRoomNotFound
	}
	for i, m := range room.members {
		if m == accountID {
			room.members = append(room.members[:i], room.members[i+1:]...)
			return nil
		}
	}
	return ErrNotMember
}

// IsMember reports whether accountID is a member of the room.
func (s *Store) IsMember(roomID, accountID int64) (bool, error) {
	s.roomsMu.RLock()
	defer s.roomsMu.RUnlock()

	room, ok := s.rooms[roomID]
	if !ok {
		return false, ErrRoomNotFound
	}
	for _, m := range room.members {
		if m == accountID {
			return true, nil
		}
	}
	return false, nil
}

// RoomMembers returns a copy of the room's member list in join order.
func (s *Store) RoomMembers(roomID int64) ([]int64, error) {
	s.roomsMu.RLock()
	defer s.roomsMu.RUnlock()

	room, ok := s.rooms[roomID]
	if !ok {
		return nil, ErrRoomNotFound
	}
	return append([]int64(nil), room.members...), nil
}

// AppendRoomMessage adds a message to the room's ordered log.
func (s *Store) AppendRoomMessage(roomID, senderID int64, text string) error {
	s.roomsMu.Lock()
	defer s.roomsMu.Unlock()

	room, ok := s.rooms[roomID]
	if !ok {
		return ErrRoomNotFound
	}
	room.messages = append(room.messages, RoomMessage{SenderID: senderID, Text: text})
	return nil
}

// RoomMessages returns a copy of the room's message log.
func (s *Store) RoomMessages(roomID int64) ([]RoomMessage, error) {
	s.roomsMu.RLock()
	defer s.roomsMu.RUnlock()

	room, ok := s.rooms[roomID]
	if !ok {
		return nil, ErrRoomNotFound
	}
	return append([]RoomMessage(nil), room.messages...), nil
}

// IndexMessage records a message in the server-wide index and returns its
// monotonically increasing ID.
func (s *Store) IndexMessage(roomID, senderID int64, text string) int64 {
	s.messagesMu.Lock()
	defer s.messagesMu.Unlock()

	s.nextMessageID++
	s.messages = append(s.messages, MessageRecord{
		ID:       s.nextMessageID,
		RoomID:   roomID,
		SenderID: senderID,
		Text:     text,
	})
	return s.nextMessageID
}

// MessagesByRoom returns every indexed message sent to the room.
func (s *Store) MessagesByRoom(roomID int64) []MessageRecord {
	return s.filterMessages(func(m MessageRecord) bool { return m.RoomID == roomID })
}

// MessagesBySender returns every indexed message sent by the account.
func (s *Store) MessagesBySender(senderID int64) []MessageRecord {
	return s.filterMessages(func(m MessageRecord) bool { return m.SenderID == senderID })
}

// MessagesByContent returns every indexed message whose text contains the
// given substring.
func (s *Store) MessagesByContent(substr string) []MessageRecord {
	return s.filterMessages(func(m MessageRecord) bool { return strings.Contains(m.Text, substr) })
}

func (s *Store) filterMessages(keep func(MessageRecord) bool) []MessageRecord {
	s.messagesMu.RLock()
	defer s.messagesMu.RUnlock()

	var res []MessageRecord
	for _, m := range s.messages {
		if keep(m) {
			res = append(res, m)
		}
	}
	return res
}

// Audit appends one formatted entry to the append-only log. Every request
// outcome must be recorded here before its response is produced.
func (s *Store) Audit(format string, args ...any) {
	s.auditMu.Lock()
	defer s.auditMu.Unlock()

	s.audit = append(s.audit, AuditEntry{
		Seq:  int64(len(s.audit)) + 1,
		ID:   uuid.New(),
		Time: time.Now(),
		Text: fmt.Sprintf(format, args...),
	})
}

// AuditLog returns a copy of the audit log in append order.
func (s *Store) AuditLog() []AuditEntry {
	s.auditMu.Lock()
	defer s.auditMu.Unlock()

	return append([]AuditEntry(nil), s.audit...)
}
