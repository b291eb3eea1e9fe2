package protocol

import (
	"fmt"
	"strconv"
	"strings"
)

// Payload field grammar: a fixed number of space-separated head fields,
// optionally followed by "|" and one free-text field that may itself
// contain spaces. Each action kind declares its shape once here; a single
// generic packer/splitter handles every action, so there is no per-action
// offset arithmetic anywhere else.
type payloadShape struct {
	heads   int
	hasText bool
}

var requestShapes = map[RequestKind]payloadShape{
	ReqRegister:     {heads: 1, hasText: true}, // name | key
	ReqLogin:        {heads: 2},                // id key
	ReqLogout:       {heads: 2},                // id key
	ReqCreateRoom:   {heads: 2, hasText: true}, // id key | name
	ReqAddMember:    {heads: 4},                // id roomID targetID key
	ReqRemoveMember: {heads: 4},                // id roomID targetID key
	ReqSendMessage:  {heads: 3, hasText: true}, // id roomID key | text
	ReqTerminate:    {heads: 0},
}

var responseShapes = map[ResponseKind]payloadShape{
	RespJoinRoom:  {heads: 1, hasText: true}, // roomID | name
	RespLeaveRoom: {heads: 1, hasText: true}, // roomID | name
	RespMessageIn: {heads: 2, hasText: true}, // roomID senderID | text
}

func packPayload(heads []string, text string, hasText bool) string {
	joined := strings.Join(heads, " ")
	if !hasText {
		return joined
	}
	if joined == "" {
		return "| " + text
	}
	return joined + " | " + text
}

func splitPayload(data string, shape payloadShape) (heads []string, text string, err error) {
	head := data
	if shape.hasText {
		sep := strings.IndexByte(data, '|')
		if sep < 0 {
			return nil, "", fmt.Errorf("%w: missing text separator", ErrBadPayload)
		}
		head = data[:sep]
		text = strings.TrimPrefix(data[sep+1:], " ")
	}
	if shape.heads == 1 {
		// A lone head field may contain inner spaces (display names).
		field := strings.TrimSpace(head)
		if field == "" {
			return nil, "", fmt.Errorf("%w: want 1 field, got 0", ErrBadPayload)
		}
		return []string{field}, text, nil
	}
	heads = strings.Fields(head)
	if len(heads) != shape.heads {
		return nil, "", fmt.Errorf("%w: want %d fields, got %d", ErrBadPayload, shape.heads, len(heads))
	}
	return heads, text, nil
}

func splitRequestPayload(kind RequestKind, data string) ([]string, string, error) {
	shape, ok := requestShapes[kind]
	if !ok {
		return nil, "", fmt.Errorf("%w: no payload shape for %s", ErrBadPayload, kind)
	}
	return splitPayload(data, shape)
}

func splitResponsePayload(kind ResponseKind, data string) ([]string, string, error) {
	shape, ok := responseShapes[kind]
	if !ok {
		return nil, "", fmt.Errorf("%w: no payload shape for %s", ErrBadPayload, kind)
	}
	return splitPayload(data, shape)
}

func parseID(field, name string) (int64, error) {
	id, err := strconv.ParseInt(field, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: non-numeric %s %q", ErrBadPayload, name, field)
	}
	return id, nil
}

func formatID(id int64) string {
	return strconv.FormatInt(id, 10)
}

// RegisterPayload carries a new account's display name and shared key.
type RegisterPayload struct {
	Name string
	Key  string
}

func (p RegisterPayload) Pack() string {
	return packPayload([]string{p.Name}, p.Key, true)
}

func ParseRegister(data string) (RegisterPayload, error) {
	heads, text, err := splitRequestPayload(ReqRegister, data)
	if err != nil {
		return RegisterPayload{}, err
	}
	return RegisterPayload{Name: heads[0], Key: text}, nil
}

// CredentialsPayload is the (id, key) pair used by login and logout.
type CredentialsPayload struct {
	ID  int64
	Key string
}

func (p CredentialsPayload) Pack() string {
	return packPayload([]string{formatID(p.ID), p.Key}, "", false)
}

func ParseCredentials(kind RequestKind, data string) (CredentialsPayload, error) {
	heads, _, err := splitRequestPayload(kind, data)
	if err != nil {
		return CredentialsPayload{}, err
	}
	id, err := parseID(heads[0], "account id")
	if err != nil {
		return CredentialsPayload{}, err
	}
	return CredentialsPayload{ID: id, Key: heads[1]}, nil
}

// CreateRoomPayload asks for a new room owned by the credentialed account.
type CreateRoomPayload struct {
	ID   int64
	Key  string
	Name string
}

func (p CreateRoomPayload) Pack() string {
	return packPayload([]string{formatID(p.ID), p.Key}, p.Name, true)
}

func ParseCreateRoom(data string) (CreateRoomPayload, error) {
	heads, text, err := splitRequestPayload(ReqCreateRoom, data)
	if err != nil {
		return CreateRoomPayload{}, err
	}
	id, err := parseID(heads[0], "account id")
	if err != nil {
		return CreateRoomPayload{}, err
	}
	return CreateRoomPayload{ID: id, Key: heads[1], Name: text}, nil
}

// MembershipPayload names a room member to add or remove.
type MembershipPayload struct {
	ID       int64
	RoomID   int64
	TargetID int64
	Key      string
}

func (p MembershipPayload) Pack() string {
	return packPayload([]string{
		formatID(p.ID), formatID(p.RoomID), formatID(p.TargetID), p.Key,
	}, "", false)
}

func ParseMembership(kind RequestKind, data string) (MembershipPayload, error) {
	heads, _, err := splitRequestPayload(kind, data)
	if err != nil {
		return MembershipPayload{}, err
	}
	id, err := parseID(heads[0], "account id")
	if err != nil {
		return MembershipPayload{}, err
	}
	roomID, err := parseID(heads[1], "room id")
	if err != nil {
		return MembershipPayload{}, err
	}
	targetID, err := parseID(heads[2], "target id")
	if err != nil {
		return MembershipPayload{}, err
	}
	return MembershipPayload{ID: id, RoomID: roomID, TargetID: targetID, Key: heads[3]}, nil
}

// SendMessagePayload carries one chat message into a room.
type SendMessagePayload struct {
	ID     int64
	RoomID int64
	Key    string
	Text   string
}

func (p SendMessagePayload) Pack() string {
	return packPayload([]string{formatID(p.ID), formatID(p.RoomID), p.Key}, p.Text, true)
}

func ParseSendMessage(data string) (SendMessagePayload, error) {
	heads, text, err := splitRequestPayload(ReqSendMessage, data)
	if err != nil {
		return SendMessagePayload{}, err
	}
	id, err := parseID(heads[0], "account id")
	if err != nil {
		return SendMessagePayload{}, err
	}
	roomID, err := parseID(heads[1], "room id")
	if err != nil {
		return SendMessagePayload{}, err
	}
	return SendMessagePayload{ID: id, RoomID: roomID, Key: heads[2], Text: text}, nil
}

// RoomEventPayload is pushed with JoinRoom and LeaveRoom events.
type RoomEventPayload struct {
	RoomID int64
	Name   string
}

func (p RoomEventPayload) Pack() string {
	return packPayload([]string{formatID(p.RoomID)}, p.Name, true)
}

func ParseRoomEvent(kind ResponseKind, data string) (RoomEventPayload, error) {
	heads, text, err := splitResponsePayload(kind, data)
	if err != nil {
		return RoomEventPayload{}, err
	}
	roomID, err := parseID(heads[0], "room id")
	if err != nil {
		return RoomEventPayload{}, err
	}
	return RoomEventPayload{RoomID: roomID, Name: text}, nil
}

// MessageInPayload is pushed to room members when a message is delivered.
type MessageInPayload struct {
	RoomID   int64
	SenderID int64
	Text     string
}

func (p MessageInPayload) Pack() string {
	return packPayload([]string{formatID(p.RoomID), formatID(p.SenderID)}, p.Text, true)
}

func ParseMessageIn(data string) (MessageInPayload, error) {
	heads, text, err := splitResponsePayload(RespMessageIn, data)
	if err != nil {
		return MessageInPayload{}, err
	}
	roomID, err := parseID(heads[0], "room id")
	if err != nil {
		return MessageInPayload{}, err
	}
	senderID, err := parseID(heads[1], "sender id")
	if err != nil {
		return MessageInPayload{}, err
	}
	return MessageInPayload{RoomID: roomID, SenderID: senderID, Text: text}, nil
}
