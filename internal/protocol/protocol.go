// Package protocol implements the framed text wire format exchanged between
// the Parley server and its clients: request/response kinds, frame
// encoding/decoding, and the stream splitter that extracts whole frames
// from a TCP byte stream.
package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// RequestKind identifies a client-to-server action.
type RequestKind int

// Request kinds. The numeric values are part of the wire format.
const (
	ReqNone RequestKind = iota
	ReqLogin
	ReqLogout
	ReqRegister
	ReqCreateRoom
	ReqAddMember
	ReqRemoveMember
	ReqSendMessage
	ReqTerminate
)

// ResponseKind identifies a server-to-client result or push event.
type ResponseKind int

// Response kinds. The numeric values are part of the wire format.
const (
	RespNone ResponseKind = iota
	RespSuccess
	RespFailure
	RespMessageIn
	RespJoinRoom
	RespLeaveRoom
)

// Frame delimiters, single ASCII bytes on the wire.
const (
	delimStart = '['
	delimEnd   = ']'
	dataStart  = '('
	dataEnd    = ')'
)

// Decode error sentinels. Callers match them with errors.Is.
var (
	ErrBadFrame    = errors.New("protocol: malformed frame")
	ErrBadKind     = errors.New("protocol: action kind out of range")
	ErrBadPayload  = errors.New("protocol: malformed payload")
	ErrUnframeable = errors.New("protocol: payload embeds the frame terminator")
)

func (k RequestKind) String() string {
	switch k {
	case ReqNone:
		return "None"
	case ReqLogin:
		return "LoginAccount"
	case ReqLogout:
		return "LogoutAccount"
	case ReqRegister:
		return "RegisterAccount"
	case ReqCreateRoom:
		return "CreateRoom"
	case ReqAddMember:
		return "AddMember"
	case ReqRemoveMember:
		return "RemoveMember"
	case ReqSendMessage:
		return "SendMessage"
	case ReqTerminate:
		return "TerminateConnection"
	default:
		return fmt.Sprintf("RequestKind(%d)", int(k))
	}
}

func (k ResponseKind) String() string {
	switch k {
	case RespNone:
		return "None"
	case RespSuccess:
		return "InformSuccess"
	case RespFailure:
		return "InformFailure"
	case RespMessageIn:
		return "MessageIn"
	case RespJoinRoom:
		return "JoinRoom"
	case RespLeaveRoom:
		return "LeaveRoom"
	default:
		return fmt.Sprintf("ResponseKind(%d)", int(k))
	}
}

// Request is one client-to-server frame: an action kind, the logical ID of
// the connection it concerns, and an action-specific payload.
type Request struct {
	Kind   RequestKind
	Target int64
	Data   string
}

// Response is one server-to-client frame. Target names the connection the
// frame is addressed to; for push events that is a third party, not the
// original requester.
type Response struct {
	Kind   ResponseKind
	Target int64
	Data   string
}

// Encode renders the request as a single wire frame.
func (r Request) Encode() string {
	return encodeFrame(int(r.Kind), r.Target, r.Data)
}

// Encode renders the response as a single wire frame.
func (r Response) Encode() string {
	return encodeFrame(int(r.Kind), r.Target, r.Data)
}

func encodeFrame(kind int, target int64, data string) string {
	var b strings.Builder
	b.Grow(len(data) + 24)
	b.WriteByte(delimStart)
	b.WriteByte(' ')
	b.WriteString(strconv.Itoa(kind))
	b.WriteByte(' ')
	b.WriteString(strconv.FormatInt(target, 10))
	b.WriteByte(' ')
	b.WriteByte(dataStart)
	b.WriteByte(' ')
	b.WriteString(data)
	b.WriteByte(' ')
	b.WriteByte(dataEnd)
	b.WriteByte(' ')
	b.WriteByte(delimEnd)
	return b.String()
}

// DecodeRequest parses a single frame into a Request. It is the exact
// inverse of Request.Encode for every valid frame and has no side effects.
func DecodeRequest(frame string) (Request, error) {
	kind, target, data, err := decodeFrame(frame)
	if err != nil {
		return Request{}, err
	}
	if kind < int(ReqNone) || kind > int(ReqTerminate) {
		return Request{}, fmt.Errorf("%w: request kind %d", ErrBadKind, kind)
	}
	return Request{Kind: RequestKind(kind), Target: target, Data: data}, nil
}

// DecodeResponse parses a single frame into a Response.
func DecodeResponse(frame string) (Response, error) {
	kind, target, data, err := decodeFrame(frame)
	if err != nil {
		return Response{}, err
	}
	if kind < int(RespNone) || kind > int(RespLeaveRoom) {
		return Response{}, fmt.Errorf("%w: response kind %d", ErrBadKind, kind)
	}
	return Response{Kind: ResponseKind(kind), Target: target, Data: data}, nil
}

func decodeFrame(frame string) (kind int, target int64, data string, err error) {
	s := strings.TrimSpace(frame)
	if len(s) < 2 || s[0] != delimStart {
		return 0, 0, "", fmt.Errorf("%w: missing start delimiter", ErrBadFrame)
	}
	if s[len(s)-1] != delimEnd {
		return 0, 0, "", fmt.Errorf("%w: missing end delimiter", ErrBadFrame)
	}
	body := s[1 : len(s)-1]

	open := strings.IndexByte(body, dataStart)
	if open < 0 {
		return 0, 0, "", fmt.Errorf("%w: missing data section", ErrBadPayload)
	}
	closing := strings.LastIndexByte(body, dataEnd)
	if closing < open {
		return 0, 0, "", fmt.Errorf("%w: unterminated data section", ErrBadPayload)
	}

	head := strings.Fields(body[:open])
	if len(head) != 2 {
		return 0, 0, "", fmt.Errorf("%w: want kind and target before data, got %d fields", ErrBadFrame, len(head))
	}
	kind, err = strconv.Atoi(head[0])
	if err != nil {
		return 0, 0, "", fmt.Errorf("%w: non-numeric kind %q", ErrBadKind, head[0])
	}
	target, err = strconv.ParseInt(head[1], 10, 64)
	if err != nil {
		return 0, 0, "", fmt.Errorf("%w: non-numeric target %q", ErrBadFrame, head[1])
	}

	// The packing scheme pads the payload with one space on each side.
	data = body[open+1 : closing]
	data = strings.TrimPrefix(data, " ")
	data = strings.TrimSuffix(data, " ")
	return kind, target, data, nil
}

// frameTerminator is the byte sequence every encoded frame ends with.
const frameTerminatorText = " ) ]"

var frameTerminator = []byte(frameTerminatorText)

// ValidateData reports whether data can be framed and scanned back
// intact. The grammar has no escaping, so data containing the terminator
// sequence " ) ]" would be truncated by ScanFrames even though it decodes
// correctly in isolation; senders must reject it up front.
func ValidateData(data string) error {
	if strings.Contains(data, frameTerminatorText) {
		return ErrUnframeable
	}
	return nil
}

// ScanFrames is a bufio.SplitFunc that yields one complete frame per token.
// It tolerates frames split across reads and several frames sharing one
// buffer, and skips stray bytes between frames. A frame ends at the first
// terminator sequence; payloads that embed it are unframeable (see
// ValidateData).
func ScanFrames(data []byte, atEOF bool) (advance int, token []byte, err error) {
	start := bytes.IndexByte(data, delimStart)
	if start < 0 {
		// No frame start in sight; everything so far is discardable noise.
		return len(data), nil, nil
	}
	rel := bytes.Index(data[start:], frameTerminator)
	if rel < 0 {
		if atEOF {
			return len(data), nil, nil
		}
		// Drop noise before the frame start and wait for more bytes.
		return start, nil, nil
	}
	end := start + rel + len(frameTerminator)
	return end, data[start:end], nil
}
