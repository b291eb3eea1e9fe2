package server

import (
	"bufio"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parleychat/parley/internal/protocol"
)

// newTestServer starts a server on an ephemeral port and tears it down when
// the test ends.
func newTestServer(t *testing.T) *Server {
	t.Helper()

	cfg := NewConfig()
	cfg.Port = ":0"
	cfg.RateLimit.Burst = 256

	srv := New(cfg)
	require.NoError(t, srv.Start())
	t.Cleanup(func() {
		_ = srv.Shutdown(2 * time.Second)
	})
	return srv
}

// testClient is a minimal wire-level client used to drive the server.
type testClient struct {
	t       *testing.T
	conn    net.Conn
	scanner *bufio.Scanner
}

func dialClient(t *testing.T, srv *Server) *testClient {
	t.Helper()

	conn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 1024), 1024)
	scanner.Split(protocol.ScanFrames)

	return &testClient{t: t, conn: conn, scanner: scanner}
}

func (tc *testClient) send(kind protocol.RequestKind, data string) {
	tc.t.Helper()

	req := protocol.Request{Kind: kind, Data: data}
	_, err := tc.conn.Write([]byte(req.Encode()))
	require.NoError(tc.t, err)
}

// expect reads the next frame and requires it to be of the given kind.
// Frames on one socket arrive in processor order, so an unexpected push
// surfaces here as a kind mismatch.
func (tc *testClient) expect(kind protocol.ResponseKind) protocol.Response {
	tc.t.Helper()

	require.NoError(tc.t, tc.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.True(tc.t, tc.scanner.Scan(), "no frame arrived: %v", tc.scanner.Err())

	resp, err := protocol.DecodeResponse(tc.scanner.Text())
	require.NoError(tc.t, err)
	require.Equal(tc.t, kind, resp.Kind, "unexpected response %s (%q)", resp.Kind, resp.Data)
	return resp
}

// register creates an account and returns its ID.
func (tc *testClient) register(name, key string) int64 {
	tc.t.Helper()

	tc.send(protocol.ReqRegister, protocol.RegisterPayload{Name: name, Key: key}.Pack())
	resp := tc.expect(protocol.RespSuccess)

	id, err := strconv.ParseInt(resp.Data, 10, 64)
	require.NoError(tc.t, err)
	return id
}

func (tc *testClient) login(id int64, key string) {
	tc.t.Helper()

	tc.send(protocol.ReqLogin, protocol.CredentialsPayload{ID: id, Key: key}.Pack())
	tc.expect(protocol.RespSuccess)
}

func TestRegisterLoginLogout(t *testing.T) {
	srv := newTestServer(t)
	tc := dialClient(t, srv)

	id := tc.register("ariel", "sekrit")
	assert.Positive(t, id)

	tc.send(protocol.ReqLogin, protocol.CredentialsPayload{ID: id, Key: "sekrit"}.Pack())
	resp := tc.expect(protocol.RespSuccess)
	assert.Equal(t, "ariel", resp.Data)

	tc.send(protocol.ReqLogout, protocol.CredentialsPayload{ID: id, Key: "sekrit"}.Pack())
	tc.expect(protocol.RespSuccess)
}

func TestLoginRejectsBadKey(t *testing.T) {
	srv := newTestServer(t)
	tc := dialClient(t, srv)

	id := tc.register("ariel", "sekrit")

	tc.send(protocol.ReqLogin, protocol.CredentialsPayload{ID: id, Key: "wrong"}.Pack())
	resp := tc.expect(protocol.RespFailure)
	assert.Equal(t, "credential mismatch", resp.Data)
}

func TestLoginRejectsSecondConnection(t *testing.T) {
	srv := newTestServer(t)
	first := dialClient(t, srv)
	second := dialClient(t, srv)

	id := first.register("ariel", "sekrit")
	first.login(id, "sekrit")

	second.send(protocol.ReqLogin, protocol.CredentialsPayload{ID: id, Key: "sekrit"}.Pack())
	resp := second.expect(protocol.RespFailure)
	assert.Equal(t, "account already connected", resp.Data)
}

func TestGuestCannotActOnRooms(t *testing.T) {
	srv := newTestServer(t)
	tc := dialClient(t, srv)

	tc.send(protocol.ReqCreateRoom, protocol.CreateRoomPayload{ID: 1, Key: "k", Name: "den"}.Pack())
	resp := tc.expect(protocol.RespFailure)
	assert.Equal(t, "not logged in", resp.Data)

	tc.send(protocol.ReqSendMessage, protocol.SendMessagePayload{ID: 1, RoomID: 1, Key: "k", Text: "hi"}.Pack())
	resp = tc.expect(protocol.RespFailure)
	assert.Equal(t, "not logged in", resp.Data)

	tc.send(protocol.ReqLogout, protocol.CredentialsPayload{ID: 1, Key: "k"}.Pack())
	resp = tc.expect(protocol.RespFailure)
	assert.Equal(t, "not logged in", resp.Data)
}

func TestCredentialsMustMatchOwnAccount(t *testing.T) {
	srv := newTestServer(t)
	alice := dialClient(t, srv)
	mallory := dialClient(t, srv)

	aliceID := alice.register("alice", "akey")
	alice.login(aliceID, "akey")

	malloryID := mallory.register("mallory", "mkey")
	mallory.login(malloryID, "mkey")

	// Mallory tries to act with Alice's ID from her own connection.
	mallory.send(protocol.ReqCreateRoom, protocol.CreateRoomPayload{ID: aliceID, Key: "akey", Name: "den"}.Pack())
	resp := mallory.expect(protocol.RespFailure)
	assert.Equal(t, "credential mismatch", resp.Data)
}

func TestRoomLifecycleWithPushes(t *testing.T) {
	srv := newTestServer(t)
	host := dialClient(t, srv)
	guest := dialClient(t, srv)

	hostID := host.register("host", "hkey")
	host.login(hostID, "hkey")
	guestID := guest.register("guest", "gkey")
	guest.login(guestID, "gkey")

	host.send(protocol.ReqCreateRoom, protocol.CreateRoomPayload{ID: hostID, Key: "hkey", Name: "den"}.Pack())
	resp := host.expect(protocol.RespSuccess)
	roomID, err := strconv.ParseInt(resp.Data, 10, 64)
	require.NoError(t, err)

	host.send(protocol.ReqAddMember, protocol.MembershipPayload{
		ID: hostID, RoomID: roomID, TargetID: guestID, Key: "hkey",
	}.Pack())
	host.expect(protocol.RespSuccess)

	join := guest.expect(protocol.RespJoinRoom)
	event, err := protocol.ParseRoomEvent(protocol.RespJoinRoom, join.Data)
	require.NoError(t, err)
	assert.Equal(t, roomID, event.RoomID)
	assert.Equal(t, "den", event.Name)

	host.send(protocol.ReqSendMessage, protocol.SendMessagePayload{
		ID: hostID, RoomID: roomID, Key: "hkey", Text: "hello there",
	}.Pack())
	host.expect(protocol.RespSuccess)

	in := guest.expect(protocol.RespMessageIn)
	msg, err := protocol.ParseMessageIn(in.Data)
	require.NoError(t, err)
	assert.Equal(t, roomID, msg.RoomID)
	assert.Equal(t, hostID, msg.SenderID)
	assert.Equal(t, "hello there", msg.Text)

	host.send(protocol.ReqRemoveMember, protocol.MembershipPayload{
		ID: hostID, RoomID: roomID, TargetID: guestID, Key: "hkey",
	}.Pack())
	// The sender got Success right after SendMessage and Success again here;
	// a stray MessageIn echo to the sender would have shown up in between.
	host.expect(protocol.RespSuccess)

	left := guest.expect(protocol.RespLeaveRoom)
	event, err = protocol.ParseRoomEvent(protocol.RespLeaveRoom, left.Data)
	require.NoError(t, err)
	assert.Equal(t, roomID, event.RoomID)
}

func TestAddMemberAuthorization(t *testing.T) {
	srv := newTestServer(t)
	host := dialClient(t, srv)
	other := dialClient(t, srv)

	hostID := host.register("host", "hkey")
	host.login(hostID, "hkey")
	otherID := other.register("other", "okey")
	other.login(otherID, "okey")

	host.send(protocol.ReqCreateRoom, protocol.CreateRoomPayload{ID: hostID, Key: "hkey", Name: "den"}.Pack())
	resp := host.expect(protocol.RespSuccess)
	roomID, err := strconv.ParseInt(resp.Data, 10, 64)
	require.NoError(t, err)

	// Only the host may add members.
	other.send(protocol.ReqAddMember, protocol.MembershipPayload{
		ID: otherID, RoomID: roomID, TargetID: otherID, Key: "okey",
	}.Pack())
	resp = other.expect(protocol.RespFailure)
	assert.Equal(t, "not the room host", resp.Data)

	// Unknown room.
	host.send(protocol.ReqAddMember, protocol.MembershipPayload{
		ID: hostID, RoomID: roomID + 99, TargetID: otherID, Key: "hkey",
	}.Pack())
	resp = host.expect(protocol.RespFailure)
	assert.Equal(t, "room not found", resp.Data)

	// Unknown target account.
	host.send(protocol.ReqAddMember, protocol.MembershipPayload{
		ID: hostID, RoomID: roomID, TargetID: otherID + 99, Key: "hkey",
	}.Pack())
	resp = host.expect(protocol.RespFailure)
	assert.Equal(t, "target account not found", resp.Data)

	// Adding the same member twice fails without pushing a second event.
	host.send(protocol.ReqAddMember, protocol.MembershipPayload{
		ID: hostID, RoomID: roomID, TargetID: otherID, Key: "hkey",
	}.Pack())
	host.expect(protocol.RespSuccess)
	other.expect(protocol.RespJoinRoom)

	host.send(protocol.ReqAddMember, protocol.MembershipPayload{
		ID: hostID, RoomID: roomID, TargetID: otherID, Key: "hkey",
	}.Pack())
	resp = host.expect(protocol.RespFailure)
	assert.Equal(t, "already a member", resp.Data)
}

func TestMemberMayRemoveOnlyThemselves(t *testing.T) {
	srv := newTestServer(t)
	host := dialClient(t, srv)
	member := dialClient(t, srv)
	bystander := dialClient(t, srv)

	hostID := host.register("host", "hkey")
	host.login(hostID, "hkey")
	memberID := member.register("member", "mkey")
	member.login(memberID, "mkey")
	bystanderID := bystander.register("bystander", "bkey")
	bystander.login(bystanderID, "bkey")

	host.send(protocol.ReqCreateRoom, protocol.CreateRoomPayload{ID: hostID, Key: "hkey", Name: "den"}.Pack())
	resp := host.expect(protocol.RespSuccess)
	roomID, err := strconv.ParseInt(resp.Data, 10, 64)
	require.NoError(t, err)

	for _, target := range []int64{memberID, bystanderID} {
		host.send(protocol.ReqAddMember, protocol.MembershipPayload{
			ID: hostID, RoomID: roomID, TargetID: target, Key: "hkey",
		}.Pack())
		host.expect(protocol.RespSuccess)
	}
	member.expect(protocol.RespJoinRoom)
	bystander.expect(protocol.RespJoinRoom)

	// A plain member cannot remove another member.
	member.send(protocol.ReqRemoveMember, protocol.MembershipPayload{
		ID: memberID, RoomID: roomID, TargetID: bystanderID, Key: "mkey",
	}.Pack())
	resp = member.expect(protocol.RespFailure)
	assert.Equal(t, "not authorized", resp.Data)

	// But they may leave on their own.
	member.send(protocol.ReqRemoveMember, protocol.MembershipPayload{
		ID: memberID, RoomID: roomID, TargetID: memberID, Key: "mkey",
	}.Pack())
	member.expect(protocol.RespSuccess)
	member.expect(protocol.RespLeaveRoom)
}

func TestSendMessageRequiresMembership(t *testing.T) {
	srv := newTestServer(t)
	host := dialClient(t, srv)
	outsider := dialClient(t, srv)

	hostID := host.register("host", "hkey")
	host.login(hostID, "hkey")
	outsiderID := outsider.register("outsider", "okey")
	outsider.login(outsiderID, "okey")

	host.send(protocol.ReqCreateRoom, protocol.CreateRoomPayload{ID: hostID, Key: "hkey", Name: "den"}.Pack())
	resp := host.expect(protocol.RespSuccess)
	roomID, err := strconv.ParseInt(resp.Data, 10, 64)
	require.NoError(t, err)

	outsider.send(protocol.ReqSendMessage, protocol.SendMessagePayload{
		ID: outsiderID, RoomID: roomID, Key: "okey", Text: "let me in",
	}.Pack())
	resp = outsider.expect(protocol.RespFailure)
	assert.Equal(t, "not a member of the room", resp.Data)
}

func TestTerminateFlushesFarewell(t *testing.T) {
	srv := newTestServer(t)
	tc := dialClient(t, srv)

	tc.send(protocol.ReqTerminate, "")
	resp := tc.expect(protocol.RespSuccess)
	assert.Equal(t, "goodbye", resp.Data)

	// After the farewell the server closes the socket.
	require.NoError(t, tc.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	assert.False(t, tc.scanner.Scan())
}

func TestDisconnectDetachesAccount(t *testing.T) {
	srv := newTestServer(t)
	first := dialClient(t, srv)

	id := first.register("ariel", "sekrit")
	first.login(id, "sekrit")

	require.NoError(t, first.conn.Close())

	// Once the server notices the drop, the account can log in again.
	second := dialClient(t, srv)
	deadline := time.Now().Add(2 * time.Second)
	for {
		second.send(protocol.ReqLogin, protocol.CredentialsPayload{ID: id, Key: "sekrit"}.Pack())
		require.NoError(t, second.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		require.True(t, second.scanner.Scan(), "no frame arrived: %v", second.scanner.Err())

		resp, err := protocol.DecodeResponse(second.scanner.Text())
		require.NoError(t, err)
		if resp.Kind == protocol.RespSuccess {
			break
		}
		require.Equal(t, "account already connected", resp.Data)
		if time.Now().After(deadline) {
			t.Fatal("account never detached after disconnect")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestMalformedFramesAreIgnored(t *testing.T) {
	srv := newTestServer(t)
	tc := dialClient(t, srv)

	// Garbage, then an out-of-range kind, then a valid request. Only the
	// valid one produces a reply.
	_, err := tc.conn.Write([]byte("noise [ 99 0 ( junk ) ]"))
	require.NoError(t, err)

	id := tc.register("ariel", "sekrit")
	assert.Positive(t, id)
}

func TestShutdownClosesConnections(t *testing.T) {
	cfg := NewConfig()
	cfg.Port = ":0"
	srv := New(cfg)
	require.NoError(t, srv.Start())

	tc := dialClient(t, srv)
	tc.register("ariel", "sekrit")

	require.NoError(t, srv.Shutdown(2*time.Second))

	require.NoError(t, tc.conn.SetReadDeadline(time.Now().Add(time.Second)))
	assert.False(t, tc.scanner.Scan())
}
