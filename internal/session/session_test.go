package session_test

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/chatterbox-im/chatterbox/internal/chat"
	"github.com/chatterbox-im/chatterbox/internal/groups"
	"github.com/chatterbox-im/chatterbox/internal/identity"
	"github.com/chatterbox-im/chatterbox/internal/images"
	"github.com/chatterbox-im/chatterbox/internal/messages"
	"github.com/chatterbox-im/chatterbox/internal/metrics"
	"github.com/chatterbox-im/chatterbox/internal/models"
	"github.com/chatterbox-im/chatterbox/internal/presence"
	"github.com/chatterbox-im/chatterbox/internal/protocol"
	"github.com/chatterbox-im/chatterbox/internal/session"
	"github.com/chatterbox-im/chatterbox/internal/store/badgerstore"
)

type fakeConn struct {
	mu     sync.Mutex
	events []protocol.Event
	closed bool
}

func (c *fakeConn) Send(ev protocol.Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.events = append(c.events, ev)
	return true
}

func (c *fakeConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) named(event string) []protocol.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []protocol.Event
	for _, ev := range c.events {
		if ev.Event == event {
			out = append(out, ev)
		}
	}
	return out
}

// last returns the most recent event with the given name.
func (c *fakeConn) last(t *testing.T, event string) protocol.Event {
	t.Helper()
	evs := c.named(event)
	require.NotEmpty(t, evs, "no %q event received", event)
	return evs[len(evs)-1]
}

type harness struct {
	deps session.Deps
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	log := zap.NewNop()
	st, err := badgerstore.Open("", log)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	table := presence.NewTable()
	m := metrics.New(prometheus.NewRegistry())
	router := chat.NewRouter(st, table, log, m)
	imgs := images.NewValidator(5<<20, nil)

	return &harness{deps: session.Deps{
		Store:    st,
		Table:    table,
		Router:   router,
		Identity: identity.NewService(st, router, table, imgs, log),
		Groups:   groups.NewService(st, router, imgs, log),
		Messages: messages.NewService(st, table, imgs, 2000, log),
		Metrics:  m,
		Log:      log,
	}}
}

type client struct {
	t    *testing.T
	sess *session.Session
	conn *fakeConn
	seq  int64
}

func (h *harness) connect(t *testing.T) *client {
	conn := &fakeConn{}
	return &client{t: t, sess: session.New(conn, h.deps), conn: conn}
}

// send delivers one op frame and returns the matching response event.
func (c *client) send(op string, data any) protocol.Event {
	c.t.Helper()
	c.seq++
	raw, err := json.Marshal(data)
	require.NoError(c.t, err)
	frame, err := json.Marshal(protocol.Request{Op: op, Seq: c.seq, Data: raw})
	require.NoError(c.t, err)
	c.sess.HandleFrame(frame)

	for _, ev := range c.conn.named(op) {
		if ev.Seq == c.seq {
			return ev
		}
	}
	c.t.Fatalf("no response for op %q seq %d", op, c.seq)
	return protocol.Event{}
}

// fire delivers a frame for an op with no direct response.
func (c *client) fire(op string, data any) {
	c.t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(c.t, err)
	frame, err := json.Marshal(protocol.Request{Op: op, Data: raw})
	require.NoError(c.t, err)
	c.sess.HandleFrame(frame)
}

func (c *client) register(name, password string) {
	c.t.Helper()
	ev := c.send(protocol.OpRegister, protocol.RegisterPayload{Name: name, Password: password})
	res := ev.Data.(protocol.AuthResult)
	require.True(c.t, res.Success, res.Error)
}

func (c *client) login(name, password string) protocol.AuthResult {
	c.t.Helper()
	return c.send(protocol.OpLogin, protocol.LoginPayload{Name: name, Password: password}).Data.(protocol.AuthResult)
}

func TestAnonymousSessionRejectsOps(t *testing.T) {
	h := newHarness(t)
	c := h.connect(t)

	ev := c.send(protocol.OpGetUserData, struct{}{})
	res := ev.Data.(protocol.Ack)
	assert.Equal(t, "Not logged in", res.Error)
	assert.Equal(t, c.seq, ev.Seq)
}

func TestMalformedFramePushesError(t *testing.T) {
	h := newHarness(t)
	c := h.connect(t)

	c.sess.HandleFrame([]byte("{not json"))
	errs := c.conn.named(protocol.EvError)
	require.Len(t, errs, 1)
	assert.Equal(t, "Invalid request", errs[0].Data.(protocol.ErrorData).Message)
}

func TestRegisterBindsSession(t *testing.T) {
	h := newHarness(t)
	c := h.connect(t)
	c.register("Alice", "secret")

	assert.True(t, h.deps.Table.IsOnline("alice"))

	ev := c.send(protocol.OpGetUserData, struct{}{})
	data := ev.Data.(protocol.UserData)
	assert.Empty(t, data.Contacts)
	assert.Empty(t, data.Groups)
}

func TestLoginEvictsPriorSession(t *testing.T) {
	h := newHarness(t)
	first := h.connect(t)
	first.register("Alice", "secret")

	second := h.connect(t)
	res := second.login("Alice", "secret")
	require.True(t, res.Success)

	replaced := first.conn.named(protocol.EvSessionReplaced)
	require.Len(t, replaced, 1)
	assert.True(t, first.conn.isClosed())

	// The evicted session's disconnect must not knock the new one offline.
	first.sess.HandleClose()
	assert.True(t, h.deps.Table.IsOnline("alice"))
}

func TestPresenceBroadcastOnLoginAndDisconnect(t *testing.T) {
	h := newHarness(t)

	alice := h.connect(t)
	alice.register("Alice", "secret")
	bob := h.connect(t)
	bob.register("Bob", "secret")

	// Make them mutual contacts.
	require.True(t, alice.send(protocol.OpAddContact, protocol.AddContactPayload{ContactName: "Bob"}).Data.(protocol.AddContactResult).Success)
	require.True(t, bob.send(protocol.OpAcceptInvite, protocol.InvitePayload{FromName: "Alice"}).Data.(protocol.AddContactResult).Success)

	// Bob reconnects: Alice sees him go offline and online again.
	bob.sess.HandleClose()
	off := alice.conn.last(t, protocol.EvUserOffline)
	assert.Equal(t, "Bob", off.Data.(protocol.PresenceData).Name)

	bob2 := h.connect(t)
	require.True(t, bob2.login("bob", "secret").Success)
	on := alice.conn.last(t, protocol.EvUserOnline)
	assert.Equal(t, "Bob", on.Data.(protocol.PresenceData).Name)
}

func TestDirectMessageEchoAndDelivery(t *testing.T) {
	h := newHarness(t)
	alice := h.connect(t)
	alice.register("Alice", "secret")
	bob := h.connect(t)
	bob.register("Bob", "secret")

	alice.fire(protocol.OpSendMessage, protocol.SendMessagePayload{
		ChatType:  protocol.ChatTypeContact,
		Recipient: "Bob",
		Message:   protocol.MessagePayload{Text: "hi"},
	})

	echo := alice.conn.last(t, protocol.EvNewMessage).Data.(protocol.NewMessageData)
	assert.Equal(t, "dm_alice_bob", echo.ChatID)
	assert.True(t, echo.Message.Sent)

	recv := bob.conn.last(t, protocol.EvNewMessage).Data.(protocol.NewMessageData)
	assert.Equal(t, "dm_alice_bob", recv.ChatID)
	assert.Equal(t, "hi", recv.Message.Text)
	assert.Equal(t, "Alice", recv.Message.Sender)
	assert.False(t, recv.Message.Sent)
}

func TestOfflineMessageAppearsInSnapshot(t *testing.T) {
	h := newHarness(t)

	alice := h.connect(t)
	alice.register("Alice", "secret1")
	bob := h.connect(t)
	bob.register("Bob", "secret2")
	bob.sess.HandleClose()

	alice.fire(protocol.OpSendMessage, protocol.SendMessagePayload{
		ChatType:  protocol.ChatTypeContact,
		Recipient: "Bob",
		Message:   protocol.MessagePayload{Text: "hi"},
	})

	bob2 := h.connect(t)
	require.True(t, bob2.login("Bob", "secret2").Success)
	data := bob2.send(protocol.OpGetUserData, struct{}{}).Data.(protocol.UserData)

	require.Contains(t, data.Messages, "dm_alice_bob")
	require.Len(t, data.Messages["dm_alice_bob"], 1)
	assert.Equal(t, "hi", data.Messages["dm_alice_bob"][0].Text)
	assert.Equal(t, "Alice", data.Messages["dm_alice_bob"][0].Sender)

	// Auto-contact: Bob gained Alice as a contact through the message.
	require.Len(t, data.Contacts, 1)
	assert.Equal(t, "Alice", data.Contacts[0].Name)
}

func TestSelfMessageDeliveredOnce(t *testing.T) {
	h := newHarness(t)
	alice := h.connect(t)
	alice.register("Alice", "secret")

	alice.fire(protocol.OpSendMessage, protocol.SendMessagePayload{
		ChatType:  protocol.ChatTypeContact,
		Recipient: "Alice",
		Message:   protocol.MessagePayload{Text: "note to self"},
	})

	// Exactly one push: the sender's echo. Routing the same message back to
	// the sender as recipient would double it.
	pushes := alice.conn.named(protocol.EvNewMessage)
	require.Len(t, pushes, 1)
	echo := pushes[0].Data.(protocol.NewMessageData)
	assert.Equal(t, "dm_alice_alice", echo.ChatID)
	assert.True(t, echo.Message.Sent)

	// And no self contact entry as a side effect; the message persisted once.
	data := alice.send(protocol.OpGetUserData, struct{}{}).Data.(protocol.UserData)
	assert.Empty(t, data.Contacts)
	stored, err := h.deps.Store.ChatMessages("dm_alice_alice")
	require.NoError(t, err)
	require.Len(t, stored, 1)
}

func TestGroupLifecycle(t *testing.T) {
	h := newHarness(t)
	alice := h.connect(t)
	alice.register("Alice", "secret")
	bob := h.connect(t)
	bob.register("Bob", "secret")

	res := alice.send(protocol.OpCreateGroup, protocol.CreateGroupPayload{
		Name:    "Team",
		Members: []string{"Bob"},
	}).Data.(protocol.GroupResult)
	require.True(t, res.Success, res.Error)
	groupID := res.Group.ID

	created := bob.conn.last(t, protocol.EvGroupCreated).Data.(protocol.GroupData)
	assert.Equal(t, groupID, created.Group.ID)

	// Group message fans out to both members with per-member sent flags.
	bob.fire(protocol.OpSendMessage, protocol.SendMessagePayload{
		ChatType:  protocol.ChatTypeGroup,
		Recipient: groupID,
		Message:   protocol.MessagePayload{Text: "yo"},
	})
	assert.True(t, bob.conn.last(t, protocol.EvNewMessage).Data.(protocol.NewMessageData).Message.Sent)
	assert.False(t, alice.conn.last(t, protocol.EvNewMessage).Data.(protocol.NewMessageData).Message.Sent)

	// Non-manager delete fails with an error push and no effect.
	bob.fire(protocol.OpDeleteGroup, protocol.GroupPayload{GroupID: groupID})
	errPush := bob.conn.last(t, protocol.EvError)
	assert.Equal(t, "Only the group manager can do that", errPush.Data.(protocol.ErrorData).Message)

	data := bob.send(protocol.OpGetUserData, struct{}{}).Data.(protocol.UserData)
	require.Len(t, data.Groups, 1)

	// Manager delete succeeds and both members hear about it.
	alice.fire(protocol.OpDeleteGroup, protocol.GroupPayload{GroupID: groupID})
	assert.Equal(t, groupID, alice.conn.last(t, protocol.EvGroupDeleted).Data.(protocol.GroupDeletedData).GroupID)
	assert.Equal(t, groupID, bob.conn.last(t, protocol.EvGroupDeleted).Data.(protocol.GroupDeletedData).GroupID)
}

func TestTypingRelay(t *testing.T) {
	h := newHarness(t)
	alice := h.connect(t)
	alice.register("Alice", "secret")
	bob := h.connect(t)
	bob.register("Bob", "secret")

	alice.fire(protocol.OpStartTyping, protocol.TypingPayload{
		ChatType:  protocol.ChatTypeContact,
		Recipient: "Bob",
	})
	typing := bob.conn.last(t, protocol.EvUserTyping).Data.(protocol.TypingData)
	assert.Equal(t, "Alice", typing.User)
	assert.True(t, typing.IsTyping)
	assert.Equal(t, "dm_alice_bob", typing.ChatID)

	alice.fire(protocol.OpStopTyping, protocol.TypingPayload{
		ChatType:  protocol.ChatTypeContact,
		Recipient: "Bob",
	})
	typing = bob.conn.last(t, protocol.EvUserTyping).Data.(protocol.TypingData)
	assert.False(t, typing.IsTyping)
}

func TestRenameRebindsSessionAndPresence(t *testing.T) {
	h := newHarness(t)
	alice := h.connect(t)
	alice.register("Alice", "secret")

	newName := "Alicia"
	res := alice.send(protocol.OpUpdateProfile, protocol.UpdateProfilePayload{NewUsername: &newName}).Data.(protocol.ProfileResult)
	require.True(t, res.Success, res.Error)
	require.True(t, res.NameChanged)

	assert.False(t, h.deps.Table.IsOnline("alice"))
	assert.True(t, h.deps.Table.IsOnline("alicia"))

	// The session keeps working under the new identity.
	data := alice.send(protocol.OpGetUserData, struct{}{}).Data.(protocol.UserData)
	assert.NotNil(t, data.Contacts)

	bobConnSetup(t, h)
	alice.fire(protocol.OpSendMessage, protocol.SendMessagePayload{
		ChatType:  protocol.ChatTypeContact,
		Recipient: "Bob",
		Message:   protocol.MessagePayload{Text: "hi"},
	})
	echo := alice.conn.last(t, protocol.EvNewMessage).Data.(protocol.NewMessageData)
	assert.Equal(t, "dm_alicia_bob", echo.ChatID)
	assert.Equal(t, "Alicia", echo.Message.Sender)
}

func TestSendMessageValidation(t *testing.T) {
	h := newHarness(t)
	alice := h.connect(t)
	alice.register("Alice", "secret")

	alice.fire(protocol.OpSendMessage, protocol.SendMessagePayload{
		ChatType:  protocol.ChatTypeContact,
		Recipient: "ghost",
		Message:   protocol.MessagePayload{Text: "hi"},
	})
	assert.Equal(t, "User not found", alice.conn.last(t, protocol.EvError).Data.(protocol.ErrorData).Message)

	bobConnSetup(t, h)
	alice.fire(protocol.OpSendMessage, protocol.SendMessagePayload{
		ChatType:  protocol.ChatTypeContact,
		Recipient: "Bob",
		Message:   protocol.MessagePayload{Text: "   "},
	})
	assert.Equal(t, "Message is empty", alice.conn.last(t, protocol.EvError).Data.(protocol.ErrorData).Message)
}

func bobConnSetup(t *testing.T, h *harness) {
	t.Helper()
	require.NoError(t, h.deps.Store.CreateUser(&models.User{Name: "Bob", Contacts: []string{}}))
}

func TestManyOpsKeepSeqPairing(t *testing.T) {
	h := newHarness(t)
	c := h.connect(t)
	c.register("Alice", "secret")

	for i := 0; i < 5; i++ {
		name := fmt.Sprintf("Group %d", i)
		res := c.send(protocol.OpCreateGroup, protocol.CreateGroupPayload{Name: name}).Data.(protocol.GroupResult)
		require.True(t, res.Success)
		assert.Equal(t, name, res.Group.Name)
	}
}
