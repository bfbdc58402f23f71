package chat_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/chatterbox-im/chatterbox/internal/chat"
	"github.com/chatterbox-im/chatterbox/internal/metrics"
	"github.com/chatterbox-im/chatterbox/internal/models"
	"github.com/chatterbox-im/chatterbox/internal/presence"
	"github.com/chatterbox-im/chatterbox/internal/protocol"
	"github.com/chatterbox-im/chatterbox/internal/store/badgerstore"
)

type fakeConn struct {
	events []protocol.Event
}

func (c *fakeConn) Send(ev protocol.Event) bool {
	c.events = append(c.events, ev)
	return true
}

func (c *fakeConn) Close() {}

func (c *fakeConn) named(event string) []protocol.Event {
	var out []protocol.Event
	for _, ev := range c.events {
		if ev.Event == event {
			out = append(out, ev)
		}
	}
	return out
}

func newTestRouter(t *testing.T) (*chat.Router, *badgerstore.BadgerStore, *presence.Table) {
	t.Helper()
	st, err := badgerstore.Open("", zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	table := presence.NewTable()
	r := chat.NewRouter(st, table, zaptest.NewLogger(t), metrics.New(prometheus.NewRegistry()))
	return r, st, table
}

func TestBroadcastPresenceScopedToContacts(t *testing.T) {
	r, st, table := newTestRouter(t)

	require.NoError(t, st.CreateUser(&models.User{Name: "Alice"}))
	require.NoError(t, st.CreateUser(&models.User{Name: "Bob", Contacts: []string{"Alice"}}))
	require.NoError(t, st.CreateUser(&models.User{Name: "Carol"}))

	bob, carol := &fakeConn{}, &fakeConn{}
	table.SetOnline("bob", bob)
	table.SetOnline("carol", carol)

	r.BroadcastPresence("Alice", true)

	require.Len(t, bob.named(protocol.EvUserOnline), 1, "Bob lists Alice and must hear")
	require.Empty(t, carol.events, "Carol does not list Alice and must not hear")

	r.BroadcastPresence("Alice", false)
	require.Len(t, bob.named(protocol.EvUserOffline), 1)
}

func TestDeliverDirectAutoContact(t *testing.T) {
	r, st, table := newTestRouter(t)

	require.NoError(t, st.CreateUser(&models.User{Name: "Alice", Avatar: "a.png"}))
	require.NoError(t, st.CreateUser(&models.User{Name: "Bob"}))

	bob := &fakeConn{}
	table.SetOnline("bob", bob)

	alice, err := st.GetUser("alice")
	require.NoError(t, err)

	chatID := chat.DirectChatID("Alice", "Bob")
	msg := models.Message{Sender: "Alice", Text: "hi"}
	r.DeliverDirect(alice, "Bob", chatID, msg)

	// Bob gained Alice as a contact and was told about it.
	stored, err := st.GetUser("bob")
	require.NoError(t, err)
	require.True(t, stored.HasContact("Alice"))

	added := bob.named(protocol.EvContactAdded)
	require.Len(t, added, 1)
	require.Equal(t, "Alice", added[0].Data.(protocol.Contact).Name)

	// Alice gained nothing: the auto-contact edge is one-directional.
	aliceStored, err := st.GetUser("alice")
	require.NoError(t, err)
	require.False(t, aliceStored.HasContact("Bob"))

	delivered := bob.named(protocol.EvNewMessage)
	require.Len(t, delivered, 1)
	data := delivered[0].Data.(protocol.NewMessageData)
	require.Equal(t, chatID, data.ChatID)
	require.Equal(t, "hi", data.Message.Text)
	require.False(t, data.Message.Sent)

	// Second delivery must not re-add or re-announce the contact.
	r.DeliverDirect(alice, "Bob", chatID, msg)
	require.Len(t, bob.named(protocol.EvContactAdded), 1)
}

func TestDeliverDirectOfflineRecipient(t *testing.T) {
	r, st, _ := newTestRouter(t)

	require.NoError(t, st.CreateUser(&models.User{Name: "Alice"}))
	require.NoError(t, st.CreateUser(&models.User{Name: "Bob"}))

	alice, err := st.GetUser("alice")
	require.NoError(t, err)

	// No panic, no delivery; the contact side effect still applies.
	r.DeliverDirect(alice, "Bob", chat.DirectChatID("Alice", "Bob"), models.Message{Sender: "Alice", Text: "hi"})

	bob, err := st.GetUser("bob")
	require.NoError(t, err)
	require.True(t, bob.HasContact("Alice"))
}

func TestDeliverDirectToSelfIsNoOp(t *testing.T) {
	r, st, table := newTestRouter(t)

	require.NoError(t, st.CreateUser(&models.User{Name: "Alice"}))

	conn := &fakeConn{}
	table.SetOnline("alice", conn)

	alice, err := st.GetUser("alice")
	require.NoError(t, err)

	// The sender's echo is issued by the caller; the router must not push a
	// second copy or create a self contact entry.
	r.DeliverDirect(alice, "Alice", chat.DirectChatID("Alice", "Alice"), models.Message{Sender: "Alice", Text: "note"})

	require.Empty(t, conn.events)
	stored, err := st.GetUser("alice")
	require.NoError(t, err)
	require.False(t, stored.HasContact("Alice"))
}

func TestDeliverGroupSentFlags(t *testing.T) {
	r, st, table := newTestRouter(t)

	group := &models.Group{ID: "g1", Name: "Team", Creator: "Alice", Members: []string{"Alice", "Bob", "Carol"}}
	require.NoError(t, st.CreateGroup(group))

	alice, bob := &fakeConn{}, &fakeConn{}
	table.SetOnline("alice", alice)
	table.SetOnline("bob", bob)
	// Carol stays offline.

	chatID := chat.GroupChatID("g1")
	r.DeliverGroup(group, chatID, models.Message{Sender: "Alice", Text: "team hi"})

	fromAlice := alice.named(protocol.EvNewMessage)
	require.Len(t, fromAlice, 1)
	require.True(t, fromAlice[0].Data.(protocol.NewMessageData).Message.Sent)

	fromBob := bob.named(protocol.EvNewMessage)
	require.Len(t, fromBob, 1)
	require.False(t, fromBob[0].Data.(protocol.NewMessageData).Message.Sent)
}

func TestRelayTyping(t *testing.T) {
	r, st, table := newTestRouter(t)

	require.NoError(t, st.CreateUser(&models.User{Name: "Alice"}))
	require.NoError(t, st.CreateUser(&models.User{Name: "Bob"}))
	group := &models.Group{ID: "g1", Name: "Team", Creator: "Alice", Members: []string{"Alice", "Bob"}}
	require.NoError(t, st.CreateGroup(group))

	bob := &fakeConn{}
	table.SetOnline("bob", bob)
	alice := &fakeConn{}
	table.SetOnline("alice", alice)

	r.RelayTyping("Alice", protocol.TypingPayload{ChatType: protocol.ChatTypeContact, Recipient: "Bob"}, true)

	typing := bob.named(protocol.EvUserTyping)
	require.Len(t, typing, 1)
	data := typing[0].Data.(protocol.TypingData)
	require.Equal(t, "Alice", data.User)
	require.True(t, data.IsTyping)
	require.Equal(t, chat.DirectChatID("Alice", "Bob"), data.ChatID)

	// Group typing reaches members but never echoes to the typist.
	r.RelayTyping("Alice", protocol.TypingPayload{ChatType: protocol.ChatTypeGroup, Recipient: "g1"}, false)
	require.Len(t, bob.named(protocol.EvUserTyping), 2)
	require.Empty(t, alice.named(protocol.EvUserTyping))
}
