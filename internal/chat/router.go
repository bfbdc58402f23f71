package chat

import (
	"strings"

	"go.uber.org/zap"

	"github.com/chatterbox-im/chatterbox/internal/metrics"
	"github.com/chatterbox-im/chatterbox/internal/models"
	"github.com/chatterbox-im/chatterbox/internal/presence"
	"github.com/chatterbox-im/chatterbox/internal/protocol"
	"github.com/chatterbox-im/chatterbox/internal/store"
)

// Router resolves a message's audience and pushes events to the members
// that are online. Offline members get nothing; the persisted message is
// their fallback on next login.
type Router struct {
	store    store.Store
	presence *presence.Table
	log      *zap.Logger
	metrics  *metrics.Metrics
}

// NewRouter wires the router against the presence table and the store.
func NewRouter(st store.Store, table *presence.Table, log *zap.Logger, m *metrics.Metrics) *Router {
	return &Router{store: st, presence: table, log: log, metrics: m}
}

// SendToUser delivers an event to a user's live connection if they are
// online. Reports whether the event was queued.
func (r *Router) SendToUser(identity string, ev protocol.Event) bool {
	conn, ok := r.presence.Lookup(identity)
	if !ok {
		return false
	}
	if !conn.Send(ev) {
		return false
	}
	r.metrics.EventsSent.Inc()
	return true
}

// BroadcastPresence announces that name went online or offline. The
// broadcast is scoped to the users whose contact list names the subject;
// nobody else renders that status.
func (r *Router) BroadcastPresence(name string, online bool) {
	event := protocol.EvUserOffline
	if online {
		event = protocol.EvUserOnline
	}
	ev := protocol.Push(event, protocol.PresenceData{Name: name})

	subject := models.Key(name)
	for _, entry := range r.presence.Snapshot() {
		if entry.Identity == subject {
			continue
		}
		peer, err := r.store.GetUser(entry.Identity)
		if err != nil {
			continue
		}
		if peer.HasContact(name) {
			if entry.Conn.Send(ev) {
				r.metrics.EventsSent.Inc()
			}
		}
	}
}

// DeliverDirect pushes a direct message to the recipient. If the sender is
// not yet in the recipient's contact list they are added as a side effect
// of delivery, so the recipient's client has a chat to render the message
// in. The edge is one-directional on purpose: the recipient learns about
// an uninvited sender, the sender gains nothing.
func (r *Router) DeliverDirect(sender *models.User, recipientName, chatID string, msg models.Message) {
	recipientKey := models.Key(recipientName)

	// A message to yourself is fully covered by the sender's echo; a second
	// delivery (or a self contact entry) would be wrong.
	if recipientKey == models.Key(sender.Name) {
		return
	}

	added := false
	err := r.store.UpdateUser(recipientKey, func(u *models.User) error {
		if !u.HasContact(sender.Name) {
			u.Contacts = append(u.Contacts, sender.Name)
			added = true
		}
		return nil
	})
	if err != nil {
		r.log.Warn("auto-contact update failed",
			zap.String("recipient", recipientKey), zap.Error(err))
	}

	if added {
		r.SendToUser(recipientKey, protocol.Push(protocol.EvContactAdded, protocol.Contact{
			Name:   sender.Name,
			Online: true,
			Avatar: sender.Avatar,
		}))
	}

	r.SendToUser(recipientKey, protocol.Push(protocol.EvNewMessage, protocol.NewMessageData{
		ChatID:  chatID,
		Message: msg.ViewedBy(recipientName),
	}))
}

// DeliverGroup pushes a group message to every online member, the sender
// included; the per-member sent flag lets clients render "sent by me".
func (r *Router) DeliverGroup(group *models.Group, chatID string, msg models.Message) {
	for _, member := range group.Members {
		r.SendToUser(models.Key(member), protocol.Push(protocol.EvNewMessage, protocol.NewMessageData{
			ChatID:  chatID,
			Message: msg.ViewedBy(member),
		}))
	}
}

// NotifyGroup sends an event to every online member of the group, skipping
// any identity listed in except.
func (r *Router) NotifyGroup(group *models.Group, ev protocol.Event, except ...string) {
	for _, member := range group.Members {
		key := models.Key(member)
		if containsKey(except, key) {
			continue
		}
		r.SendToUser(key, ev)
	}
}

// RelayTyping forwards a typing notice to the chat's audience, excluding
// the typist. Typing is fire-and-forget: failures are silent.
func (r *Router) RelayTyping(typist string, p protocol.TypingPayload, isTyping bool) {
	data := protocol.TypingData{User: typist, IsTyping: isTyping}

	switch p.ChatType {
	case protocol.ChatTypeContact:
		data.ChatID = DirectChatID(typist, p.Recipient)
		r.SendToUser(models.Key(p.Recipient), protocol.Push(protocol.EvUserTyping, data))
	case protocol.ChatTypeGroup:
		group, err := r.store.GetGroup(p.Recipient)
		if err != nil {
			return
		}
		data.ChatID = GroupChatID(group.ID)
		r.NotifyGroup(group, protocol.Push(protocol.EvUserTyping, data), models.Key(typist))
	}
}

func containsKey(keys []string, key string) bool {
	for _, k := range keys {
		if strings.EqualFold(k, key) {
			return true
		}
	}
	return false
}
