// Package messages persists chat messages and assembles the bulk sync
// snapshot a client receives after authenticating.
package messages

import (
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/chatterbox-im/chatterbox/internal/chat"
	"github.com/chatterbox-im/chatterbox/internal/images"
	"github.com/chatterbox-im/chatterbox/internal/models"
	"github.com/chatterbox-im/chatterbox/internal/presence"
	"github.com/chatterbox-im/chatterbox/internal/protocol"
	"github.com/chatterbox-im/chatterbox/internal/store"
)

const (
	msgEmpty         = "Message is empty"
	msgImageTooLarge = "Image too large"
	msgInvalidImage  = "Invalid image"
	msgStoreFault    = "Something went wrong, please try again"
)

const timeLayout = "15:04"

// Service validates and stores messages.
type Service struct {
	store   store.Store
	table   *presence.Table
	images  *images.Validator
	maxText int
	log     *zap.Logger
}

// NewService wires the message service. maxText is the text cap in runes;
// longer texts are truncated, not rejected.
func NewService(st store.Store, table *presence.Table, imgs *images.Validator, maxText int, log *zap.Logger) *Service {
	return &Service{store: st, table: table, images: imgs, maxText: maxText, log: log}
}

// Append validates and persists a message, returning the stored form for
// echo and fan-out. A failing image validation rejects the whole message:
// the text is not stored either. The returned string is a user-visible
// error, empty on success.
func (s *Service) Append(chatID, sender string, p protocol.MessagePayload) (models.Message, string) {
	text := p.Text
	if utf8.RuneCountInString(text) > s.maxText {
		runes := []rune(text)
		text = string(runes[:s.maxText])
	}
	if strings.TrimSpace(text) == "" && p.Image == "" {
		return models.Message{}, msgEmpty
	}
	if p.Image != "" {
		switch err := s.images.Validate(p.Image); {
		case errors.Is(err, images.ErrTooLarge):
			return models.Message{}, msgImageTooLarge
		case err != nil:
			return models.Message{}, msgInvalidImage
		}
	}

	now := time.Now()
	display := p.Time
	if display == "" {
		display = now.Format(timeLayout)
	}
	msg := models.Message{
		Sender:    sender,
		Text:      text,
		Image:     p.Image,
		Time:      display,
		Timestamp: now.UnixMilli(),
	}
	if err := s.store.AppendMessage(chatID, &msg); err != nil {
		s.log.Error("append message", zap.String("chat", chatID), zap.Error(err))
		return models.Message{}, msgStoreFault
	}
	return msg, ""
}

// History returns a chat's messages oldest first, with the sent flag
// computed against the requesting viewer.
func (s *Service) History(chatID, viewer string) ([]models.Message, error) {
	msgs, err := s.store.ChatMessages(chatID)
	if err != nil {
		return nil, err
	}
	for i := range msgs {
		msgs[i] = msgs[i].ViewedBy(viewer)
	}
	return msgs, nil
}

// Snapshot assembles the bulk sync payload for a freshly authenticated
// user: contacts with live online flags and avatars, group memberships,
// history for every chat the user belongs to, and pending invites enriched
// with the inviters' avatars.
func (s *Service) Snapshot(user *models.User) (protocol.UserData, error) {
	data := protocol.UserData{
		Contacts:       []protocol.Contact{},
		Groups:         []*models.Group{},
		Messages:       map[string][]models.Message{},
		PendingInvites: []protocol.InviteView{},
	}

	for _, name := range user.Contacts {
		key := models.Key(name)
		contact := protocol.Contact{Name: name, Online: s.table.IsOnline(key)}
		if peer, err := s.store.GetUser(key); err == nil {
			contact.Name = peer.Name
			contact.Avatar = peer.Avatar
		}
		data.Contacts = append(data.Contacts, contact)

		chatID := chat.DirectChatID(user.Name, name)
		msgs, err := s.History(chatID, user.Name)
		if err != nil {
			return data, err
		}
		data.Messages[chatID] = msgs
	}

	groups, err := s.store.GroupsForMember(user.Name)
	if err != nil {
		return data, err
	}
	data.Groups = groups
	for _, g := range groups {
		chatID := chat.GroupChatID(g.ID)
		msgs, err := s.History(chatID, user.Name)
		if err != nil {
			return data, err
		}
		data.Messages[chatID] = msgs
	}

	for _, inv := range user.PendingInvites {
		view := protocol.InviteView{From: inv.From, Timestamp: inv.Timestamp}
		if inviter, err := s.store.GetUser(models.Key(inv.From)); err == nil {
			view.Avatar = inviter.Avatar
		}
		data.PendingInvites = append(data.PendingInvites, view)
	}

	return data, nil
}
