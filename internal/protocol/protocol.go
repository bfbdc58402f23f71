// Package protocol defines the wire envelopes exchanged over a session's
// websocket, the payload schema for every inbound operation, and the
// outbound event types. Payloads are validated here, before dispatch.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/chatterbox-im/chatterbox/internal/models"
)

// Inbound operation names.
const (
	OpRegister          = "register"
	OpLogin             = "login"
	OpGetUserData       = "getUserData"
	OpAddContact        = "addContact"
	OpAcceptInvite      = "acceptInvite"
	OpDeclineInvite     = "declineInvite"
	OpRemoveContact     = "removeContact"
	OpCreateGroup       = "createGroup"
	OpUpdateGroup       = "updateGroup"
	OpAddGroupMember    = "addGroupMember"
	OpRemoveGroupMember = "removeGroupMember"
	OpLeaveGroup        = "leaveGroup"
	OpDeleteGroup       = "deleteGroup"
	OpSendMessage       = "sendMessage"
	OpStartTyping       = "startTyping"
	OpStopTyping        = "stopTyping"
	OpUpdateProfile     = "updateProfile"
)

// Outbound event names.
const (
	EvUserOnline      = "userOnline"
	EvUserOffline     = "userOffline"
	EvNewMessage      = "newMessage"
	EvContactAdded    = "contactAdded"
	EvContactUpdated  = "contactUpdated"
	EvNewInvite       = "newInvite"
	EvInviteAccepted  = "inviteAccepted"
	EvGroupCreated    = "groupCreated"
	EvGroupUpdated    = "groupUpdated"
	EvGroupDeleted    = "groupDeleted"
	EvUserTyping      = "userTyping"
	EvSessionReplaced = "sessionReplaced"
	EvError           = "error"
)

// ChatTypeContact and ChatTypeGroup are the two audiences a message or
// typing notice can address.
const (
	ChatTypeContact = "contact"
	ChatTypeGroup   = "group"
)

// Request is the inbound envelope. Ops that expect a response carry a
// client-chosen seq which the response echoes.
type Request struct {
	Op   string          `json:"op"`
	Seq  int64           `json:"seq,omitempty"`
	Data json.RawMessage `json:"data"`
}

// Event is the outbound envelope. For responses, Event is the op name and
// Seq mirrors the request; push events carry no seq.
type Event struct {
	Event string `json:"event"`
	Seq   int64  `json:"seq,omitempty"`
	Data  any    `json:"data"`
}

// Response builds a reply envelope for a request.
func Response(req Request, data any) Event {
	return Event{Event: req.Op, Seq: req.Seq, Data: data}
}

// Push builds a server-initiated event envelope.
func Push(event string, data any) Event {
	return Event{Event: event, Data: data}
}

var validate = validator.New()

// Decode unmarshals an op payload into dst and validates its schema.
func Decode(raw json.RawMessage, dst any) error {
	if len(raw) == 0 {
		raw = []byte("{}")
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	if err := validate.Struct(dst); err != nil {
		return fmt.Errorf("validate payload: %w", err)
	}
	return nil
}

// RegisterPayload carries register credentials; new passwords must be at
// least four characters.
type RegisterPayload struct {
	Name     string `json:"name" validate:"required"`
	Password string `json:"password" validate:"required,min=4"`
}

// LoginPayload carries login credentials. No minimum length here: accounts
// predating the length rule must still be able to log in.
type LoginPayload struct {
	Name     string `json:"name" validate:"required"`
	Password string `json:"password" validate:"required"`
}

type AddContactPayload struct {
	ContactName string `json:"contactName" validate:"required"`
}

type InvitePayload struct {
	FromName string `json:"fromName" validate:"required"`
}

type RemoveContactPayload struct {
	ContactName string `json:"contactName" validate:"required"`
}

type CreateGroupPayload struct {
	Name    string   `json:"name" validate:"required"`
	Members []string `json:"members"`
}

// UpdateGroupPayload uses pointers so absent fields are left untouched.
type UpdateGroupPayload struct {
	GroupID     string  `json:"groupId" validate:"required"`
	Name        *string `json:"name"`
	Description *string `json:"description"`
	Avatar      *string `json:"avatar"`
}

type GroupMemberPayload struct {
	GroupID    string `json:"groupId" validate:"required"`
	MemberName string `json:"memberName" validate:"required"`
}

type GroupPayload struct {
	GroupID string `json:"groupId" validate:"required"`
}

type SendMessagePayload struct {
	ChatID    string         `json:"chatId"`
	ChatType  string         `json:"chatType" validate:"required,oneof=contact group"`
	Recipient string         `json:"recipient" validate:"required"`
	Message   MessagePayload `json:"message"`
}

// MessagePayload is the client's view of an outgoing message. Time is a
// display string; the server fills it in when absent.
type MessagePayload struct {
	Text  string `json:"text"`
	Image string `json:"image"`
	Time  string `json:"time"`
}

type TypingPayload struct {
	ChatID    string `json:"chatId"`
	ChatType  string `json:"chatType" validate:"required,oneof=contact group"`
	Recipient string `json:"recipient" validate:"required"`
}

// UpdateProfilePayload carries profile mutations; all fields are optional
// but a new password requires the current one.
type UpdateProfilePayload struct {
	Avatar          *string `json:"avatar"`
	Theme           *string `json:"theme"`
	NewUsername     *string `json:"newUsername"`
	CurrentPassword string  `json:"currentPassword"`
	NewPassword     string  `json:"newPassword"`
}

// Contact is the wire view of a contact list entry.
type Contact struct {
	Name   string `json:"name"`
	Online bool   `json:"online"`
	Avatar string `json:"avatar,omitempty"`
}

// InviteView is a pending incoming invite enriched with the inviter's
// avatar.
type InviteView struct {
	From      string `json:"from"`
	Timestamp int64  `json:"timestamp"`
	Avatar    string `json:"avatar,omitempty"`
}

// AuthResult answers register and login.
type AuthResult struct {
	Success bool   `json:"success"`
	Name    string `json:"name,omitempty"`
	Avatar  string `json:"avatar,omitempty"`
	Theme   string `json:"theme,omitempty"`
	Error   string `json:"error,omitempty"`
}

// UserData is the bulk sync payload served right after authentication.
type UserData struct {
	Contacts       []Contact                   `json:"contacts"`
	Groups         []*models.Group             `json:"groups"`
	Messages       map[string][]models.Message `json:"messages"`
	PendingInvites []InviteView                `json:"pendingInvites"`
}

// AddContactResult answers addContact and acceptInvite. Contact is set when
// a mutual edge was created, Message when an invite went out.
type AddContactResult struct {
	Success bool     `json:"success"`
	Contact *Contact `json:"contact,omitempty"`
	Message string   `json:"message,omitempty"`
	Error   string   `json:"error,omitempty"`
}

// GroupResult answers the group management ops.
type GroupResult struct {
	Success bool          `json:"success"`
	Group   *models.Group `json:"group,omitempty"`
	Error   string        `json:"error,omitempty"`
}

// ProfileResult answers updateProfile.
type ProfileResult struct {
	Success     bool   `json:"success"`
	Avatar      string `json:"avatar,omitempty"`
	Theme       string `json:"theme,omitempty"`
	Name        string `json:"name,omitempty"`
	NameChanged bool   `json:"nameChanged"`
	Error       string `json:"error,omitempty"`
}

// Ack is the generic success/error response.
type Ack struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// Push event payloads.
type (
	PresenceData struct {
		Name string `json:"name"`
	}
	NewMessageData struct {
		ChatID  string         `json:"chatId"`
		Message models.Message `json:"message"`
	}
	ContactUpdatedData struct {
		Name   string `json:"name"`
		Avatar string `json:"avatar,omitempty"`
	}
	InviteAcceptedData struct {
		By string `json:"by"`
	}
	TypingData struct {
		ChatID   string `json:"chatId"`
		User     string `json:"user"`
		IsTyping bool   `json:"isTyping"`
	}
	GroupData struct {
		Group *models.Group `json:"group"`
	}
	GroupDeletedData struct {
		GroupID string `json:"groupId"`
	}
	SessionReplacedData struct {
		Reason string `json:"reason"`
	}
	ErrorData struct {
		Message string `json:"message"`
	}
)
