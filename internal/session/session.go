// Package session implements the per-connection state machine. A session
// starts anonymous, accepts only register and login, and once bound to an
// identity dispatches every other operation to the domain services. Frames
// for one connection are handled serially by its read loop, so session
// state needs no locking of its own.
package session

import (
	"encoding/json"

	"go.uber.org/zap"

	"github.com/chatterbox-im/chatterbox/internal/chat"
	"github.com/chatterbox-im/chatterbox/internal/groups"
	"github.com/chatterbox-im/chatterbox/internal/identity"
	"github.com/chatterbox-im/chatterbox/internal/messages"
	"github.com/chatterbox-im/chatterbox/internal/metrics"
	"github.com/chatterbox-im/chatterbox/internal/models"
	"github.com/chatterbox-im/chatterbox/internal/presence"
	"github.com/chatterbox-im/chatterbox/internal/protocol"
	"github.com/chatterbox-im/chatterbox/internal/store"
)

const (
	msgNotLoggedIn    = "Not logged in"
	msgInvalidRequest = "Invalid request"
	msgUnknownOp      = "Unknown operation"
)

// Deps bundles everything a session dispatches into.
type Deps struct {
	Store    store.Store
	Table    *presence.Table
	Router   *chat.Router
	Identity *identity.Service
	Groups   *groups.Service
	Messages *messages.Service
	Metrics  *metrics.Metrics
	Log      *zap.Logger
}

// Session is the per-connection actor. identity is empty while anonymous.
type Session struct {
	conn presence.Conn
	deps Deps

	identity string // identity key once authenticated
	name     string // display name once authenticated
}

// New creates a session in the anonymous state.
func New(conn presence.Conn, deps Deps) *Session {
	deps.Metrics.SessionsActive.Inc()
	deps.Metrics.SessionsTotal.Inc()
	return &Session{conn: conn, deps: deps}
}

// HandleFrame parses and dispatches one inbound frame.
func (s *Session) HandleFrame(raw []byte) {
	var req protocol.Request
	if err := json.Unmarshal(raw, &req); err != nil {
		s.conn.Send(protocol.Push(protocol.EvError, protocol.ErrorData{Message: msgInvalidRequest}))
		return
	}
	s.deps.Metrics.Ops.WithLabelValues(req.Op).Inc()

	switch req.Op {
	case protocol.OpRegister:
		s.handleRegister(req)
	case protocol.OpLogin:
		s.handleLogin(req)
	default:
		s.handleAuthenticated(req)
	}
}

// HandleClose tears the session down. The presence removal is guarded: if a
// newer session for the same identity already replaced this connection, the
// entry stays and no offline broadcast fires.
func (s *Session) HandleClose() {
	s.deps.Metrics.SessionsActive.Dec()
	if s.identity == "" {
		return
	}
	if s.deps.Table.Remove(s.identity, s.conn) {
		s.deps.Router.BroadcastPresence(s.name, false)
		s.deps.Log.Info("session closed", zap.String("user", s.identity))
	}
}

func (s *Session) respond(req protocol.Request, data any) {
	s.conn.Send(protocol.Response(req, data))
}

func (s *Session) handleRegister(req protocol.Request) {
	var p protocol.RegisterPayload
	if len(req.Data) > 0 && json.Unmarshal(req.Data, &p) != nil {
		s.respond(req, protocol.AuthResult{Error: msgInvalidRequest})
		return
	}
	res := s.deps.Identity.Register(p.Name, p.Password)
	if res.Success {
		s.bind(models.Key(res.Name), res.Name)
	}
	s.respond(req, res)
}

func (s *Session) handleLogin(req protocol.Request) {
	var p protocol.LoginPayload
	if len(req.Data) > 0 && json.Unmarshal(req.Data, &p) != nil {
		s.respond(req, protocol.AuthResult{Error: msgInvalidRequest})
		return
	}
	user, res := s.deps.Identity.Login(p.Name, p.Password)
	if res.Success {
		s.bind(models.Key(user.Name), user.Name)
	}
	s.respond(req, res)
}

// bind attaches the session to an identity, evicting any prior session for
// the same user, and announces the user online.
func (s *Session) bind(key, name string) {
	s.identity = key
	s.name = name
	if prior := s.deps.Table.SetOnline(key, s.conn); prior != nil {
		prior.Send(protocol.Push(protocol.EvSessionReplaced, protocol.SessionReplacedData{
			Reason: "logged in from another connection",
		}))
		prior.Close()
		s.deps.Log.Info("evicted prior session", zap.String("user", key))
	}
	s.deps.Router.BroadcastPresence(name, true)
	s.deps.Log.Info("session authenticated", zap.String("user", key))
}

// handleAuthenticated re-resolves the bound identity before every op so a
// record deleted or renamed mid-session fails cleanly instead of operating
// on stale state.
func (s *Session) handleAuthenticated(req protocol.Request) {
	user := s.currentUser()
	if user == nil {
		s.respond(req, protocol.Ack{Error: msgNotLoggedIn})
		return
	}

	switch req.Op {
	case protocol.OpGetUserData:
		s.handleGetUserData(req, user)
	case protocol.OpAddContact:
		var p protocol.AddContactPayload
		if !s.decode(req, &p, protocol.AddContactResult{Error: msgInvalidRequest}) {
			return
		}
		s.respond(req, s.deps.Identity.SendInvite(user, p.ContactName))
	case protocol.OpAcceptInvite:
		var p protocol.InvitePayload
		if !s.decode(req, &p, protocol.AddContactResult{Error: msgInvalidRequest}) {
			return
		}
		s.respond(req, s.deps.Identity.AcceptInvite(user, p.FromName))
	case protocol.OpDeclineInvite:
		var p protocol.InvitePayload
		if !s.decode(req, &p, protocol.Ack{Error: msgInvalidRequest}) {
			return
		}
		s.respond(req, s.deps.Identity.DeclineInvite(user, p.FromName))
	case protocol.OpRemoveContact:
		// Fire-and-forget: no response even on failure.
		var p protocol.RemoveContactPayload
		if err := protocol.Decode(req.Data, &p); err == nil {
			s.deps.Identity.RemoveContact(s.identity, p.ContactName)
		}
	case protocol.OpCreateGroup:
		var p protocol.CreateGroupPayload
		if !s.decode(req, &p, protocol.GroupResult{Error: msgInvalidRequest}) {
			return
		}
		s.respond(req, s.deps.Groups.Create(user, p.Name, p.Members))
	case protocol.OpUpdateGroup:
		var p protocol.UpdateGroupPayload
		if !s.decode(req, &p, protocol.GroupResult{Error: msgInvalidRequest}) {
			return
		}
		s.respond(req, s.deps.Groups.Update(user, p))
	case protocol.OpAddGroupMember:
		var p protocol.GroupMemberPayload
		if !s.decode(req, &p, protocol.GroupResult{Error: msgInvalidRequest}) {
			return
		}
		s.respond(req, s.deps.Groups.AddMember(user, p.GroupID, p.MemberName))
	case protocol.OpRemoveGroupMember:
		var p protocol.GroupMemberPayload
		if !s.decode(req, &p, protocol.GroupResult{Error: msgInvalidRequest}) {
			return
		}
		s.respond(req, s.deps.Groups.RemoveMember(user, p.GroupID, p.MemberName))
	case protocol.OpLeaveGroup:
		var p protocol.GroupPayload
		if !s.decode(req, &p, protocol.GroupResult{Error: msgInvalidRequest}) {
			return
		}
		s.respond(req, s.deps.Groups.Leave(user, p.GroupID))
	case protocol.OpDeleteGroup:
		// No direct response; the groupDeleted push is the success signal.
		var p protocol.GroupPayload
		if err := protocol.Decode(req.Data, &p); err != nil {
			s.pushError(msgInvalidRequest)
			return
		}
		if res := s.deps.Groups.Delete(user, p.GroupID); !res.Success {
			s.pushError(res.Error)
		}
	case protocol.OpSendMessage:
		s.handleSendMessage(req, user)
	case protocol.OpStartTyping, protocol.OpStopTyping:
		// Fire-and-forget.
		var p protocol.TypingPayload
		if err := protocol.Decode(req.Data, &p); err == nil {
			s.deps.Router.RelayTyping(user.Name, p, req.Op == protocol.OpStartTyping)
		}
	case protocol.OpUpdateProfile:
		s.handleUpdateProfile(req, user)
	default:
		s.respond(req, protocol.Ack{Error: msgUnknownOp})
	}
}

func (s *Session) handleGetUserData(req protocol.Request, user *models.User) {
	data, err := s.deps.Messages.Snapshot(user)
	if err != nil {
		s.deps.Log.Error("assemble snapshot", zap.String("user", s.identity), zap.Error(err))
		s.respond(req, protocol.Ack{Error: "Something went wrong, please try again"})
		return
	}
	s.respond(req, data)
}

// handleSendMessage recomputes the chat identifier server-side from the
// authenticated sender; the client-supplied chatId is never trusted. The
// sender's echo is sent synchronously with persistence, independent of
// their presence entry.
func (s *Session) handleSendMessage(req protocol.Request, user *models.User) {
	var p protocol.SendMessagePayload
	if err := protocol.Decode(req.Data, &p); err != nil {
		s.pushError(msgInvalidRequest)
		return
	}

	switch p.ChatType {
	case protocol.ChatTypeContact:
		recipient, err := s.deps.Store.GetUser(models.Key(p.Recipient))
		if err != nil {
			s.pushError("User not found")
			return
		}
		chatID := chat.DirectChatID(user.Name, recipient.Name)
		msg, errMsg := s.deps.Messages.Append(chatID, user.Name, p.Message)
		if errMsg != "" {
			s.pushError(errMsg)
			return
		}
		s.deps.Metrics.MessagesTotal.Inc()
		s.conn.Send(protocol.Push(protocol.EvNewMessage, protocol.NewMessageData{
			ChatID:  chatID,
			Message: msg.ViewedBy(user.Name),
		}))
		s.deps.Router.DeliverDirect(user, recipient.Name, chatID, msg)
	case protocol.ChatTypeGroup:
		group, err := s.deps.Store.GetGroup(p.Recipient)
		if err != nil {
			s.pushError("Group not found")
			return
		}
		if !group.HasMember(user.Name) {
			s.pushError("Not a member")
			return
		}
		chatID := chat.GroupChatID(group.ID)
		msg, errMsg := s.deps.Messages.Append(chatID, user.Name, p.Message)
		if errMsg != "" {
			s.pushError(errMsg)
			return
		}
		s.deps.Metrics.MessagesTotal.Inc()
		s.deps.Router.DeliverGroup(group, chatID, msg)
	}
}

func (s *Session) handleUpdateProfile(req protocol.Request, user *models.User) {
	var p protocol.UpdateProfilePayload
	if !s.decode(req, &p, protocol.ProfileResult{Error: msgInvalidRequest}) {
		return
	}
	res := s.deps.Identity.UpdateProfile(user, p)
	if res.Success && res.NameChanged {
		// Rebind the session and presence entry to the new identity key.
		newKey := models.Key(res.Name)
		s.deps.Table.Rename(s.identity, newKey, s.conn)
		s.identity = newKey
		s.name = res.Name
	}
	s.respond(req, res)
}

// currentUser re-resolves the bound identity. Nil means anonymous or the
// record is gone.
func (s *Session) currentUser() *models.User {
	if s.identity == "" {
		return nil
	}
	user, err := s.deps.Store.GetUser(s.identity)
	if err != nil {
		return nil
	}
	return user
}

// decode unmarshals and validates a payload, answering with failure when it
// is malformed.
func (s *Session) decode(req protocol.Request, dst, failure any) bool {
	if err := protocol.Decode(req.Data, dst); err != nil {
		s.respond(req, failure)
		return false
	}
	return true
}

func (s *Session) pushError(msg string) {
	s.conn.Send(protocol.Push(protocol.EvError, protocol.ErrorData{Message: msg}))
}
