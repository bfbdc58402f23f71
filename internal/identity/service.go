// Package identity manages user records and the contact graph: registration,
// login (with lazy credential migration), the invite state machine, renames
// and profile updates.
package identity

import (
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/chatterbox-im/chatterbox/internal/auth"
	"github.com/chatterbox-im/chatterbox/internal/chat"
	"github.com/chatterbox-im/chatterbox/internal/images"
	"github.com/chatterbox-im/chatterbox/internal/models"
	"github.com/chatterbox-im/chatterbox/internal/presence"
	"github.com/chatterbox-im/chatterbox/internal/protocol"
	"github.com/chatterbox-im/chatterbox/internal/store"
)

// User-visible error strings. Validation and not-found conditions are
// expected outcomes, never logged as faults.
const (
	msgNameRequired      = "Name and password required"
	msgPasswordTooShort  = "Password must be at least 4 characters"
	msgNameTaken         = "Name is already taken"
	msgUserNotFound      = "User not found"
	msgIncorrectPassword = "Incorrect password"
	msgSelfTarget        = "You can't add yourself"
	msgAlreadyContact    = "Already in contacts"
	msgAlreadyInvited    = "Invite already sent"
	msgInviteNotFound    = "Invite not found"
	msgNameTooShort      = "Name must be at least 2 characters"
	msgInvalidTheme      = "Invalid theme"
	msgWrongPassword     = "Current password is incorrect"
	msgImageTooLarge     = "Image too large"
	msgInvalidImage      = "Invalid image"
	msgStoreFault        = "Something went wrong, please try again"
)

const defaultTheme = "green"

var themes = map[string]bool{
	"green": true, "blue": true, "purple": true, "orange": true, "dark": true,
}

var errPreconditionGone = errors.New("precondition no longer holds")

// Service owns identity and contact graph mutations. Cross-record
// operations (invite acceptance, rename) are serialized by mu and still
// re-check their preconditions inside each record's transaction, so a
// racing pair of invites cannot double-apply.
type Service struct {
	store  store.Store
	router *chat.Router
	table  *presence.Table
	images *images.Validator
	log    *zap.Logger

	mu sync.Mutex
}

// NewService wires the identity service.
func NewService(st store.Store, router *chat.Router, table *presence.Table, imgs *images.Validator, log *zap.Logger) *Service {
	return &Service{store: st, router: router, table: table, images: imgs, log: log}
}

// Register creates a new user. The submitted casing becomes the display
// name; the identity key is derived from it.
func (s *Service) Register(name, password string) protocol.AuthResult {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" || password == "" {
		return protocol.AuthResult{Error: msgNameRequired}
	}
	if len(password) < 4 {
		return protocol.AuthResult{Error: msgPasswordTooShort}
	}

	hash, err := auth.HashPassword(password)
	if err != nil {
		s.log.Error("hash password", zap.Error(err))
		return protocol.AuthResult{Error: msgStoreFault}
	}

	user := &models.User{
		Name:      trimmed,
		Password:  hash,
		Contacts:  []string{},
		Theme:     defaultTheme,
		CreatedAt: time.Now().UnixMilli(),
	}
	if err := s.store.CreateUser(user); err != nil {
		if errors.Is(err, store.ErrUserExists) {
			return protocol.AuthResult{Error: msgNameTaken}
		}
		s.log.Error("create user", zap.String("user", models.Key(trimmed)), zap.Error(err))
		return protocol.AuthResult{Error: msgStoreFault}
	}

	s.log.Info("user registered", zap.String("user", models.Key(trimmed)))
	return protocol.AuthResult{Success: true, Name: trimmed, Theme: user.Theme}
}

// Login verifies credentials and returns the stored user. Records still on
// the legacy unsalted scheme are verified against it once and transparently
// rewritten to the salted scheme.
func (s *Service) Login(name, password string) (*models.User, protocol.AuthResult) {
	key := models.Key(name)
	user, err := s.store.GetUser(key)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, protocol.AuthResult{Error: msgUserNotFound}
		}
		s.log.Error("load user", zap.String("user", key), zap.Error(err))
		return nil, protocol.AuthResult{Error: msgStoreFault}
	}

	if !s.verifyPassword(password, user.Password) {
		return nil, protocol.AuthResult{Error: msgIncorrectPassword}
	}

	if auth.IsLegacyHash(user.Password) {
		s.migrateLegacyCredential(key, password)
	}

	theme := user.Theme
	if theme == "" {
		theme = defaultTheme
	}
	return user, protocol.AuthResult{Success: true, Name: user.Name, Avatar: user.Avatar, Theme: theme}
}

func (s *Service) verifyPassword(password, stored string) bool {
	if auth.IsLegacyHash(stored) {
		return auth.VerifyLegacy(password, stored)
	}
	ok, err := auth.VerifyPassword(password, stored)
	if err != nil {
		s.log.Warn("malformed stored credential", zap.Error(err))
		return false
	}
	return ok
}

// migrateLegacyCredential rewrites a legacy record to the salted scheme.
// The re-check inside the transaction makes the migration at-most-once even
// if two logins race.
func (s *Service) migrateLegacyCredential(key, password string) {
	hash, err := auth.HashPassword(password)
	if err != nil {
		s.log.Error("hash migrated password", zap.Error(err))
		return
	}
	err = s.store.UpdateUser(key, func(u *models.User) error {
		if !auth.IsLegacyHash(u.Password) {
			return errPreconditionGone
		}
		u.Password = hash
		return nil
	})
	switch {
	case err == nil:
		s.log.Info("migrated legacy credential", zap.String("user", key))
	case errors.Is(err, errPreconditionGone):
		// Another login already migrated it.
	default:
		s.log.Error("migrate legacy credential", zap.String("user", key), zap.Error(err))
	}
}

// SendInvite starts (or, when a reciprocal invite is pending, completes)
// the contact handshake between self and the named user.
func (s *Service) SendInvite(self *models.User, contactName string) protocol.AddContactResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	selfKey := models.Key(self.Name)
	targetKey := models.Key(contactName)
	if targetKey == selfKey {
		return protocol.AddContactResult{Error: msgSelfTarget}
	}

	target, err := s.store.GetUser(targetKey)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return protocol.AddContactResult{Error: msgUserNotFound}
		}
		s.log.Error("load invite target", zap.String("user", targetKey), zap.Error(err))
		return protocol.AddContactResult{Error: msgStoreFault}
	}

	if self.HasContact(target.Name) {
		return protocol.AddContactResult{Error: msgAlreadyContact}
	}
	if self.HasInvited(target.Name) {
		return protocol.AddContactResult{Error: msgAlreadyInvited}
	}

	// A pending invite from the target means both sides want the edge:
	// accept it instead of stacking a second invite.
	if _, ok := self.PendingInviteFrom(target.Name); ok {
		return s.acceptLocked(self, target.Name)
	}

	now := time.Now().UnixMilli()
	err = s.store.UpdateUser(targetKey, func(u *models.User) error {
		if _, dup := u.PendingInviteFrom(self.Name); dup {
			return nil
		}
		u.PendingInvites = append(u.PendingInvites, models.Invite{From: self.Name, Timestamp: now})
		return nil
	})
	if err != nil {
		s.log.Error("record invite", zap.String("user", targetKey), zap.Error(err))
		return protocol.AddContactResult{Error: msgStoreFault}
	}
	err = s.store.UpdateUser(selfKey, func(u *models.User) error {
		if !u.HasInvited(target.Name) {
			u.Invited = append(u.Invited, target.Name)
		}
		return nil
	})
	if err != nil {
		s.log.Error("record outgoing invite", zap.String("user", selfKey), zap.Error(err))
		return protocol.AddContactResult{Error: msgStoreFault}
	}

	s.router.SendToUser(targetKey, protocol.Push(protocol.EvNewInvite, protocol.InviteView{
		From:      self.Name,
		Timestamp: now,
		Avatar:    self.Avatar,
	}))

	return protocol.AddContactResult{Success: true, Message: "Invite sent to " + target.Name}
}

// AcceptInvite completes a pending invite from fromName.
func (s *Service) AcceptInvite(self *models.User, fromName string) protocol.AddContactResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := self.PendingInviteFrom(fromName); !ok {
		return protocol.AddContactResult{Error: msgInviteNotFound}
	}
	return s.acceptLocked(self, fromName)
}

// acceptLocked applies the mutual-contact transition. Callers hold mu. Each
// record mutation re-checks its precondition inside the store transaction.
func (s *Service) acceptLocked(self *models.User, fromName string) protocol.AddContactResult {
	selfKey := models.Key(self.Name)
	fromKey := models.Key(fromName)

	inviter, err := s.store.GetUser(fromKey)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return protocol.AddContactResult{Error: msgUserNotFound}
		}
		s.log.Error("load inviter", zap.String("user", fromKey), zap.Error(err))
		return protocol.AddContactResult{Error: msgStoreFault}
	}

	err = s.store.UpdateUser(selfKey, func(u *models.User) error {
		if _, ok := u.PendingInviteFrom(inviter.Name); !ok {
			return errPreconditionGone
		}
		u.PendingInvites = removeInvite(u.PendingInvites, inviter.Name)
		u.Invited = models.RemoveFold(u.Invited, inviter.Name)
		if !u.HasContact(inviter.Name) {
			u.Contacts = append(u.Contacts, inviter.Name)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, errPreconditionGone) {
			return protocol.AddContactResult{Error: msgInviteNotFound}
		}
		s.log.Error("accept invite", zap.String("user", selfKey), zap.Error(err))
		return protocol.AddContactResult{Error: msgStoreFault}
	}

	err = s.store.UpdateUser(fromKey, func(u *models.User) error {
		u.Invited = models.RemoveFold(u.Invited, self.Name)
		u.PendingInvites = removeInvite(u.PendingInvites, self.Name)
		if !u.HasContact(self.Name) {
			u.Contacts = append(u.Contacts, self.Name)
		}
		return nil
	})
	if err != nil {
		s.log.Error("mirror accepted invite", zap.String("user", fromKey), zap.Error(err))
	}

	if s.table.IsOnline(fromKey) {
		s.router.SendToUser(fromKey, protocol.Push(protocol.EvInviteAccepted, protocol.InviteAcceptedData{By: self.Name}))
		s.router.SendToUser(fromKey, protocol.Push(protocol.EvContactAdded, protocol.Contact{
			Name:   self.Name,
			Online: true,
			Avatar: self.Avatar,
		}))
	}

	return protocol.AddContactResult{Success: true, Contact: &protocol.Contact{
		Name:   inviter.Name,
		Online: s.table.IsOnline(fromKey),
		Avatar: inviter.Avatar,
	}}
}

// DeclineInvite drops a pending invite without creating a contact edge. A
// missing inviter record is tolerated: the decline still succeeds locally.
func (s *Service) DeclineInvite(self *models.User, fromName string) protocol.Ack {
	s.mu.Lock()
	defer s.mu.Unlock()

	selfKey := models.Key(self.Name)
	err := s.store.UpdateUser(selfKey, func(u *models.User) error {
		u.PendingInvites = removeInvite(u.PendingInvites, fromName)
		return nil
	})
	if err != nil {
		s.log.Error("decline invite", zap.String("user", selfKey), zap.Error(err))
		return protocol.Ack{Error: msgStoreFault}
	}

	fromKey := models.Key(fromName)
	err = s.store.UpdateUser(fromKey, func(u *models.User) error {
		u.Invited = models.RemoveFold(u.Invited, self.Name)
		return nil
	})
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		s.log.Warn("clear declined invite", zap.String("user", fromKey), zap.Error(err))
	}

	return protocol.Ack{Success: true}
}

// RemoveContact deletes contactName from the caller's contact set only.
// Fire-and-forget: the removed party is not notified and failures are
// silent.
func (s *Service) RemoveContact(selfKey, contactName string) {
	err := s.store.UpdateUser(selfKey, func(u *models.User) error {
		u.Contacts = models.RemoveFold(u.Contacts, contactName)
		return nil
	})
	if err != nil {
		s.log.Warn("remove contact", zap.String("user", selfKey), zap.Error(err))
	}
}

// UpdateProfile applies avatar, theme, password and username changes. All
// inputs are validated before anything is written; a rename propagates to
// every back-reference in one store transaction.
func (s *Service) UpdateProfile(self *models.User, p protocol.UpdateProfilePayload) protocol.ProfileResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	fail := func(msg string) protocol.ProfileResult {
		return protocol.ProfileResult{Error: msg, Name: self.Name, Avatar: self.Avatar, Theme: self.Theme}
	}

	if p.Theme != nil && !themes[*p.Theme] {
		return fail(msgInvalidTheme)
	}
	if p.Avatar != nil && *p.Avatar != "" {
		switch err := s.images.Validate(*p.Avatar); {
		case errors.Is(err, images.ErrTooLarge):
			return fail(msgImageTooLarge)
		case err != nil:
			return fail(msgInvalidImage)
		}
	}

	var newHash string
	if p.NewPassword != "" {
		if !s.verifyPassword(p.CurrentPassword, self.Password) {
			return fail(msgWrongPassword)
		}
		if len(p.NewPassword) < 4 {
			return fail(msgPasswordTooShort)
		}
		hash, err := auth.HashPassword(p.NewPassword)
		if err != nil {
			s.log.Error("hash new password", zap.Error(err))
			return fail(msgStoreFault)
		}
		newHash = hash
	}

	selfKey := models.Key(self.Name)
	name := self.Name
	nameChanged := false
	if p.NewUsername != nil {
		trimmed := strings.TrimSpace(*p.NewUsername)
		if trimmed != self.Name {
			if len(trimmed) < 2 {
				return fail(msgNameTooShort)
			}
			if err := s.store.RenameUser(selfKey, trimmed); err != nil {
				if errors.Is(err, store.ErrUserExists) {
					return fail(msgNameTaken)
				}
				s.log.Error("rename user", zap.String("user", selfKey), zap.Error(err))
				return fail(msgStoreFault)
			}
			name = trimmed
			selfKey = models.Key(trimmed)
			nameChanged = true
		}
	}

	avatarTouched := false
	var updated *models.User
	err := s.store.UpdateUser(selfKey, func(u *models.User) error {
		if p.Avatar != nil && u.Avatar != *p.Avatar {
			u.Avatar = *p.Avatar
			avatarTouched = true
		}
		if p.Theme != nil {
			u.Theme = *p.Theme
		}
		if newHash != "" {
			u.Password = newHash
		}
		cp := *u
		updated = &cp
		return nil
	})
	if err != nil {
		s.log.Error("update profile", zap.String("user", selfKey), zap.Error(err))
		return fail(msgStoreFault)
	}

	if avatarTouched {
		for _, contact := range updated.Contacts {
			s.router.SendToUser(models.Key(contact), protocol.Push(protocol.EvContactUpdated, protocol.ContactUpdatedData{
				Name:   name,
				Avatar: updated.Avatar,
			}))
		}
	}

	theme := updated.Theme
	if theme == "" {
		theme = defaultTheme
	}
	return protocol.ProfileResult{
		Success:     true,
		Avatar:      updated.Avatar,
		Theme:       theme,
		Name:        name,
		NameChanged: nameChanged,
	}
}

func removeInvite(invites []models.Invite, from string) []models.Invite {
	out := make([]models.Invite, 0, len(invites))
	for _, inv := range invites {
		if !strings.EqualFold(inv.From, from) {
			out = append(out, inv)
		}
	}
	return out
}
