// Package groups manages group chats. Every mutating operation re-verifies
// the manager-only constraint against the stored record; the client's UI
// restriction is never trusted.
package groups

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/chatterbox-im/chatterbox/internal/chat"
	"github.com/chatterbox-im/chatterbox/internal/images"
	"github.com/chatterbox-im/chatterbox/internal/models"
	"github.com/chatterbox-im/chatterbox/internal/protocol"
	"github.com/chatterbox-im/chatterbox/internal/store"
)

const (
	msgGroupNameRequired = "Group name required"
	msgGroupNotFound     = "Group not found"
	msgNotManager        = "Only the group manager can do that"
	msgMemberNotFound    = "User not found"
	msgAlreadyMember     = "Already a member"
	msgNotMember         = "Not a member"
	msgManagerRemoval    = "The group manager can't be removed"
	msgManagerLeave      = "The group manager can't leave the group"
	msgInvalidImage      = "Invalid image"
	msgImageTooLarge     = "Image too large"
	msgStoreFault        = "Something went wrong, please try again"
)

// Service owns group lifecycle and membership.
type Service struct {
	store  store.Store
	router *chat.Router
	images *images.Validator
	log    *zap.Logger
}

// NewService wires the group service.
func NewService(st store.Store, router *chat.Router, imgs *images.Validator, log *zap.Logger) *Service {
	return &Service{store: st, router: router, images: imgs, log: log}
}

// Create makes a new group with the caller as manager and first member.
// Named members must exist; unknown names fail the whole call. Every other
// member is told via groupCreated.
func (s *Service) Create(creator *models.User, name string, memberNames []string) protocol.GroupResult {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return protocol.GroupResult{Error: msgGroupNameRequired}
	}

	members := []string{creator.Name}
	for _, m := range memberNames {
		if strings.EqualFold(m, creator.Name) {
			continue
		}
		user, err := s.store.GetUser(models.Key(m))
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return protocol.GroupResult{Error: msgMemberNotFound}
			}
			s.log.Error("resolve group member", zap.String("member", models.Key(m)), zap.Error(err))
			return protocol.GroupResult{Error: msgStoreFault}
		}
		if !containsFold(members, user.Name) {
			members = append(members, user.Name)
		}
	}

	group := &models.Group{
		ID:        uuid.NewString(),
		Name:      trimmed,
		Creator:   creator.Name,
		Members:   members,
		CreatedAt: time.Now().UnixMilli(),
	}
	if err := s.store.CreateGroup(group); err != nil {
		s.log.Error("create group", zap.String("group", group.ID), zap.Error(err))
		return protocol.GroupResult{Error: msgStoreFault}
	}

	s.log.Info("group created",
		zap.String("group", group.ID),
		zap.String("creator", models.Key(creator.Name)),
		zap.Int("members", len(members)))
	s.router.NotifyGroup(group, protocol.Push(protocol.EvGroupCreated, protocol.GroupData{Group: group}), creator.Name)

	return protocol.GroupResult{Success: true, Group: group}
}

// Update changes group metadata. Manager only.
func (s *Service) Update(self *models.User, p protocol.UpdateGroupPayload) protocol.GroupResult {
	if p.Avatar != nil && *p.Avatar != "" {
		switch err := s.images.Validate(*p.Avatar); {
		case errors.Is(err, images.ErrTooLarge):
			return protocol.GroupResult{Error: msgImageTooLarge}
		case err != nil:
			return protocol.GroupResult{Error: msgInvalidImage}
		}
	}

	group, res := s.mutateAsManager(self, p.GroupID, func(g *models.Group) error {
		if p.Name != nil && strings.TrimSpace(*p.Name) != "" {
			g.Name = strings.TrimSpace(*p.Name)
		}
		if p.Description != nil {
			g.Description = *p.Description
		}
		if p.Avatar != nil {
			g.Avatar = *p.Avatar
		}
		return nil
	})
	if res != nil {
		return *res
	}

	s.router.NotifyGroup(group, protocol.Push(protocol.EvGroupUpdated, protocol.GroupData{Group: group}), self.Name)
	return protocol.GroupResult{Success: true, Group: group}
}

// AddMember adds an existing user to the group. Manager only. The new
// member learns about the group through groupCreated, everyone else through
// groupUpdated.
func (s *Service) AddMember(self *models.User, groupID, memberName string) protocol.GroupResult {
	member, err := s.store.GetUser(models.Key(memberName))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return protocol.GroupResult{Error: msgMemberNotFound}
		}
		s.log.Error("resolve new member", zap.String("member", models.Key(memberName)), zap.Error(err))
		return protocol.GroupResult{Error: msgStoreFault}
	}

	group, res := s.mutateAsManager(self, groupID, func(g *models.Group) error {
		if g.HasMember(member.Name) {
			return errors.New(msgAlreadyMember)
		}
		g.Members = append(g.Members, member.Name)
		return nil
	})
	if res != nil {
		return *res
	}

	s.router.SendToUser(models.Key(member.Name), protocol.Push(protocol.EvGroupCreated, protocol.GroupData{Group: group}))
	s.router.NotifyGroup(group, protocol.Push(protocol.EvGroupUpdated, protocol.GroupData{Group: group}), self.Name, member.Name)
	return protocol.GroupResult{Success: true, Group: group}
}

// RemoveMember kicks a member out. Manager only; the manager cannot be
// removed. The removed member receives groupDeleted so their client drops
// the chat, the rest receive groupUpdated.
func (s *Service) RemoveMember(self *models.User, groupID, memberName string) protocol.GroupResult {
	group, res := s.mutateAsManager(self, groupID, func(g *models.Group) error {
		if g.IsManager(memberName) {
			return errors.New(msgManagerRemoval)
		}
		if !g.HasMember(memberName) {
			return errors.New(msgNotMember)
		}
		g.Members = models.RemoveFold(g.Members, memberName)
		return nil
	})
	if res != nil {
		return *res
	}

	s.router.SendToUser(models.Key(memberName), protocol.Push(protocol.EvGroupDeleted, protocol.GroupDeletedData{GroupID: group.ID}))
	s.router.NotifyGroup(group, protocol.Push(protocol.EvGroupUpdated, protocol.GroupData{Group: group}), self.Name)
	return protocol.GroupResult{Success: true, Group: group}
}

// Leave removes the caller from the group. The manager cannot leave, only
// delete.
func (s *Service) Leave(self *models.User, groupID string) protocol.GroupResult {
	group, err := s.store.GetGroup(groupID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return protocol.GroupResult{Error: msgGroupNotFound}
		}
		s.log.Error("load group", zap.String("group", groupID), zap.Error(err))
		return protocol.GroupResult{Error: msgStoreFault}
	}
	if group.IsManager(self.Name) {
		return protocol.GroupResult{Error: msgManagerLeave}
	}
	if !group.HasMember(self.Name) {
		return protocol.GroupResult{Error: msgNotMember}
	}

	var updated *models.Group
	err = s.store.UpdateGroup(groupID, func(g *models.Group) error {
		g.Members = models.RemoveFold(g.Members, self.Name)
		cp := *g
		updated = &cp
		return nil
	})
	if err != nil {
		s.log.Error("leave group", zap.String("group", groupID), zap.Error(err))
		return protocol.GroupResult{Error: msgStoreFault}
	}

	s.router.NotifyGroup(updated, protocol.Push(protocol.EvGroupUpdated, protocol.GroupData{Group: updated}))
	return protocol.GroupResult{Success: true}
}

// Delete removes the group and its message history. Manager only. Every
// member, the manager included, receives groupDeleted.
func (s *Service) Delete(self *models.User, groupID string) protocol.GroupResult {
	group, err := s.store.GetGroup(groupID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return protocol.GroupResult{Error: msgGroupNotFound}
		}
		s.log.Error("load group", zap.String("group", groupID), zap.Error(err))
		return protocol.GroupResult{Error: msgStoreFault}
	}
	if !group.IsManager(self.Name) {
		return protocol.GroupResult{Error: msgNotManager}
	}

	if err := s.store.DeleteGroup(groupID, chat.GroupChatID(groupID)); err != nil {
		s.log.Error("delete group", zap.String("group", groupID), zap.Error(err))
		return protocol.GroupResult{Error: msgStoreFault}
	}

	s.log.Info("group deleted", zap.String("group", groupID), zap.String("by", models.Key(self.Name)))
	s.router.NotifyGroup(group, protocol.Push(protocol.EvGroupDeleted, protocol.GroupDeletedData{GroupID: groupID}))
	return protocol.GroupResult{Success: true}
}

// mutateAsManager loads the group, checks the caller manages it, and applies
// the mutation inside the store transaction. The manager check runs again
// inside the transaction so a concurrent rename or delete cannot slip an
// unauthorized write through. Returns the updated group, or a failure result.
func (s *Service) mutateAsManager(self *models.User, groupID string, mutate func(*models.Group) error) (*models.Group, *protocol.GroupResult) {
	var updated *models.Group
	err := s.store.UpdateGroup(groupID, func(g *models.Group) error {
		if !g.IsManager(self.Name) {
			return errors.New(msgNotManager)
		}
		if err := mutate(g); err != nil {
			return err
		}
		cp := *g
		updated = &cp
		return nil
	})
	switch {
	case err == nil:
		return updated, nil
	case errors.Is(err, store.ErrNotFound):
		return nil, &protocol.GroupResult{Error: msgGroupNotFound}
	case isDomainError(err):
		return nil, &protocol.GroupResult{Error: err.Error()}
	default:
		s.log.Error("update group", zap.String("group", groupID), zap.Error(err))
		return nil, &protocol.GroupResult{Error: msgStoreFault}
	}
}

// isDomainError tells user-visible refusals apart from store faults.
func isDomainError(err error) bool {
	switch err.Error() {
	case msgNotManager, msgAlreadyMember, msgNotMember, msgManagerRemoval:
		return true
	}
	return false
}

func containsFold(list []string, name string) bool {
	for _, v := range list {
		if strings.EqualFold(v, name) {
			return true
		}
	}
	return false
}
