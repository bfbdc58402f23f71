package models

import "strings"

// Key derives the identity key for a display name. Records are stored and
// looked up under this key, so two names differing only in case or
// surrounding whitespace refer to the same user.
func Key(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// User is the durable record for a registered user.
type User struct {
	Name           string   `json:"name"`
	Password       string   `json:"-"`
	Contacts       []string `json:"contacts"`
	Invited        []string `json:"invited"`
	PendingInvites []Invite `json:"pendingInvites"`
	Avatar         string   `json:"avatar,omitempty"`
	Theme          string   `json:"theme,omitempty"`
	CreatedAt      int64    `json:"createdAt"`
}

// Invite is a pending incoming invite held on the invited user's record.
type Invite struct {
	From      string `json:"from"`
	Timestamp int64  `json:"timestamp"`
}

// HasContact reports whether name is in the user's contact set.
func (u *User) HasContact(name string) bool {
	return containsFold(u.Contacts, name)
}

// HasInvited reports whether the user has a pending outgoing invite to name.
func (u *User) HasInvited(name string) bool {
	return containsFold(u.Invited, name)
}

// PendingInviteFrom returns the pending incoming invite sent by name, if any.
func (u *User) PendingInviteFrom(name string) (Invite, bool) {
	for _, inv := range u.PendingInvites {
		if strings.EqualFold(inv.From, name) {
			return inv, true
		}
	}
	return Invite{}, false
}

// Group is a named chat owned by its creator. The creator is always a member
// and is the only user allowed to mutate or delete the group.
type Group struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Creator     string   `json:"creator"`
	Members     []string `json:"members"`
	Description string   `json:"description,omitempty"`
	Avatar      string   `json:"avatar,omitempty"`
	CreatedAt   int64    `json:"createdAt"`
}

// HasMember reports whether name is in the group's member list.
func (g *Group) HasMember(name string) bool {
	return containsFold(g.Members, name)
}

// IsManager reports whether name is the group's creator.
func (g *Group) IsManager(name string) bool {
	return strings.EqualFold(g.Creator, name)
}

// Message is a single persisted chat message. Messages are immutable once
// stored; Sent is a per-viewer annotation and carries no durable meaning.
type Message struct {
	Sender    string `json:"sender"`
	Text      string `json:"text,omitempty"`
	Image     string `json:"image,omitempty"`
	Time      string `json:"time"`
	Timestamp int64  `json:"timestamp"`
	Sent      bool   `json:"sent"`
}

// ViewedBy returns a copy of the message with the sent flag computed for the
// given viewer.
func (m Message) ViewedBy(viewer string) Message {
	m.Sent = strings.EqualFold(m.Sender, viewer)
	return m
}

func containsFold(list []string, name string) bool {
	for _, v := range list {
		if strings.EqualFold(v, name) {
			return true
		}
	}
	return false
}

// RemoveFold deletes every entry of list equal to name under case folding and
// returns the resulting slice.
func RemoveFold(list []string, name string) []string {
	out := make([]string, 0, len(list))
	for _, v := range list {
		if !strings.EqualFold(v, name) {
			out = append(out, v)
		}
	}
	return out
}

// ReplaceFold rewrites every entry of list equal to oldName (case folded)
// with newName, reporting whether anything changed.
func ReplaceFold(list []string, oldName, newName string) bool {
	changed := false
	for i, v := range list {
		if strings.EqualFold(v, oldName) {
			list[i] = newName
			changed = true
		}
	}
	return changed
}
