// Package store declares the persistence interface the messaging core
// depends on. Implementations live in subpackages.
package store

import (
	"errors"

	"github.com/chatterbox-im/chatterbox/internal/models"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrUserExists is returned when an identity key is already taken.
	ErrUserExists = errors.New("user already exists")
)

// Store is the durable record store. Mutation callbacks run inside a single
// storage transaction against a freshly fetched record, so precondition
// checks inside them are race-free with respect to other writers.
type Store interface {
	// User operations. Keys are identity keys (models.Key of the name).
	CreateUser(user *models.User) error
	GetUser(key string) (*models.User, error)
	UpdateUser(key string, mutate func(*models.User) error) error

	// RenameUser rewrites the user's identity key and display name and
	// propagates the change to every back-reference in one transaction:
	// contact lists, invite records, group creator/member lists, message
	// sender fields and direct-chat message keys.
	RenameUser(oldKey, newName string) error

	// Group operations.
	CreateGroup(group *models.Group) error
	GetGroup(id string) (*models.Group, error)
	UpdateGroup(id string, mutate func(*models.Group) error) error
	// DeleteGroup removes the group and cascades to every message stored
	// under chatID.
	DeleteGroup(id, chatID string) error
	GroupsForMember(name string) ([]*models.Group, error)

	// Message operations. AppendMessage assigns the position of msg within
	// the chat; ChatMessages returns messages oldest first.
	AppendMessage(chatID string, msg *models.Message) error
	ChatMessages(chatID string) ([]models.Message, error)

	Close() error
}
