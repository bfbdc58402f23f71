// Package badgerstore implements store.Store on BadgerDB. Every record is a
// JSON document under a typed key prefix:
//
//	user:<identityKey>          user records
//	group:<groupID>             group records
//	msg:<chatID>:<seq16hex>     messages, ordered by a global sequence
package badgerstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"github.com/chatterbox-im/chatterbox/internal/chat"
	"github.com/chatterbox-im/chatterbox/internal/models"
	"github.com/chatterbox-im/chatterbox/internal/store"
)

const (
	userPrefix  = "user:"
	groupPrefix = "group:"
	msgPrefix   = "msg:"

	msgSeqKey = "sys:msgseq"
	// hex digits in a message sequence suffix; fixed width keeps keys sorted.
	seqWidth = 16
)

// BadgerStore is the badger-backed implementation of store.Store.
type BadgerStore struct {
	db  *badger.DB
	seq *badger.Sequence
	log *zap.Logger
}

var _ store.Store = (*BadgerStore)(nil)

// Open opens (or creates) the store in dir. An empty dir opens an in-memory
// store, which tests use.
func Open(dir string, log *zap.Logger) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dir)
	opts.Logger = nil
	if dir == "" {
		opts = opts.WithInMemory(true)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger at %q: %w", dir, err)
	}

	seq, err := db.GetSequence([]byte(msgSeqKey), 128)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("message sequence: %w", err)
	}

	return &BadgerStore{db: db, seq: seq, log: log}, nil
}

// Close releases the sequence and the database.
func (s *BadgerStore) Close() error {
	if err := s.seq.Release(); err != nil {
		s.log.Warn("release message sequence", zap.Error(err))
	}
	return s.db.Close()
}

// CreateUser stores a new user record, failing if the identity key is taken.
func (s *BadgerStore) CreateUser(user *models.User) error {
	key := userKey(models.Key(user.Name))
	return s.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(key)
		if err == nil {
			return store.ErrUserExists
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return setJSON(txn, key, docFor(user))
	})
}

// GetUser fetches a user by identity key.
func (s *BadgerStore) GetUser(key string) (*models.User, error) {
	var user *models.User
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		user, err = getUser(txn, key)
		return err
	})
	if err != nil {
		return nil, err
	}
	return user, nil
}

// UpdateUser applies mutate to a freshly fetched record inside one
// transaction. The callback's precondition checks are therefore race-free.
func (s *BadgerStore) UpdateUser(key string, mutate func(*models.User) error) error {
	return s.db.Update(func(txn *badger.Txn) error {
		user, err := getUser(txn, key)
		if err != nil {
			return err
		}
		if err := mutate(user); err != nil {
			return err
		}
		return setJSON(txn, userKey(key), docFor(user))
	})
}

// RenameUser rewrites the identity key and display name and propagates the
// change everywhere the old name is referenced. The whole rewrite is one
// transaction: either every back-reference moves or none do.
func (s *BadgerStore) RenameUser(oldKey, newName string) error {
	trimmed := strings.TrimSpace(newName)
	newKey := models.Key(trimmed)

	return s.db.Update(func(txn *badger.Txn) error {
		user, err := getUser(txn, oldKey)
		if err != nil {
			return err
		}
		oldName := user.Name

		if newKey != oldKey {
			if _, err := txn.Get(userKey(newKey)); err == nil {
				return store.ErrUserExists
			} else if !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}
			if err := txn.Delete(userKey(oldKey)); err != nil {
				return err
			}
		}
		user.Name = trimmed
		if err := setJSON(txn, userKey(newKey), docFor(user)); err != nil {
			return err
		}

		if err := s.rewriteUserRefs(txn, oldKey, newKey, oldName, trimmed); err != nil {
			return err
		}
		if err := s.rewriteGroupRefs(txn, oldName, trimmed); err != nil {
			return err
		}
		return s.rewriteMessages(txn, oldKey, newKey, oldName, trimmed)
	})
}

// rewriteUserRefs updates contact lists, outgoing invite lists and pending
// invite records on every other user.
func (s *BadgerStore) rewriteUserRefs(txn *badger.Txn, oldKey, newKey, oldName, newName string) error {
	type pending struct {
		key  []byte
		user *models.User
	}
	var dirty []pending

	it := txn.NewIterator(badger.DefaultIteratorOptions)
	prefix := []byte(userPrefix)
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		item := it.Item()
		k := string(item.Key())
		if k == string(userKey(oldKey)) || k == string(userKey(newKey)) {
			continue
		}
		var u models.User
		if err := item.Value(func(v []byte) error { return json.Unmarshal(v, &u) }); err != nil {
			it.Close()
			return err
		}
		changed := models.ReplaceFold(u.Contacts, oldName, newName)
		if models.ReplaceFold(u.Invited, oldName, newName) {
			changed = true
		}
		for i := range u.PendingInvites {
			if strings.EqualFold(u.PendingInvites[i].From, oldName) {
				u.PendingInvites[i].From = newName
				changed = true
			}
		}
		if changed {
			uc := u
			dirty = append(dirty, pending{key: item.KeyCopy(nil), user: &uc})
		}
	}
	it.Close()

	for _, p := range dirty {
		if err := setJSON(txn, p.key, docFor(p.user)); err != nil {
			return err
		}
	}
	return nil
}

func (s *BadgerStore) rewriteGroupRefs(txn *badger.Txn, oldName, newName string) error {
	type pending struct {
		key   []byte
		group models.Group
	}
	var dirty []pending

	it := txn.NewIterator(badger.DefaultIteratorOptions)
	prefix := []byte(groupPrefix)
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		item := it.Item()
		var g models.Group
		if err := item.Value(func(v []byte) error { return json.Unmarshal(v, &g) }); err != nil {
			it.Close()
			return err
		}
		changed := models.ReplaceFold(g.Members, oldName, newName)
		if strings.EqualFold(g.Creator, oldName) {
			g.Creator = newName
			changed = true
		}
		if changed {
			dirty = append(dirty, pending{key: item.KeyCopy(nil), group: g})
		}
	}
	it.Close()

	for _, p := range dirty {
		if err := setJSON(txn, p.key, p.group); err != nil {
			return err
		}
	}
	return nil
}

// rewriteMessages rewrites sender fields and, when the identity key itself
// changed, moves direct-chat messages to their recomputed chat identifier so
// history stays reachable.
func (s *BadgerStore) rewriteMessages(txn *badger.Txn, oldKey, newKey, oldName, newName string) error {
	type pending struct {
		oldMsgKey []byte
		newMsgKey []byte
		msg       models.Message
	}
	var dirty []pending

	userExists := func(key string) bool {
		_, err := txn.Get(userKey(key))
		return err == nil
	}

	it := txn.NewIterator(badger.DefaultIteratorOptions)
	prefix := []byte(msgPrefix)
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		item := it.Item()
		k := string(item.Key())
		chatID, seqSuffix, ok := splitMsgKey(k)
		if !ok {
			continue
		}

		var m models.Message
		if err := item.Value(func(v []byte) error { return json.Unmarshal(v, &m) }); err != nil {
			it.Close()
			return err
		}

		changed := false
		if strings.EqualFold(m.Sender, oldName) {
			m.Sender = newName
			changed = true
		}

		target := item.KeyCopy(nil)
		var moveFrom []byte
		if newKey != oldKey {
			if moved, newChat := renamedDirectChat(chatID, oldKey, newKey, userExists); moved {
				moveFrom = item.KeyCopy(nil)
				target = []byte(msgPrefix + newChat + ":" + seqSuffix)
				changed = true
			}
		}
		if changed {
			dirty = append(dirty, pending{oldMsgKey: moveFrom, newMsgKey: target, msg: m})
		}
	}
	it.Close()

	for _, p := range dirty {
		if p.oldMsgKey != nil {
			if err := txn.Delete(p.oldMsgKey); err != nil {
				return err
			}
		}
		if err := setJSON(txn, p.newMsgKey, p.msg); err != nil {
			return err
		}
	}
	return nil
}

// CreateGroup stores a new group record.
func (s *BadgerStore) CreateGroup(group *models.Group) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return setJSON(txn, groupKey(group.ID), group)
	})
}

// GetGroup fetches a group by id.
func (s *BadgerStore) GetGroup(id string) (*models.Group, error) {
	var group *models.Group
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		group, err = getGroup(txn, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return group, nil
}

// UpdateGroup applies mutate to a freshly fetched group inside one
// transaction.
func (s *BadgerStore) UpdateGroup(id string, mutate func(*models.Group) error) error {
	return s.db.Update(func(txn *badger.Txn) error {
		group, err := getGroup(txn, id)
		if err != nil {
			return err
		}
		if err := mutate(group); err != nil {
			return err
		}
		return setJSON(txn, groupKey(id), group)
	})
}

// DeleteGroup removes the group record and every message of its chat in one
// transaction.
func (s *BadgerStore) DeleteGroup(id, chatID string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(groupKey(id)); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return store.ErrNotFound
			}
			return err
		}
		if err := txn.Delete(groupKey(id)); err != nil {
			return err
		}

		var doomed [][]byte
		it := txn.NewIterator(badger.IteratorOptions{PrefetchValues: false})
		prefix := []byte(msgPrefix + chatID + ":")
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			doomed = append(doomed, it.Item().KeyCopy(nil))
		}
		it.Close()

		for _, k := range doomed {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// GroupsForMember returns every group whose member list contains name.
func (s *BadgerStore) GroupsForMember(name string) ([]*models.Group, error) {
	var groups []*models.Group
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(groupPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var g models.Group
			if err := it.Item().Value(func(v []byte) error { return json.Unmarshal(v, &g) }); err != nil {
				return err
			}
			if g.HasMember(name) {
				gc := g
				groups = append(groups, &gc)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return groups, nil
}

// AppendMessage persists msg at the next position in the chat. Sequence
// numbers are globally monotonic, so within a chat prefix the key order is
// the send order.
func (s *BadgerStore) AppendMessage(chatID string, msg *models.Message) error {
	seq, err := s.seq.Next()
	if err != nil {
		return fmt.Errorf("next message sequence: %w", err)
	}
	key := []byte(fmt.Sprintf("%s%s:%0*x", msgPrefix, chatID, seqWidth, seq))
	return s.db.Update(func(txn *badger.Txn) error {
		return setJSON(txn, key, msg)
	})
}

// ChatMessages returns the chat's messages oldest first.
func (s *BadgerStore) ChatMessages(chatID string) ([]models.Message, error) {
	var msgs []models.Message
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(msgPrefix + chatID + ":")
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var m models.Message
			if err := it.Item().Value(func(v []byte) error { return json.Unmarshal(v, &m) }); err != nil {
				return err
			}
			msgs = append(msgs, m)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return msgs, nil
}

func userKey(key string) []byte { return []byte(userPrefix + key) }
func groupKey(id string) []byte { return []byte(groupPrefix + id) }

// userDoc is the stored form of a user. The wire type hides the password
// from JSON; the stored document must keep it.
type userDoc struct {
	models.User
	StoredPassword string `json:"password"`
}

func docFor(user *models.User) userDoc {
	return userDoc{User: *user, StoredPassword: user.Password}
}

func getUser(txn *badger.Txn, key string) (*models.User, error) {
	item, err := txn.Get(userKey(key))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	var doc userDoc
	if err := item.Value(func(v []byte) error { return json.Unmarshal(v, &doc) }); err != nil {
		return nil, err
	}
	user := doc.User
	user.Password = doc.StoredPassword
	return &user, nil
}

func getGroup(txn *badger.Txn, id string) (*models.Group, error) {
	item, err := txn.Get(groupKey(id))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	var group models.Group
	if err := item.Value(func(v []byte) error { return json.Unmarshal(v, &group) }); err != nil {
		return nil, err
	}
	return &group, nil
}

func setJSON(txn *badger.Txn, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set(key, data)
}

// splitMsgKey parses "msg:<chatID>:<seq>". The sequence suffix has a fixed
// width, so the chat identifier is everything between the prefix and the
// final separator.
func splitMsgKey(key string) (chatID, seqSuffix string, ok bool) {
	if !strings.HasPrefix(key, msgPrefix) {
		return "", "", false
	}
	rest := key[len(msgPrefix):]
	if len(rest) < seqWidth+1 {
		return "", "", false
	}
	cut := len(rest) - seqWidth - 1
	if rest[cut] != ':' {
		return "", "", false
	}
	return rest[:cut], rest[cut+1:], true
}

// renamedDirectChat recomputes a direct chat identifier when one participant
// key changed, reporting whether the identifier moved. Identity keys may
// contain the separator themselves, so a prefix or suffix match on oldKey
// alone is ambiguous: the counterpart the match leaves behind must resolve
// to a known user, or the match is rejected.
func renamedDirectChat(chatID, oldKey, newKey string, exists func(key string) bool) (bool, string) {
	const dm = "dm_"
	if !strings.HasPrefix(chatID, dm) {
		return false, ""
	}
	rest := chatID[len(dm):]

	// oldKey's own record has already moved to newKey by the time messages
	// are rewritten, so the self-chat counterpart is accepted explicitly.
	valid := func(other string) bool {
		return other == oldKey || exists(other)
	}

	var other string
	switch {
	case strings.HasPrefix(rest, oldKey+"_") && valid(rest[len(oldKey)+1:]):
		other = rest[len(oldKey)+1:]
	case strings.HasSuffix(rest, "_"+oldKey) && valid(rest[:len(rest)-len(oldKey)-1]):
		other = rest[:len(rest)-len(oldKey)-1]
	default:
		return false, ""
	}
	if other == oldKey {
		other = newKey
	}
	newChat := chat.DirectChatID(newKey, other)
	if newChat == chatID {
		return false, ""
	}
	return true, newChat
}
