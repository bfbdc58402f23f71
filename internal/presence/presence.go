// Package presence tracks which identities currently have a live
// connection. The table is the sole authority for "is this user reachable
// right now"; it holds no durable state and starts empty on every boot.
package presence

import (
	"sort"
	"sync"

	"github.com/chatterbox-im/chatterbox/internal/protocol"
)

// Conn is the handle the table keeps for a live session.
type Conn interface {
	// Send queues an event for delivery, reporting false if the
	// connection is gone or too far behind.
	Send(ev protocol.Event) bool
	// Close tears the connection down.
	Close()
}

// Entry pairs an identity key with its connection.
type Entry struct {
	Identity string
	Conn     Conn
}

// Table maps identity keys to their single active connection. One entry per
// identity: a new login evicts any prior session for the same identity.
type Table struct {
	mu    sync.RWMutex
	conns map[string]Conn
}

// NewTable returns an empty presence table.
func NewTable() *Table {
	return &Table{conns: make(map[string]Conn)}
}

// SetOnline binds identity to conn, returning the evicted prior connection
// if the identity was already online elsewhere.
func (t *Table) SetOnline(identity string, conn Conn) (evicted Conn) {
	t.mu.Lock()
	defer t.mu.Unlock()

	prev := t.conns[identity]
	t.conns[identity] = conn
	if prev == conn {
		return nil
	}
	return prev
}

// Remove drops the entry for identity, but only if it still belongs to
// conn: an evicted session's disconnect must not knock its replacement
// offline. Reports whether an entry was removed.
func (t *Table) Remove(identity string, conn Conn) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conns[identity] != conn {
		return false
	}
	delete(t.conns, identity)
	return true
}

// Rename moves an entry to a new identity key after a rename, keeping the
// single-session invariant for the new key.
func (t *Table) Rename(oldIdentity, newIdentity string, conn Conn) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conns[oldIdentity] == conn {
		delete(t.conns, oldIdentity)
	}
	t.conns[newIdentity] = conn
}

// Lookup returns the connection for identity, if online.
func (t *Table) Lookup(identity string) (Conn, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	conn, ok := t.conns[identity]
	return conn, ok
}

// IsOnline reports whether identity has a live connection.
func (t *Table) IsOnline(identity string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.conns[identity]
	return ok
}

// Snapshot returns all online entries, sorted by identity.
func (t *Table) Snapshot() []Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]Entry, 0, len(t.conns))
	for id, conn := range t.conns {
		out = append(out, Entry{Identity: id, Conn: conn})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identity < out[j].Identity })
	return out
}
