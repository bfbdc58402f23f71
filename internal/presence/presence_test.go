package presence

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/chatterbox-im/chatterbox/internal/protocol"
)

type fakeConn struct {
	events []protocol.Event
	closed bool
}

func (c *fakeConn) Send(ev protocol.Event) bool {
	c.events = append(c.events, ev)
	return true
}

func (c *fakeConn) Close() { c.closed = true }

func TestSetOnlineAndLookup(t *testing.T) {
	table := NewTable()
	conn := &fakeConn{}

	require.Nil(t, table.SetOnline("alice", conn))
	require.True(t, table.IsOnline("alice"))
	require.False(t, table.IsOnline("bob"))

	got, ok := table.Lookup("alice")
	require.True(t, ok)
	require.Same(t, conn, got.(*fakeConn))
}

func TestSingleSessionEviction(t *testing.T) {
	table := NewTable()
	first := &fakeConn{}
	second := &fakeConn{}

	require.Nil(t, table.SetOnline("alice", first))
	evicted := table.SetOnline("alice", second)
	require.Same(t, first, evicted.(*fakeConn))

	got, _ := table.Lookup("alice")
	require.Same(t, second, got.(*fakeConn))

	// Re-binding the same conn is not an eviction.
	require.Nil(t, table.SetOnline("alice", second))
}

func TestRemoveIsGuarded(t *testing.T) {
	table := NewTable()
	first := &fakeConn{}
	second := &fakeConn{}

	table.SetOnline("alice", first)
	table.SetOnline("alice", second)

	// The evicted session's disconnect must not remove the replacement.
	require.False(t, table.Remove("alice", first))
	require.True(t, table.IsOnline("alice"))

	require.True(t, table.Remove("alice", second))
	require.False(t, table.IsOnline("alice"))
	require.False(t, table.Remove("alice", second))
}

func TestRename(t *testing.T) {
	table := NewTable()
	conn := &fakeConn{}
	table.SetOnline("alice", conn)

	table.Rename("alice", "wonderland", conn)
	require.False(t, table.IsOnline("alice"))
	require.True(t, table.IsOnline("wonderland"))
}

func TestSnapshot(t *testing.T) {
	table := NewTable()
	table.SetOnline("carol", &fakeConn{})
	table.SetOnline("alice", &fakeConn{})
	table.SetOnline("bob", &fakeConn{})

	snap := table.Snapshot()
	require.Len(t, snap, 3)
	require.Equal(t, "alice", snap[0].Identity)
	require.Equal(t, "bob", snap[1].Identity)
	require.Equal(t, "carol", snap[2].Identity)
}
