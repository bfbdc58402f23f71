package chat

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDirectChatIDOrderIndependent(t *testing.T) {
	tests := []struct {
		a, b string
		want string
	}{
		{"Alice", "Bob", "dm_alice_bob"},
		{"Bob", "Alice", "dm_alice_bob"},
		{"  Alice ", "BOB", "dm_alice_bob"},
		{"zed", "anna", "dm_anna_zed"},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, DirectChatID(tt.a, tt.b))
	}

	require.Equal(t, DirectChatID("Alice", "Bob"), DirectChatID("Bob", "Alice"))
}

func TestGroupChatID(t *testing.T) {
	require.Equal(t, "group_abc-123", GroupChatID("abc-123"))
}
