package conversation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveKeySortsParticipants(t *testing.T) {
	key, err := ResolveKey("u1", "u2")
	require.NoError(t, err)
	assert.Equal(t, "u1_u2", key)

	reversed, err := ResolveKey("u2", "u1")
	require.NoError(t, err)
	assert.Equal(t, key, reversed)
}

func TestResolveKeyIsSymmetricAndDeterministic(t *testing.T) {
	pairs := [][2]string{
		{"9f1c2e4a-0000-4000-8000-000000000001", "0a7b3c1d-0000-4000-8000-000000000002"},
		{"brand-42", "creator-7"},
		{"Z", "a"},
		{"same", "same"},
	}
	for _, p := range pairs {
		first, err := ResolveKey(p[0], p[1])
		require.NoError(t, err)
		second, err := ResolveKey(p[1], p[0])
		require.NoError(t, err)
		again, err := ResolveKey(p[0], p[1])
		require.NoError(t, err)

		assert.Equal(t, first, second, "pair %v", p)
		assert.Equal(t, first, again, "pair %v", p)
	}
}

func TestResolveKeySelfChat(t *testing.T) {
	key, err := ResolveKey("u1", "u1")
	require.NoError(t, err)
	assert.Equal(t, "u1_u1", key)
}

func TestResolveKeyRejectsEmptyIdentifiers(t *testing.T) {
	for _, p := range [][2]string{{"", "u2"}, {"u1", ""}, {"", ""}, {"  ", "u2"}} {
		_, err := ResolveKey(p[0], p[1])
		assert.ErrorIs(t, err, ErrInvalidIdentifier)
	}
}

func TestMessagesPath(t *testing.T) {
	assert.Equal(t, "conversations/u1_u2/messages", MessagesPath("u1_u2"))
}

func TestKeyFromPath(t *testing.T) {
	key, ok := KeyFromPath(MessagesPath("u1_u2"))
	require.True(t, ok)
	assert.Equal(t, "u1_u2", key)

	for _, path := range []string{"conversations//messages", "chats/u1_u2/messages", "conversations/u1_u2"} {
		_, ok := KeyFromPath(path)
		assert.False(t, ok, path)
	}
}

func TestCounterpart(t *testing.T) {
	tests := []struct {
		key, self, want string
		ok              bool
	}{
		{key: "u1_u2", self: "u1", want: "u2", ok: true},
		{key: "u1_u2", self: "u2", want: "u1", ok: true},
		{key: "u1_u1", self: "u1", want: "u1", ok: true},
		{key: "brand_7_creator_3", self: "brand_7", want: "creator_3", ok: true},
		{key: "brand_7_creator_3", self: "creator_3", want: "brand_7", ok: true},
		{key: "u1_u2", self: "u3", ok: false},
		{key: "u1_u2", self: "u", ok: false},
		{key: "u1_u2", self: "", ok: false},
	}
	for _, tt := range tests {
		got, ok := Counterpart(tt.key, tt.self)
		assert.Equal(t, tt.ok, ok, "%s as %s", tt.key, tt.self)
		assert.Equal(t, tt.want, got, "%s as %s", tt.key, tt.self)
	}
}
