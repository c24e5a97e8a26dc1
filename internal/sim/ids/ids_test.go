package ids

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGeneratorUniqueAndOrdered(t *testing.T) {
	fixed := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	g := NewGeneratorWith("c0ffee00-1111-2222", rand.New(rand.NewSource(1)), func() time.Time { return fixed })

	seen := map[string]bool{}
	prev := ""
	for i := 0; i < 1000; i++ {
		id, err := g.Next()
		require.NoError(t, err)
		require.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
		require.Greater(t, id, prev, "ids within one millisecond stay ordered")
		prev = id
	}
}

func TestOwnerRoundTrip(t *testing.T) {
	g := NewGenerator("5F0A2B7C-9D1E-4F00-8A6B-000000000001")
	id, err := g.Next()
	require.NoError(t, err)

	owner, ok := Owner(id)
	require.True(t, ok)
	assert.Equal(t, "5f0a2b7c", owner)
	assert.Equal(t, OwnerPrefix("5F0A2B7C-9D1E"), owner)
}

func TestOwnerRejectsForeignIDs(t *testing.T) {
	for _, id := range []string{"", "abc123", "p1-notaulid", "-01arz3ndektsv4rrffq69g5fav"} {
		_, ok := Owner(id)
		assert.False(t, ok, id)
	}
}

func TestOwnerPrefixFallback(t *testing.T) {
	assert.Equal(t, "anon", OwnerPrefix("---"))
	assert.Equal(t, "player42", OwnerPrefix("Player42!"))
}
