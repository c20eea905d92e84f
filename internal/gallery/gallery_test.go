package gallery

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUpsertReplacesExistingID(t *testing.T) {
	g := New()
	g.Upsert(1001, []float32{1, 0}, "Alice", true)
	g.Upsert(1001, []float32{0, 1}, "Alice Updated", true)

	assert.Equal(t, 1, g.Len(), "an id appears at most once")

	var got []float32
	g.Range(func(id int, emb []float32) bool {
		if id == 1001 {
			got = emb
		}
		return true
	})
	assert.Equal(t, []float32{0, 1}, got)

	u, ok := g.Get(1001)
	require.True(t, ok)
	assert.Equal(t, "Alice Updated", u.Name)
	assert.True(t, u.HasFace)
}

func TestRemove(t *testing.T) {
	g := New()
	g.Upsert(1001, []float32{1}, "Alice", true)
	g.Upsert(1002, []float32{2}, "Bob", true)

	assert.True(t, g.Remove(1001))
	assert.False(t, g.Remove(1001), "second remove reports absence")
	assert.Equal(t, 1, g.Len())

	_, ok := g.Get(1001)
	assert.False(t, ok)
	assert.Equal(t, []int{1002}, g.IDs())
}

func TestSetActive(t *testing.T) {
	g := New()
	g.Upsert(1001, []float32{1}, "Alice", true)

	assert.True(t, g.SetActive(1001, false))
	u, _ := g.Get(1001)
	assert.False(t, u.IsActive)

	assert.False(t, g.SetActive(9999, true), "unknown id")
}

func TestReplaceAllDeduplicates(t *testing.T) {
	g := New()
	g.Upsert(5, []float32{9}, "stale", true)

	g.ReplaceAll([]Entry{
		{EnrollID: 1001, Embedding: []float32{1}, Name: "Alice", IsActive: true},
		{EnrollID: 1002, Embedding: []float32{2}, Name: "Bob", IsActive: false},
		{EnrollID: 1001, Embedding: []float32{3}, Name: "Dup", IsActive: true},
	})

	assert.Equal(t, 2, g.Len())
	_, ok := g.Get(5)
	assert.False(t, ok, "prior contents are replaced")

	u, ok := g.Get(1002)
	require.True(t, ok)
	assert.False(t, u.IsActive)
}

func TestRangeStopsEarly(t *testing.T) {
	g := New()
	g.Upsert(1, []float32{1}, "a", true)
	g.Upsert(2, []float32{2}, "b", true)
	g.Upsert(3, []float32{3}, "c", true)

	visited := 0
	g.Range(func(int, []float32) bool {
		visited++
		return visited < 2
	})
	assert.Equal(t, 2, visited)
}

func TestUsersReturnsCopy(t *testing.T) {
	g := New()
	g.Upsert(1001, []float32{1}, "Alice", true)

	users := g.Users()
	delete(users, 1001)

	_, ok := g.Get(1001)
	assert.True(t, ok, "mutating the copy must not touch the gallery")
}
