package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rummi-server/internal/tiles"
)

func TestMemoryStore_CreateGet(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	m := NewMemoryStore()

	s := &Session{ID: "s1", Code: "ABCD", Status: StatusWaiting}
	assert.NoError(m.Create(ctx, s))
	assert.Equal(int64(1), s.Version)

	assert.ErrorIs(m.Create(ctx, &Session{ID: "s2", Code: "ABCD"}), ErrCodeTaken)

	got, err := m.Get(ctx, "ABCD")
	assert.NoError(err)
	assert.Equal("s1", got.ID)

	_, err = m.Get(ctx, "WXYZ")
	assert.ErrorIs(err, ErrNotFound)
}

func TestMemoryStore_PutCompareAndSwap(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	m := NewMemoryStore()
	require.NoError(t, m.Create(ctx, &Session{ID: "s1", Code: "ABCD", Status: StatusWaiting}))

	first, _ := m.Get(ctx, "ABCD")
	second, _ := m.Get(ctx, "ABCD")

	first.Status = StatusPlaying
	assert.NoError(m.Put(ctx, first))
	assert.Equal(int64(2), first.Version)

	second.Status = StatusDraw
	assert.ErrorIs(m.Put(ctx, second), ErrConflict)

	got, _ := m.Get(ctx, "ABCD")
	assert.Equal(StatusPlaying, got.Status)

	assert.ErrorIs(m.Put(ctx, &Session{Code: "WXYZ"}), ErrNotFound)
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	s := &Session{
		ID:      "s1",
		Code:    "ABCD",
		Players: []*Player{{ID: "p1", Rack: []tiles.Tile{{ID: "red-1-0", Color: tiles.Red, Number: 1}}}},
	}
	require.NoError(t, m.Create(ctx, s))

	s.Players[0].Rack[0].Number = 9
	got, _ := m.Get(ctx, "ABCD")
	got.Players[0].Name = "changed"

	again, _ := m.Get(ctx, "ABCD")
	assert.Equal(t, 1, again.Players[0].Rack[0].Number)
	assert.Empty(t, again.Players[0].Name)
}

func TestMemoryStore_Bindings(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	m := NewMemoryStore()

	assert.NoError(m.Bind(ctx, "conn", "ABCD"))
	code, err := m.Lookup(ctx, "conn")
	assert.NoError(err)
	assert.Equal("ABCD", code)

	assert.NoError(m.Unbind(ctx, "conn"))
	_, err = m.Lookup(ctx, "conn")
	assert.ErrorIs(err, ErrNotFound)
	assert.NoError(m.Unbind(ctx, "conn"))
}

func TestMemoryStore_Sweep(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	m := NewMemoryStore()
	old := time.Now().Add(-48 * time.Hour)

	seed := []*Session{
		{Code: "OLD1", Status: StatusFinished, UpdatedAt: old},
		{Code: "OLD2", Status: StatusDraw, UpdatedAt: old},
		{Code: "OLD3", Status: StatusWaiting, UpdatedAt: old},
		{Code: "OLD4", Status: StatusPlaying, UpdatedAt: old, Players: []*Player{{ID: "p1"}, {ID: "p2"}}},
		{Code: "NEW1", Status: StatusFinished, UpdatedAt: time.Now()},
	}
	for _, s := range seed {
		require.NoError(t, m.Create(ctx, s))
	}
	require.NoError(t, m.Bind(ctx, "gone", "OLD1"))
	require.NoError(t, m.Bind(ctx, "kept", "OLD4"))

	deleted, err := m.Sweep(ctx, 24*time.Hour)
	assert.NoError(err)
	assert.Equal(3, deleted)

	for _, code := range []string{"OLD1", "OLD2", "OLD3"} {
		_, err := m.Get(ctx, code)
		assert.ErrorIs(err, ErrNotFound, code)
	}
	for _, code := range []string{"OLD4", "NEW1"} {
		_, err := m.Get(ctx, code)
		assert.NoError(err, code)
	}

	_, err = m.Lookup(ctx, "gone")
	assert.ErrorIs(err, ErrNotFound)
	_, err = m.Lookup(ctx, "kept")
	assert.NoError(err)
}
