package session

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"rummi-server/internal/tiles"
)

func viewFixture() *Session {
	return &Session{
		ID:     "s1",
		Code:   "ABCD",
		Status: StatusPlaying,
		Pool:   []tiles.Tile{{ID: "red-1-0", Color: tiles.Red, Number: 1}},
		Players: []*Player{
			{ID: "p1", Name: "Alice", Connected: true, Rack: []tiles.Tile{{ID: "blue-2-0", Color: tiles.Blue, Number: 2}}},
			{ID: "p2", Name: "Bob", Connected: true, Rack: []tiles.Tile{{ID: "black-3-1", Color: tiles.Black, Number: 3}, {ID: "joker-0", Color: tiles.Red, IsJoker: true}}},
		},
	}
}

func TestStateFor_HidesOtherRacks(t *testing.T) {
	assert := assert.New(t)
	s := viewFixture()

	state := StateFor(s, "p2")

	assert.Equal("p2", state.YourPlayerID)
	assert.Equal(1, state.PoolSize)
	assert.Nil(state.Players[0].Rack)
	assert.Equal(1, state.Players[0].RackSize)
	assert.Len(state.Players[1].Rack, 2)
	assert.True(state.Players[0].IsHost)
	assert.False(state.Players[1].IsHost)
}

func TestStateFor_RevealsRacksWhenOver(t *testing.T) {
	for _, status := range []Status{StatusFinished, StatusDraw} {
		s := viewFixture()
		s.Status = status

		state := StateFor(s, "p1")
		assert.Len(t, state.Players[0].Rack, 1, string(status))
		assert.Len(t, state.Players[1].Rack, 2, string(status))
	}
}

func TestStateFor_DoesNotAliasRacks(t *testing.T) {
	s := viewFixture()
	state := StateFor(s, "p1")

	state.Players[0].Rack[0].Number = 13
	assert.Equal(t, 2, s.Players[0].Rack[0].Number)
}

func TestPublicAndSelfView(t *testing.T) {
	assert := assert.New(t)
	s := viewFixture()

	assert.Nil(PublicView(s, s.Players[1]).Rack)
	assert.Len(SelfView(s, s.Players[1]).Rack, 2)
	assert.Equal(2, PublicView(s, s.Players[1]).RackSize)
}
