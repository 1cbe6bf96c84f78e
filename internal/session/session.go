// Package session owns the state machine of a single game: creation, joining,
// dealing, turn order, draws and drops, win claims, and player connection
// lifecycle. It never talks to a transport directly; operations return the
// events to deliver and the caller routes them.
package session

import (
	"time"

	"rummi-server/internal/tiles"
)

type Status string

const (
	StatusWaiting  Status = "waiting"
	StatusPlaying  Status = "playing"
	StatusFinished Status = "finished"
	StatusDraw     Status = "draw"
)

func (s Status) Terminal() bool {
	return s == StatusFinished || s == StatusDraw
}

const (
	MinPlayers = 2
	MaxPlayers = 4
)

type Player struct {
	ID              string       `json:"id"`
	Name            string       `json:"name"`
	ConnectionID    string       `json:"connectionId"`
	Rack            []tiles.Tile `json:"rack"`
	LastDroppedTile *tiles.Tile  `json:"lastDroppedTile"`
	Connected       bool         `json:"connected"`
	DisconnectedAt  *time.Time   `json:"disconnectedAt,omitempty"`
}

type Session struct {
	ID                 string       `json:"id"`
	Code               string       `json:"code"`
	Players            []*Player    `json:"players"`
	Pool               []tiles.Tile `json:"pool"`
	CurrentPlayerIndex int          `json:"currentPlayerIndex"`
	Status             Status       `json:"status"`
	WinnerID           *string      `json:"winnerId"`
	HasDrawnThisTurn   bool         `json:"hasDrawnThisTurn"`

	// Version is bumped by the store on every successful Put.
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (s *Session) PlayerIndexByConn(connID string) int {
	if connID == "" {
		return -1
	}
	for i, p := range s.Players {
		if p.ConnectionID == connID {
			return i
		}
	}
	return -1
}

func (s *Session) PlayerIndexByID(id string) int {
	for i, p := range s.Players {
		if p.ID == id {
			return i
		}
	}
	return -1
}

func (s *Session) CurrentPlayer() *Player {
	if len(s.Players) == 0 {
		return nil
	}
	return s.Players[s.CurrentPlayerIndex]
}

// LeftNeighbor is the player who acted immediately before index in turn order.
func (s *Session) LeftNeighbor(index int) int {
	n := len(s.Players)
	return (index - 1 + n) % n
}

// returnDiscard puts the last dropped tile of the player at index back under
// the pool once its claim window has closed.
func (s *Session) returnDiscard(index int) bool {
	p := s.Players[index]
	if p.LastDroppedTile == nil {
		return false
	}
	s.Pool = append(s.Pool, *p.LastDroppedTile)
	p.LastDroppedTile = nil
	return true
}

func (s *Session) advanceTurn() {
	s.CurrentPlayerIndex = (s.CurrentPlayerIndex + 1) % len(s.Players)
	s.HasDrawnThisTurn = false
}

// removePlayer drops the player at index and keeps CurrentPlayerIndex pointing
// at whoever must act next.
func (s *Session) removePlayer(index int) *Player {
	removed := s.Players[index]
	s.Players = append(s.Players[:index:index], s.Players[index+1:]...)

	n := len(s.Players)
	switch {
	case n == 0:
		s.CurrentPlayerIndex = 0
		s.HasDrawnThisTurn = false
	case index < s.CurrentPlayerIndex:
		s.CurrentPlayerIndex--
	case index == s.CurrentPlayerIndex:
		s.CurrentPlayerIndex %= n
		s.HasDrawnThisTurn = false
	}

	return removed
}

// Clone returns a deep copy so a failed transition never leaks into the
// caller's copy.
func (s *Session) Clone() *Session {
	c := *s
	c.Pool = append([]tiles.Tile(nil), s.Pool...)
	if s.WinnerID != nil {
		w := *s.WinnerID
		c.WinnerID = &w
	}

	c.Players = make([]*Player, len(s.Players))
	for i, p := range s.Players {
		cp := *p
		cp.Rack = append([]tiles.Tile(nil), p.Rack...)
		if p.LastDroppedTile != nil {
			t := *p.LastDroppedTile
			cp.LastDroppedTile = &t
		}
		if p.DisconnectedAt != nil {
			d := *p.DisconnectedAt
			cp.DisconnectedAt = &d
		}
		c.Players[i] = &cp
	}

	return &c
}
