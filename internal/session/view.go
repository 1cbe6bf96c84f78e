package session

import (
	"time"

	"rummi-server/internal/tiles"
)

// GameState is the session as one particular player is allowed to see it.
type GameState struct {
	ID                 string       `json:"id"`
	Code               string       `json:"code"`
	Players            []PlayerView `json:"players"`
	PoolSize           int          `json:"poolSize"`
	CurrentPlayerIndex int          `json:"currentPlayerIndex"`
	Status             Status       `json:"status"`
	WinnerID           *string      `json:"winnerId"`
	HasDrawnThisTurn   bool         `json:"hasDrawnThisTurn"`
	YourPlayerID       string       `json:"yourPlayerId,omitempty"`
}

type PlayerView struct {
	ID              string       `json:"id"`
	Name            string       `json:"name"`
	Connected       bool         `json:"connected"`
	DisconnectedAt  *time.Time   `json:"disconnectedAt,omitempty"`
	RackSize        int          `json:"rackSize"`
	Rack            []tiles.Tile `json:"rack,omitempty"`
	LastDroppedTile *tiles.Tile  `json:"lastDroppedTile"`
	IsHost          bool         `json:"isHost"`
}

func viewOfPlayer(p *Player, index int, showRack bool) PlayerView {
	v := PlayerView{
		ID:              p.ID,
		Name:            p.Name,
		Connected:       p.Connected,
		DisconnectedAt:  p.DisconnectedAt,
		RackSize:        len(p.Rack),
		LastDroppedTile: p.LastDroppedTile,
		IsHost:          index == 0,
	}
	if showRack {
		v.Rack = append([]tiles.Tile{}, p.Rack...)
	}
	return v
}

// StateFor projects s for the player with viewerID. Racks of other players are
// reduced to their size until the game is over.
func StateFor(s *Session, viewerID string) GameState {
	reveal := s.Status.Terminal()

	players := make([]PlayerView, len(s.Players))
	for i, p := range s.Players {
		players[i] = viewOfPlayer(p, i, reveal || p.ID == viewerID)
	}

	return GameState{
		ID:                 s.ID,
		Code:               s.Code,
		Players:            players,
		PoolSize:           len(s.Pool),
		CurrentPlayerIndex: s.CurrentPlayerIndex,
		Status:             s.Status,
		WinnerID:           s.WinnerID,
		HasDrawnThisTurn:   s.HasDrawnThisTurn,
		YourPlayerID:       viewerID,
	}
}

// PublicView is what everyone may see about p.
func PublicView(s *Session, p *Player) PlayerView {
	return viewOfPlayer(p, s.PlayerIndexByID(p.ID), s.Status.Terminal())
}

// SelfView is p as seen by p.
func SelfView(s *Session, p *Player) PlayerView {
	return viewOfPlayer(p, s.PlayerIndexByID(p.ID), true)
}
